package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2stream/internal/message"
)

func TestPrefersHTML(t *testing.T) {
	tests := []struct {
		accept string
		want   bool
	}{
		{"", false},
		{"text/html", true},
		{"application/json", false},
		{"*/*", false},
		{"text/html, application/json", true},
		{"application/json, text/html", false},
		{"text/html;q=0.5, application/json", false},
		{"application/json;q=0.4, text/html;q=0.9", true},
		{"text/*, text/html", true},
		{"text/html;q=0, application/json;q=0.1", false},
		{"text/html;level=1;q=0.8, application/json;q=0.7", true},
		{"text/html;q=abc", false},
		{"  TEXT/HTML  ", true},
	}
	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			assert.Equal(t, tt.want, PrefersHTML(tt.accept))
		})
	}
}

func errorBody(t *testing.T, out *message.Outgoing) string {
	t.Helper()
	require.NoError(t, out.PrepareData())
	b, err := out.Payload()
	require.NoError(t, err)
	return string(b)
}

func TestNewErrorResponse_JSON(t *testing.T) {
	out := newErrorResponse(http.StatusNotFound, "", "nothing here")

	assert.Equal(t, http.StatusNotFound, out.Status())
	assert.Equal(t, message.ContentTypeJSON, out.GetHeader("content-type"))
	assert.Equal(t, "no-cache, no-store, must-revalidate", out.GetHeader("cache-control"))

	var parsed ErrorResponseJSON
	require.NoError(t, json.Unmarshal([]byte(errorBody(t, out)), &parsed))
	assert.Equal(t, ErrorDetail{StatusCode: 404, Message: "Not Found", Detail: "nothing here"}, parsed.Error)
}

func TestNewErrorResponse_HTML(t *testing.T) {
	out := newErrorResponse(http.StatusInternalServerError, "text/html", "<script>")

	assert.Equal(t, "text/html; charset=utf-8", out.GetHeader("content-type"))
	assert.Equal(t,
		`<html><head><title>500 Internal Server Error</title></head><body><h1>Internal Server Error</h1>`+
			`<p>The server encountered an internal error and was unable to complete your request. &lt;script&gt;</p></body></html>`,
		errorBody(t, out))
}

func TestNewErrorResponse_UnknownStatus(t *testing.T) {
	out := newErrorResponse(599, "text/html", "")
	body := errorBody(t, out)
	assert.Contains(t, body, "<title>599 Error</title>")
	assert.Contains(t, body, "The server encountered an error processing your request.")
}

func TestNewErrorResponse_MarshalFailureFallsBackToHTML(t *testing.T) {
	original := jsonMarshalFunc
	jsonMarshalFunc = func(interface{}) ([]byte, error) { return nil, errors.New("marshal failed") }
	defer func() { jsonMarshalFunc = original }()

	out := newErrorResponse(http.StatusBadRequest, "application/json", "")
	assert.Equal(t, "text/html; charset=utf-8", out.GetHeader("content-type"))
	assert.Contains(t, errorBody(t, out), "<h1>Bad Request</h1>")
}
