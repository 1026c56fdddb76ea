package echo

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/h2stream/internal/logger"
	"example.com/h2stream/internal/message"
	"example.com/h2stream/internal/server"
	"example.com/h2stream/internal/stream"
	"example.com/h2stream/internal/testutil"
)

// request builds an Incoming whose payload has fully arrived.
func request(h stream.Headers, chunks ...[]byte) *message.Incoming {
	s, ft := testutil.AttachedStream(1, h)
	ft.Send(chunks...)
	ft.Finish()
	return message.NewIncoming(s)
}

func serve(t *testing.T, raw string, in *message.Incoming) *message.Outgoing {
	t.Helper()
	h, err := New(json.RawMessage(raw), logger.Nop())
	require.NoError(t, err)
	out := message.NewOutgoing()
	require.NoError(t, h.ServeStream(context.Background(), in, out))
	require.NoError(t, out.PrepareData())
	return out
}

func payload(t *testing.T, out *message.Outgoing) string {
	t.Helper()
	b, err := out.Payload()
	require.NoError(t, err)
	return string(b)
}

func TestEcho_JSON(t *testing.T) {
	in := request(stream.Headers{"content-type": {"application/json"}}, []byte(`{"a":`), []byte(`[1,2]}`))
	out := serve(t, "", in)

	assert.Equal(t, http.StatusOK, out.Status())
	assert.Equal(t, "application/json", out.GetHeader("content-type"))
	assert.JSONEq(t, `{"a":[1,2]}`, payload(t, out))
}

func TestEcho_WrapJSON(t *testing.T) {
	in := request(stream.Headers{"content-type": {"application/json; charset=utf-8"}}, []byte(`"hi"`))
	out := serve(t, `{"wrap":true}`, in)

	assert.Equal(t, message.ContentTypeJSON, out.GetHeader("content-type"))
	assert.JSONEq(t, `{"echo":"hi"}`, payload(t, out))
}

func TestEcho_WrapLeavesTextAlone(t *testing.T) {
	in := request(stream.Headers{"content-type": {"text/plain"}}, []byte("plain"))
	out := serve(t, `{"wrap":true}`, in)

	assert.Equal(t, "text/plain", out.GetHeader("content-type"))
	assert.Equal(t, "plain", payload(t, out))
}

func TestEcho_Binary(t *testing.T) {
	blob := []byte{0x00, 0xff, 0x10, 0x00}
	in := request(stream.Headers{}, blob)
	out := serve(t, "", in)

	assert.Equal(t, message.ContentTypeOctetStream, out.GetHeader("content-type"))
	assert.Equal(t, string(blob), payload(t, out))
}

func TestEcho_Empty(t *testing.T) {
	out := serve(t, "", request(stream.Headers{}))
	assert.Equal(t, http.StatusNoContent, out.Status())
	assert.False(t, out.HasData())
}

func TestEcho_EncodedHeaders(t *testing.T) {
	sent := message.NewOutgoing().SetEncodedHeader("x-note", "héllo")
	h := stream.Headers{"content-type": {"text/plain"}}
	for _, f := range sent.GetHeaders() {
		h.Set(f.Name, f.Values...)
	}
	out := serve(t, "", request(h, []byte("x")))

	assert.Equal(t, sent.GetHeader("x-note"), out.GetHeader("x-note"))
	assert.Equal(t, "x-note", out.GetHeader(message.EncodedHeaderFields))
}

func TestEcho_MalformedJSON(t *testing.T) {
	in := request(stream.Headers{"content-type": {"application/json"}}, []byte(`{"a":`))
	out := serve(t, "", in)

	assert.Equal(t, http.StatusBadRequest, out.Status())
	assert.Contains(t, payload(t, out), "failed to decode json")
}

func TestEcho_StreamFailure(t *testing.T) {
	s, ft := testutil.AttachedStream(1, stream.Headers{})
	ft.Fail(errors.New("connection reset"))

	h, err := New(nil, logger.Nop())
	require.NoError(t, err)
	err = h.ServeStream(context.Background(), message.NewIncoming(s), message.NewOutgoing())
	assert.ErrorIs(t, err, stream.ErrEndedAbnormally)
}

func TestNew_RejectsUnknownFields(t *testing.T) {
	_, err := New(json.RawMessage(`{"wrapp":true}`), logger.Nop())
	assert.ErrorContains(t, err, "invalid Echo handler_config")
}

func TestRegister(t *testing.T) {
	reg := server.NewHandlerRegistry()
	require.NoError(t, Register(reg))
	h, err := reg.CreateHandler(HandlerType, json.RawMessage(`{"wrap":true}`), logger.Nop())
	require.NoError(t, err)
	assert.True(t, h.(*Handler).cfg.Wrap)
	assert.Error(t, Register(reg), "double registration")
}
