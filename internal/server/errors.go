package server

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"example.com/h2stream/internal/message"
)

// jsonMarshalFunc allows swapping out json.Marshal for testing.
var jsonMarshalFunc = json.Marshal

// ErrorDetail represents the inner structure of a JSON error response.
type ErrorDetail struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Detail     string `json:"detail,omitempty"`
}

// ErrorResponseJSON represents the full JSON error response body.
type ErrorResponseJSON struct {
	Error ErrorDetail `json:"error"`
}

var defaultHTMLMessages = map[int]string{
	http.StatusNotFound:            "The requested resource was not found on this server.",
	http.StatusInternalServerError: "The server encountered an internal error and was unable to complete your request.",
	http.StatusMethodNotAllowed:    "The method is not allowed for the requested resource.",
	http.StatusBadRequest:          "The server cannot process the request due to a client error.",
}

type mediaOffer struct {
	mediaType string
	q         float64
	specific  bool
	order     int
}

// PrefersHTML reports whether the Accept header ranks text/html above
// application/json. Error bodies default to JSON.
func PrefersHTML(accept string) bool {
	if strings.TrimSpace(accept) == "" {
		return false
	}

	var offers []mediaOffer
	for i, part := range strings.Split(accept, ",") {
		part = strings.TrimSpace(part)
		mediaType, params, _ := strings.Cut(part, ";")
		q := 1.0
		for _, p := range strings.Split(params, ";") {
			p = strings.TrimSpace(p)
			if v, ok := strings.CutPrefix(p, "q="); ok {
				parsed, err := strconv.ParseFloat(v, 64)
				if err != nil || parsed < 0 || parsed > 1 {
					parsed = 0
				}
				q = parsed
				break
			}
		}
		// A q of 0 means "not acceptable".
		if q == 0 {
			continue
		}
		mediaType = strings.ToLower(strings.TrimSpace(mediaType))
		offers = append(offers, mediaOffer{
			mediaType: mediaType,
			q:         q,
			specific:  !strings.HasSuffix(mediaType, "/*"),
			order:     i,
		})
	}
	if len(offers) == 0 {
		return false
	}

	sort.SliceStable(offers, func(i, j int) bool {
		if offers[i].q != offers[j].q {
			return offers[i].q > offers[j].q
		}
		if offers[i].specific != offers[j].specific {
			return offers[i].specific
		}
		return offers[i].order < offers[j].order
	})
	return offers[0].mediaType == "text/html"
}

// newErrorResponse builds a default error response. The body is JSON
// unless the client asked for HTML.
func newErrorResponse(statusCode int, accept, detail string) *message.Outgoing {
	statusText := http.StatusText(statusCode)
	if statusText == "" {
		statusText = "Error"
	}
	out := message.NewOutgoing().
		SetStatus(statusCode).
		SetHeader("cache-control", "no-cache, no-store, must-revalidate")

	if !PrefersHTML(accept) {
		body, err := jsonMarshalFunc(ErrorResponseJSON{Error: ErrorDetail{
			StatusCode: statusCode,
			Message:    statusText,
			Detail:     detail,
		}})
		if err == nil {
			return out.SetHeader("content-type", message.ContentTypeJSON).SetData(body)
		}
	}

	msg, known := defaultHTMLMessages[statusCode]
	if !known {
		msg = "The server encountered an error processing your request."
	}
	if detail != "" {
		msg += " " + html.EscapeString(detail)
	}
	title := fmt.Sprintf("%d %s", statusCode, statusText)
	body := fmt.Sprintf(`<html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>`,
		html.EscapeString(title), html.EscapeString(statusText), msg)
	return out.SetHeader("content-type", "text/html; charset=utf-8").SetData([]byte(body))
}
