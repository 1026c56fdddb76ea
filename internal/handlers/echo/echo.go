// Package echo implements a handler that sends the request payload back.
package echo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"example.com/h2stream/internal/logger"
	"example.com/h2stream/internal/message"
	"example.com/h2stream/internal/server"
)

// HandlerType is the handler_type that selects this handler in routes.
const HandlerType = "Echo"

// Config is the handler_config of an Echo route.
type Config struct {
	// Wrap returns JSON payloads as {"echo": <payload>}.
	Wrap bool `json:"wrap,omitempty"`
}

// Handler echoes the request payload with the request's content type.
// Headers listed in encoded-header-fields are echoed back encoded.
type Handler struct {
	cfg Config
	log *logger.Logger
}

// New parses raw and returns a Handler. Unknown fields are rejected.
func New(raw json.RawMessage, lg *logger.Logger) (server.Handler, error) {
	var cfg Config
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid Echo handler_config: %w", err)
		}
	}
	if lg == nil {
		lg = logger.Nop()
	}
	return &Handler{cfg: cfg, log: lg}, nil
}

// Register adds the Echo factory to reg.
func Register(reg *server.HandlerRegistry) error {
	return reg.Register(HandlerType, New)
}

// ServeStream implements server.Handler.
func (h *Handler) ServeStream(ctx context.Context, in *message.Incoming, out *message.Outgoing) error {
	data, err := in.GetData(ctx)
	if err != nil {
		var decodeErr *message.DecodeError
		if errors.As(err, &decodeErr) {
			h.log.Debug("Rejecting undecodable payload", logger.LogFields{"error": err.Error()})
			out.SetStatus(http.StatusBadRequest).SetData(map[string]string{"error": err.Error()})
			return nil
		}
		return fmt.Errorf("reading request payload: %w", err)
	}

	for _, name := range encodedFields(in) {
		if v := in.GetHeader(name); v != "" {
			out.SetEncodedHeader(name, v)
		}
	}

	if data == nil {
		out.SetStatus(http.StatusNoContent)
		return nil
	}
	contentType := in.GetHeader("content-type")
	if h.cfg.Wrap && strings.HasPrefix(strings.ToLower(contentType), message.ContentTypeJSON) {
		out.SetHeader("content-type", message.ContentTypeJSON).SetData(map[string]interface{}{"echo": data})
		return nil
	}
	if contentType != "" {
		out.SetHeader("content-type", contentType)
	}
	out.SetData(data)
	return nil
}

func encodedFields(in *message.Incoming) []string {
	var names []string
	for _, list := range in.GetHeaders().Values(message.EncodedHeaderFields) {
		for _, f := range strings.Split(list, ",") {
			if f = strings.TrimSpace(f); f != "" {
				names = append(names, f)
			}
		}
	}
	return names
}
