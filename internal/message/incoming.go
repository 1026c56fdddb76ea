// Package message provides the request/response façades built on top of a
// stream.Stream: Incoming for what the peer sent, Outgoing for what we send.
package message

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"example.com/h2stream/internal/stream"
)

// EncodedHeaderFields lists, comma separated, the header names whose values
// are base64 encoded.
const EncodedHeaderFields = "encoded-header-fields"

// DecodeError reports a payload that claimed to be JSON but could not be
// decoded. It is distinct from transport errors.
type DecodeError struct {
	ContentType string
	Err         error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode json: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Incoming is the message received from the peer: the request on the
// server side, the response on the client side.
type Incoming struct {
	s *stream.Stream

	mu         sync.Mutex
	headers    stream.Headers
	data       interface{}
	dataLoaded bool
}

// NewIncoming wraps s, taking a snapshot of the headers it has received.
func NewIncoming(s *stream.Stream) *Incoming {
	h := s.Headers()
	if h == nil {
		h = stream.Headers{}
	}
	return &Incoming{s: s, headers: h}
}

// Stream returns the underlying stream handle.
func (m *Incoming) Stream() *stream.Stream {
	return m.s
}

// HasHeader reports whether name carries a non-blank value.
func (m *Incoming) HasHeader(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasHeaderLocked(name)
}

func (m *Incoming) hasHeaderLocked(name string) bool {
	for _, v := range m.headers.Values(name) {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

// GetHeader returns the first value of name, base64-decoded when name is
// listed in encoded-header-fields. It returns "" if the header is absent.
func (m *Incoming) GetHeader(name string) string {
	values := m.GetHeaderValues(name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// GetHeaderValues returns every value of name, decoded like GetHeader.
func (m *Incoming) GetHeaderValues(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasHeaderLocked(name) {
		return nil
	}
	values := append([]string(nil), m.headers.Values(name)...)
	if !m.isEncodedLocked(name) {
		return values
	}
	for i, v := range values {
		if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
			values[i] = string(decoded)
		}
	}
	return values
}

func (m *Incoming) isEncodedLocked(name string) bool {
	name = strings.ToLower(name)
	for _, list := range m.headers.Values(EncodedHeaderFields) {
		for _, field := range strings.Split(list, ",") {
			if strings.ToLower(strings.TrimSpace(field)) == name {
				return true
			}
		}
	}
	return false
}

// SetHeader replaces the local value of a header. It does not reach the
// peer.
func (m *Incoming) SetHeader(name string, values ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.headers.Set(name, values...)
}

// GetHeaders returns a copy of all headers, undecoded.
func (m *Incoming) GetHeaders() stream.Headers {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers.Clone()
}

// GetBuffer waits for the complete payload.
func (m *Incoming) GetBuffer(ctx context.Context) ([]byte, error) {
	return m.s.ReadAll(ctx)
}

// Body streams the payload instead of buffering it. The caller must read
// it to EOF or Close it. GetBuffer and GetData fail afterwards.
func (m *Incoming) Body() (io.ReadCloser, error) {
	return m.s.Body()
}

// GetData returns the payload decoded by content type: JSON into
// interface{}, text/* into string, anything else as []byte. An empty
// payload yields nil. The result is cached.
func (m *Incoming) GetData(ctx context.Context) (interface{}, error) {
	m.mu.Lock()
	if m.dataLoaded {
		defer m.mu.Unlock()
		return m.data, nil
	}
	m.mu.Unlock()

	buf, err := m.GetBuffer(ctx)
	if err != nil {
		return nil, err
	}
	contentType := strings.ToLower(m.GetHeader("content-type"))

	var data interface{}
	switch {
	case len(buf) == 0:
		data = nil
	case strings.HasPrefix(contentType, "application/json"):
		var v interface{}
		if err := json.Unmarshal(buf, &v); err != nil {
			return nil, &DecodeError{ContentType: contentType, Err: err}
		}
		data = v
	case strings.HasPrefix(contentType, "text/"):
		data = string(buf)
	default:
		data = buf
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data, m.dataLoaded = data, true
	return data, nil
}

// DecodeJSON unmarshals the payload into v regardless of content type.
func (m *Incoming) DecodeJSON(ctx context.Context, v interface{}) error {
	buf, err := m.GetBuffer(ctx)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(buf, v); err != nil {
		return &DecodeError{ContentType: m.GetHeader("content-type"), Err: err}
	}
	return nil
}

// IP returns the peer address, "" once the stream has been released.
func (m *Incoming) IP() string {
	return m.s.IP()
}

// StreamIsClosed reports whether the underlying stream is closed.
func (m *Incoming) StreamIsClosed() bool {
	return m.s.IsClosed()
}

// Err returns the error that failed the underlying stream, if any.
func (m *Incoming) Err() error {
	return m.s.Err()
}
