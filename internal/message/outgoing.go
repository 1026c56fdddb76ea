package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"example.com/h2stream/internal/stream"
)

// Content types chosen by PrepareData.
const (
	ContentTypeOctetStream = "application/octet-stream"
	ContentTypeText        = "text/text"
	ContentTypeJSON        = "application/json"
)

// HeaderField is one header with all its values.
type HeaderField struct {
	Name   string
	Values []string
}

// Outgoing is the message we send: the response on the server side, the
// request on the client side. Header order is preserved.
type Outgoing struct {
	mu      sync.Mutex
	order   []string
	headers map[string][]string
	status  int
	data    interface{}
	s       *stream.Stream
	ended   bool
	endErr  error
}

// NewOutgoing returns an empty message with status 200.
func NewOutgoing() *Outgoing {
	return &Outgoing{headers: make(map[string][]string), status: http.StatusOK}
}

// SetHeader replaces name with value.
func (m *Outgoing) SetHeader(name, value string) *Outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(strings.ToLower(name), []string{value})
	return m
}

// AddHeader appends value to name.
func (m *Outgoing) AddHeader(name, value string) *Outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = strings.ToLower(name)
	m.setLocked(name, append(m.headers[name], value))
	return m
}

// SetEncodedHeader stores value base64 encoded and lists name in
// encoded-header-fields so the peer can decode it.
func (m *Outgoing) SetEncodedHeader(name, value string) *Outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = strings.ToLower(name)
	m.setLocked(name, []string{base64.StdEncoding.EncodeToString([]byte(value))})

	var fields []string
	if existing := m.headers[EncodedHeaderFields]; len(existing) > 0 {
		fields = strings.Split(existing[0], ",")
	}
	for _, f := range fields {
		if f == name {
			return m
		}
	}
	fields = append(fields, name)
	m.setLocked(EncodedHeaderFields, []string{strings.Join(fields, ",")})
	return m
}

// SetHeaders sets every entry of h, in key order, replacing earlier values.
func (m *Outgoing) SetHeaders(h map[string]string) *Outgoing {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m.SetHeader(k, h[k])
	}
	return m
}

func (m *Outgoing) setLocked(name string, values []string) {
	if _, ok := m.headers[name]; !ok {
		m.order = append(m.order, name)
	}
	m.headers[name] = values
}

// HasHeader reports whether name was set.
func (m *Outgoing) HasHeader(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.headers[strings.ToLower(name)]
	return ok
}

// GetHeader returns the first value of name.
func (m *Outgoing) GetHeader(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v := m.headers[strings.ToLower(name)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// GetHeaders returns the headers in the order they were first set.
func (m *Outgoing) GetHeaders() []HeaderField {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HeaderField, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, HeaderField{Name: name, Values: append([]string(nil), m.headers[name]...)})
	}
	return out
}

// HeaderObject returns the headers as a plain map.
func (m *Outgoing) HeaderObject() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// SetStatus sets the response status. It is ignored for requests.
func (m *Outgoing) SetStatus(code int) *Outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = code
	return m
}

// Status returns the response status.
func (m *Outgoing) Status() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetData sets the payload.
func (m *Outgoing) SetData(data interface{}) *Outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	return m
}

// GetData returns the payload as set, or as rewritten by PrepareData.
func (m *Outgoing) GetData() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

// HasData reports whether a non-empty payload is set. Empty strings and
// byte slices count as no payload.
func (m *Outgoing) HasData() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return hasData(m.data)
}

func hasData(v interface{}) bool {
	switch d := v.(type) {
	case nil:
		return false
	case []byte:
		return len(d) > 0
	case string:
		return d != ""
	default:
		return true
	}
}

func isScalar(v interface{}) bool {
	switch v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return true
	}
	return false
}

// PrepareData picks a content type for the payload when none was set:
// bytes go out as application/octet-stream, scalars as text/text, and
// everything else is JSON encoded. A value that cannot be encoded as JSON
// falls back to its string form. With an explicit JSON content type, a
// non-byte payload is encoded and an encoding failure is returned.
func (m *Outgoing) PrepareData() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !hasData(m.data) {
		return nil
	}

	if ct, ok := m.headers["content-type"]; ok {
		if len(ct) > 0 && strings.HasPrefix(strings.ToLower(ct[0]), ContentTypeJSON) {
			switch m.data.(type) {
			case []byte, string:
				return nil
			}
			encoded, err := json.Marshal(m.data)
			if err != nil {
				return fmt.Errorf("failed to encode payload as json: %w", err)
			}
			m.data = encoded
		}
		return nil
	}

	switch {
	case isBytes(m.data):
		m.setLocked("content-type", []string{ContentTypeOctetStream})
	case isScalar(m.data):
		m.setLocked("content-type", []string{ContentTypeText})
	default:
		if encoded, err := json.Marshal(m.data); err == nil {
			m.data = encoded
			m.setLocked("content-type", []string{ContentTypeJSON})
		} else {
			m.data = fmt.Sprint(m.data)
			m.setLocked("content-type", []string{ContentTypeText})
		}
	}
	return nil
}

func isBytes(v interface{}) bool {
	_, ok := v.([]byte)
	return ok
}

// Payload returns the wire bytes of the payload, nil if there is none.
// Call PrepareData first.
func (m *Outgoing) Payload() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !hasData(m.data) {
		return nil, nil
	}
	switch d := m.data.(type) {
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	case fmt.Stringer:
		return []byte(d.String()), nil
	}
	if isScalar(m.data) {
		return []byte(fmt.Sprint(m.data)), nil
	}
	encoded, err := json.Marshal(m.data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return encoded, nil
}

// Attach ties the message to the stream it is sent on so StreamIsClosed
// and Done can track its termination.
func (m *Outgoing) Attach(s *stream.Stream) {
	m.mu.Lock()
	m.s = s
	m.mu.Unlock()

	s.Subscribe(func(ev stream.Event) {
		if ev.Kind != stream.EventEnd {
			return
		}
		m.mu.Lock()
		m.ended, m.endErr = true, ev.Err
		m.mu.Unlock()
	})
}

// Stream returns the attached stream, nil before Attach.
func (m *Outgoing) Stream() *stream.Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s
}

// StreamIsClosed reports whether the stream the message is sent on has
// ended. A message that was never attached is not closed.
func (m *Outgoing) StreamIsClosed() bool {
	m.mu.Lock()
	s, ended := m.s, m.ended
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return ended || s.IsClosed()
}

// Err returns the error the attached stream ended with, if any.
func (m *Outgoing) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endErr
}
