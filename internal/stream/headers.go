package stream

import (
	"net/http"
	"strings"
)

// Headers maps lower-cased header names to their values in arrival order.
// Single-valued headers hold a one-element slice.
type Headers map[string][]string

// NewHeaders folds the names of h to lower case.
func NewHeaders(h http.Header) Headers {
	out := make(Headers, len(h))
	for name, values := range h {
		key := strings.ToLower(name)
		out[key] = append(out[key], values...)
	}
	return out
}

// Get returns the first value for name, or "".
func (h Headers) Get(name string) string {
	if v := h[strings.ToLower(name)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Values returns every value for name.
func (h Headers) Values(name string) []string {
	return h[strings.ToLower(name)]
}

// Has reports whether name carries at least one value.
func (h Headers) Has(name string) bool {
	return len(h[strings.ToLower(name)]) > 0
}

// Set replaces the values for name.
func (h Headers) Set(name string, values ...string) {
	h[strings.ToLower(name)] = values
}

// Add appends value to name.
func (h Headers) Add(name, value string) {
	key := strings.ToLower(name)
	h[key] = append(h[key], value)
}

// Del removes name.
func (h Headers) Del(name string) {
	delete(h, strings.ToLower(name))
}

// Clone returns a deep copy.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}
