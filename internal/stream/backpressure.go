package stream

import (
	"errors"
	"strings"
)

// DefaultBackpressureMarker matches both the RFC name of the error code and
// the NGHTTP2_-prefixed spelling some transports put in their messages.
const DefaultBackpressureMarker = "ENHANCE_YOUR_CALM"

// codedError is implemented by transport errors that carry an HTTP/2 code.
type codedError interface {
	error
	ErrorCode() ErrorCode
}

// BackpressureDetector classifies transport errors as peer-issued overload
// signals.
type BackpressureDetector struct {
	markers []string
}

// NewBackpressureDetector returns a detector matching the given message
// markers. With no markers, DefaultBackpressureMarker is used.
func NewBackpressureDetector(markers ...string) *BackpressureDetector {
	d := &BackpressureDetector{}
	for _, m := range markers {
		if m = strings.TrimSpace(m); m != "" {
			d.markers = append(d.markers, m)
		}
	}
	if len(d.markers) == 0 {
		d.markers = []string{DefaultBackpressureMarker}
	}
	return d
}

// IsBackpressure reports whether err signals that the peer wants us to slow
// down. A structured ENHANCE_YOUR_CALM code anywhere in the chain wins;
// otherwise the message is matched against the configured markers.
func (d *BackpressureDetector) IsBackpressure(err error) bool {
	if err == nil {
		return false
	}
	var coded codedError
	if errors.As(err, &coded) {
		if coded.ErrorCode() == ErrCodeEnhanceYourCalm {
			return true
		}
	}
	msg := err.Error()
	for _, m := range d.markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
