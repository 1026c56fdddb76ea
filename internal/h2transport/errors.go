package h2transport

import (
	"errors"

	"golang.org/x/net/http2"

	"example.com/h2stream/internal/stream"
)

// TranslateError maps x/net/http2 errors onto the stream package's error
// taxonomy so callers can use errors.As and ErrorCode() without importing
// x/net. Unknown errors are returned unchanged.
func TranslateError(err error) error {
	if err == nil {
		return nil
	}

	var se http2.StreamError
	if errors.As(err, &se) {
		msg := "stream reset"
		if se.Cause != nil {
			msg = se.Cause.Error()
		}
		return &stream.StreamError{StreamID: se.StreamID, Code: stream.ErrorCode(se.Code), Msg: msg, Cause: err}
	}

	var ga http2.GoAwayError
	if errors.As(err, &ga) {
		return &stream.ConnectionError{
			LastStreamID: ga.LastStreamID,
			Code:         stream.ErrorCode(ga.ErrCode),
			Msg:          "connection closed by GOAWAY",
			Cause:        err,
			DebugData:    []byte(ga.DebugData),
		}
	}

	var ce http2.ConnectionError
	if errors.As(err, &ce) {
		return &stream.ConnectionError{Code: stream.ErrorCode(ce), Msg: "connection error", Cause: err}
	}

	return err
}

// isCancel reports whether err is a peer reset with code CANCEL, which the
// core treats as an abort rather than an error.
func isCancel(err error) bool {
	var se *stream.StreamError
	return errors.As(err, &se) && se.Code == stream.ErrCodeCancel
}
