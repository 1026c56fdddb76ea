package stream

import (
	"errors"
	"fmt"
)

// ErrorCode represents an HTTP/2 error code.
type ErrorCode uint32

// HTTP/2 error codes from RFC 7540 Section 7.
const (
	// ErrCodeNoError (0x0): Graceful shutdown.
	ErrCodeNoError ErrorCode = 0x0
	// ErrCodeProtocolError (0x1): Protocol error detected.
	ErrCodeProtocolError ErrorCode = 0x1
	// ErrCodeInternalError (0x2): Implementation fault.
	ErrCodeInternalError ErrorCode = 0x2
	// ErrCodeFlowControlError (0x3): Flow-control limits exceeded.
	ErrCodeFlowControlError ErrorCode = 0x3
	// ErrCodeSettingsTimeout (0x4): Settings not acknowledged.
	ErrCodeSettingsTimeout ErrorCode = 0x4
	// ErrCodeStreamClosed (0x5): Frame received for already closed stream.
	ErrCodeStreamClosed ErrorCode = 0x5
	// ErrCodeFrameSizeError (0x6): Frame size incorrect.
	ErrCodeFrameSizeError ErrorCode = 0x6
	// ErrCodeRefusedStream (0x7): Stream not processed.
	ErrCodeRefusedStream ErrorCode = 0x7
	// ErrCodeCancel (0x8): Stream cancelled.
	ErrCodeCancel ErrorCode = 0x8
	// ErrCodeCompressionError (0x9): Compression state not maintained.
	ErrCodeCompressionError ErrorCode = 0x9
	// ErrCodeConnectError (0xa): Connection established in error.
	ErrCodeConnectError ErrorCode = 0xa
	// ErrCodeEnhanceYourCalm (0xb): Processing capacity exceeded. The peer
	// asks us to slow down.
	ErrCodeEnhanceYourCalm ErrorCode = 0xb
	// ErrCodeInadequateSecurity (0xc): Negotiated TLS parameters not acceptable.
	ErrCodeInadequateSecurity ErrorCode = 0xc
	// ErrCodeHTTP11Required (0xd): Use HTTP/1.1 for the request.
	ErrCodeHTTP11Required ErrorCode = 0xd
)

// String returns the string representation of the ErrorCode.
func (e ErrorCode) String() string {
	switch e {
	case ErrCodeNoError:
		return "NO_ERROR"
	case ErrCodeProtocolError:
		return "PROTOCOL_ERROR"
	case ErrCodeInternalError:
		return "INTERNAL_ERROR"
	case ErrCodeFlowControlError:
		return "FLOW_CONTROL_ERROR"
	case ErrCodeSettingsTimeout:
		return "SETTINGS_TIMEOUT"
	case ErrCodeStreamClosed:
		return "STREAM_CLOSED"
	case ErrCodeFrameSizeError:
		return "FRAME_SIZE_ERROR"
	case ErrCodeRefusedStream:
		return "REFUSED_STREAM"
	case ErrCodeCancel:
		return "CANCEL"
	case ErrCodeCompressionError:
		return "COMPRESSION_ERROR"
	case ErrCodeConnectError:
		return "CONNECT_ERROR"
	case ErrCodeEnhanceYourCalm:
		return "ENHANCE_YOUR_CALM"
	case ErrCodeInadequateSecurity:
		return "INADEQUATE_SECURITY"
	case ErrCodeHTTP11Required:
		return "HTTP_1_1_REQUIRED"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR_CODE_%d", uint32(e))
	}
}

// StreamError is a transport error scoped to one stream, typically the
// result of a RST_STREAM from the peer.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Msg      string
	Cause    error // Optional underlying cause
}

func (e *StreamError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stream error on stream %d: %s (code %s, %d): %s", e.StreamID, e.Msg, e.Code.String(), e.Code, e.Cause)
	}
	return fmt.Sprintf("stream error on stream %d: %s (code %s, %d)", e.StreamID, e.Msg, e.Code.String(), e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *StreamError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the HTTP/2 error code carried by the error.
func (e *StreamError) ErrorCode() ErrorCode {
	return e.Code
}

// NewStreamError creates a new StreamError.
func NewStreamError(streamID uint32, code ErrorCode, msg string) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg}
}

// NewStreamErrorWithCause creates a new StreamError with an underlying cause.
func NewStreamErrorWithCause(streamID uint32, code ErrorCode, msg string, cause error) *StreamError {
	return &StreamError{StreamID: streamID, Code: code, Msg: msg, Cause: cause}
}

// ConnectionError is a transport error that affected the whole connection
// the stream belongs to, e.g. a GOAWAY.
type ConnectionError struct {
	LastStreamID uint32
	Code         ErrorCode
	Msg          string
	Cause        error // Optional underlying cause
	// DebugData is the peer's GOAWAY debug data, if any.
	DebugData []byte
}

func (e *ConnectionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s, %d): %s", e.Msg, e.LastStreamID, e.Code.String(), e.Code, e.Cause)
	}
	return fmt.Sprintf("connection error: %s (last_stream_id %d, code %s, %d)", e.Msg, e.LastStreamID, e.Code.String(), e.Code)
}

// Unwrap returns the underlying cause of the error, if any.
func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// ErrorCode returns the HTTP/2 error code carried by the error.
func (e *ConnectionError) ErrorCode() ErrorCode {
	return e.Code
}

var (
	// ErrAlreadyAttached is returned by Attach when the handle already owns
	// a transport stream.
	ErrAlreadyAttached = errors.New("a transport stream is already attached to this handle")

	// ErrNotAttached is returned when an operation needs a transport stream
	// and none was ever attached.
	ErrNotAttached = errors.New("no transport stream attached")

	// ErrStreamClosed is returned by End once the handle released its
	// transport stream.
	ErrStreamClosed = errors.New("stream is closed")

	// ErrStreamEnded rejects a buffer read that was issued while another
	// read was already outstanding.
	ErrStreamEnded = errors.New("cannot get data from stream, stream has ended already")

	// ErrEndedAbnormally rejects buffer reads on a handle that failed.
	ErrEndedAbnormally = errors.New("stream ended abnormally")

	// ErrAborted is the cause recorded when the peer aborts the stream.
	ErrAborted = errors.New("stream aborted by peer")

	// ErrBodyPiped rejects buffer reads and further Body calls once the
	// payload was handed to a Body reader.
	ErrBodyPiped = errors.New("stream payload is being read through Body")

	// ErrBodyBuffered is returned by Body once a buffer read claimed the
	// payload.
	ErrBodyBuffered = errors.New("stream payload is already being buffered")

	// ErrPipeUnsupported is returned by Body when the transport cannot hand
	// out its payload directly.
	ErrPipeUnsupported = errors.New("transport stream does not support piping")
)
