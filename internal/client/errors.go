package client

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a transport failure.
type ErrorKind string

// Transport failure kinds.
const (
	KindInvalid   ErrorKind = "invalid"
	KindConnect   ErrorKind = "connect"
	KindStatus    ErrorKind = "status"
	KindTimeout   ErrorKind = "timeout"
	KindTruncated ErrorKind = "truncated"
	KindRead      ErrorKind = "read"
	KindCanceled  ErrorKind = "canceled"
)

var (
	// ErrEmptyMessage rejects a chat request without text.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrTruncated is reported when the body ends before done or error.
	ErrTruncated = errors.New("stream ended without a terminal event")
)

// TransportError is a failure of the connection itself, as opposed to an
// error event sent by the server.
type TransportError struct {
	Kind   ErrorKind
	Status int
	Body   string
	Err    error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case KindStatus:
		if e.Body != "" {
			return fmt.Sprintf("adapter returned HTTP %d: %s", e.Status, e.Body)
		}
		return fmt.Sprintf("adapter returned HTTP %d", e.Status)
	case KindTruncated:
		return ErrTruncated.Error()
	case KindInvalid:
		return fmt.Sprintf("invalid request: %v", e.Err)
	case KindConnect:
		return fmt.Sprintf("connect to adapter: %v", e.Err)
	case KindTimeout:
		return fmt.Sprintf("stream idle timeout: %v", e.Err)
	case KindCanceled:
		return fmt.Sprintf("stream canceled: %v", e.Err)
	default:
		return fmt.Sprintf("read stream: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e.Kind == KindTruncated && e.Err == nil {
		return ErrTruncated
	}
	return e.Err
}

// StatusCode returns the HTTP status for KindStatus failures, else zero.
func (e *TransportError) StatusCode() int {
	return e.Status
}

// Timeout reports whether the stream was abandoned for inactivity.
func (e *TransportError) Timeout() bool {
	return e.Kind == KindTimeout
}
