package delivery

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned before any connection attempt when the
	// server URL or credential is missing or unusable.
	ErrConfiguration = errors.New("delivery: configuration error")
	// ErrAuthRejected means the collector closed the connection with a
	// policy violation. The credential will not be retried.
	ErrAuthRejected = errors.New("delivery: credential rejected by collector")
	// ErrNotIdle is returned by Connect while connecting or open.
	ErrNotIdle = errors.New("delivery: connection already active")
	// ErrAborted is returned by Connect when Close superseded the attempt.
	ErrAborted = errors.New("delivery: connection attempt aborted")
	// ErrWriteBufferFull means the transport cannot accept a frame right now.
	ErrWriteBufferFull = errors.New("delivery: write buffer full")
	// ErrConnClosed is returned by a closed transport.
	ErrConnClosed = errors.New("delivery: connection closed")
	// ErrEncode means an entry could not be serialised and never will be.
	ErrEncode = errors.New("delivery: cannot encode entry")
)

// TransportError wraps a dial, read or write failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("delivery: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CloseError reports a close frame received from the collector.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("delivery: peer closed connection (%d %s)", e.Code, e.Text)
}
