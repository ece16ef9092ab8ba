package inference

import (
	"errors"
	"fmt"
)

var (
	// ErrReadTimeout is the cancellation cause recorded when no stream data
	// arrived within the configured read timeout.
	ErrReadTimeout = errors.New("inference: no data within read timeout")

	// ErrTruncatedStream is reported when a stream ends without a finish
	// sentinel.
	ErrTruncatedStream = errors.New("inference: stream ended without finish sentinel")

	// ErrStructuredParse is set on [Reply.StructuredErr] when no JSON object
	// could be recovered from the assembled text.
	ErrStructuredParse = errors.New("inference: no JSON object in reply")
)

// TransportError is returned by [Client.Complete] for every failure to obtain
// a complete reply. Exactly one of Timeout or Aborted may be set; neither set
// means a connection, protocol or server failure.
type TransportError struct {
	// Op names the failed operation, e.g. "complete".
	Op string

	// Timeout is true when the failure was a read or connect timeout.
	Timeout bool

	// Aborted is true when the caller's context was cancelled.
	Aborted bool

	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("transport timeout: %s: %v", e.Op, e.Err)
	case e.Aborted:
		return fmt.Sprintf("aborted: %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// kind returns the metrics label for the failure class.
func (e *TransportError) kind() string {
	switch {
	case e.Timeout:
		return "timeout"
	case e.Aborted:
		return "aborted"
	default:
		return "transport"
	}
}
