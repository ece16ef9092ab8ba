package llm

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrJSONModeUnsupported is returned by providers when the server rejected a
// FormatJSON request because it has no structured-output mode. Callers retry
// the request as plain text with an instruction to answer in JSON.
var ErrJSONModeUnsupported = errors.New("llm: server does not support JSON response format")

// StatusError reports a non-success HTTP status returned by an inference
// server before any stream data was produced.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("llm: unexpected status %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("llm: unexpected status %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// Temporary reports whether the status is worth retrying: rate limiting,
// request timeouts and server-side failures.
func (e *StatusError) Temporary() bool {
	switch {
	case e.Code == http.StatusTooManyRequests, e.Code == http.StatusRequestTimeout:
		return true
	case e.Code >= 500:
		return true
	default:
		return false
	}
}
