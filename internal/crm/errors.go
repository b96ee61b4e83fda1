package crm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// RemoteError wraps a failed CRM call. Transient errors (timeouts, rate
// limits, 5xx) are retried with backoff by the orchestrator; permanent
// errors (validation rejections, schema mismatches) mark the pair failed
// immediately.
type RemoteError struct {
	Op         string
	StatusCode int
	Transient  bool
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("crm %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("crm %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether an error should be retried. Timeouts travel
// the same retry path as rate limits and server errors.
func IsTransient(err error) bool {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

func transientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func statusErr(op string, resp *http.Response, body string) *RemoteError {
	return &RemoteError{
		Op:         op,
		StatusCode: resp.StatusCode,
		Transient:  transientStatus(resp.StatusCode),
		Body:       body,
	}
}

func transportErr(op string, err error) *RemoteError {
	// Connection-level failures are retryable; the request never reached
	// the CRM's validation layer.
	return &RemoteError{Op: op, Transient: true, Err: err}
}
