package transport

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned when the worker does not know the job id.
var ErrNotFound = errors.New("job not found on worker")

// Kind classifies a transport failure.
type Kind int

const (
	// Transient failures are worth retrying: the link is down or the worker
	// is overloaded.
	Transient Kind = iota
	// Fatal failures need manual intervention: bad credentials or a request
	// the worker will never accept.
	Fatal
)

func (k Kind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error is a classified transport failure.
type Error struct {
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s error: http %d: %s", e.Kind, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsFatal reports whether err is a transport error that must not be retried.
// Unclassified errors are treated as transient.
func IsFatal(err error) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == Fatal
}

// kindForStatus maps a non-2xx response status to a failure kind.
func kindForStatus(code int) Kind {
	switch {
	case code >= 500, code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return Transient
	default:
		return Fatal
	}
}

func networkError(op string, err error) *Error {
	return &Error{Kind: Transient, Message: op, Err: err}
}
