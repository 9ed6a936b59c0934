package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/Zelalemaklilu/fruity-pink-messenger/resilience"
)

// Error taxonomy of backend failures.
var (
	// ErrTransient covers network failures, timeouts and overloaded
	// backends. The call may succeed if repeated.
	ErrTransient = errors.New("gateway: transient failure")

	// ErrPermissionDenied is returned when the caller may not perform the
	// operation. It is surfaced and never retried.
	ErrPermissionDenied = errors.New("gateway: permission denied")

	// ErrNotFound is returned when the entity does not exist. Readers show
	// it as an empty state.
	ErrNotFound = errors.New("gateway: not found")

	// ErrClosed is returned by a gateway after Close.
	ErrClosed = errors.New("gateway: closed")
)

// Kind is the class of a backend error.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermissionDenied
	KindNotFound
)

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Classify maps err onto the taxonomy. Timeouts, resilience rejections and
// network errors count as transient.
func Classify(err error) Kind {
	var netErr net.Error
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrTransient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, resilience.ErrTimeout),
		resilience.IsRejection(err),
		errors.As(err, &netErr):
		return KindTransient
	default:
		return KindUnknown
	}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return Classify(err) == KindTransient
}

// IsNotFound reports whether err means the entity does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// StatusError is an HTTP error response from the backend.
type StatusError struct {
	Status  int
	Code    string
	Message string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: status %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: status %d: %s", e.Status, e.Message)
}

// Unwrap returns the taxonomy sentinel for the status.
func (e *StatusError) Unwrap() error {
	return errorForStatus(e.Status)
}

func errorForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrPermissionDenied
	case status == http.StatusNotFound, status == http.StatusNotAcceptable:
		return ErrNotFound
	case status == http.StatusRequestTimeout,
		status == http.StatusTooManyRequests,
		status >= 500:
		return ErrTransient
	default:
		return nil
	}
}
