package health

import (
	"context"
	"encoding/json"
	"time"
)

// Status represents the health status of a component.
type Status int

const (
	// StatusHealthy indicates the component is functioning normally.
	StatusHealthy Status = iota
	// StatusDegraded indicates the component works with reduced guarantees,
	// e.g. realtime reconnecting while reads still succeed.
	StatusDegraded
	// StatusUnhealthy indicates the component is not usable.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText encodes the status as its name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Result contains the outcome of a health check.
type Result struct {
	Status    Status
	Message   string
	Details   map[string]any
	Duration  time.Duration
	Timestamp time.Time
	Error     error
}

// MarshalJSON renders the result with the error as a string.
func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Status     Status         `json:"status"`
		Message    string         `json:"message,omitempty"`
		Details    map[string]any `json:"details,omitempty"`
		DurationMS int64          `json:"duration_ms"`
		Timestamp  time.Time      `json:"timestamp"`
		Error      string         `json:"error,omitempty"`
	}{
		Status:     r.Status,
		Message:    r.Message,
		Details:    r.Details,
		DurationMS: r.Duration.Milliseconds(),
		Timestamp:  r.Timestamp,
	}
	if r.Error != nil {
		out.Error = r.Error.Error()
	}
	return json.Marshal(out)
}

// Healthy creates a healthy result.
func Healthy(message string) Result {
	return Result{Status: StatusHealthy, Message: message, Timestamp: time.Now()}
}

// Degraded creates a degraded result.
func Degraded(message string, err error) Result {
	return Result{Status: StatusDegraded, Message: message, Error: err, Timestamp: time.Now()}
}

// Unhealthy creates an unhealthy result.
func Unhealthy(message string, err error) Result {
	return Result{Status: StatusUnhealthy, Message: message, Error: err, Timestamp: time.Now()}
}

// WithDetails adds details to a result.
func (r Result) WithDetails(details map[string]any) Result {
	r.Details = details
	return r
}

// Checker is the interface for health checks.
type Checker interface {
	// Name returns the name of this checker.
	Name() string

	// Check performs the health check and returns the result.
	Check(ctx context.Context) Result
}

// CheckerFunc adapts a function to a Checker.
type CheckerFunc struct {
	name string
	fn   func(context.Context) Result
}

// NewCheckerFunc creates a new CheckerFunc.
func NewCheckerFunc(name string, fn func(context.Context) Result) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

// Name returns the name of this checker.
func (f *CheckerFunc) Name() string {
	return f.name
}

// Check performs the health check.
func (f *CheckerFunc) Check(ctx context.Context) Result {
	return f.fn(ctx)
}

// NewPingChecker reports healthy when ping succeeds. A failure is degraded
// when degraded(err) is true and unhealthy otherwise; a nil degraded treats
// every failure as unhealthy.
func NewPingChecker(name string, ping func(context.Context) error, degraded func(error) bool) *CheckerFunc {
	return NewCheckerFunc(name, func(ctx context.Context) Result {
		err := ping(ctx)
		switch {
		case err == nil:
			return Healthy("reachable")
		case degraded != nil && degraded(err):
			return Degraded("temporarily unreachable", err)
		default:
			return Unhealthy("unreachable", err)
		}
	})
}
