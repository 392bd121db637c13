package delivery

import (
	"errors"
	"fmt"

	"github.com/mappaturasmd/mappatura/internal/backend"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")

	// ErrEndpointMissing and ErrSessionMissing suspend submission until the
	// configuration is fixed; they never consume attempts.
	ErrEndpointMissing = backend.ErrEndpointMissing
	ErrSessionMissing  = errors.New("session code not configured")

	ErrAuthorizationDenied = errors.New("authorization denied")
	ErrSessionNotFound     = errors.New("session not found")
	ErrRateLimited         = errors.New("rate limited")
	ErrServerError         = errors.New("server error")
	ErrClientError         = errors.New("request rejected by backend")
	ErrRetriesExhausted    = errors.New("submit retries exhausted")
)

// SubmitError describes a failed submitPlot call.
type SubmitError struct {
	Status int
	Detail string
	Err    error
}

func (e *SubmitError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v (http %d)", e.Err, e.Status)
	}
	return fmt.Sprintf("%v (http %d): %s", e.Err, e.Status, e.Detail)
}

func (e *SubmitError) Unwrap() error {
	return e.Err
}
