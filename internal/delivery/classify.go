package delivery

import (
	"context"
	"errors"
	"net/http"

	"github.com/mappaturasmd/mappatura/internal/backend"
)

type Class int

const (
	ClassDelivered Class = iota
	ClassAlreadyDelivered
	ClassTransient
	ClassPermanent
	ClassSuspended
)

func (c Class) String() string {
	switch c {
	case ClassDelivered:
		return "delivered"
	case ClassAlreadyDelivered:
		return "already_delivered"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassSuspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// Classify maps a submitPlot outcome onto the retry policy. The returned
// error is nil for the two success classes.
func Classify(result backend.SubmitResult, err error) (Class, error) {
	if err != nil {
		var netErr *backend.NetworkError
		switch {
		case errors.Is(err, ErrEndpointMissing), errors.Is(err, ErrSessionMissing):
			return ClassSuspended, err
		case errors.As(err, &netErr):
			return ClassTransient, err
		case errors.Is(err, context.DeadlineExceeded):
			return ClassTransient, err
		default:
			return ClassPermanent, err
		}
	}
	if result.Success {
		if result.AlreadyMapped {
			return ClassAlreadyDelivered, nil
		}
		return ClassDelivered, nil
	}
	if result.AlreadyMapped {
		return ClassAlreadyDelivered, nil
	}

	status := result.HTTPStatus
	detail := result.Detail()
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassPermanent, &SubmitError{Status: status, Detail: detail, Err: ErrAuthorizationDenied}
	case status == http.StatusNotFound:
		return ClassPermanent, &SubmitError{Status: status, Detail: detail, Err: ErrSessionNotFound}
	case status == http.StatusTooManyRequests:
		return ClassTransient, &SubmitError{Status: status, Detail: detail, Err: ErrRateLimited}
	case status >= 500 || status == 0:
		return ClassTransient, &SubmitError{Status: status, Detail: detail, Err: ErrServerError}
	default:
		return ClassPermanent, &SubmitError{Status: status, Detail: detail, Err: ErrClientError}
	}
}

// causeKey groups failures for notification throttling.
func causeKey(err error) string {
	var netErr *backend.NetworkError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEndpointMissing):
		return "endpoint_missing"
	case errors.Is(err, ErrSessionMissing):
		return "session_missing"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrServerError):
		return "server_error"
	case errors.As(err, &netErr):
		return "network"
	default:
		return "other"
	}
}
