package payments

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMissingSessionID is returned when a checkout session id is required but empty.
	ErrMissingSessionID = errors.New("session_id is required")

	// ErrInvalidSessionID is returned for ids that cannot be a Stripe checkout session.
	ErrInvalidSessionID = errors.New("session_id is malformed")

	// ErrInvalidSignature is returned when a webhook signature does not verify.
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrStorage marks failures of the session store.
	ErrStorage = errors.New("session storage failure")
)

// GatewayError wraps a Stripe transport or API failure. StatusCode is the
// provider's HTTP status, or 0 when the request never got a response.
type GatewayError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("payments: stripe status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("payments: stripe unavailable: %s", e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the failure to the status returned to our own clients:
// provider client errors pass through, everything else is a bad gateway.
func (e *GatewayError) HTTPStatus() int {
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return e.StatusCode
	}
	return http.StatusBadGateway
}

// ValidationError describes a rejected checkout request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func storageError(op string, err error) error {
	return fmt.Errorf("payments: %s: %w: %w", op, ErrStorage, err)
}
