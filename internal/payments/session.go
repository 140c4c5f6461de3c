package payments

import (
	"context"
	"strings"
	"time"
)

// CheckoutSession is the locally persisted view of one provider checkout
// session. SessionID is assigned by Stripe and never generated here.
type CheckoutSession struct {
	SessionID         string
	CustomerEmail     *string
	PaymentStatus     *string
	ScheduleClaimedAt *time.Time
	UpdatedAt         time.Time
}

// Claimed reports whether the one-time scheduling grant has been consumed.
func (s *CheckoutSession) Claimed() bool {
	return s != nil && s.ScheduleClaimedAt != nil
}

// SessionStore persists checkout sessions. Claim must be a single atomic
// conditional write: exactly one caller per session id may observe true.
type SessionStore interface {
	Upsert(ctx context.Context, sessionID string, customerEmail, paymentStatus *string) error
	Get(ctx context.Context, sessionID string) (*CheckoutSession, error)
	Claim(ctx context.Context, sessionID string) (bool, error)
}

// paidStatuses are the provider payment_status values that unlock scheduling.
var paidStatuses = map[string]struct{}{
	"paid":                {},
	"complete":            {},
	"no_payment_required": {},
}

// IsPaidStatus reports whether a provider payment status counts as paid.
func IsPaidStatus(status string) bool {
	_, ok := paidStatuses[strings.ToLower(strings.TrimSpace(status))]
	return ok
}

// optionalString turns an empty string into nil so stores keep the last known value.
func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
