package payments

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemorySessionStore is an in-process SessionStore for development and tests.
// It is only correct for a single process; deployments use PostgresSessionStore.
type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]CheckoutSession
	now      func() time.Time
}

// NewMemorySessionStore returns an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]CheckoutSession),
		now:      time.Now,
	}
}

// Upsert records the latest email and status; nil fields keep the stored value.
func (s *MemorySessionStore) Upsert(ctx context.Context, sessionID string, customerEmail, paymentStatus *string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrMissingSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.sessions[sessionID]
	rec.SessionID = sessionID
	if customerEmail != nil {
		rec.CustomerEmail = cloneString(customerEmail)
	}
	if paymentStatus != nil {
		rec.PaymentStatus = cloneString(paymentStatus)
	}
	rec.UpdatedAt = s.touch(rec.UpdatedAt)
	s.sessions[sessionID] = rec
	return nil
}

// Get returns a copy of the stored session, or nil when unknown.
func (s *MemorySessionStore) Get(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[strings.TrimSpace(sessionID)]
	if !ok {
		return nil, nil
	}
	out := rec
	out.CustomerEmail = cloneString(rec.CustomerEmail)
	out.PaymentStatus = cloneString(rec.PaymentStatus)
	if rec.ScheduleClaimedAt != nil {
		claimed := *rec.ScheduleClaimedAt
		out.ScheduleClaimedAt = &claimed
	}
	return &out, nil
}

// Claim consumes the grant; only the first call for a known session returns true.
func (s *MemorySessionStore) Claim(ctx context.Context, sessionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[strings.TrimSpace(sessionID)]
	if !ok || rec.ScheduleClaimedAt != nil {
		return false, nil
	}
	now := s.now().UTC()
	rec.ScheduleClaimedAt = &now
	rec.UpdatedAt = s.touch(rec.UpdatedAt)
	s.sessions[rec.SessionID] = rec
	return true, nil
}

// Len returns the number of stored sessions.
func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// touch never moves updated_at backwards, even if the clock does.
func (s *MemorySessionStore) touch(prev time.Time) time.Time {
	now := s.now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
