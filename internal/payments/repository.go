package payments

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// rowQuerier is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresSessionStore keeps checkout sessions in the checkout_sessions table.
type PostgresSessionStore struct {
	db rowQuerier
}

// NewPostgresSessionStore creates a store backed by pgx.
func NewPostgresSessionStore(pool *pgxpool.Pool) *PostgresSessionStore {
	if pool == nil {
		panic("payments: pgx pool required")
	}
	return &PostgresSessionStore{db: pool}
}

func newPostgresSessionStoreWithQuerier(db rowQuerier) *PostgresSessionStore {
	if db == nil {
		panic("payments: querier required")
	}
	return &PostgresSessionStore{db: db}
}

const upsertSessionSQL = `
	INSERT INTO checkout_sessions (session_id, customer_email, payment_status, updated_at)
	VALUES ($1, $2, $3, now())
	ON CONFLICT (session_id) DO UPDATE SET
		customer_email = COALESCE(EXCLUDED.customer_email, checkout_sessions.customer_email),
		payment_status = COALESCE(EXCLUDED.payment_status, checkout_sessions.payment_status),
		updated_at = GREATEST(now(), checkout_sessions.updated_at)
`

// Upsert inserts the session or refreshes its email/status. Nil fields keep
// the stored value; schedule_claimed_at is never touched.
func (s *PostgresSessionStore) Upsert(ctx context.Context, sessionID string, customerEmail, paymentStatus *string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrMissingSessionID
	}
	if _, err := s.db.Exec(ctx, upsertSessionSQL, sessionID, nullable(customerEmail), nullable(paymentStatus)); err != nil {
		return storageError("upsert checkout session", err)
	}
	return nil
}

// Get returns the stored session or nil when it has never been seen.
func (s *PostgresSessionStore) Get(ctx context.Context, sessionID string) (*CheckoutSession, error) {
	query := `
		SELECT session_id, customer_email, payment_status, schedule_claimed_at, updated_at
		FROM checkout_sessions
		WHERE session_id = $1
	`
	var rec CheckoutSession
	err := s.db.QueryRow(ctx, query, strings.TrimSpace(sessionID)).Scan(
		&rec.SessionID,
		&rec.CustomerEmail,
		&rec.PaymentStatus,
		&rec.ScheduleClaimedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageError("load checkout session", err)
	}
	return &rec, nil
}

const claimSessionSQL = `
	UPDATE checkout_sessions
	SET schedule_claimed_at = now(), updated_at = now()
	WHERE session_id = $1 AND schedule_claimed_at IS NULL
`

// Claim marks the scheduling grant consumed. The guard on schedule_claimed_at
// makes the statement the only arbiter: one caller sees a row affected.
func (s *PostgresSessionStore) Claim(ctx context.Context, sessionID string) (bool, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return false, nil
	}
	tag, err := s.db.Exec(ctx, claimSessionSQL, sessionID)
	if err != nil {
		return false, storageError("claim checkout session", err)
	}
	return tag.RowsAffected() == 1, nil
}

func nullable(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
