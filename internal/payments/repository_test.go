package payments

import (
	"context"
	"errors"
	"testing"
	"time"

	pgx "github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestPostgresSessionStoreUpsert(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresSessionStoreWithQuerier(mock)

	mock.ExpectExec("INSERT INTO checkout_sessions").
		WithArgs("cs_paid_123", "paid@example.com", "paid").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Upsert(context.Background(), "cs_paid_123", strPtr("paid@example.com"), strPtr("paid")))

	mock.ExpectExec("ON CONFLICT \\(session_id\\) DO UPDATE").
		WithArgs("cs_paid_123", nil, "unpaid").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Upsert(context.Background(), " cs_paid_123 ", nil, strPtr("unpaid")))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionStoreUpsertRejectsEmptyID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresSessionStoreWithQuerier(mock)
	err = store.Upsert(context.Background(), "  ", nil, nil)
	assert.ErrorIs(t, err, ErrMissingSessionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionStoreUpsertWrapsStorageErrors(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresSessionStoreWithQuerier(mock)
	mock.ExpectExec("INSERT INTO checkout_sessions").
		WithArgs("cs_1", nil, nil).
		WillReturnError(errors.New("disk full"))

	err = store.Upsert(context.Background(), "cs_1", nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Contains(t, err.Error(), "disk full")
}

func TestPostgresSessionStoreClaim(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresSessionStoreWithQuerier(mock)

	mock.ExpectExec("UPDATE checkout_sessions").
		WithArgs("cs_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("schedule_claimed_at IS NULL").
		WithArgs("cs_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := store.Claim(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.True(t, ok, "first claim should win")

	ok, err = store.Claim(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.False(t, ok, "second claim should observe already claimed")

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionStoreClaimStorageError(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresSessionStoreWithQuerier(mock)
	mock.ExpectExec("UPDATE checkout_sessions").
		WithArgs("cs_1").
		WillReturnError(errors.New("lock timeout"))

	ok, err := store.Claim(context.Background(), "cs_1")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrStorage)
}

func TestPostgresSessionStoreGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store := newPostgresSessionStoreWithQuerier(mock)
	claimedAt := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	updatedAt := claimedAt.Add(time.Second)

	mock.ExpectQuery("SELECT session_id, customer_email, payment_status, schedule_claimed_at, updated_at").
		WithArgs("cs_1").
		WillReturnRows(pgxmock.NewRows([]string{"session_id", "customer_email", "payment_status", "schedule_claimed_at", "updated_at"}).
			AddRow("cs_1", strPtr("paid@example.com"), strPtr("paid"), &claimedAt, updatedAt))

	rec, err := store.Get(context.Background(), "cs_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "cs_1", rec.SessionID)
	require.NotNil(t, rec.CustomerEmail)
	assert.Equal(t, "paid@example.com", *rec.CustomerEmail)
	require.NotNil(t, rec.PaymentStatus)
	assert.Equal(t, "paid", *rec.PaymentStatus)
	assert.True(t, rec.Claimed())
	assert.True(t, rec.ScheduleClaimedAt.Equal(claimedAt))
	assert.True(t, rec.UpdatedAt.Equal(updatedAt))

	mock.ExpectQuery("SELECT session_id").
		WithArgs("cs_missing").
		WillReturnError(pgx.ErrNoRows)
	rec, err = store.Get(context.Background(), "cs_missing")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, mock.ExpectationsWereMet())
}
