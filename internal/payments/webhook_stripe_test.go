package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgarimella/mentor-site/internal/observability/metrics"
	"github.com/sgarimella/mentor-site/pkg/logging"
)

const testWebhookSecret = "whsec_test"

func buildStripePayload(t *testing.T, eventID, eventType, sessionID, paymentStatus, email string) []byte {
	t.Helper()
	evt := map[string]any{
		"id":      eventID,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":               sessionID,
				"status":           "complete",
				"payment_status":   paymentStatus,
				"customer_details": map[string]any{"email": email},
			},
		},
	}
	data, err := json.Marshal(evt)
	require.NoError(t, err)
	return data
}

func stripeSign(payload []byte, secret string, at time.Time) string {
	ts := fmt.Sprintf("%d", at.Unix())
	return fmt.Sprintf("t=%s,v1=%s", ts, SignStripePayload(secret, ts, payload))
}

func postWebhook(h *StripeWebhookHandler, payload []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", bytes.NewReader(payload))
	if signature != "" {
		req.Header.Set("Stripe-Signature", signature)
	}
	rr := httptest.NewRecorder()
	h.Handle(rr, req)
	return rr
}

func newWebhookHandler(store SessionStore, tracker ProcessedTracker) *StripeWebhookHandler {
	return NewStripeWebhookHandler(testWebhookSecret, 5*time.Minute, store, tracker, nil, logging.Default())
}

func TestStripeWebhookHandler_CompletedUpsertsSession(t *testing.T) {
	store := NewMemorySessionStore()
	h := newWebhookHandler(store, nil)

	payload := buildStripePayload(t, "evt_1", "checkout.session.completed", "cs_test_1", "paid", "a@example.com")
	rr := postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now()))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.JSONEq(t, `{"received":true}`, rr.Body.String())

	rec, err := store.Get(context.Background(), "cs_test_1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NotNil(t, rec.PaymentStatus)
	assert.Equal(t, "paid", *rec.PaymentStatus)
	require.NotNil(t, rec.CustomerEmail)
	assert.Equal(t, "a@example.com", *rec.CustomerEmail)
	assert.Nil(t, rec.ScheduleClaimedAt)
}

func TestStripeWebhookHandler_RejectsBadSignature(t *testing.T) {
	store := NewMemorySessionStore()
	h := newWebhookHandler(store, nil)
	payload := buildStripePayload(t, "evt_1", "checkout.session.completed", "cs_test_1", "paid", "a@example.com")

	cases := map[string]string{
		"missing header": "",
		"wrong secret":   stripeSign(payload, "whsec_other", time.Now()),
		"stale":          stripeSign(payload, testWebhookSecret, time.Now().Add(-10*time.Minute)),
		"garbage":        "not-a-signature",
	}
	for name, sig := range cases {
		t.Run(name, func(t *testing.T) {
			rr := postWebhook(h, payload, sig)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
	assert.Equal(t, 0, store.Len())
}

func TestStripeWebhookHandler_EmptySecretRejects(t *testing.T) {
	store := NewMemorySessionStore()
	h := NewStripeWebhookHandler("", 0, store, nil, nil, nil)
	payload := buildStripePayload(t, "evt_1", "checkout.session.completed", "cs_test_1", "paid", "")

	rr := postWebhook(h, payload, stripeSign(payload, "", time.Now()))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 0, store.Len())
}

func TestStripeWebhookHandler_IgnoresOtherEvents(t *testing.T) {
	store := NewMemorySessionStore()
	h := newWebhookHandler(store, nil)
	payload := buildStripePayload(t, "evt_2", "payment_intent.created", "pi_1", "", "")

	rr := postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now()))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"received":true}`, rr.Body.String())
	assert.Equal(t, 0, store.Len())
}

func TestStripeWebhookHandler_IgnoredTypesShareOneMetricLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewStripeWebhookHandler(testWebhookSecret, 5*time.Minute, NewMemorySessionStore(), nil, metrics.NewCheckoutMetrics(reg), logging.Default())

	for i, eventType := range []string{"payment_intent.created", "customer.updated", "invoice.paid"} {
		payload := buildStripePayload(t, fmt.Sprintf("evt_ign_%d", i), eventType, "obj_1", "", "")
		rr := postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now()))
		require.Equal(t, http.StatusOK, rr.Code)
	}
	payload := buildStripePayload(t, "evt_ok", "checkout.session.completed", "cs_metric", "paid", "")
	require.Equal(t, http.StatusOK, postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now())).Code)

	count, err := testutil.GatherAndCount(reg, "mentorsite_checkout_webhook_events_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	families, err := reg.Gather()
	require.NoError(t, err)
	var eventTypes []string
	for _, mf := range families {
		if mf.GetName() != "mentorsite_checkout_webhook_events_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "event_type" {
					eventTypes = append(eventTypes, label.GetValue())
				}
			}
		}
	}
	assert.ElementsMatch(t, []string{"other", "checkout.session.completed"}, eventTypes)
}

func TestStripeWebhookHandler_RejectsMalformedPayload(t *testing.T) {
	h := newWebhookHandler(NewMemorySessionStore(), nil)

	payload := []byte("{not json")
	rr := postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now()))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	payload = []byte(`{"type":"checkout.session.completed","data":{"object":{"id":"cs_1"}}}`)
	rr = postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now()))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStripeWebhookHandler_RejectsOversizedBody(t *testing.T) {
	h := newWebhookHandler(NewMemorySessionStore(), nil)
	payload := []byte(`{"id":"evt_big","pad":"` + strings.Repeat("x", maxWebhookBody) + `"}`)

	rr := postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now()))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStripeWebhookHandler_AsyncFailureRecordsStatus(t *testing.T) {
	store := NewMemorySessionStore()
	h := newWebhookHandler(store, nil)

	payload := buildStripePayload(t, "evt_3", "checkout.session.async_payment_failed", "cs_async", "unpaid", "")
	rr := postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now()))
	require.Equal(t, http.StatusOK, rr.Code)

	rec, err := store.Get(context.Background(), "cs_async")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "unpaid", *rec.PaymentStatus)
	assert.Nil(t, rec.CustomerEmail)
}

func TestStripeWebhookHandler_DuplicateDeliveryAppliedOnce(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &countingStore{SessionStore: NewMemorySessionStore()}
	h := newWebhookHandler(store, NewRedisProcessedTracker(client, time.Hour))

	payload := buildStripePayload(t, "evt_dup", "checkout.session.completed", "cs_dup", "paid", "")
	for i := 0; i < 3; i++ {
		rr := postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now()))
		require.Equal(t, http.StatusOK, rr.Code)
	}
	assert.Equal(t, 1, store.upserts)
	assert.True(t, mr.Exists("webhook:stripe:evt_dup"))
}

func TestStripeWebhookHandler_StoreFailureReturns500(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := &countingStore{SessionStore: NewMemorySessionStore(), failUpsert: true}
	h := newWebhookHandler(store, NewRedisProcessedTracker(client, time.Hour))

	payload := buildStripePayload(t, "evt_fail", "checkout.session.completed", "cs_fail", "paid", "")
	rr := postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now()))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.False(t, mr.Exists("webhook:stripe:evt_fail"), "failed events must stay retryable")
}

func TestStripeWebhookHandler_DoesNotReleaseClaim(t *testing.T) {
	store := NewMemorySessionStore()
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, "cs_claimed", nil, strPtr("paid")))
	won, err := store.Claim(ctx, "cs_claimed")
	require.NoError(t, err)
	require.True(t, won)

	h := newWebhookHandler(store, nil)
	payload := buildStripePayload(t, "evt_late", "checkout.session.completed", "cs_claimed", "paid", "late@example.com")
	rr := postWebhook(h, payload, stripeSign(payload, testWebhookSecret, time.Now()))
	require.Equal(t, http.StatusOK, rr.Code)

	rec, err := store.Get(ctx, "cs_claimed")
	require.NoError(t, err)
	assert.NotNil(t, rec.ScheduleClaimedAt)
	assert.Equal(t, "late@example.com", *rec.CustomerEmail)
}

func TestVerifyStripeSignature_MultipleSignatures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	payload := []byte(`{"id":"evt"}`)
	ts := fmt.Sprintf("%d", now.Unix())
	header := fmt.Sprintf("t=%s,v1=deadbeef,v1=%s", ts, SignStripePayload(testWebhookSecret, ts, payload))

	require.NoError(t, VerifyStripeSignature(testWebhookSecret, payload, header, now, time.Minute))
	err := VerifyStripeSignature(testWebhookSecret, []byte(`{"id":"tampered"}`), header, now, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

type countingStore struct {
	SessionStore
	upserts    int
	failUpsert bool
}

func (s *countingStore) Upsert(ctx context.Context, id string, email, status *string) error {
	if s.failUpsert {
		return storageError("upsert", fmt.Errorf("connection reset"))
	}
	s.upserts++
	return s.SessionStore.Upsert(ctx, id, email, status)
}
