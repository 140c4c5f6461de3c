package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sgarimella/mentor-site/internal/observability/metrics"
	"github.com/sgarimella/mentor-site/pkg/logging"
)

const maxWebhookBody = 64 << 10

// checkoutEventTypes are the events whose data.object is a checkout session.
var checkoutEventTypes = map[string]struct{}{
	"checkout.session.completed":               {},
	"checkout.session.async_payment_succeeded": {},
	"checkout.session.async_payment_failed":    {},
}

// StripeWebhookHandler applies signed Stripe events to the session store,
// independently of the customer's browser returning to /schedule.
type StripeWebhookHandler struct {
	webhookSecret string
	tolerance     time.Duration
	sessions      SessionStore
	processed     ProcessedTracker
	metrics       *metrics.CheckoutMetrics
	logger        *logging.Logger
	now           func() time.Time
}

// NewStripeWebhookHandler creates a new handler for Stripe webhooks. processed may be nil.
func NewStripeWebhookHandler(webhookSecret string, tolerance time.Duration, sessions SessionStore, processed ProcessedTracker, m *metrics.CheckoutMetrics, logger *logging.Logger) *StripeWebhookHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &StripeWebhookHandler{
		webhookSecret: webhookSecret,
		tolerance:     tolerance,
		sessions:      sessions,
		processed:     processed,
		metrics:       m,
		logger:        logger,
		now:           time.Now,
	}
}

// Handle processes incoming Stripe webhook events.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.metrics.ObserveWebhook("", "invalid_body")
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	if err := VerifyStripeSignature(h.webhookSecret, payload, r.Header.Get("Stripe-Signature"), h.now(), h.tolerance); err != nil {
		h.logger.Warn("stripe webhook signature rejected", "error", err, "remote_ip", r.RemoteAddr)
		h.metrics.ObserveWebhook("", "bad_signature")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	var evt stripeWebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		h.logger.Error("failed to decode stripe event", "error", err)
		h.metrics.ObserveWebhook("", "invalid_payload")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if evt.ID == "" {
		h.metrics.ObserveWebhook(metricEventType(evt.Type), "invalid_payload")
		http.Error(w, "missing event id", http.StatusBadRequest)
		return
	}

	if _, ok := checkoutEventTypes[evt.Type]; !ok {
		h.logger.Debug("ignoring stripe event", "event_id", evt.ID, "type", evt.Type)
		h.metrics.ObserveWebhook(metricEventType(evt.Type), "ignored")
		writeReceived(w)
		return
	}

	session := evt.Data.Object
	if strings.TrimSpace(session.ID) == "" {
		h.metrics.ObserveWebhook(metricEventType(evt.Type), "invalid_payload")
		http.Error(w, "missing checkout session id", http.StatusBadRequest)
		return
	}

	if h.processed != nil {
		if done, err := h.processed.AlreadyProcessed(r.Context(), "stripe", evt.ID); err != nil {
			h.logger.Error("processed lookup failed", "error", err, "event_id", evt.ID)
			h.metrics.ObserveWebhook(metricEventType(evt.Type), "error")
			http.Error(w, "server error", http.StatusInternalServerError)
			return
		} else if done {
			h.metrics.ObserveWebhook(metricEventType(evt.Type), "duplicate")
			writeReceived(w)
			return
		}
	}

	email := optionalString(session.email())
	status := optionalString(session.PaymentStatus)
	if err := h.sessions.Upsert(r.Context(), session.ID, email, status); err != nil {
		h.logger.Error("failed to upsert checkout session from webhook", "error", err, "event_id", evt.ID, "session_id", session.ID)
		h.metrics.ObserveWebhook(metricEventType(evt.Type), "error")
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}

	if h.processed != nil {
		if _, err := h.processed.MarkProcessed(r.Context(), "stripe", evt.ID); err != nil {
			h.logger.Warn("failed to record processed event", "error", err, "event_id", evt.ID)
		}
	}

	h.logger.Info("stripe checkout event applied",
		"event_id", evt.ID,
		"type", evt.Type,
		"session_id", session.ID,
		"payment_status", session.PaymentStatus,
	)
	h.metrics.ObserveWebhook(metricEventType(evt.Type), "applied")
	writeReceived(w)
}

// metricEventType folds event types we do not handle into one label value.
func metricEventType(eventType string) string {
	if _, ok := checkoutEventTypes[eventType]; ok {
		return eventType
	}
	return "other"
}

func writeReceived(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"received":true}`))
}

// stripeWebhookEvent represents a Stripe webhook event envelope.
type stripeWebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object stripeCheckoutSession `json:"object"`
	} `json:"data"`
}

var (
	errMissingSecret    = errors.New("webhook secret not configured")
	errMalformedHeader  = errors.New("malformed signature header")
	errTimestampOutside = errors.New("timestamp outside tolerance")
)

// VerifyStripeSignature checks a Stripe-Signature header of the form
// t=<unix>,v1=<hex hmac>[,v1=...]. The signed payload is "<t>.<body>".
// An unconfigured secret never verifies.
func VerifyStripeSignature(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	if secret == "" {
		return errors.Join(ErrInvalidSignature, errMissingSecret)
	}
	if header == "" {
		return errors.Join(ErrInvalidSignature, errMalformedHeader)
	}

	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return errors.Join(ErrInvalidSignature, errMalformedHeader)
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.Join(ErrInvalidSignature, errMalformedHeader)
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > tolerance || skew < -tolerance {
		return errors.Join(ErrInvalidSignature, errTimestampOutside)
	}

	expected := SignStripePayload(secret, timestamp, payload)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// SignStripePayload computes the v1 signature Stripe would send for payload at timestamp.
func SignStripePayload(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
