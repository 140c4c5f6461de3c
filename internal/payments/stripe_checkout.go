package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/sgarimella/mentor-site/internal/observability/metrics"
	"github.com/sgarimella/mentor-site/pkg/logging"
)

var stripeTracer = otel.Tracer("mentorsite.internal.payments.stripe")

// SessionIDPlaceholder is substituted by Stripe with the real session id on redirect.
const SessionIDPlaceholder = "{CHECKOUT_SESSION_ID}"

const (
	ModePayment      = "payment"
	ModeSubscription = "subscription"
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,255}$`)

// LineItem is one Checkout line. Either Price or the PriceData fields are set.
type LineItem struct {
	Price       string
	Quantity    int
	Currency    string
	UnitAmount  int64
	ProductName string
}

// SessionParams describes a Checkout Session to create.
type SessionParams struct {
	Mode          string
	LineItems     []LineItem
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
}

// CheckoutSessionLink is the provider's answer to a create request.
type CheckoutSessionLink struct {
	ID  string
	URL string
}

// SessionStatus is what RetrieveSession reports about an existing session.
type SessionStatus struct {
	ID            string
	Status        string
	PaymentStatus string
	CustomerEmail string
}

// Paid reports whether the payment status is in the accepted success set.
func (s *SessionStatus) Paid() bool {
	return s != nil && IsPaidStatus(s.PaymentStatus)
}

// CheckoutGateway is the boundary to the payment provider.
type CheckoutGateway interface {
	CreateSession(ctx context.Context, params SessionParams) (*CheckoutSessionLink, error)
	RetrieveSession(ctx context.Context, sessionID string) (*SessionStatus, error)
}

// StripeCheckoutService creates and retrieves Stripe Checkout Sessions over the REST API.
type StripeCheckoutService struct {
	secretKey  string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	metrics    *metrics.CheckoutMetrics
	logger     *logging.Logger
}

// NewStripeCheckoutService creates a new Stripe checkout service. The timeout
// bounds every provider call so a slow Stripe resolves to an error, not a hang.
func NewStripeCheckoutService(secretKey string, timeout time.Duration, logger *logging.Logger) *StripeCheckoutService {
	if logger == nil {
		logger = logging.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &StripeCheckoutService{
		secretKey:  secretKey,
		baseURL:    "https://api.stripe.com",
		apiVersion: "2024-12-18.acacia",
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// WithBaseURL overrides the Stripe API base URL (for testing).
func (s *StripeCheckoutService) WithBaseURL(baseURL string) *StripeCheckoutService {
	if baseURL != "" {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
	return s
}

// WithMetrics records gateway latency.
func (s *StripeCheckoutService) WithMetrics(m *metrics.CheckoutMetrics) *StripeCheckoutService {
	s.metrics = m
	return s
}

// CreateSession asks Stripe for a hosted checkout page.
func (s *StripeCheckoutService) CreateSession(ctx context.Context, params SessionParams) (link *CheckoutSessionLink, err error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.create_checkout_session")
	defer span.End()
	start := time.Now()
	defer func() {
		s.metrics.ObserveGatewayLatency("create_session", err == nil, time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	mode := params.Mode
	if mode == "" {
		mode = ModePayment
	}
	if len(params.LineItems) == 0 {
		return nil, &GatewayError{Message: "at least one line item is required"}
	}
	span.SetAttributes(
		attribute.String("mentorsite.checkout.mode", mode),
		attribute.Int("mentorsite.checkout.line_items", len(params.LineItems)),
	)

	form := url.Values{}
	form.Set("mode", mode)
	for i, item := range params.LineItems {
		prefix := fmt.Sprintf("line_items[%d]", i)
		quantity := item.Quantity
		if quantity <= 0 {
			quantity = 1
		}
		if item.Price != "" {
			form.Set(prefix+"[price]", item.Price)
		} else {
			form.Set(prefix+"[price_data][currency]", strings.ToLower(item.Currency))
			form.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(item.UnitAmount, 10))
			form.Set(prefix+"[price_data][product_data][name]", item.ProductName)
		}
		form.Set(prefix+"[quantity]", strconv.Itoa(quantity))
	}
	if params.SuccessURL != "" {
		form.Set("success_url", WithSessionPlaceholder(params.SuccessURL))
	}
	if params.CancelURL != "" {
		form.Set("cancel_url", params.CancelURL)
	}
	if email := strings.TrimSpace(params.CustomerEmail); email != "" {
		form.Set("customer_email", email)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &GatewayError{Message: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var parsed stripeCheckoutSession
	if err := s.do(req, &parsed); err != nil {
		return nil, err
	}
	if parsed.URL == "" || parsed.ID == "" {
		return nil, &GatewayError{StatusCode: http.StatusBadGateway, Message: "stripe response missing checkout url"}
	}
	span.SetAttributes(attribute.String("mentorsite.checkout.session_id", parsed.ID))
	return &CheckoutSessionLink{ID: parsed.ID, URL: parsed.URL}, nil
}

// RetrieveSession fetches the current state of a session. Any failure is a
// *GatewayError; the caller must treat it as "cannot verify".
func (s *StripeCheckoutService) RetrieveSession(ctx context.Context, sessionID string) (status *SessionStatus, err error) {
	ctx, span := stripeTracer.Start(ctx, "stripe.retrieve_checkout_session")
	defer span.End()
	start := time.Now()
	defer func() {
		s.metrics.ObserveGatewayLatency("retrieve_session", err == nil, time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, &GatewayError{Message: "missing session id", Err: ErrMissingSessionID}
	}
	if !sessionIDPattern.MatchString(sessionID) {
		return nil, &GatewayError{StatusCode: http.StatusBadRequest, Message: "no such checkout session", Err: ErrInvalidSessionID}
	}
	span.SetAttributes(attribute.String("mentorsite.checkout.session_id", sessionID))

	endpoint := s.baseURL + "/v1/checkout/sessions/" + url.PathEscape(sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &GatewayError{Message: "build request", Err: err}
	}

	var parsed stripeCheckoutSession
	if err := s.do(req, &parsed); err != nil {
		return nil, err
	}
	if parsed.ID == "" {
		return nil, &GatewayError{StatusCode: http.StatusBadGateway, Message: "stripe response missing session id"}
	}
	return &SessionStatus{
		ID:            parsed.ID,
		Status:        parsed.Status,
		PaymentStatus: parsed.PaymentStatus,
		CustomerEmail: parsed.email(),
	}, nil
}

func (s *StripeCheckoutService) do(req *http.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", s.apiVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("stripe request failed", "path", req.URL.Path, "error", err)
		return &GatewayError{Message: "stripe request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg := readStripeError(resp.Body)
		s.logger.Warn("stripe api error", "path", req.URL.Path, "status", resp.StatusCode, "message", msg)
		return &GatewayError{StatusCode: resp.StatusCode, Message: msg}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &GatewayError{StatusCode: http.StatusBadGateway, Message: "stripe decode failed", Err: err}
	}
	return nil
}

// WithSessionPlaceholder makes sure the success URL carries the session id
// placeholder, appending it as a session_id query parameter when absent.
func WithSessionPlaceholder(successURL string) string {
	if successURL == "" || strings.Contains(successURL, SessionIDPlaceholder) {
		return successURL
	}
	sep := "?"
	if strings.Contains(successURL, "?") {
		sep = "&"
	}
	return successURL + sep + "session_id=" + SessionIDPlaceholder
}

// stripeCheckoutSession is the subset of Stripe's Checkout Session we need.
type stripeCheckoutSession struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
	CustomerEmail   string `json:"customer_email"`
	CustomerDetails *struct {
		Email string `json:"email"`
	} `json:"customer_details"`
}

func (s stripeCheckoutSession) email() string {
	if s.CustomerDetails != nil && strings.TrimSpace(s.CustomerDetails.Email) != "" {
		return strings.TrimSpace(s.CustomerDetails.Email)
	}
	return strings.TrimSpace(s.CustomerEmail)
}

// stripeErrorResponse represents a Stripe API error.
type stripeErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// readStripeError extracts the provider's error message, falling back to the raw body.
func readStripeError(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return "unknown error"
	}
	var parsed stripeErrorResponse
	if json.Unmarshal(data, &parsed) == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return text
	}
	return "unknown error"
}
