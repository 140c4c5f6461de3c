package payments

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sgarimella/mentor-site/internal/observability/metrics"
	"github.com/sgarimella/mentor-site/pkg/logging"
)

const maxCheckoutBody = 16 << 10

// CheckoutDefaults are the server-side settings applied to every checkout request.
type CheckoutDefaults struct {
	PublicBaseURL string
	SuccessURL    string
	CancelURL     string
	Currency      string
	UnitAmount    int64
	ProductName   string
	PriceID       string
}

// CheckoutHandler starts Stripe Checkout for the mentoring session.
type CheckoutHandler struct {
	gateway  CheckoutGateway
	defaults CheckoutDefaults
	validate *validator.Validate
	metrics  *metrics.CheckoutMetrics
	logger   *logging.Logger
}

type checkoutRequest struct {
	CustomerEmail string `json:"customer_email" validate:"omitempty,email,max=254"`
	PriceID       string `json:"price_id" validate:"omitempty,max=255"`
	Mode          string `json:"mode" validate:"omitempty,oneof=payment subscription"`
	SuccessURL    string `json:"success_url" validate:"omitempty,url,max=2048"`
	CancelURL     string `json:"cancel_url" validate:"omitempty,url,max=2048"`
}

type checkoutResponse struct {
	CheckoutURL string `json:"checkout_url"`
	SessionID   string `json:"session_id"`
}

// NewCheckoutHandler creates a handler that starts sessions through gateway.
func NewCheckoutHandler(gateway CheckoutGateway, defaults CheckoutDefaults, m *metrics.CheckoutMetrics, logger *logging.Logger) *CheckoutHandler {
	if gateway == nil {
		panic("payments: checkout gateway required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return &CheckoutHandler{
		gateway:  gateway,
		defaults: defaults,
		validate: v,
		metrics:  m,
		logger:   logger,
	}
}

// CreateCheckout handles POST /create-checkout-session. Without a price_id
// the session is priced inline from the configured amount.
func (h *CheckoutHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, false)
}

// CreatePriceCheckout handles POST /stripe/create-checkout-session/, which
// defaults to the configured Stripe price.
func (h *CheckoutHandler) CreatePriceCheckout(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, true)
}

func (h *CheckoutHandler) create(w http.ResponseWriter, r *http.Request, preferPrice bool) {
	req, err := decodeCheckoutRequest(w, r)
	if err != nil {
		h.metrics.ObserveCheckout("invalid")
		writeJSONError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	params, err := h.buildParams(req, preferPrice)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			h.metrics.ObserveCheckout("invalid")
			writeJSONError(w, http.StatusBadRequest, verr.Error())
			return
		}
		h.metrics.ObserveCheckout("error")
		writeJSONError(w, http.StatusInternalServerError, "server error")
		return
	}

	link, err := h.gateway.CreateSession(r.Context(), params)
	if err != nil {
		var gerr *GatewayError
		if errors.As(err, &gerr) {
			h.logger.Error("stripe checkout session creation failed", "error", err, "provider_status", gerr.StatusCode)
			h.metrics.ObserveCheckout("gateway_error")
			writeJSONError(w, gerr.HTTPStatus(), gerr.Message)
			return
		}
		h.logger.Error("checkout session creation failed", "error", err)
		h.metrics.ObserveCheckout("gateway_error")
		writeJSONError(w, http.StatusBadGateway, "payment provider unavailable")
		return
	}

	h.logger.Info("checkout session created", "session_id", link.ID, "mode", params.Mode)
	h.metrics.ObserveCheckout("created")

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, checkoutResponse{CheckoutURL: link.URL, SessionID: link.ID})
		return
	}
	http.Redirect(w, r, link.URL, http.StatusSeeOther)
}

func decodeCheckoutRequest(w http.ResponseWriter, r *http.Request) (checkoutRequest, error) {
	var req checkoutRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxCheckoutBody)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req = checkoutRequest{
			CustomerEmail: r.PostForm.Get("customer_email"),
			PriceID:       r.PostForm.Get("price_id"),
			Mode:          r.PostForm.Get("mode"),
			SuccessURL:    r.PostForm.Get("success_url"),
			CancelURL:     r.PostForm.Get("cancel_url"),
		}
	}

	req.CustomerEmail = strings.TrimSpace(req.CustomerEmail)
	req.PriceID = strings.TrimSpace(req.PriceID)
	req.Mode = strings.ToLower(strings.TrimSpace(req.Mode))
	req.SuccessURL = strings.TrimSpace(req.SuccessURL)
	req.CancelURL = strings.TrimSpace(req.CancelURL)
	return req, nil
}

func (h *CheckoutHandler) buildParams(req checkoutRequest, preferPrice bool) (SessionParams, error) {
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return SessionParams{}, &ValidationError{Field: verrs[0].Field(), Reason: validationReason(verrs[0])}
		}
		return SessionParams{}, err
	}

	mode := req.Mode
	if mode == "" {
		mode = ModePayment
	}

	priceID := req.PriceID
	if priceID == "" && preferPrice {
		priceID = h.defaults.PriceID
	}
	if mode == ModeSubscription && priceID == "" {
		return SessionParams{}, &ValidationError{Field: "price_id", Reason: "is required for subscriptions"}
	}

	successURL := h.defaults.SuccessURL
	if req.SuccessURL != "" {
		if err := h.checkRedirectURL("success_url", req.SuccessURL); err != nil {
			return SessionParams{}, err
		}
		successURL = req.SuccessURL
	}
	cancelURL := h.defaults.CancelURL
	if req.CancelURL != "" {
		if err := h.checkRedirectURL("cancel_url", req.CancelURL); err != nil {
			return SessionParams{}, err
		}
		cancelURL = req.CancelURL
	}

	item := LineItem{Quantity: 1}
	if priceID != "" {
		item.Price = priceID
	} else {
		item.Currency = h.defaults.Currency
		item.UnitAmount = h.defaults.UnitAmount
		item.ProductName = h.defaults.ProductName
	}

	return SessionParams{
		Mode:          mode,
		LineItems:     []LineItem{item},
		SuccessURL:    successURL,
		CancelURL:     cancelURL,
		CustomerEmail: req.CustomerEmail,
	}, nil
}

// checkRedirectURL keeps caller-supplied redirect targets on our own host.
func (h *CheckoutHandler) checkRedirectURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{Field: field, Reason: "must be an absolute http(s) URL"}
	}
	base, err := url.Parse(h.defaults.PublicBaseURL)
	if err != nil || base.Host == "" || !strings.EqualFold(base.Host, u.Host) {
		return &ValidationError{Field: field, Reason: "must point at this site"}
	}
	return nil
}

func validationReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "url":
		return "must be an absolute URL"
	case "max":
		return "is too long"
	default:
		return "is invalid"
	}
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
