package scheduling

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/sgarimella/mentor-site/internal/http/middleware"
	"github.com/sgarimella/mentor-site/internal/payments"
	"github.com/sgarimella/mentor-site/pkg/logging"
)

type scheduleResponse struct {
	State         string `json:"state"`
	Message       string `json:"message"`
	SchedulingURL string `json:"scheduling_url,omitempty"`
	SessionID     string `json:"session_id,omitempty"`
}

// Handler serves GET /schedule.
type Handler struct {
	service *Service
	logger  *logging.Logger
}

// NewHandler wraps a grant Service for HTTP.
func NewHandler(service *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{service: service, logger: logger}
}

// Schedule resolves ?session_id= into the scheduling link, at most once per
// paid session. ?preview=1 is honoured only for authenticated operators.
func (h *Handler) Schedule(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := Request{
		SessionID: q.Get("session_id"),
		Preview:   h.previewRequested(r, q.Get("preview")),
	}

	out, err := h.service.Resolve(r.Context(), req)
	status, resp := describe(out, err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("schedule request failed", "session_id", out.SessionID, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func (h *Handler) previewRequested(r *http.Request, flag string) bool {
	if !truthy(flag) {
		return false
	}
	_, ok := middleware.OperatorClaimsFromContext(r.Context())
	return ok
}

func describe(out Outcome, err error) (int, scheduleResponse) {
	resp := scheduleResponse{State: out.State.String(), SessionID: out.SessionID}

	var verr *VerificationError
	switch {
	case errors.Is(err, payments.ErrMissingSessionID):
		resp.Message = "A checkout session id is required."
		return http.StatusBadRequest, resp
	case errors.As(err, &verr):
		resp.Message = "We could not verify your payment. Please contact support with your receipt."
		return http.StatusBadRequest, resp
	case errors.Is(err, ErrAlreadyClaimed):
		resp.Message = "This scheduling link has already been used. Please contact support if you need to reschedule."
		return http.StatusGone, resp
	case err != nil:
		resp.State = "error"
		resp.Message = "Something went wrong on our side. Please try again shortly."
		return http.StatusInternalServerError, resp
	}

	switch out.State {
	case StateNotPaid:
		resp.Message = "Your payment has not completed yet. Reload this page once it has gone through."
	case StatePaidUnclaimed:
		resp.Message = "Payment received. Pick a time for your session below."
		resp.SchedulingURL = out.SchedulingURL
	case StatePreview:
		resp.Message = "Preview mode: no payment was checked."
		resp.SchedulingURL = out.SchedulingURL
	}
	return http.StatusOK, resp
}

func truthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "on":
		return true
	}
	ok, _ := strconv.ParseBool(strings.TrimSpace(value))
	return ok
}
