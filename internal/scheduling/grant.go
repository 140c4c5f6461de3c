package scheduling

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sgarimella/mentor-site/internal/observability/metrics"
	"github.com/sgarimella/mentor-site/internal/payments"
	"github.com/sgarimella/mentor-site/pkg/logging"
)

// State is the outcome of resolving a scheduling grant.
type State int

const (
	StateUnknown State = iota
	StateNoSession
	StateUnverifiable
	StateNotPaid
	StatePaidUnclaimed
	StatePaidAlreadyClaimed
	StatePreview
)

func (s State) String() string {
	switch s {
	case StateNoSession:
		return "no_session"
	case StateUnverifiable:
		return "unverifiable"
	case StateNotPaid:
		return "not_paid"
	case StatePaidUnclaimed:
		return "granted"
	case StatePaidAlreadyClaimed:
		return "already_claimed"
	case StatePreview:
		return "preview"
	default:
		return "unknown"
	}
}

// ErrAlreadyClaimed is returned when the session's grant was spent by an earlier request.
var ErrAlreadyClaimed = errors.New("scheduling: grant already claimed")

// VerificationError means the payment provider could not confirm the session.
type VerificationError struct {
	SessionID string
	Err       error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("scheduling: cannot verify session %q: %v", e.SessionID, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Request asks for the scheduling grant of one checkout session. Preview must
// only be set once the caller has authenticated an operator.
type Request struct {
	SessionID string
	Preview   bool
}

// Outcome describes what the caller should be shown.
type Outcome struct {
	State         State
	SessionID     string
	SchedulingURL string
	PaymentStatus string
}

// Service binds a verified, paid checkout session to a single use of the scheduling link.
type Service struct {
	gateway       payments.CheckoutGateway
	store         payments.SessionStore
	schedulingURL string
	allowPreview  bool
	metrics       *metrics.CheckoutMetrics
	logger        *logging.Logger
}

// NewService builds the grant protocol over a gateway and a session store.
func NewService(gateway payments.CheckoutGateway, store payments.SessionStore, schedulingURL string, allowPreview bool, m *metrics.CheckoutMetrics, logger *logging.Logger) *Service {
	if gateway == nil || store == nil {
		panic("scheduling: gateway and store are required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		gateway:       gateway,
		store:         store,
		schedulingURL: schedulingURL,
		allowPreview:  allowPreview,
		metrics:       m,
		logger:        logger,
	}
}

// Resolve runs the claim protocol. The gateway's answer is always persisted
// before the claim is attempted; the claim itself is the store's single
// conditional write.
func (s *Service) Resolve(ctx context.Context, req Request) (Outcome, error) {
	out, err := s.resolve(ctx, req)
	s.metrics.ObserveGrant(out.State.String())
	if err != nil && !errors.Is(err, ErrAlreadyClaimed) {
		s.logger.Warn("scheduling grant refused", "session_id", out.SessionID, "state", out.State.String(), "error", err)
	} else {
		s.logger.Info("scheduling grant resolved", "session_id", out.SessionID, "state", out.State.String())
	}
	return out, err
}

func (s *Service) resolve(ctx context.Context, req Request) (Outcome, error) {
	sessionID := strings.TrimSpace(req.SessionID)

	if req.Preview && s.allowPreview {
		return Outcome{State: StatePreview, SessionID: sessionID, SchedulingURL: s.schedulingURL}, nil
	}
	if sessionID == "" {
		return Outcome{State: StateNoSession}, payments.ErrMissingSessionID
	}

	status, err := s.gateway.RetrieveSession(ctx, sessionID)
	if err != nil {
		return Outcome{State: StateUnverifiable, SessionID: sessionID}, &VerificationError{SessionID: sessionID, Err: err}
	}

	if err := s.store.Upsert(ctx, sessionID, nonEmpty(status.CustomerEmail), nonEmpty(status.PaymentStatus)); err != nil {
		return Outcome{SessionID: sessionID}, fmt.Errorf("scheduling: record session: %w", err)
	}

	out := Outcome{SessionID: sessionID, PaymentStatus: status.PaymentStatus}
	if !status.Paid() {
		out.State = StateNotPaid
		return out, nil
	}

	won, err := s.store.Claim(ctx, sessionID)
	if err != nil {
		return Outcome{SessionID: sessionID}, fmt.Errorf("scheduling: claim grant: %w", err)
	}
	if !won {
		out.State = StatePaidAlreadyClaimed
		return out, ErrAlreadyClaimed
	}
	out.State = StatePaidUnclaimed
	out.SchedulingURL = s.schedulingURL
	return out, nil
}

func nonEmpty(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
