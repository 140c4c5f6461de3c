package metrics

import "github.com/prometheus/client_golang/prometheus"

// CheckoutMetrics exposes counters/histograms for the checkout-to-scheduling flow.
type CheckoutMetrics struct {
	checkoutsTotal   *prometheus.CounterVec
	grantsTotal      *prometheus.CounterVec
	webhooksTotal    *prometheus.CounterVec
	gatewayLatency   *prometheus.HistogramVec
	rateLimitedTotal prometheus.Counter
}

// NewCheckoutMetrics registers the checkout collectors on reg, or the default registerer when nil.
func NewCheckoutMetrics(reg prometheus.Registerer) *CheckoutMetrics {
	m := &CheckoutMetrics{
		checkoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentorsite",
			Subsystem: "checkout",
			Name:      "sessions_created_total",
			Help:      "Checkout session creation attempts by result",
		}, []string{"result"}),
		grantsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentorsite",
			Subsystem: "scheduling",
			Name:      "grant_outcomes_total",
			Help:      "Scheduling grant resolutions by protocol state",
		}, []string{"state"}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mentorsite",
			Subsystem: "checkout",
			Name:      "webhook_events_total",
			Help:      "Stripe webhook deliveries by event type and result",
		}, []string{"event_type", "result"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mentorsite",
			Subsystem: "checkout",
			Name:      "gateway_latency_seconds",
			Help:      "Latency of Stripe API calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation", "result"}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mentorsite",
			Subsystem: "checkout",
			Name:      "rate_limited_total",
			Help:      "Checkout creation requests rejected by the rate limiter",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.checkoutsTotal, m.grantsTotal, m.webhooksTotal, m.gatewayLatency, m.rateLimitedTotal)
	return m
}

// ObserveCheckout counts a checkout creation attempt by result.
func (m *CheckoutMetrics) ObserveCheckout(result string) {
	if m == nil {
		return
	}
	m.checkoutsTotal.WithLabelValues(result).Inc()
}

// ObserveGrant counts a scheduling grant resolution by state.
func (m *CheckoutMetrics) ObserveGrant(state string) {
	if m == nil {
		return
	}
	m.grantsTotal.WithLabelValues(state).Inc()
}

// ObserveWebhook counts a webhook delivery by event type and result.
func (m *CheckoutMetrics) ObserveWebhook(eventType, result string) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.webhooksTotal.WithLabelValues(eventType, result).Inc()
}

// ObserveGatewayLatency records the duration of one Stripe API call.
func (m *CheckoutMetrics) ObserveGatewayLatency(operation string, ok bool, seconds float64) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.gatewayLatency.WithLabelValues(operation, result).Observe(seconds)
}

// ObserveRateLimited counts a checkout request rejected with 429.
func (m *CheckoutMetrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimitedTotal.Inc()
}
