// ABOUTME: Prometheus instrumentation for the gateway
// ABOUTME: Counters for auth, throttling and session outcomes plus a connected-agents gauge

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors. All collectors are
// registered at construction; a nil Registerer gets a private registry so
// tests never collide on the global default.
type Metrics struct {
	reg prometheus.Registerer

	// AuthAttempts counts agent authentication attempts by outcome:
	// "ok", "ok_previous_secret", "rejected".
	AuthAttempts *prometheus.CounterVec

	// RateLimitDenials counts requests refused by the fixed-window limiter,
	// labelled by route class.
	RateLimitDenials *prometheus.CounterVec

	// CooldownDenials counts diagnostic requests refused by the per-target
	// cool-down gate.
	CooldownDenials prometheus.Counter

	// SessionsFinished counts diagnostic sessions by terminal state:
	// "completed", "error", "timeout".
	SessionsFinished *prometheus.CounterVec

	// Dispatches counts command pushes by outcome: "delivered", "offline".
	Dispatches *prometheus.CounterVec
}

// New creates and registers the gateway collectors. Pass nil to register on
// a fresh private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		AuthAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meter_gateway_auth_attempts_total",
			Help: "Agent authentication attempts by outcome.",
		}, []string{"outcome"}),
		RateLimitDenials: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meter_gateway_ratelimit_denials_total",
			Help: "Requests refused by the fixed-window rate limiter.",
		}, []string{"route"}),
		CooldownDenials: factory.NewCounter(prometheus.CounterOpts{
			Name: "meter_gateway_cooldown_denials_total",
			Help: "Diagnostic requests refused by the per-target cool-down gate.",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meter_gateway_sessions_finished_total",
			Help: "Diagnostic sessions that reached a terminal state.",
		}, []string{"state"}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "meter_gateway_dispatches_total",
			Help: "Diagnostic commands pushed to agents by outcome.",
		}, []string{"outcome"}),
	}
}

// TrackConnectedAgents registers a gauge backed by the given callback,
// typically the registry's live channel count.
func (m *Metrics) TrackConnectedAgents(count func() int) {
	promauto.With(m.reg).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "meter_gateway_connected_agents",
		Help: "Number of agents with a live push channel.",
	}, func() float64 {
		return float64(count())
	})
}
