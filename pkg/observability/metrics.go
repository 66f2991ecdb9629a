package observability

import (
	"context"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the workflow collectors.
type Metrics struct {
	Transitions  *prometheus.CounterVec
	Resets       prometheus.Counter
	Expired      prometheus.Counter
	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg skips registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waymark_transitions_total",
				Help: "Committed stage transitions",
			},
			[]string{"from", "to"},
		),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waymark_resets_total",
			Help: "Sessions reset to the initial stage",
		}),
		Expired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waymark_sessions_expired_total",
			Help: "Sessions removed by the expiry sweep",
		}),
		ToolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "waymark_tool_calls_total",
				Help: "Gated tool calls by outcome",
			},
			[]string{"tool_name", "outcome"},
		),
		ToolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "waymark_tool_duration_seconds",
				Help: "Duration of tool executions",
			},
			[]string{"tool_name"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Transitions, m.Resets, m.Expired, m.ToolCalls, m.ToolDuration)
	}
	return m
}

// Outcome labels for ToolCalls.
const (
	OutcomeAllowed  = "allowed"
	OutcomeBypass   = "bypass"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Hooks records events into the collectors.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnTransition: func(_ context.Context, e *domain.SessionEvent) {
			m.Transitions.WithLabelValues(string(e.From), string(e.To)).Inc()
		},
		OnReset: func(context.Context, *domain.SessionEvent) {
			m.Resets.Inc()
		},
		OnExpire: func(context.Context, *domain.SessionEvent) {
			m.Expired.Inc()
		},
		OnToolReturn: func(_ context.Context, e *domain.ToolEvent) {
			outcome := OutcomeAllowed
			switch {
			case e.Rejected:
				outcome = OutcomeRejected
			case e.IsError:
				outcome = OutcomeError
			case e.Bypass:
				outcome = OutcomeBypass
			}
			m.ToolCalls.WithLabelValues(e.ToolName, outcome).Inc()
			if !e.Rejected {
				m.ToolDuration.WithLabelValues(e.ToolName).Observe(e.Duration.Seconds())
			}
		},
	}
}
