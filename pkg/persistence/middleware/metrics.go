package middleware

import (
	"context"
	"errors"
	"time"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/ports"
	"github.com/prometheus/client_golang/prometheus"
)

// StoreMetrics holds the collectors updated by the metrics middleware.
type StoreMetrics struct {
	Operations *prometheus.CounterVec
	Duration   *prometheus.HistogramVec
}

// NewStoreMetrics creates the collectors and registers them with reg.
// A nil reg skips registration.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "waymark",
				Subsystem: "store",
				Name:      "operations_total",
				Help:      "Session store operations by operation and result.",
			},
			[]string{"op", "result"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "waymark",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Latency of session store operations.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Duration)
	}
	return m
}

type metricsMiddleware struct {
	next    ports.SessionStore
	metrics *StoreMetrics
}

// NewMetricsMiddleware records count and latency of every store call.
func NewMetricsMiddleware(metrics *StoreMetrics) Middleware {
	return func(next ports.SessionStore) ports.SessionStore {
		return &metricsMiddleware{next: next, metrics: metrics}
	}
}

func (m *metricsMiddleware) observe(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	m.metrics.Operations.WithLabelValues(op, result).Inc()
	m.metrics.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *metricsMiddleware) Save(ctx context.Context, session *domain.Session) (err error) {
	defer func(start time.Time) { m.observe("save", start, err) }(time.Now())
	return m.next.Save(ctx, session)
}

func (m *metricsMiddleware) Load(ctx context.Context, sessionID string) (s *domain.Session, err error) {
	defer func(start time.Time) { m.observe("load", start, err) }(time.Now())
	return m.next.Load(ctx, sessionID)
}

func (m *metricsMiddleware) Delete(ctx context.Context, sessionID string) (err error) {
	defer func(start time.Time) { m.observe("delete", start, err) }(time.Now())
	return m.next.Delete(ctx, sessionID)
}

func (m *metricsMiddleware) DeleteIfUnchanged(ctx context.Context, sessionID string, updatedAt time.Time) (ok bool, err error) {
	defer func(start time.Time) { m.observe("delete_if_unchanged", start, err) }(time.Now())
	return deleteIfUnchanged(ctx, m.next, sessionID, updatedAt)
}

func (m *metricsMiddleware) List(ctx context.Context) (ids []string, err error) {
	defer func(start time.Time) { m.observe("list", start, err) }(time.Now())
	return m.next.List(ctx)
}

func (m *metricsMiddleware) Backup(ctx context.Context) (loc string, err error) {
	defer func(start time.Time) { m.observe("backup", start, err) }(time.Now())
	return m.next.Backup(ctx)
}
