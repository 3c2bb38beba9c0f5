// Package metrics exports the sync engine's prometheus metrics from a
// private registry.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "tablesync"

	sideLabel       = "side"
	resultLabel     = "result"
	directionLabel  = "direction"
	resolutionLabel = "resolution"
	kindLabel       = "kind"
)

// Metrics holds the collectors of one process. A nil *Metrics records
// nothing.
type Metrics struct {
	registry      *prometheus.Registry
	serverMetrics *grpcprom.ServerMetrics

	sessionsTotal          *prometheus.CounterVec
	sessionDurationSeconds *prometheus.HistogramVec
	rowsTotal              *prometheus.CounterVec
	partsTotal             *prometheus.CounterVec
	conflictsTotal         *prometheus.CounterVec
	failuresTotal          *prometheus.CounterVec
	activeSessions         *prometheus.GaugeVec
}

func NewMetrics() (*Metrics, error) {
	reg := prometheus.NewRegistry()

	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	serverMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	if err := reg.Register(serverMetrics); err != nil {
		return nil, fmt.Errorf("register grpc server metrics: %w", err)
	}

	return &Metrics{
		registry:      reg,
		serverMetrics: serverMetrics,
		sessionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "total",
			Help:      "The total number of finished sessions by outcome.",
		}, []string{sideLabel, resultLabel}),
		sessionDurationSeconds: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "duration_seconds",
			Help:      "The duration of sessions.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{sideLabel}),
		rowsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rows",
			Name:      "total",
			Help:      "The total number of rows sent, received and applied.",
		}, []string{sideLabel, directionLabel}),
		partsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "parts_total",
			Help:      "The total number of batch parts sent and received.",
		}, []string{sideLabel, directionLabel}),
		conflictsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conflict",
			Name:      "total",
			Help:      "The total number of resolved conflicts.",
		}, []string{sideLabel, resolutionLabel}),
		failuresTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "apply",
			Name:      "failures_total",
			Help:      "The total number of rows and tables that failed to apply.",
		}, []string{sideLabel, kindLabel}),
		activeSessions: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "The number of sessions in progress.",
		}, []string{sideLabel}),
	}, nil
}

// Registry returns the registry of the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ServerMetrics returns the grpc server collectors. Their interceptors must
// be installed on the server.
func (m *Metrics) ServerMetrics() *grpcprom.ServerMetrics {
	return m.serverMetrics
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionStarted increases the active sessions of side.
func (m *Metrics) SessionStarted(side string) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(side).Inc()
}

// SessionFinished records a finished session. result is "committed",
// "partial" or "aborted".
func (m *Metrics) SessionFinished(side, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeSessions.WithLabelValues(side).Dec()
	m.sessionsTotal.WithLabelValues(side, result).Inc()
	m.sessionDurationSeconds.WithLabelValues(side).Observe(d.Seconds())
}

// AddRows adds n rows for a direction: "sent", "received" or "applied".
func (m *Metrics) AddRows(side, direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.rowsTotal.WithLabelValues(side, direction).Add(float64(n))
}

// AddParts adds n batch parts for a direction.
func (m *Metrics) AddParts(side, direction string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.partsTotal.WithLabelValues(side, direction).Add(float64(n))
}

func (m *Metrics) AddConflict(side, resolution string) {
	if m == nil {
		return
	}
	m.conflictsTotal.WithLabelValues(side, resolution).Inc()
}

func (m *Metrics) AddFailures(side, kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.failuresTotal.WithLabelValues(side, kind).Add(float64(n))
}
