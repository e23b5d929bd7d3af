package coordinator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors updated by a Coordinator.
type Metrics struct {
	Refreshes           *prometheus.CounterVec
	RefreshDuration     prometheus.Histogram
	ConsecutiveFailures prometheus.Gauge
	SnapshotVersion     prometheus.Gauge
	LastSuccess         prometheus.Gauge
	NeedsReauth         prometheus.Gauge
	Degraded            *prometheus.CounterVec
	LiveEvents          *prometheus.CounterVec
	LiveConnected       prometheus.Gauge
	FailureRate         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// non-nil. A collector already registered under the same name is reused, so
// several coordinators sharing prometheus.DefaultRegisterer update the same
// series.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truenas",
			Subsystem: "sync",
			Name:      "refreshes_total",
			Help:      "Refresh attempts by outcome.",
		}, []string{"result"}),
		RefreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "truenas",
			Subsystem: "sync",
			Name:      "refresh_duration_seconds",
			Help:      "Duration of refresh attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		ConsecutiveFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truenas",
			Subsystem: "sync",
			Name:      "consecutive_failures",
		}),
		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truenas",
			Subsystem: "sync",
			Name:      "snapshot_version",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truenas",
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
		}),
		NeedsReauth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truenas",
			Subsystem: "sync",
			Name:      "needs_reauth",
		}),
		Degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truenas",
			Subsystem: "sync",
			Name:      "degraded_collections_total",
			Help:      "Best-effort collections published empty after a failure.",
		}, []string{"collection"}),
		LiveEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "truenas",
			Subsystem: "live",
			Name:      "events_total",
		}, []string{"collection", "op"}),
		LiveConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truenas",
			Subsystem: "live",
			Name:      "connected",
		}),
		FailureRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "truenas",
			Subsystem: "sync",
			Name:      "failure_ratio",
			Help:      "Share of failed attempts in the recent refresh history.",
		}),
	}

	if reg != nil {
		m.Refreshes = register(reg, m.Refreshes)
		m.RefreshDuration = register(reg, m.RefreshDuration)
		m.ConsecutiveFailures = register(reg, m.ConsecutiveFailures)
		m.SnapshotVersion = register(reg, m.SnapshotVersion)
		m.LastSuccess = register(reg, m.LastSuccess)
		m.NeedsReauth = register(reg, m.NeedsReauth)
		m.Degraded = register(reg, m.Degraded)
		m.LiveEvents = register(reg, m.LiveEvents)
		m.LiveConnected = register(reg, m.LiveConnected)
		m.FailureRate = register(reg, m.FailureRate)
	}
	return m
}

// register adds c to reg, returning the existing collector when an identical
// one is already registered.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}

func (m *Metrics) observeSuccess(version uint64, at time.Time, took time.Duration, degraded []string) {
	m.Refreshes.WithLabelValues("success").Inc()
	m.RefreshDuration.Observe(took.Seconds())
	m.ConsecutiveFailures.Set(0)
	m.SnapshotVersion.Set(float64(version))
	m.LastSuccess.Set(float64(at.Unix()))
	m.NeedsReauth.Set(0)
	for _, name := range degraded {
		m.Degraded.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) observeFailure(kind FailureKind, failures int, took time.Duration) {
	m.Refreshes.WithLabelValues(kind.String()).Inc()
	m.RefreshDuration.Observe(took.Seconds())
	m.ConsecutiveFailures.Set(float64(failures))
	if kind.Fatal() {
		m.NeedsReauth.Set(1)
	}
}

func setBool(g prometheus.Gauge, v bool) {
	if v {
		g.Set(1)
		return
	}
	g.Set(0)
}
