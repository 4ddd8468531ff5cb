// Package metrics holds the process-wide prometheus collectors.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	authOutcomes       *prometheus.CounterVec
	authDuration       prometheus.Observer
	activeSessions     prometheus.Gauge
	sweepRemovals      prometheus.Counter
	forcedTerminations prometheus.Counter
	lockouts           prometheus.Counter
	sharedActive       *prometheus.GaugeVec
	sharedUtilisation  *prometheus.GaugeVec
	relayedEvents      *prometheus.CounterVec
}

var (
	once     sync.Once
	instance *Metrics
)

// Global returns the shared collectors, registering them on first use.
func Global() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		authOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "auth",
			Name:      "outcomes_total",
			Help:      "Authentication and conflict-resolution outcomes, labeled by kind",
		}, []string{"kind"}),
		authDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sessiongate",
			Subsystem: "auth",
			Name:      "duration_seconds",
			Help:      "Time spent in Authenticate",
			Buckets:   prometheus.DefBuckets,
		}),
		activeSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessiongate",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Valid sessions observed at the latest refresh",
		}),
		sweepRemovals: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "sessions",
			Name:      "swept_total",
			Help:      "Expired sessions removed by the periodic sweep",
		}),
		forcedTerminations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "sessions",
			Name:      "forced_terminations_total",
			Help:      "Sessions terminated by the force policy or by an administrator",
		}),
		lockouts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "lockout",
			Name:      "triggered_total",
			Help:      "Failures that put an identity into lockout",
		}),
		sharedActive: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sessiongate",
			Subsystem: "shared",
			Name:      "active_sessions",
			Help:      "Active sessions per shared account",
		}, []string{"account"}),
		sharedUtilisation: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sessiongate",
			Subsystem: "shared",
			Name:      "utilisation_ratio",
			Help:      "Active sessions over the cap per shared account",
		}, []string{"account"}),
		relayedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessiongate",
			Subsystem: "events",
			Name:      "relayed_total",
			Help:      "Session change events relayed through the stream, labeled by direction",
		}, []string{"direction"}),
	}
}

func (m *Metrics) RecordOutcome(kind string) {
	if m == nil {
		return
	}
	m.authOutcomes.WithLabelValues(kind).Inc()
}

// TimeAuth starts a timer; call the returned func when authentication finishes.
func (m *Metrics) TimeAuth() func() {
	if m == nil {
		return func() {}
	}
	start := time.Now()
	return func() {
		m.authDuration.Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) AddSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepRemovals.Add(float64(n))
}

func (m *Metrics) AddForcedTerminations(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.forcedTerminations.Add(float64(n))
}

func (m *Metrics) RecordLockout() {
	if m == nil {
		return
	}
	m.lockouts.Inc()
}

func (m *Metrics) SetShared(account string, active, max int) {
	if m == nil {
		return
	}
	m.sharedActive.WithLabelValues(account).Set(float64(active))
	if max > 0 {
		m.sharedUtilisation.WithLabelValues(account).Set(float64(active) / float64(max))
	}
}

func (m *Metrics) RecordRelay(direction string) {
	if m == nil {
		return
	}
	m.relayedEvents.WithLabelValues(direction).Inc()
}
