// internal/common/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LoginsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_sequences_completed_total",
			Help: "Total number of login sequences completed",
		},
		[]string{"outcome"},
	)

	LoginsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_sequences_failed_total",
			Help: "Total number of login sequences failed by error code",
		},
		[]string{"error_code"},
	)

	ChallengesDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "login_challenges_detected_total",
			Help: "Total number of provider challenges detected by kind",
		},
		[]string{"challenge"},
	)

	SessionsReused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "login_sessions_reused_total",
			Help: "Total number of authenticate calls served from a cached session",
		},
	)

	LoginDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "login_sequence_duration_seconds",
			Help:    "Duration of login sequence execution in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"outcome"},
	)

	PoolInstancesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "browser_pool_instances_active",
			Help: "Number of browser instances with a live process",
		},
	)

	PoolInstancesHibernated = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "browser_pool_instances_hibernated",
			Help: "Number of registered browser instances without a live process",
		},
	)

	SweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "browser_pool_sweep_actions_total",
			Help: "Total number of sweep actions by type",
		},
		[]string{"action"},
	)
)
