package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "denwaban_sessions_active",
		Help: "Currently registered live sessions",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "denwaban_sessions_total",
		Help: "Sessions created, by kind",
	}, []string{"kind"})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "denwaban_auth_failures_total",
		Help: "Authentication failures by error kind",
	}, []string{"kind"})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denwaban_auth_rate_limited_total",
		Help: "Authentication attempts rejected by the rate limiter",
	})

	DebounceBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denwaban_debounce_batches_total",
		Help: "Debounced chat batches handed to the assistant",
	})

	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denwaban_broadcast_failures_total",
		Help: "Payload deliveries that failed during a session-group broadcast",
	})

	BargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denwaban_bridge_barge_ins_total",
		Help: "In-flight assistant responses canceled by caller speech",
	})

	EchoGraceIgnored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denwaban_bridge_echo_grace_ignored_total",
		Help: "Interruption signals ignored inside the startup echo grace window",
	})

	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denwaban_conference_escalations_total",
		Help: "Sessions escalated into a conference",
	})

	StaleEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "denwaban_cleanup_stale_evictions_total",
		Help: "Sessions evicted by the cleanup scheduler",
	})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "denwaban_session_duration_seconds",
		Help:    "Session length from registration to terminal state",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 3600},
	})
)
