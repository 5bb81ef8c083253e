package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	OpTotal     *prometheus.CounterVec // op=acquire|heartbeat|release|steal|request|respond, result=success|denied|noop|busy|error
	OpLatencyMS *prometheus.HistogramVec

	DBBusyTotal *prometheus.CounterVec

	LeasesHeld   prometheus.Gauge
	ExpiredTotal prometheus.Counter

	StreamConns       prometheus.Gauge
	StreamEventsTotal *prometheus.CounterVec // event=status|request|closed|heartbeat

	GuardDenialsTotal *prometheus.CounterVec // code=LOCK_REQUIRED|LOCK_DENIED|UNAUTHORIZED|LOCK_CHECK_FAILED
	SuspicionScore    prometheus.Histogram
}

func NewMetrics() *Metrics {
	m := &Metrics{
		OpTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lease_op_total",
				Help: "Total lease coordinator operations by op and result",
			},
			[]string{"op", "result"},
		),
		OpLatencyMS: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lease_op_latency_ms",
				Help:    "Latency of lease coordinator operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		DBBusyTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lease_db_busy_total",
				Help: "Total sqlite busy/locked errors by op",
			},
			[]string{"op"},
		),
		LeasesHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "leases_held",
			Help: "Number of currently live leases",
		}),
		ExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lease_expired_total",
			Help: "Total expired lease rows cleared by the sweeper",
		}),
		StreamConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lease_stream_connections",
			Help: "Currently open event-stream connections",
		}),
		StreamEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lease_stream_events_total",
				Help: "Event-stream frames sent by event type",
			},
			[]string{"event"},
		),
		GuardDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lease_guard_denials_total",
				Help: "Access-guard denials by error code",
			},
			[]string{"code"},
		),
		SuspicionScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lease_guard_suspicion_score",
			Help:    "Heuristic suspicion score of denied mutating requests",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0..100
		}),
	}

	prometheus.MustRegister(
		m.OpTotal,
		m.OpLatencyMS,
		m.DBBusyTotal,
		m.LeasesHeld,
		m.ExpiredTotal,
		m.StreamConns,
		m.StreamEventsTotal,
		m.GuardDenialsTotal,
		m.SuspicionScore,
	)

	return m
}
