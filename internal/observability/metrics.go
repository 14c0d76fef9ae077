package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	sessionsActive  prometheus.Gauge
	sessionsOpened  prometheus.Counter
	sessionsEvicted prometheus.Counter

	transactionsActive prometheus.Gauge

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	asyncQueueSize *prometheus.GaugeVec
	asyncEnqueued  *prometheus.CounterVec
	asyncCompleted *prometheus.CounterVec
	asyncDuration  *prometheus.HistogramVec

	clientResets prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			sessionsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sessions_active",
					Help: "Current live session count.",
				},
			),
			sessionsOpened: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_opened_total",
					Help: "Total sessions opened.",
				},
			),
			sessionsEvicted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_evicted_total",
					Help: "Total sessions evicted by the inactivity watchdog.",
				},
			),
			transactionsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "transactions_active",
					Help: "Current explicit transaction count.",
				},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_total",
					Help: "Total dispatched commands by command and outcome.",
				},
				[]string{"command", "outcome"},
			),
			dispatchDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "dispatch_duration_seconds",
					Help:    "Command dispatch duration in seconds by command.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"command"},
			),
			asyncQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "async_queue_size",
					Help: "Current async job queue size by lane.",
				},
				[]string{"lane"},
			),
			asyncEnqueued: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "async_enqueued_total",
					Help: "Total async jobs enqueued by lane.",
				},
				[]string{"lane"},
			),
			asyncCompleted: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "async_completed_total",
					Help: "Total async jobs completed by lane and status.",
				},
				[]string{"lane", "status"},
			),
			asyncDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "async_duration_seconds",
					Help:    "Async job duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			clientResets: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "client_resets_total",
					Help: "Total client session resets after unrecoverable faults.",
				},
			),
		}

		prometheus.MustRegister(
			m.sessionsActive,
			m.sessionsOpened,
			m.sessionsEvicted,
			m.transactionsActive,
			m.dispatchTotal,
			m.dispatchDuration,
			m.asyncQueueSize,
			m.asyncEnqueued,
			m.asyncCompleted,
			m.asyncDuration,
			m.clientResets,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.sessionsActive.Set(float64(count))
}

func RecordSessionOpened() {
	m := getMetrics()
	m.sessionsOpened.Inc()
}

func RecordSessionEvicted() {
	m := getMetrics()
	m.sessionsEvicted.Inc()
}

func SetActiveTransactions(count int) {
	m := getMetrics()
	m.transactionsActive.Set(float64(count))
}

// RecordDispatch records one dispatched command. Outcome is "ok" or the fault kind.
func RecordDispatch(command, outcome string, duration time.Duration) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(command, outcome).Inc()
	m.dispatchDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.asyncEnqueued.WithLabelValues(lane).Inc()
	m.asyncQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.asyncQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.asyncCompleted.WithLabelValues(lane, status).Inc()
	m.asyncDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.asyncQueueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordClientReset() {
	m := getMetrics()
	m.clientResets.Inc()
}
