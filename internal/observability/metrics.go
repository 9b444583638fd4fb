package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report gateway and dispatcher
// activity.
type Metrics struct {
	webhookDeliveries *prometheus.CounterVec
	tasksTransitioned *prometheus.CounterVec
	eventsDropped     prometheus.Counter
	queueDepth        prometheus.Gauge
	retryAttempts     prometheus.Histogram
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when the server is instantiated more than
// once (e.g. in unit tests).
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Supply a fresh registry when unique metric names are required (tests).
// Registration errors panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	webhookDeliveries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "gateway",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook deliveries by outcome (accepted, rejected, duplicate, challenge).",
		},
		[]string{"outcome"},
	)
	tasksTransitioned := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Task status transitions by resulting status.",
		},
		[]string{"status"},
	)
	eventsDropped := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "otto",
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Realtime events discarded because a subscriber buffer was full.",
		},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "otto",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Tasks waiting for a worker.",
		},
	)
	retryAttempts := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "otto",
			Subsystem: "outbound",
			Name:      "retry_attempts",
			Help:      "Attempts consumed per outbound call.",
			Buckets:   []float64{1, 2, 3, 4, 5},
		},
	)

	collectors := []prometheus.Collector{webhookDeliveries, tasksTransitioned, eventsDropped, queueDepth, retryAttempts}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector {
				case webhookDeliveries:
					webhookDeliveries = already.ExistingCollector.(*prometheus.CounterVec)
				case tasksTransitioned:
					tasksTransitioned = already.ExistingCollector.(*prometheus.CounterVec)
				case eventsDropped:
					eventsDropped = already.ExistingCollector.(prometheus.Counter)
				case queueDepth:
					queueDepth = already.ExistingCollector.(prometheus.Gauge)
				case retryAttempts:
					retryAttempts = already.ExistingCollector.(prometheus.Histogram)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		webhookDeliveries: webhookDeliveries,
		tasksTransitioned: tasksTransitioned,
		eventsDropped:     eventsDropped,
		queueDepth:        queueDepth,
		retryAttempts:     retryAttempts,
	}
}

// ObserveWebhook counts one webhook delivery by outcome.
func (m *Metrics) ObserveWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookDeliveries.WithLabelValues(outcome).Inc()
}

// ObserveTransition counts one task status transition.
func (m *Metrics) ObserveTransition(status string) {
	if m == nil {
		return
	}
	m.tasksTransitioned.WithLabelValues(status).Inc()
}

// AddDroppedEvents accumulates realtime drop counts.
func (m *Metrics) AddDroppedEvents(n float64) {
	if m == nil || n <= 0 {
		return
	}
	m.eventsDropped.Add(n)
}

// SetQueueDepth records the current dispatch backlog.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// ObserveRetryAttempts records how many attempts an outbound call consumed.
func (m *Metrics) ObserveRetryAttempts(attempts int) {
	if m == nil {
		return
	}
	m.retryAttempts.Observe(float64(attempts))
}
