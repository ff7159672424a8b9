package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sink receives runtime measurements. Implementations must be safe for concurrent use.
type Sink interface {
	UpdateIngested(source string)
	UpdateDropped(reason string)
	QueueDepth(n int)
	QueueLag(d time.Duration)
	PipelineMatched(pipeline string)
	PipelineFiltered(pipeline string)
	PipelineMalformed(pipeline string)
	PipelineProcessed(pipeline string, d time.Duration)
	HandlerFailed(pipeline string, handler int)
	WorkerPanic()
	ConnectionState(state string)
	ConnectionFailure()
	LastSlot(slot uint64)
	SubscriberCount(pipeline string, n int)
	SubscriberEvicted(pipeline string)
	SubscriberSent(pipeline string)
}

// Drop reasons reported through UpdateDropped.
const (
	DropOverflow = "overflow"
	DropRejected = "rejected"
	DropShutdown = "shutdown"
)

// Nop discards everything.
type Nop struct{}

func (Nop) UpdateIngested(string)                   {}
func (Nop) UpdateDropped(string)                    {}
func (Nop) QueueDepth(int)                          {}
func (Nop) QueueLag(time.Duration)                  {}
func (Nop) PipelineMatched(string)                  {}
func (Nop) PipelineFiltered(string)                 {}
func (Nop) PipelineMalformed(string)                {}
func (Nop) PipelineProcessed(string, time.Duration) {}
func (Nop) HandlerFailed(string, int)               {}
func (Nop) WorkerPanic()                            {}
func (Nop) ConnectionState(string)                  {}
func (Nop) ConnectionFailure()                      {}
func (Nop) LastSlot(uint64)                         {}
func (Nop) SubscriberCount(string, int)             {}
func (Nop) SubscriberEvicted(string)                {}
func (Nop) SubscriberSent(string)                   {}

var connectionStates = []string{"disconnected", "connecting", "connected", "backoff", "circuit_open"}

// Metrics holds Prometheus collectors.
type Metrics struct {
	ingested          *prometheus.CounterVec
	dropped           *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	queueLag          prometheus.Histogram
	matched           *prometheus.CounterVec
	filtered          *prometheus.CounterVec
	malformed         *prometheus.CounterVec
	processed         *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	handlerErrors     *prometheus.CounterVec
	workerPanics      prometheus.Counter
	connState         *prometheus.GaugeVec
	connFailures      prometheus.Counter
	lastSlot          prometheus.Gauge
	subscribers       *prometheus.GaugeVec
	subscriberEvicted *prometheus.CounterVec
	subscriberSent    *prometheus.CounterVec
}

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpipe_updates_ingested_total",
			Help: "Total number of updates accepted from the source",
		}, []string{"source"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpipe_updates_dropped_total",
			Help: "Total number of updates dropped (overflow/rejected/shutdown)",
		}, []string{"reason"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainpipe_queue_depth",
			Help: "Number of updates waiting for a worker",
		}),
		queueLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chainpipe_queue_lag_seconds",
			Help:    "Time an update spent queued before a worker picked it up",
			Buckets: durationBuckets,
		}),
		matched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpipe_pipeline_matched_total",
			Help: "Updates that passed a pipeline prefilter",
		}, []string{"pipeline"}),
		filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpipe_pipeline_filtered_total",
			Help: "Updates a parser reported as not relevant",
		}, []string{"pipeline"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpipe_pipeline_malformed_total",
			Help: "Updates a parser failed to decode",
		}, []string{"pipeline"}),
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpipe_pipeline_processed_total",
			Help: "Outputs dispatched to handlers",
		}, []string{"pipeline"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chainpipe_pipeline_duration_seconds",
			Help:    "Parse and fan-out duration per output",
			Buckets: durationBuckets,
		}, []string{"pipeline"}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpipe_handler_errors_total",
			Help: "Handler invocations that failed or timed out",
		}, []string{"pipeline", "handler"}),
		workerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainpipe_worker_panics_total",
			Help: "Recovered worker panics",
		}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainpipe_connection_state",
			Help: "1 for the current source connection state",
		}, []string{"state"}),
		connFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainpipe_connection_failures_total",
			Help: "Failed connect attempts and broken streams",
		}),
		lastSlot: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainpipe_last_slot",
			Help: "Highest slot seen from the source",
		}),
		subscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chainpipe_subscribers",
			Help: "Active re-export subscribers",
		}, []string{"pipeline"}),
		subscriberEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpipe_subscriber_evicted_total",
			Help: "Outputs evicted or rejected from subscriber queues",
		}, []string{"pipeline"}),
		subscriberSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainpipe_subscriber_sent_total",
			Help: "Outputs queued to subscribers",
		}, []string{"pipeline"}),
	}

	collectors := []prometheus.Collector{
		m.ingested, m.dropped, m.queueDepth, m.queueLag, m.matched, m.filtered,
		m.malformed, m.processed, m.duration, m.handlerErrors, m.workerPanics,
		m.connState, m.connFailures, m.lastSlot, m.subscribers, m.subscriberEvicted, m.subscriberSent,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) UpdateIngested(source string) {
	if m != nil {
		m.ingested.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) UpdateDropped(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) QueueLag(d time.Duration) {
	if m != nil {
		m.queueLag.Observe(d.Seconds())
	}
}

func (m *Metrics) PipelineMatched(pipeline string) {
	if m != nil {
		m.matched.WithLabelValues(pipeline).Inc()
	}
}

func (m *Metrics) PipelineFiltered(pipeline string) {
	if m != nil {
		m.filtered.WithLabelValues(pipeline).Inc()
	}
}

func (m *Metrics) PipelineMalformed(pipeline string) {
	if m != nil {
		m.malformed.WithLabelValues(pipeline).Inc()
	}
}

func (m *Metrics) PipelineProcessed(pipeline string, d time.Duration) {
	if m != nil {
		m.processed.WithLabelValues(pipeline).Inc()
		m.duration.WithLabelValues(pipeline).Observe(d.Seconds())
	}
}

func (m *Metrics) HandlerFailed(pipeline string, handler int) {
	if m != nil {
		m.handlerErrors.WithLabelValues(pipeline, strconv.Itoa(handler)).Inc()
	}
}

func (m *Metrics) WorkerPanic() {
	if m != nil {
		m.workerPanics.Inc()
	}
}

// ConnectionState sets the gauge for state to 1 and every other state to 0.
func (m *Metrics) ConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ConnectionFailure() {
	if m != nil {
		m.connFailures.Inc()
	}
}

func (m *Metrics) LastSlot(slot uint64) {
	if m != nil {
		m.lastSlot.Set(float64(slot))
	}
}

func (m *Metrics) SubscriberCount(pipeline string, n int) {
	if m != nil {
		m.subscribers.WithLabelValues(pipeline).Set(float64(n))
	}
}

func (m *Metrics) SubscriberEvicted(pipeline string) {
	if m != nil {
		m.subscriberEvicted.WithLabelValues(pipeline).Inc()
	}
}

func (m *Metrics) SubscriberSent(pipeline string) {
	if m != nil {
		m.subscriberSent.WithLabelValues(pipeline).Inc()
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
