package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry         *prometheus.Registry
	sessionsActive   prometheus.Gauge
	recordsCaptured  *prometheus.CounterVec
	recordsDuplicate prometheus.Counter
	fallbackWrites   prometheus.Counter
	sessionStops     *prometheus.CounterVec
	pollDuration     prometheus.Histogram
	fanoutDropped    prometheus.Counter
	retentionDeleted prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "logconsole_sessions_active",
		Help: "Number of sessions with a live poll loop worker",
	})

	recordsCaptured := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logconsole_records_captured_total",
		Help: "Total number of records captured by sessions, per topic",
	}, []string{"topic"})

	recordsDuplicate := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logconsole_records_duplicate_total",
		Help: "Total number of polled records skipped because they were already captured",
	})

	fallbackWrites := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logconsole_dedup_fallback_writes_total",
		Help: "Total number of captured records written to the in-memory fallback after a store failure",
	})

	sessionStops := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "logconsole_session_stops_total",
		Help: "Total number of session worker exits by cause",
	}, []string{"cause"})

	pollDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "logconsole_poll_duration_seconds",
		Help:    "Duration of a single log client poll in seconds",
		Buckets: prometheus.DefBuckets,
	})

	fanoutDropped := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logconsole_fanout_dropped_total",
		Help: "Total number of events dropped because a subscriber was not keeping up",
	})

	retentionDeleted := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "logconsole_retention_deleted_total",
		Help: "Total number of captured records removed by the retention sweep",
	})

	reg.MustRegister(sessionsActive, recordsCaptured, recordsDuplicate, fallbackWrites,
		sessionStops, pollDuration, fanoutDropped, retentionDeleted)

	return &Metrics{
		registry:         reg,
		sessionsActive:   sessionsActive,
		recordsCaptured:  recordsCaptured,
		recordsDuplicate: recordsDuplicate,
		fallbackWrites:   fallbackWrites,
		sessionStops:     sessionStops,
		pollDuration:     pollDuration,
		fanoutDropped:    fanoutDropped,
		retentionDeleted: retentionDeleted,
	}
}

func (m *Metrics) RecordCaptured(topic string) {
	m.recordsCaptured.WithLabelValues(topic).Inc()
}

func (m *Metrics) RecordDuplicate() {
	m.recordsDuplicate.Inc()
}

func (m *Metrics) RecordFallbackWrite() {
	m.fallbackWrites.Inc()
}

func (m *Metrics) RecordPollDuration(seconds float64) {
	m.pollDuration.Observe(seconds)
}

func (m *Metrics) RecordSessionStarted() {
	m.sessionsActive.Inc()
}

func (m *Metrics) RecordSessionStopped(cause string) {
	m.sessionsActive.Dec()
	m.sessionStops.WithLabelValues(cause).Inc()
}

func (m *Metrics) RecordFanoutDropped() {
	m.fanoutDropped.Inc()
}

func (m *Metrics) RecordRetentionDeleted(n int) {
	m.retentionDeleted.Add(float64(n))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
