package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "consoled"

// Collector is a prometheus.Collector that collects metrics about the
// event bus and the connected sessions.
//
// A nil *Collector is valid; every recording method is a no-op on it so
// components can be constructed without metrics in tests.
type Collector struct {
	sessionsActive   prometheus.Gauge
	subscriptions    prometheus.Gauge
	eventsPublished  *prometheus.CounterVec
	framesDropped    *prometheus.CounterVec
	resumes          *prometheus.CounterVec
	commands         *prometheus.CounterVec
	commandDuration  prometheus.Histogram
	idempotentReplay prometheus.Counter
	consoleBatchSize prometheus.Histogram
}

// NewCollector returns a new Collector.
func NewCollector() *Collector {
	return &Collector{
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_active",
				Help:      "The number of sessions that completed the handshake and are still connected.",
			},
		),
		subscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "subscriptions",
				Help:      "The number of (session, topic) subscriptions.",
			},
		),
		eventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "The number of events allocated by the bus.",
			}, []string{"mode"},
		),
		framesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_dropped_total",
				Help:      "The number of outbound frames dropped by session backpressure.",
			}, []string{"priority"},
		),
		resumes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "resumes_total",
				Help:      "The number of handshakes by resume outcome.",
			}, []string{"outcome"},
		),
		commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "commands_total",
				Help:      "The number of dispatched commands by action and result code.",
			}, []string{"action", "code"},
		),
		commandDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "command_duration_seconds",
				Help:      "The time taken to execute a command against the process manager.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		),
		idempotentReplay: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "idempotent_replays_total",
				Help:      "The number of commands answered from the idempotency ledger.",
			},
		),
		consoleBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "console_batch_lines",
				Help:      "The number of console lines coalesced into one event.",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.sessionsActive.Describe(ch)
	c.subscriptions.Describe(ch)
	c.eventsPublished.Describe(ch)
	c.framesDropped.Describe(ch)
	c.resumes.Describe(ch)
	c.commands.Describe(ch)
	c.commandDuration.Describe(ch)
	c.idempotentReplay.Describe(ch)
	c.consoleBatchSize.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.sessionsActive.Collect(ch)
	c.subscriptions.Collect(ch)
	c.eventsPublished.Collect(ch)
	c.framesDropped.Collect(ch)
	c.resumes.Collect(ch)
	c.commands.Collect(ch)
	c.commandDuration.Collect(ch)
	c.idempotentReplay.Collect(ch)
	c.consoleBatchSize.Collect(ch)
}

func (c *Collector) SessionOpened() {
	if c != nil {
		c.sessionsActive.Inc()
	}
}

func (c *Collector) SessionClosed() {
	if c != nil {
		c.sessionsActive.Dec()
	}
}

// SubscriptionsChanged adjusts the subscription gauge by delta.
func (c *Collector) SubscriptionsChanged(delta int) {
	if c != nil && delta != 0 {
		c.subscriptions.Add(float64(delta))
	}
}

// EventAllocated counts an event id allocation; mode is "publish" or "store_only".
func (c *Collector) EventAllocated(mode string) {
	if c != nil {
		c.eventsPublished.WithLabelValues(mode).Inc()
	}
}

func (c *Collector) FrameDropped(priority string) {
	if c != nil {
		c.framesDropped.WithLabelValues(priority).Inc()
	}
}

func (c *Collector) Resume(outcome string) {
	if c != nil {
		c.resumes.WithLabelValues(outcome).Inc()
	}
}

// CommandDone records one command result. code is empty on success.
func (c *Collector) CommandDone(action, code string, seconds float64) {
	if c == nil {
		return
	}
	if code == "" {
		code = "ok"
	}
	c.commands.WithLabelValues(action, code).Inc()
	c.commandDuration.Observe(seconds)
}

func (c *Collector) IdempotentReplay() {
	if c != nil {
		c.idempotentReplay.Inc()
	}
}

func (c *Collector) ConsoleBatch(lines int) {
	if c != nil {
		c.consoleBatchSize.Observe(float64(lines))
	}
}
