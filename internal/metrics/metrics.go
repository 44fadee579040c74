// Package metrics exposes Prometheus counters for the sync core. All
// recording methods are safe to call on a nil *Metrics, which records
// nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for pushes that never reach the log.
const (
	DropInactive  = "inactive_conversation"
	DropMalformed = "malformed"
	DropDuplicate = "duplicate"
)

// Send legs.
const (
	LegPersist = "persist"
	LegEmit    = "emit"
)

// Metrics holds the counters on a private registry, so tests and
// multiple controllers in one process never collide.
type Metrics struct {
	registry *prometheus.Registry

	sent           prometheus.Counter
	received       prometheus.Counter
	echoes         prometheus.Counter
	dropped        *prometheus.CounterVec
	sendFailures   *prometheus.CounterVec
	staleFetches   prometheus.Counter
	channelConnect *prometheus.CounterVec
}

// New creates and registers all counters.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_sent_total",
			Help: "Messages accepted by Send and appended optimistically.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_messages_received_total",
			Help: "Pushed messages inserted into the active log.",
		}),
		echoes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_echoes_deduplicated_total",
			Help: "Pushed messages recognised as echoes of local sends.",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_pushes_dropped_total",
			Help: "Pushed messages discarded without touching the log.",
		}, []string{"reason"}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_send_failures_total",
			Help: "Failed send legs, swallowed after logging.",
		}, []string{"leg"}),
		staleFetches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_stale_fetches_discarded_total",
			Help: "History fetches that completed after the user switched away.",
		}),
		channelConnect: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_channel_connects_total",
			Help: "Push channel connection attempts by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.sent,
		m.received,
		m.echoes,
		m.dropped,
		m.sendFailures,
		m.staleFetches,
		m.channelConnect,
	)

	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}

	m.sent.Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}

	m.received.Inc()
}

func (m *Metrics) EchoDeduplicated() {
	if m == nil {
		return
	}

	m.echoes.Inc()
}

func (m *Metrics) PushDropped(reason string) {
	if m == nil {
		return
	}

	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SendFailed(leg string) {
	if m == nil {
		return
	}

	m.sendFailures.WithLabelValues(leg).Inc()
}

func (m *Metrics) StaleFetchDiscarded() {
	if m == nil {
		return
	}

	m.staleFetches.Inc()
}

// ChannelConnect records a connection attempt with result "ok" or a
// short failure reason.
func (m *Metrics) ChannelConnect(result string) {
	if m == nil {
		return
	}

	m.channelConnect.WithLabelValues(result).Inc()
}
