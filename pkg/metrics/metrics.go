// Package metrics exposes Prometheus collectors for the messaging core.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/baaaht/portmux/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons
const (
	ReasonUnknownPort   = "unknown_port"
	ReasonQueueFull     = "queue_full"
	ReasonCodec         = "codec"
	ReasonClosedChannel = "closed_channel"
	ReasonAbandoned     = "abandoned"
)

// Collector groups the messaging metrics of one host
type Collector struct {
	portsOpened       *prometheus.CounterVec
	portsClosed       prometheus.Counter
	openPorts         prometheus.Gauge
	messagesPosted    prometheus.Counter
	messagesDelivered prometheus.Counter
	messagesDropped   *prometheus.CounterVec
	unclaimed         prometheus.Counter
	pendingRequests   prometheus.Gauge
	registry          *prometheus.Registry
}

// New creates collectors registered on a dedicated registry. It returns nil
// when metrics are disabled.
func New(cfg config.MetricsConfig) (*Collector, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	c, err := NewWithRegisterer(cfg.Namespace, reg)
	if err != nil {
		return nil, err
	}
	c.registry = reg
	return c, nil
}

// NewWithRegisterer creates collectors registered on reg
func NewWithRegisterer(namespace string, reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		portsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ports_opened_total",
			Help:      "Ports created, by side of the channel.",
		}, []string{"side"}),
		portsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ports_closed_total",
			Help:      "Ports removed from their context.",
		}),
		openPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_ports",
			Help:      "Ports currently owned by a context.",
		}),
		messagesPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_posted_total",
			Help:      "Messages handed to the broker.",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Inbound messages dispatched into a context.",
		}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped, by reason.",
		}, []string{"reason"}),
		unclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channels_unclaimed_total",
			Help:      "Inbound channels no context accepted.",
		}),
		pendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_id_requests",
			Help:      "Port id requests waiting for a broker reply.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.portsOpened, c.portsClosed, c.openPorts, c.messagesPosted,
		c.messagesDelivered, c.messagesDropped, c.unclaimed, c.pendingRequests,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// PortOpened records a new port; opener tells which side of the channel it is
func (c *Collector) PortOpened(opener bool) {
	if c == nil {
		return
	}
	side := "receiver"
	if opener {
		side = "opener"
	}
	c.portsOpened.WithLabelValues(side).Inc()
	c.openPorts.Inc()
}

// PortClosed records a port leaving its context
func (c *Collector) PortClosed() {
	if c == nil {
		return
	}
	c.portsClosed.Inc()
	c.openPorts.Dec()
}

// MessagePosted records an outbound message
func (c *Collector) MessagePosted() {
	if c == nil {
		return
	}
	c.messagesPosted.Inc()
}

// MessageDelivered records an inbound message reaching a context
func (c *Collector) MessageDelivered() {
	if c == nil {
		return
	}
	c.messagesDelivered.Inc()
}

// MessageDropped records a dropped message
func (c *Collector) MessageDropped(reason string) {
	if c == nil {
		return
	}
	c.messagesDropped.WithLabelValues(reason).Inc()
}

// ChannelUnclaimed records an inbound channel nobody accepted
func (c *Collector) ChannelUnclaimed() {
	if c == nil {
		return
	}
	c.unclaimed.Inc()
}

// SetPendingRequests records the number of outstanding id requests
func (c *Collector) SetPendingRequests(n int) {
	if c == nil {
		return
	}
	c.pendingRequests.Set(float64(n))
}

// Handler returns an HTTP handler serving the collector's registry, or the
// default registry when the collector was built with NewWithRegisterer
func (c *Collector) Handler() http.Handler {
	if c == nil || c.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
