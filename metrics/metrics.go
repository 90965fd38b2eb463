// Package metrics provides Prometheus collectors for module routing.
//
// All recording methods are safe to call on a nil *Collector, so routers
// can be built without metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modhub"

// Directions for RoutedTotal.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Reasons for DroppedTotal.
const (
	ReasonUnexpected = "unexpected"
	ReasonStopped    = "stopped"
	ReasonNoChannel  = "no_channel"
	ReasonNoPort     = "no_port"
)

// Collector holds the routing metrics.
type Collector struct {
	RoutedTotal             *prometheus.CounterVec
	BufferedTotal           prometheus.Counter
	DroppedTotal            *prometheus.CounterVec
	ShortCircuitedTotal     prometheus.Counter
	ModuleFailuresTotal     prometheus.Counter
	DependencyFailuresTotal prometheus.Counter
	ActiveModules           prometheus.Gauge
}

// New registers the collectors on the default registry.
func New() *Collector {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		RoutedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_routed_total",
				Help:      "Messages routed between a module and its port",
			},
			[]string{"direction"},
		),
		BufferedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_buffered_total",
				Help:      "Messages held until a flow was bound or the module started",
			},
		),
		DroppedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_dropped_total",
				Help:      "Messages that could not be delivered",
			},
			[]string{"reason"},
		),
		ShortCircuitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_short_circuited_total",
				Help:      "Addressed messages answered with an error by a failed module",
			},
		),
		ModuleFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "module_failures_total",
				Help:      "Port faults and internal error signals",
			},
		),
		DependencyFailuresTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dependency_failures_total",
				Help:      "Dependencies that failed to resolve or instantiate",
			},
		),
		ActiveModules: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_modules",
				Help:      "Modules that reached the running state and have not stopped",
			},
		),
	}
}

func (c *Collector) Routed(direction string) {
	if c == nil {
		return
	}
	c.RoutedTotal.WithLabelValues(direction).Inc()
}

func (c *Collector) Buffered() {
	if c == nil {
		return
	}
	c.BufferedTotal.Inc()
}

func (c *Collector) Dropped(reason string) {
	if c == nil {
		return
	}
	c.DroppedTotal.WithLabelValues(reason).Inc()
}

func (c *Collector) ShortCircuited() {
	if c == nil {
		return
	}
	c.ShortCircuitedTotal.Inc()
}

func (c *Collector) ModuleFailed() {
	if c == nil {
		return
	}
	c.ModuleFailuresTotal.Inc()
}

func (c *Collector) DependencyFailed() {
	if c == nil {
		return
	}
	c.DependencyFailuresTotal.Inc()
}

func (c *Collector) ModuleStarted() {
	if c == nil {
		return
	}
	c.ActiveModules.Inc()
}

func (c *Collector) ModuleStopped() {
	if c == nil {
		return
	}
	c.ActiveModules.Dec()
}
