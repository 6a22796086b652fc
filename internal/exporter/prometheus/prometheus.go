// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

// Package prometheus exposes the record stream as a Prometheus scrape
// endpoint. A drop-newest subscription keeps the last-known series in
// memory; scrapes never reach back into the sampling path.
package prometheus

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/service"
)

// APIRegistry is where the exporter mounts its scrape handler.
type APIRegistry interface {
	Register(endpoint, summary, description string, handler http.Handler) error
}

// Broker is the bus surface the exporter consumes from.
type Broker interface {
	Subscribe(sub bus.Subscriber, opts ...bus.SubscribeOption) (*bus.Handle, error)
	Unsubscribe(h *bus.Handle)
}

type Opts struct {
	logger          *slog.Logger
	clock           clock.PassiveClock
	staleness       time.Duration
	policy          bus.DeliveryPolicy
	queueDepth      int
	nodeName        string
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
}

// DefaultOpts returns a new Opts with defaults set.
func DefaultOpts() Opts {
	return Opts{
		logger:    slog.Default(),
		clock:     clock.RealClock{},
		staleness: time.Minute,
		policy:    bus.PolicyDropNewest,
		debugCollectors: map[string]bool{
			"go": true,
		},
		collectors: map[string]prom.Collector{},
	}
}

// OptionFn sets one or more options in the Opts struct.
type OptionFn func(*Opts)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock staleness is measured against.
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithStaleness sets how long a series outlives its last record before a
// scrape stops reporting it.
func WithStaleness(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.staleness = d
	}
}

// WithPolicy sets the delivery policy for the subscription. Scrapes want
// the freshest window, so dropping under pressure is the default.
func WithPolicy(p bus.DeliveryPolicy) OptionFn {
	return func(o *Opts) {
		o.policy = p
	}
}

// WithQueueDepth overrides the bus default depth for the subscription.
func WithQueueDepth(depth int) OptionFn {
	return func(o *Opts) {
		o.queueDepth = depth
	}
}

// WithNodeName sets the node_name constant label on all metrics.
func WithNodeName(nodeName string) OptionFn {
	return func(o *Opts) {
		o.nodeName = nodeName
	}
}

// WithDebugCollectors replaces the enabled runtime debug collectors.
func WithDebugCollectors(names []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = make(map[string]bool)
		for _, name := range names {
			o.debugCollectors[name] = true
		}
	}
}

// WithCollectors adds extra collectors to the registry.
func WithCollectors(c map[string]prom.Collector) OptionFn {
	return func(o *Opts) {
		o.collectors = c
	}
}

// Exporter serves power records to Prometheus scrapes.
type Exporter struct {
	logger          *slog.Logger
	broker          Broker
	server          APIRegistry
	registry        *prom.Registry
	store           *store
	handle          *bus.Handle
	policy          bus.DeliveryPolicy
	queueDepth      int
	nodeName        string
	debugCollectors map[string]bool
	collectors      map[string]prom.Collector
}

var (
	_ service.Initializer = (*Exporter)(nil)
	_ service.Shutdowner  = (*Exporter)(nil)
)

// NewExporter creates a Prometheus exporter consuming from broker and
// serving through s.
func NewExporter(broker Broker, s APIRegistry, applyOpts ...OptionFn) (*Exporter, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if broker == nil {
		return nil, fmt.Errorf("no broker specified")
	}
	if s == nil {
		return nil, fmt.Errorf("no API registry specified")
	}

	return &Exporter{
		logger:          opts.logger.With("service", "prometheus"),
		broker:          broker,
		server:          s,
		registry:        prom.NewRegistry(),
		store:           newStore(opts.clock, opts.staleness),
		policy:          opts.policy,
		queueDepth:      opts.queueDepth,
		nodeName:        opts.nodeName,
		debugCollectors: opts.debugCollectors,
		collectors:      opts.collectors,
	}, nil
}

func (e *Exporter) Name() string {
	return "prometheus"
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

// Init registers the collectors, mounts /metrics, and subscribes to the
// bus. The subscription comes last so a failed registration leaves no
// dangling consumer.
func (e *Exporter) Init() error {
	for name := range e.debugCollectors {
		c, err := collectorForName(name)
		if err != nil {
			e.logger.Error("Error creating collector", "collector", name, "error", err)
			return err
		}
		e.logger.Info("Enabling debug collector", "collector", name)
		e.registry.MustRegister(c)
	}

	e.registry.MustRegister(newBuildInfoCollector())
	e.registry.MustRegister(newPowerCollector(e.store, e.nodeName))

	for name, c := range e.collectors {
		e.logger.Info("Enabling collector", "collector", name)
		e.registry.MustRegister(c)
	}

	err := e.server.Register("/metrics", "Metrics", "Prometheus metrics",
		promhttp.HandlerFor(
			e.registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          e.registry,
			},
		))
	if err != nil {
		return err
	}

	handle, err := e.broker.Subscribe(e.store,
		bus.WithPolicy(e.policy),
		bus.WithDepth(e.queueDepth),
	)
	if err != nil {
		return fmt.Errorf("subscribing to record bus: %w", err)
	}
	e.handle = handle
	return nil
}

// Shutdown detaches from the bus. Series already scraped stay valid; the
// registry simply stops receiving updates.
func (e *Exporter) Shutdown() error {
	if e.handle != nil {
		e.broker.Unsubscribe(e.handle)
		e.handle = nil
	}
	return nil
}
