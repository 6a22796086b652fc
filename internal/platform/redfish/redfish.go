// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

// Package redfish reads whole-node power from a BMC and publishes it as
// platform records. Wall power complements the socket domains instead of
// joining them: it covers fans, disks and conversion losses no RAPL plane
// sees, so it stays a node-scope record and never enters the topology.
package redfish

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
	"github.com/galvani-project/galvani/internal/service"
)

// Publisher is the bus surface the service publishes to.
type Publisher interface {
	Publish(records []bus.Record)
	Announce(d bus.Diagnostic)
}

// Service polls one BMC on its own cadence, much slower than the sampling
// loop since BMC sensor data refreshes on the order of seconds.
type Service struct {
	logger    *slog.Logger
	clock     clock.WithTicker
	interval  time.Duration
	staleness time.Duration

	bmc         *BMCDetail
	bmcID       string
	nodeName    string
	httpTimeout time.Duration

	reader    *PowerReader
	publisher Publisher
	sf        singleflight.Group

	mu     sync.RWMutex
	cached *PowerReading

	prevAt time.Time
}

var (
	_ service.Initializer = (*Service)(nil)
	_ service.Runner      = (*Service)(nil)
	_ service.Shutdowner  = (*Service)(nil)
)

type Opts struct {
	logger      *slog.Logger
	clock       clock.WithTicker
	interval    time.Duration
	staleness   time.Duration
	httpTimeout time.Duration
}

// DefaultOpts returns a new Opts with defaults set.
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		clock:       clock.RealClock{},
		interval:    10 * time.Second,
		staleness:   500 * time.Millisecond,
		httpTimeout: 5 * time.Second,
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

// WithClock sets the clock driving the publish cadence.
func WithClock(c clock.WithTicker) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithInterval sets the publish cadence.
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithStaleness sets how long a collected reading serves further callers.
// Zero or negative disables the cache.
func WithStaleness(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.staleness = d
	}
}

// WithHTTPTimeout bounds each BMC request.
func WithHTTPTimeout(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.httpTimeout = d
	}
}

// NewService loads the BMC credentials file and resolves this node's BMC.
func NewService(configFile, nodeName string, publisher Publisher, applyOpts ...OptionFn) (*Service, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if publisher == nil {
		return nil, fmt.Errorf("no publisher specified")
	}
	if nodeName == "" {
		return nil, fmt.Errorf("no node name specified")
	}
	if opts.interval <= 0 {
		return nil, fmt.Errorf("publish interval must be positive, got %s", opts.interval)
	}

	cfg, err := LoadBMCConfig(configFile)
	if err != nil {
		return nil, err
	}
	bmc, bmcID, err := cfg.BMCForNode(nodeName)
	if err != nil {
		return nil, err
	}

	logger := opts.logger.With("service", "platform.redfish")
	logger.Info("BMC configuration loaded", "node", nodeName, "bmc", bmcID, "endpoint", bmc.Endpoint)

	return &Service{
		logger:      logger,
		clock:       opts.clock,
		interval:    opts.interval,
		staleness:   opts.staleness,
		bmc:         bmc,
		bmcID:       bmcID,
		nodeName:    nodeName,
		httpTimeout: opts.httpTimeout,
		publisher:   publisher,
	}, nil
}

func (s *Service) Name() string {
	return "platform.redfish"
}

// NodeName returns the node this service reads power for.
func (s *Service) NodeName() string {
	return s.nodeName
}

// BMCID returns the configured BMC identifier.
func (s *Service) BMCID() string {
	return s.bmcID
}

func (s *Service) Init() error {
	s.reader = NewPowerReader(s.bmc, s.httpTimeout, s.logger)
	if err := s.reader.Init(); err != nil {
		return fmt.Errorf("initializing BMC power reader for %s: %w", s.nodeName, err)
	}
	s.logger.Info("Platform power source initialized", "bmc", s.bmcID)
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	// Prime the window so the first published record covers a real
	// interval.
	s.tick()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			s.tick()
		}
	}
}

func (s *Service) Shutdown() error {
	if s.reader != nil {
		s.reader.Close()
		s.reader = nil
	}
	return nil
}

func (s *Service) tick() {
	reading, err := s.Power()
	if err != nil {
		s.logger.Warn("Platform power read failed", "err", err)
		return
	}

	now := reading.Timestamp
	prev := s.prevAt
	s.prevAt = now
	if prev.IsZero() {
		return
	}

	elapsed := now.Sub(prev)
	if elapsed == 0 {
		// Same cached reading twice; nothing new to publish.
		return
	}
	if elapsed < 0 {
		s.logger.Warn("Clock went backwards between platform reads", "elapsed", elapsed)
		s.publisher.Announce(bus.Diagnostic{
			Kind:    bus.DiagClockAnomaly,
			Domain:  "platform",
			Message: fmt.Sprintf("non-positive platform interval %s", elapsed),
			At:      now,
		})
		return
	}

	watts := reading.Total()
	s.publisher.Publish([]bus.Record{{
		Domain: "platform",
		Kind:   device.KindPlatform,
		Socket: -1,
		Power:  watts,
		Energy: device.Energy(watts.MicroWatts() * elapsed.Seconds()),
		Start:  prev,
		End:    now,
	}})
}

// Power returns the node's chassis power, serving concurrent callers from
// the cache within the staleness window and deduplicating collection beyond
// it.
func (s *Service) Power() (*PowerReading, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("power reader is not initialized")
	}

	if cached := s.freshReading(); cached != nil {
		return cached, nil
	}

	v, err, _ := s.sf.Do("power", func() (any, error) {
		// A caller that waited on the flight finds the cache warm.
		if cached := s.freshReading(); cached != nil {
			return cached, nil
		}

		chassis, err := s.reader.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("collecting power from BMC: %w", err)
		}
		reading := &PowerReading{
			Timestamp: s.clock.Now(),
			Chassis:   chassis,
		}

		s.mu.Lock()
		s.cached = reading.Clone()
		s.mu.Unlock()
		return reading, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PowerReading), nil
}

func (s *Service) freshReading() *PowerReading {
	if s.staleness <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cached == nil {
		return nil
	}
	if s.clock.Now().Sub(s.cached.Timestamp) > s.staleness {
		return nil
	}
	return s.cached.Clone()
}
