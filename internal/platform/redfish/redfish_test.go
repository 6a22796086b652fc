// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package redfish

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingPublisher struct {
	mu      sync.Mutex
	batches [][]bus.Record
	diags   []bus.Diagnostic
}

func (p *recordingPublisher) Publish(records []bus.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	batch := make([]bus.Record, len(records))
	copy(batch, records)
	p.batches = append(p.batches, batch)
}

func (p *recordingPublisher) Announce(d bus.Diagnostic) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.diags = append(p.diags, d)
}

func (p *recordingPublisher) batchCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.batches)
}

func (p *recordingPublisher) batch(i int) []bus.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.batches[i]
}

func bmcConfigFor(t *testing.T, endpoint string) string {
	t.Helper()
	return writeBMCConfig(t, fmt.Sprintf(`
nodes:
  worker-1: bmc-1
bmcs:
  bmc-1:
    endpoint: %s
    username: admin
    password: secret
`, endpoint))
}

func TestNewService(t *testing.T) {
	server := newBMCServer(245.0)
	defer server.Close()
	cfgPath := bmcConfigFor(t, server.URL())

	t.Run("valid", func(t *testing.T) {
		svc, err := NewService(cfgPath, "worker-1", &recordingPublisher{}, WithLogger(testLogger()))
		require.NoError(t, err)
		assert.Equal(t, "platform.redfish", svc.Name())
		assert.Equal(t, "worker-1", svc.NodeName())
		assert.Equal(t, "bmc-1", svc.BMCID())
	})

	t.Run("no publisher", func(t *testing.T) {
		_, err := NewService(cfgPath, "worker-1", nil)
		assert.ErrorContains(t, err, "no publisher")
	})

	t.Run("no node name", func(t *testing.T) {
		_, err := NewService(cfgPath, "", &recordingPublisher{})
		assert.ErrorContains(t, err, "no node name")
	})

	t.Run("unknown node", func(t *testing.T) {
		_, err := NewService(cfgPath, "worker-9", &recordingPublisher{}, WithLogger(testLogger()))
		assert.ErrorContains(t, err, "not found in BMC configuration")
	})

	t.Run("missing config", func(t *testing.T) {
		_, err := NewService("/nonexistent/bmc.yaml", "worker-1", &recordingPublisher{})
		assert.ErrorContains(t, err, "reading BMC config")
	})

	t.Run("bad interval", func(t *testing.T) {
		_, err := NewService(cfgPath, "worker-1", &recordingPublisher{}, WithInterval(0))
		assert.ErrorContains(t, err, "publish interval must be positive")
	})
}

func TestServicePower(t *testing.T) {
	server := newBMCServer(245.0)
	defer server.Close()

	svc, err := NewService(bmcConfigFor(t, server.URL()), "worker-1", &recordingPublisher{},
		WithLogger(testLogger()))
	require.NoError(t, err)
	require.NoError(t, svc.Init())
	defer func() { require.NoError(t, svc.Shutdown()) }()

	reading, err := svc.Power()
	require.NoError(t, err)
	require.Len(t, reading.Chassis, 1)
	assert.InDelta(t, 245.0, reading.Total().Watts(), 0.001)
	assert.False(t, reading.Timestamp.IsZero())
}

func TestServicePowerBeforeInit(t *testing.T) {
	server := newBMCServer(245.0)
	defer server.Close()

	svc, err := NewService(bmcConfigFor(t, server.URL()), "worker-1", &recordingPublisher{},
		WithLogger(testLogger()))
	require.NoError(t, err)

	_, err = svc.Power()
	assert.ErrorContains(t, err, "not initialized")
}

func TestServicePowerCaching(t *testing.T) {
	server := newBMCServer(245.0)
	defer server.Close()

	clk := testclock.NewFakeClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	svc, err := NewService(bmcConfigFor(t, server.URL()), "worker-1", &recordingPublisher{},
		WithLogger(testLogger()), WithClock(clk), WithStaleness(time.Minute))
	require.NoError(t, err)
	require.NoError(t, svc.Init())
	defer func() { require.NoError(t, svc.Shutdown()) }()

	// Init probed the supplies once while determining the strategy.
	probes := server.Calls("PowerSupplies")

	_, err = svc.Power()
	require.NoError(t, err)
	assert.Equal(t, probes+1, server.Calls("PowerSupplies"))

	// Within the staleness window the cache answers.
	_, err = svc.Power()
	require.NoError(t, err)
	assert.Equal(t, probes+1, server.Calls("PowerSupplies"))

	clk.SetTime(clk.Now().Add(2 * time.Minute))
	_, err = svc.Power()
	require.NoError(t, err)
	assert.Equal(t, probes+2, server.Calls("PowerSupplies"))
}

func TestServiceRunPublishesPlatformRecords(t *testing.T) {
	server := newBMCServer(245.0)
	defer server.Close()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewFakeClock(base)
	pub := &recordingPublisher{}
	svc, err := NewService(bmcConfigFor(t, server.URL()), "worker-1", pub,
		WithLogger(testLogger()), WithClock(clk), WithInterval(10*time.Second))
	require.NoError(t, err)
	require.NoError(t, svc.Init())
	defer func() { require.NoError(t, svc.Shutdown()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	// The priming read publishes nothing; the first ticker tick closes a
	// real window.
	require.Eventually(t, clk.HasWaiters, time.Second, 10*time.Millisecond)
	clk.Step(10 * time.Second)
	require.Eventually(t, func() bool { return pub.batchCount() >= 1 }, time.Second, 10*time.Millisecond)

	batch := pub.batch(0)
	require.Len(t, batch, 1)
	rec := batch[0]
	assert.Equal(t, "platform", rec.Domain)
	assert.Equal(t, device.KindPlatform, rec.Kind)
	assert.Equal(t, -1, rec.Socket)
	assert.Nil(t, rec.Attribution)
	assert.InDelta(t, 245.0, rec.Power.Watts(), 0.001)
	assert.InDelta(t, 2450.0, rec.Energy.Joules(), 0.01)
	assert.Equal(t, base, rec.Start)
	assert.Equal(t, base.Add(10*time.Second), rec.End)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestServiceTracksDynamicPower(t *testing.T) {
	server := newBMCServer(100.0)
	defer server.Close()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewFakeClock(base)
	pub := &recordingPublisher{}
	svc, err := NewService(bmcConfigFor(t, server.URL()), "worker-1", pub,
		WithLogger(testLogger()), WithClock(clk), WithInterval(10*time.Second))
	require.NoError(t, err)
	require.NoError(t, svc.Init())
	defer func() { require.NoError(t, svc.Shutdown()) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, clk.HasWaiters, time.Second, 10*time.Millisecond)
	server.SetWatts(300.0)
	clk.Step(10 * time.Second)
	require.Eventually(t, func() bool { return pub.batchCount() >= 1 }, time.Second, 10*time.Millisecond)

	rec := pub.batch(0)[0]
	assert.InDelta(t, 300.0, rec.Power.Watts(), 0.001)
	assert.InDelta(t, 3000.0, rec.Energy.Joules(), 0.01)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
