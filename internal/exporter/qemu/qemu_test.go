// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package qemu

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
)

type stubBroker struct {
	subscribed   []bus.Subscriber
	handles      []*bus.Handle
	unsubscribed []*bus.Handle
	subErr       error
}

func (b *stubBroker) Subscribe(sub bus.Subscriber, opts ...bus.SubscribeOption) (*bus.Handle, error) {
	if b.subErr != nil {
		return nil, b.subErr
	}
	b.subscribed = append(b.subscribed, sub)
	h := &bus.Handle{}
	b.handles = append(b.handles, h)
	return h, nil
}

func (b *stubBroker) Unsubscribe(h *bus.Handle) {
	b.unsubscribed = append(b.unsubscribed, h)
}

func vmRecord(domain string, kind device.DomainKind, socket int, energy device.Energy, id, name string) bus.Record {
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return bus.Record{
		Domain:      domain,
		Kind:        kind,
		Socket:      socket,
		Attribution: &bus.Attribution{Kind: bus.WorkloadVM, ID: id, Name: name},
		Power:       energy.PowerOver(time.Second),
		Energy:      energy,
		Start:       start,
		End:         start.Add(time.Second),
	}
}

func readCounter(t *testing.T, root, vm, file string) string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(root, vm, "intel-rapl:0", file))
	require.NoError(t, err)
	return string(raw)
}

func TestNewExporter(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		exporter, err := NewExporter(&stubBroker{}, t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, "qemu", exporter.Name())
		assert.Equal(t, DefaultEnergyRange, exporter.energyRange)
		assert.Equal(t, 5*time.Minute, exporter.staleness)
	})

	t.Run("no broker", func(t *testing.T) {
		_, err := NewExporter(nil, t.TempDir())
		assert.ErrorContains(t, err, "no broker")
	})

	t.Run("no root", func(t *testing.T) {
		_, err := NewExporter(&stubBroker{}, "")
		assert.ErrorContains(t, err, "no channel root")
	})
}

func TestExporterInit(t *testing.T) {
	t.Run("creates root and subscribes", func(t *testing.T) {
		broker := &stubBroker{}
		root := filepath.Join(t.TempDir(), "var", "lib", "galvani", "guests")
		exporter, err := NewExporter(broker, root)
		require.NoError(t, err)

		require.NoError(t, exporter.Init())
		info, err := os.Stat(root)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
		require.Len(t, broker.subscribed, 1)
		assert.Equal(t, "qemu", broker.subscribed[0].Name())
	})

	t.Run("subscription failure", func(t *testing.T) {
		broker := &stubBroker{subErr: fmt.Errorf("bus closed")}
		exporter, err := NewExporter(broker, t.TempDir())
		require.NoError(t, err)

		assert.ErrorContains(t, exporter.Init(), "subscribing to record bus")
	})
}

func TestOnRecordsBuildsGuestTree(t *testing.T) {
	root := t.TempDir()
	exporter, err := NewExporter(&stubBroker{}, root)
	require.NoError(t, err)

	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, 2*device.Joule, "vm-1", "web"),
	}))

	assert.Equal(t, "package-0\n", readCounter(t, root, "web", "name"))
	assert.Equal(t, "2000000\n", readCounter(t, root, "web", "energy_uj"))
	assert.Equal(t, "262143328850\n", readCounter(t, root, "web", "max_energy_range_uj"))
}

// The tree must read back through the ordinary guest meter, since that is
// exactly what an agent inside the VM runs against the shared directory.
func TestGuestMeterReadsChannel(t *testing.T) {
	root := t.TempDir()
	exporter, err := NewExporter(&stubBroker{}, root)
	require.NoError(t, err)

	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, 2*device.Joule, "vm-1", "web"),
	}))

	meter, err := device.NewGuestMeter(filepath.Join(root, "web"))
	require.NoError(t, err)

	domains, err := meter.Domains()
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.Equal(t, "package-0", domains[0].ID)
	assert.Equal(t, device.KindPackage, domains[0].Kind)
	assert.Equal(t, 0, domains[0].Socket)
	assert.Equal(t, DefaultEnergyRange, domains[0].MaxEnergy)

	reader, err := meter.Reader(domains[0])
	require.NoError(t, err)
	defer reader.Close()

	sample, err := reader.Read()
	require.NoError(t, err)
	assert.Equal(t, 2*device.Joule, sample.Raw)
}

func TestOnRecordsAccumulatesModulo(t *testing.T) {
	root := t.TempDir()
	exporter, err := NewExporter(&stubBroker{}, root, WithEnergyRange(1000*device.MicroJoule))
	require.NoError(t, err)

	batch := []bus.Record{
		vmRecord("package-0", device.KindPackage, 0, 600*device.MicroJoule, "vm-1", "web"),
	}
	require.NoError(t, exporter.OnRecords(batch))
	assert.Equal(t, "600\n", readCounter(t, root, "web", "energy_uj"))

	require.NoError(t, exporter.OnRecords(batch))
	assert.Equal(t, "200\n", readCounter(t, root, "web", "energy_uj"))
	assert.Equal(t, "1000\n", readCounter(t, root, "web", "max_energy_range_uj"))
}

func TestOnRecordsSumsPackagesAndRollups(t *testing.T) {
	root := t.TempDir()
	exporter, err := NewExporter(&stubBroker{}, root)
	require.NoError(t, err)

	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, 2*device.Joule, "vm-1", "web"),
		vmRecord("socket-1", device.KindSocket, 1, 1*device.Joule, "vm-1", "web"),
		// dram overlaps its package and must not bill twice.
		vmRecord("dram-0", device.KindDRAM, 0, 99*device.Joule, "vm-1", "web"),
	}))

	assert.Equal(t, "3000000\n", readCounter(t, root, "web", "energy_uj"))
}

func TestOnRecordsIgnoresOtherWorkloads(t *testing.T) {
	root := t.TempDir()
	exporter, err := NewExporter(&stubBroker{}, root)
	require.NoError(t, err)

	container := vmRecord("package-0", device.KindPackage, 0, device.Joule, "ctnr-1", "web")
	container.Attribution.Kind = bus.WorkloadContainer
	shared := vmRecord("package-1", device.KindPackage, 1, device.Joule, "", "")
	shared.Attribution.Kind = bus.WorkloadShared
	plain := vmRecord("dram-0", device.KindDRAM, 0, device.Joule, "", "")
	plain.Attribution = nil

	require.NoError(t, exporter.OnRecords([]bus.Record{container, shared, plain}))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOnRecordsLabelFallsBackToID(t *testing.T) {
	root := t.TempDir()
	exporter, err := NewExporter(&stubBroker{}, root)
	require.NoError(t, err)

	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, device.Joule, "vm-1234", ""),
	}))

	assert.Equal(t, "1000000\n", readCounter(t, root, "vm-1234", "energy_uj"))
}

func TestOnRecordsFlattensHostileNames(t *testing.T) {
	root := t.TempDir()
	exporter, err := NewExporter(&stubBroker{}, root)
	require.NoError(t, err)

	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, device.Joule, "vm-1", "../escape"),
	}))

	assert.Equal(t, "1000000\n", readCounter(t, root, ".._escape", "energy_uj"))
	assert.NoDirExists(t, filepath.Join(filepath.Dir(root), "escape"))
}

func TestPruneRemovesStaleTrees(t *testing.T) {
	root := t.TempDir()
	clk := testclock.NewFakePassiveClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	exporter, err := NewExporter(&stubBroker{}, root, WithClock(clk), WithStaleness(time.Minute))
	require.NoError(t, err)

	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, 2*device.Joule, "vm-1", "old"),
	}))
	require.DirExists(t, filepath.Join(root, "old"))

	clk.SetTime(clk.Now().Add(2 * time.Minute))
	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, device.Joule, "vm-2", "new"),
	}))

	assert.NoDirExists(t, filepath.Join(root, "old"))
	assert.DirExists(t, filepath.Join(root, "new"))

	// A pruned guest coming back starts a fresh accumulator.
	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, device.Joule, "vm-1", "old"),
	}))
	assert.Equal(t, "1000000\n", readCounter(t, root, "old", "energy_uj"))
}

func TestZeroStalenessKeepsTrees(t *testing.T) {
	root := t.TempDir()
	clk := testclock.NewFakePassiveClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	exporter, err := NewExporter(&stubBroker{}, root, WithClock(clk), WithStaleness(0))
	require.NoError(t, err)

	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, device.Joule, "vm-1", "web"),
	}))
	clk.SetTime(clk.Now().Add(24 * time.Hour))
	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, device.Joule, "vm-2", "other"),
	}))

	assert.DirExists(t, filepath.Join(root, "web"))
}

func TestShutdownLeavesTrees(t *testing.T) {
	broker := &stubBroker{}
	root := t.TempDir()
	exporter, err := NewExporter(broker, root)
	require.NoError(t, err)
	require.NoError(t, exporter.Init())

	require.NoError(t, exporter.OnRecords([]bus.Record{
		vmRecord("package-0", device.KindPackage, 0, device.Joule, "vm-1", "web"),
	}))

	require.NoError(t, exporter.Shutdown())
	require.Len(t, broker.unsubscribed, 1)
	assert.Same(t, broker.handles[0], broker.unsubscribed[0])
	assert.DirExists(t, filepath.Join(root, "web"))

	// Idempotent.
	require.NoError(t, exporter.Shutdown())
	require.Len(t, broker.unsubscribed, 1)
}
