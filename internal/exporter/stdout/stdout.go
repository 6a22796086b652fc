// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

// Package stdout renders the record stream as a live terminal view. Each
// delivered batch replaces the previous table; slow terminals simply skip
// batches through the drop-newest subscription.
package stdout

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/galvani-project/galvani/internal/bus"
	"github.com/galvani-project/galvani/internal/device"
	"github.com/galvani-project/galvani/internal/service"
)

// Broker is the bus surface the exporter consumes from.
type Broker interface {
	Subscribe(sub bus.Subscriber, opts ...bus.SubscribeOption) (*bus.Handle, error)
	Unsubscribe(h *bus.Handle)
}

// Exporter writes per-interval power tables to a terminal.
type Exporter struct {
	logger     *slog.Logger
	broker     Broker
	handle     *bus.Handle
	topK       int
	policy     bus.DeliveryPolicy
	queueDepth int

	mu     sync.Mutex
	out    io.WriteCloser
	closed bool
}

var (
	_ service.Initializer = (*Exporter)(nil)
	_ service.Shutdowner  = (*Exporter)(nil)
	_ bus.Subscriber      = (*Exporter)(nil)
)

type Opts struct {
	logger     *slog.Logger
	out        io.WriteCloser
	topK       int
	policy     bus.DeliveryPolicy
	queueDepth int
}

// DefaultOpts returns a new Opts with defaults set.
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		out:    os.Stdout,
		topK:   10,
		policy: bus.PolicyDropNewest,
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

// WithOutput sets the render target.
func WithOutput(out io.WriteCloser) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

// WithTopK caps the workload table length. Zero or negative hides it.
func WithTopK(k int) OptionFn {
	return func(o *Opts) {
		o.topK = k
	}
}

// WithPolicy sets the delivery policy for the subscription. A stalled
// terminal should cost windows, not block the pipeline, so dropping is
// the default.
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

func NewExporter(broker Broker, applyOpts ...OptionFn) (*Exporter, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	if broker == nil {
		return nil, fmt.Errorf("no broker specified")
	}

	return &Exporter{
		logger:     opts.logger.With("service", "stdout"),
		broker:     broker,
		out:        opts.out,
		topK:       opts.topK,
		policy:     opts.policy,
		queueDepth: opts.queueDepth,
	}, nil
}

func (e *Exporter) Name() string {
	return "stdout"
}

func (e *Exporter) Init() error {
	handle, err := e.broker.Subscribe(e,
		bus.WithPolicy(e.policy),
		bus.WithDepth(e.queueDepth),
	)
	if err != nil {
		return fmt.Errorf("subscribing to record bus: %w", err)
	}
	e.handle = handle
	return nil
}

func (e *Exporter) Shutdown() error {
	if e.handle != nil {
		e.broker.Unsubscribe(e.handle)
		e.handle = nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.out.Close()
}

// OnRecords renders one batch. Called serially from the bus delivery
// goroutine.
func (e *Exporter) OnRecords(records []bus.Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	write(e.out, records, e.topK)
	return nil
}

func (e *Exporter) OnDiagnostic(d bus.Diagnostic) error {
	e.logger.Warn("Diagnostic",
		"kind", d.Kind,
		"domain", d.Domain,
		"subscriber", d.Subscriber,
		"message", d.Message,
	)
	return nil
}

func write(out io.Writer, records []bus.Record, topK int) {
	writeDomains(out, records)
	writeWorkloads(out, records, topK)
}

// nodeScope reports whether a record counts toward the node total: package
// domains and socket rollups cover every socket exactly once, while core,
// uncore, dram and psys overlap them and platform is wall power.
func nodeScope(rec bus.Record) bool {
	return rec.Kind == device.KindPackage || rec.Kind == device.KindSocket
}

func writeDomains(out io.Writer, records []bus.Record) {
	rows := [][]string{}
	var totalPower device.Power
	var totalEnergy device.Energy
	for _, rec := range records {
		rows = append(rows, []string{
			rec.Domain,
			string(rec.Kind),
			socketCell(rec.Socket),
			rec.Power.String(),
			rec.Energy.String(),
		})
		if nodeScope(rec) {
			totalPower += rec.Power
			totalEnergy += rec.Energy
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i][2] != rows[j][2] {
			return rows[i][2] < rows[j][2]
		}
		return rows[i][0] < rows[j][0]
	})
	rows = append(rows, []string{"node", "", "", totalPower.String(), totalEnergy.String()})

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Domain", "Kind", "Socket", "Power (W)", "Energy (J)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeWorkloads(out io.Writer, records []bus.Record, topK int) {
	if topK <= 0 {
		return
	}

	type workload struct {
		kind  bus.WorkloadKind
		label string
		watts device.Power
	}
	byIdent := map[string]*workload{}
	for _, rec := range records {
		// Package and rollup records cover each socket once; counting
		// core or dram attributions too would double-bill workloads.
		if rec.Attribution == nil || !nodeScope(rec) {
			continue
		}
		attr := rec.Attribution
		ident := string(attr.Kind) + "/" + attr.ID
		w, ok := byIdent[ident]
		if !ok {
			w = &workload{kind: attr.Kind, label: workloadLabel(attr)}
			byIdent[ident] = w
		}
		w.watts += rec.Power
	}
	if len(byIdent) == 0 {
		return
	}

	workloads := make([]*workload, 0, len(byIdent))
	for _, w := range byIdent {
		workloads = append(workloads, w)
	}
	sort.Slice(workloads, func(i, j int) bool {
		if workloads[i].watts != workloads[j].watts {
			return workloads[i].watts > workloads[j].watts
		}
		return workloads[i].label < workloads[j].label
	})
	if len(workloads) > topK {
		workloads = workloads[:topK]
	}

	rows := make([][]string, 0, len(workloads))
	for _, w := range workloads {
		rows = append(rows, []string{
			w.label,
			string(w.kind),
			w.watts.String(),
		})
	}

	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header([]string{"Workload", "Kind", "Power (W)"})
	_ = table.Bulk(rows)
	_ = table.Render()
}

func workloadLabel(attr *bus.Attribution) string {
	if attr.Kind == bus.WorkloadShared {
		return "(shared)"
	}
	if attr.Name != "" {
		return attr.Name
	}
	return attr.ID
}

func socketCell(socket int) string {
	if socket < 0 {
		return ""
	}
	return strconv.Itoa(socket)
}
