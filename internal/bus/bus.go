// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// DeliveryPolicy selects publisher behavior when a subscription's queue is
// full.
type DeliveryPolicy int

const (
	// PolicyBlock makes the publisher wait for room. Used by consumers
	// that must not lose records, such as the guest channel writer.
	PolicyBlock DeliveryPolicy = iota

	// PolicyDropNewest discards the incoming batch instead of waiting.
	// Used by best-effort consumers such as the terminal view.
	PolicyDropNewest
)

func (p DeliveryPolicy) String() string {
	if p == PolicyBlock {
		return "block"
	}
	return "drop-newest"
}

const (
	// DefaultQueueDepth bounds a subscription's delivery queue.
	DefaultQueueDepth = 64

	// DefaultFailureLimit is the consecutive callback failures after
	// which a subscriber is removed.
	DefaultFailureLimit = 8
)

type envelope struct {
	records []Record
	diag    *Diagnostic
}

// Handle identifies one subscription for the lifetime of its registration.
type Handle struct {
	name   string
	policy DeliveryPolicy
	sub    Subscriber

	ch   chan envelope
	stop chan struct{} // graceful: drain queue, then exit
	done chan struct{} // hard: exit now, unblock waiting publishers

	stopOnce sync.Once
	doneOnce sync.Once

	dropped  atomic.Uint64
	dropping atomic.Bool // inside a drop episode, for one-shot diagnostics
	failures int         // consecutive, owned by the delivery goroutine
}

func (h *Handle) Name() string { return h.name }

// Dropped returns the number of batches discarded for this subscription.
func (h *Handle) Dropped() uint64 { return h.dropped.Load() }

func (h *Handle) gracefulStop() { h.stopOnce.Do(func() { close(h.stop) }) }
func (h *Handle) hardStop()     { h.doneOnce.Do(func() { close(h.done) }) }

// Bus fans records and diagnostics out to subscribers. Every subscription
// owns a bounded queue and a delivery goroutine, so one slow consumer
// never delays delivery to the others; a full Block queue stalls only the
// publisher, and only after all other subscriptions already got the batch.
type Bus struct {
	logger       *slog.Logger
	clock        clock.PassiveClock
	queueDepth   int
	failureLimit int

	mu     sync.RWMutex
	subs   map[*Handle]struct{}
	closed bool
	wg     sync.WaitGroup
}

// BusOptionFn configures a Bus.
type BusOptionFn func(*Bus)

func WithLogger(logger *slog.Logger) BusOptionFn {
	return func(b *Bus) { b.logger = logger }
}

func WithClock(c clock.PassiveClock) BusOptionFn {
	return func(b *Bus) { b.clock = c }
}

// WithQueueDepth sets the default queue depth for new subscriptions.
func WithQueueDepth(depth int) BusOptionFn {
	return func(b *Bus) {
		if depth > 0 {
			b.queueDepth = depth
		}
	}
}

// WithFailureLimit sets how many consecutive callback failures remove a
// subscriber. Zero disables removal.
func WithFailureLimit(limit int) BusOptionFn {
	return func(b *Bus) { b.failureLimit = limit }
}

func New(opts ...BusOptionFn) *Bus {
	b := &Bus{
		logger:       slog.Default(),
		clock:        clock.RealClock{},
		queueDepth:   DefaultQueueDepth,
		failureLimit: DefaultFailureLimit,
		subs:         map[*Handle]struct{}{},
	}
	for _, apply := range opts {
		apply(b)
	}
	b.logger = b.logger.With("service", "bus")
	return b
}

// SubscribeOption tunes one subscription.
type SubscribeOption func(*Handle, *int)

// WithPolicy sets the delivery policy; the default is PolicyDropNewest.
func WithPolicy(p DeliveryPolicy) SubscribeOption {
	return func(h *Handle, _ *int) { h.policy = p }
}

// WithDepth overrides the bus default queue depth for this subscription.
func WithDepth(depth int) SubscribeOption {
	return func(_ *Handle, d *int) {
		if depth > 0 {
			*d = depth
		}
	}
}

// Subscribe registers sub and starts its delivery goroutine.
func (b *Bus) Subscribe(sub Subscriber, opts ...SubscribeOption) (*Handle, error) {
	h := &Handle{
		name:   sub.Name(),
		policy: PolicyDropNewest,
		sub:    sub,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	depth := b.queueDepth
	for _, apply := range opts {
		apply(h, &depth)
	}
	h.ch = make(chan envelope, depth)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is closed")
	}
	b.subs[h] = struct{}{}
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliver(h)
	b.logger.Debug("Subscriber registered", "subscriber", h.name, "policy", h.policy.String(), "depth", depth)
	return h, nil
}

// Unsubscribe removes the subscription immediately, discarding anything
// still queued.
func (b *Bus) Unsubscribe(h *Handle) {
	if b.remove(h) {
		b.logger.Debug("Subscriber removed", "subscriber", h.name)
	}
}

func (b *Bus) remove(h *Handle) bool {
	b.mu.Lock()
	_, ok := b.subs[h]
	delete(b.subs, h)
	b.mu.Unlock()
	if ok {
		h.hardStop()
	}
	return ok
}

func (b *Bus) snapshot() ([]*Handle, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handles := make([]*Handle, 0, len(b.subs))
	for h := range b.subs {
		handles = append(handles, h)
	}
	return handles, b.closed
}

// Publish fans one record batch out to every subscription. The batch is
// first offered to all queues without blocking; only then does the
// publisher wait for room on full Block subscriptions, so a stalled one
// cannot delay the rest.
func (b *Bus) Publish(records []Record) {
	if len(records) == 0 {
		return
	}
	handles, closed := b.snapshot()
	if closed {
		return
	}

	env := envelope{records: records}
	var waiters []*Handle
	for _, h := range handles {
		select {
		case h.ch <- env:
			h.dropping.Store(false)
		default:
			if h.policy == PolicyBlock {
				waiters = append(waiters, h)
				continue
			}
			b.noteDrop(h)
		}
	}

	for _, h := range waiters {
		select {
		case h.ch <- env:
		case <-h.done:
		}
	}
}

// Announce publishes a diagnostic through the same fan-out as records.
// Overflowing drop-newest queues only count the loss; announcing the drop
// of a drop diagnostic would feed back into itself.
func (b *Bus) Announce(d Diagnostic) {
	if d.At.IsZero() {
		d.At = b.clock.Now()
	}
	handles, closed := b.snapshot()
	if closed {
		return
	}

	env := envelope{diag: &d}
	var waiters []*Handle
	for _, h := range handles {
		select {
		case h.ch <- env:
		default:
			if h.policy == PolicyBlock {
				waiters = append(waiters, h)
				continue
			}
			h.dropped.Add(1)
		}
	}
	for _, h := range waiters {
		select {
		case h.ch <- env:
		case <-h.done:
		}
	}
}

// noteDrop counts a discarded batch and announces the start of a drop
// episode once, instead of flooding one diagnostic per lost batch.
func (b *Bus) noteDrop(h *Handle) {
	dropped := h.dropped.Add(1)
	if h.dropping.CompareAndSwap(false, true) {
		b.logger.Warn("Subscriber queue full, dropping records", "subscriber", h.name, "dropped", dropped)
		b.Announce(Diagnostic{
			Kind:       DiagSubscriberDropped,
			Subscriber: h.name,
			Message:    fmt.Sprintf("queue full, dropping records (%d dropped so far)", dropped),
		})
	}
}

func (b *Bus) deliver(h *Handle) {
	defer b.wg.Done()
	for {
		select {
		case env := <-h.ch:
			if !b.handle(h, env) {
				return
			}
		case <-h.stop:
			b.drain(h)
			return
		case <-h.done:
			return
		}
	}
}

// drain empties what is already queued after intake stopped, then exits.
func (b *Bus) drain(h *Handle) {
	for {
		select {
		case env := <-h.ch:
			if !b.handle(h, env) {
				return
			}
		case <-h.done:
			return
		default:
			return
		}
	}
}

// handle runs one callback; it reports false once the subscriber has been
// removed for repeated failures.
func (b *Bus) handle(h *Handle, env envelope) bool {
	var err error
	if env.diag != nil {
		err = h.sub.OnDiagnostic(*env.diag)
	} else {
		err = h.sub.OnRecords(env.records)
	}
	if err == nil {
		h.failures = 0
		return true
	}

	h.failures++
	b.logger.Warn("Subscriber delivery failed", "subscriber", h.name, "failures", h.failures, "error", err)
	if b.failureLimit <= 0 || h.failures < b.failureLimit {
		return true
	}

	b.remove(h)
	b.logger.Warn("Subscriber removed after repeated failures", "subscriber", h.name)
	b.Announce(Diagnostic{
		Kind:       DiagSubscriberRemoved,
		Subscriber: h.name,
		Message:    fmt.Sprintf("removed after %d consecutive delivery failures: %v", h.failures, err),
	})
	return false
}

// Close stops intake and lets subscriptions drain for up to grace before
// abandoning whatever is left.
func (b *Bus) Close(grace time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	handles := make([]*Handle, 0, len(b.subs))
	for h := range b.subs {
		handles = append(handles, h)
	}
	b.mu.Unlock()

	for _, h := range handles {
		h.gracefulStop()
	}

	drained := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(grace):
		b.logger.Warn("Bus close grace period expired, abandoning undelivered records")
		for _, h := range handles {
			h.hardStop()
		}
	}
	return nil
}
