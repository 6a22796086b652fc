// SPDX-FileCopyrightText: 2025 The Galvani Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sample is one raw counter observation. Raw is the monotonically
// increasing, wrapping register value; At is taken from a monotonic clock
// immediately after the read. Samples are never mutated after creation.
type Sample struct {
	Raw Energy
	At  time.Time
}

// EnergyReader reads one power domain's energy counter. A reader usually
// wraps an open kernel or firmware handle, so it is driven by a single
// goroutine and released with Close at shutdown. Read errors are local to
// the domain: the caller decides when repeated failures disable it.
type EnergyReader interface {
	Read() (Sample, error)
	Close() error
}

// ErrReadTimeout reports a counter read that exceeded its deadline. The
// sampling loop treats it like any other read failure but additionally
// flags the stall, since a reader that hangs would otherwise freeze the
// whole tick.
var ErrReadTimeout = errors.New("energy counter read timed out")

type readResult struct {
	sample Sample
	err    error
}

// deadlineReader guards a reader whose Read may stall (NFS-backed sysfs,
// wedged firmware). Requests are handed to a single worker goroutine so the
// wrapped reader is still touched by exactly one goroutine; a request that
// misses the deadline fails with ErrReadTimeout while the worker finishes
// the stale read and discards it.
type deadlineReader struct {
	inner   EnergyReader
	timeout time.Duration

	requests chan chan readResult
	done     chan struct{}
	closed   sync.Once
}

var _ EnergyReader = (*deadlineReader)(nil)

// NewDeadlineReader wraps inner with a per-read deadline. A non-positive
// timeout returns inner unchanged.
func NewDeadlineReader(inner EnergyReader, timeout time.Duration) EnergyReader {
	if timeout <= 0 {
		return inner
	}
	dr := &deadlineReader{
		inner:    inner,
		timeout:  timeout,
		requests: make(chan chan readResult),
		done:     make(chan struct{}),
	}
	go dr.serve()
	return dr
}

func (dr *deadlineReader) serve() {
	for {
		select {
		case reply := <-dr.requests:
			sample, err := dr.inner.Read()
			select {
			case reply <- readResult{sample, err}:
			default: // caller gave up; drop the stale result
			}
		case <-dr.done:
			return
		}
	}
}

func (dr *deadlineReader) Read() (Sample, error) {
	reply := make(chan readResult, 1)
	timer := time.NewTimer(dr.timeout)
	defer timer.Stop()

	select {
	case dr.requests <- reply:
	case <-timer.C:
		// Worker still busy with a previous stalled read.
		return Sample{}, fmt.Errorf("%w after %s (previous read still in flight)", ErrReadTimeout, dr.timeout)
	case <-dr.done:
		return Sample{}, fmt.Errorf("reader closed")
	}

	select {
	case res := <-reply:
		return res.sample, res.err
	case <-timer.C:
		return Sample{}, fmt.Errorf("%w after %s", ErrReadTimeout, dr.timeout)
	}
}

func (dr *deadlineReader) Close() error {
	dr.closed.Do(func() { close(dr.done) })
	return dr.inner.Close()
}
