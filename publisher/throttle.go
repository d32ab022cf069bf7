// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/measurement"
)

// throttle publishes the latest value of each signal at most once per
// interval. The first offer after a quiet interval publishes
// immediately; offers inside the interval are held and published
// together when it elapses.
type throttle struct {
	clock   clock.Clock
	limiter *rate.Limiter
	publish func([]measurement.Measurement)
	order   func(uuid.UUID) uint16

	mu      sync.Mutex
	pending map[uuid.UUID]measurement.Measurement
	timer   *clock.Timer
	stopped bool
}

func newThrottle(clk clock.Clock, interval time.Duration, order func(uuid.UUID) uint16, publish func([]measurement.Measurement)) *throttle {
	return &throttle{
		clock:   clk,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		publish: publish,
		order:   order,
		pending: make(map[uuid.UUID]measurement.Measurement),
	}
}

func (t *throttle) offer(batch []measurement.Measurement) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for _, m := range batch {
		if current, ok := t.pending[m.SignalID]; ok && current.Timestamp > m.Timestamp {
			continue
		}
		t.pending[m.SignalID] = m
	}
	if t.timer != nil || len(t.pending) == 0 {
		return
	}
	now := t.clock.Now()
	delay := t.limiter.ReserveN(now, 1).DelayFrom(now)
	if delay == 0 {
		t.flushLocked()
		return
	}
	t.timer = t.clock.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.timer = nil
		if !t.stopped {
			t.flushLocked()
		}
	})
}

func (t *throttle) flushLocked() {
	if len(t.pending) == 0 {
		return
	}
	ids := slices.SortedFunc(maps.Keys(t.pending), func(a, b uuid.UUID) int {
		return int(t.order(a)) - int(t.order(b))
	})
	batch := make([]measurement.Measurement, len(ids))
	for i, id := range ids {
		batch[i] = t.pending[id]
	}
	clear(t.pending)
	t.publish(batch)
}

func (t *throttle) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	clear(t.pending)
}
