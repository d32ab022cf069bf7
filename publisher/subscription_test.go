// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/signalindex"
	"github.com/bureau-foundation/gep/lib/testutil"
	"github.com/bureau-foundation/gep/protocol"
)

// testCache indexes the first n test signals.
func testCache(t *testing.T, n int) *signalindex.Cache {
	t.Helper()
	keys := make([]measurement.Key, n)
	for i := range keys {
		keys[i] = measurement.Key{SignalID: signalIDs[i], Source: "TEST", ID: uint32(i + 1)}
	}
	cache, err := signalindex.New(keys)
	if err != nil {
		t.Fatalf("signalindex.New: %v", err)
	}
	return cache
}

type subscriptionHarness struct {
	sub      *subscription
	batches  chan outboundBatch
	recorder *frameRecorder
}

func newHarness(t *testing.T, clk clock.Clock, settings Settings, flags protocol.DataPacketFlags, signals int) *subscriptionHarness {
	t.Helper()
	h := &subscriptionHarness{batches: make(chan outboundBatch, 64), recorder: newFrameRecorder()}
	h.sub = newSubscription(clk, 7, settings, flags, testCache(t, signals), 1,
		func(batch outboundBatch) { h.batches <- batch }, h.recorder.discard)
	h.sub.start()
	t.Cleanup(h.sub.stop)
	return h
}

func value(signal int, at measurement.Ticks, v float64) measurement.Measurement {
	return measurement.Measurement{SignalID: signalIDs[signal], Value: v, Timestamp: at}
}

func TestSubscriptionFiltersToCache(t *testing.T) {
	t.Parallel()

	h := newHarness(t, clock.Fake(epoch), Settings{FramesPerSecond: 30}, 0, 2)
	h.sub.offer([]measurement.Measurement{
		value(0, epochTicks, 1),
		value(2, epochTicks, 3),
		value(1, epochTicks, 2),
	})
	batch := testutil.RequireReceive(t, h.batches, testTimeout, "waiting for batch")
	if batch.generation != 7 || batch.synchronized {
		t.Errorf("batch generation %d synchronized %v", batch.generation, batch.synchronized)
	}
	if len(batch.measurements) != 2 {
		t.Fatalf("batch has %d measurements, want 2", len(batch.measurements))
	}
	for _, m := range batch.measurements {
		if m.SignalID == signalIDs[2] {
			t.Error("unsubscribed signal routed")
		}
	}

	h.sub.offer([]measurement.Measurement{value(2, epochTicks, 3)})
	testutil.RequireNoReceive(t, h.batches, 10*time.Millisecond, "batch emitted with no subscribed signals")
}

func TestSubscriptionNaNFilter(t *testing.T) {
	t.Parallel()

	h := newHarness(t, clock.Fake(epoch), Settings{FramesPerSecond: 30, RequestNaNValueFilter: true}, 0, 2)
	h.sub.offer([]measurement.Measurement{value(0, epochTicks, math.NaN()), value(1, epochTicks, 60)})
	batch := testutil.RequireReceive(t, h.batches, testTimeout, "waiting for batch")
	if len(batch.measurements) != 1 || batch.measurements[0].Value != 60 {
		t.Fatalf("batch = %+v, want only the finite value", batch.measurements)
	}
	if got := h.recorder.count(discardNaN); got != 1 {
		t.Errorf("nan discards = %d, want 1", got)
	}
}

func TestSubscriptionOnChange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, clock.Fake(epoch), Settings{FramesPerSecond: 30, OnChange: true}, 0, 1)
	h.sub.offer([]measurement.Measurement{value(0, epochTicks, 59.98)})
	testutil.RequireReceive(t, h.batches, testTimeout, "waiting for first value")

	// Same value at a later time is suppressed.
	h.sub.offer([]measurement.Measurement{value(0, epochTicks+1, 59.98)})
	testutil.RequireNoReceive(t, h.batches, 10*time.Millisecond, "unchanged value published")
	if got := h.recorder.count(discardUnchanged); got != 1 {
		t.Errorf("unchanged discards = %d, want 1", got)
	}

	// A flags change is a change.
	flagged := value(0, epochTicks+2, 59.98)
	flagged.StateFlags = measurement.BadData
	h.sub.offer([]measurement.Measurement{flagged})
	batch := testutil.RequireReceive(t, h.batches, testTimeout, "waiting for flagged value")
	if batch.measurements[0].StateFlags != measurement.BadData {
		t.Errorf("flags = %v", batch.measurements[0].StateFlags)
	}

	h.sub.offer([]measurement.Measurement{value(0, epochTicks+3, 60.01)})
	testutil.RequireReceive(t, h.batches, testTimeout, "waiting for changed value")
}

func TestSubscriptionSynchronized(t *testing.T) {
	t.Parallel()

	settings := Settings{FramesPerSecond: 10, LagTime: time.Second, LeadTime: time.Second, OnChange: true}
	h := newHarness(t, clock.Fake(epoch), settings, protocol.Synchronized|protocol.Compact, 2)
	if !h.sub.compact || !h.sub.synchronized {
		t.Fatalf("flags not applied: compact %v synchronized %v", h.sub.compact, h.sub.synchronized)
	}
	if h.sub.last != nil {
		t.Error("onChange applied to a synchronized subscription")
	}

	at := epochTicks + measurement.PerSecond/10 + 50
	h.sub.offer([]measurement.Measurement{value(1, at, 2), value(0, at, 1)})
	batch := testutil.RequireReceive(t, h.batches, testTimeout, "waiting for frame")
	if !batch.synchronized || batch.frame != epochTicks+measurement.PerSecond/10 {
		t.Errorf("batch synchronized %v frame %v", batch.synchronized, batch.frame)
	}
	if batch.measurements[0].SignalID != signalIDs[0] {
		t.Error("frame not in cache index order")
	}
}

func TestSubscriptionThrottled(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	h := newHarness(t, fake, Settings{FramesPerSecond: 30, Throttled: true, PublishInterval: time.Second}, 0, 2)

	h.sub.offer([]measurement.Measurement{value(0, epochTicks, 1)})
	first := testutil.RequireReceive(t, h.batches, testTimeout, "first offer publishes immediately")
	if len(first.measurements) != 1 {
		t.Fatalf("first batch has %d measurements", len(first.measurements))
	}

	h.sub.offer([]measurement.Measurement{value(1, epochTicks+1, 10), value(0, epochTicks+1, 2)})
	h.sub.offer([]measurement.Measurement{value(0, epochTicks+2, 3)})
	h.sub.offer([]measurement.Measurement{value(0, epochTicks, 99)}) // older than held value
	testutil.RequireNoReceive(t, h.batches, 10*time.Millisecond, "throttled offers published inside the interval")

	fake.Advance(time.Second)
	held := testutil.RequireReceive(t, h.batches, testTimeout, "waiting for throttled flush")
	if len(held.measurements) != 2 {
		t.Fatalf("flush has %d measurements, want latest of each signal", len(held.measurements))
	}
	if held.measurements[0].SignalID != signalIDs[0] || held.measurements[0].Value != 3 {
		t.Errorf("first held value = %+v, want signal 0 value 3", held.measurements[0])
	}
	if held.measurements[1].Value != 10 {
		t.Errorf("second held value = %v, want 10", held.measurements[1].Value)
	}
}

func TestThrottleStopCancelsFlush(t *testing.T) {
	t.Parallel()

	fake := clock.Fake(epoch)
	published := make(chan []measurement.Measurement, 4)
	th := newThrottle(fake, time.Second, func(uuid.UUID) uint16 { return 0 },
		func(batch []measurement.Measurement) { published <- batch })

	th.offer([]measurement.Measurement{value(0, epochTicks, 1)})
	testutil.RequireReceive(t, published, testTimeout, "immediate publish")
	th.offer([]measurement.Measurement{value(0, epochTicks+1, 2)})
	if fake.PendingCount() != 1 {
		t.Fatalf("pending timers = %d, want the trailing flush", fake.PendingCount())
	}
	th.stop()
	fake.Advance(2 * time.Second)
	testutil.RequireNoReceive(t, published, 10*time.Millisecond, "flush after stop")

	th.offer([]measurement.Measurement{value(0, epochTicks+2, 3)})
	testutil.RequireNoReceive(t, published, 10*time.Millisecond, "offer after stop")
}
