// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the injectable time source for every timer in the
// streaming stack: concentrator lag ticks, queue process timeouts,
// reconnect backoff, buffer-block retransmission.
//
// Production code takes a Clock and is handed Real(). Tests hand it a
// FakeClock and drive time with Advance, using WaitForTimers to wait
// until the goroutine under test has parked on a timer:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	queue, _ := processqueue.New(config, processqueue.WithClock[int](fake))
//	fake.WaitForTimers(1)
//	fake.Advance(time.Second)
package clock

import "time"

// Clock abstracts the time operations used by the module.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. A non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can
	// cancel the call. Its C field is nil.
	AfterFunc(d time.Duration, f func()) *Timer

	// NewTicker returns a Ticker firing every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker

	// Sleep blocks for at least d.
	Sleep(d time.Duration)
}

// Since returns the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// Ticker delivers periodic ticks on C (capacity 1; slow readers lose
// ticks rather than queueing them).
type Ticker struct {
	C <-chan time.Time

	stop  func()
	reset func(time.Duration)
}

// Stop turns the ticker off. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Reset changes the interval and restarts the cycle from now.
func (t *Ticker) Reset(d time.Duration) { t.reset(d) }

// Timer is a pending one-shot event created by AfterFunc.
type Timer struct {
	C <-chan time.Time

	stop  func() bool
	reset func(time.Duration) bool
}

// Stop cancels the timer. It reports whether the call prevented the
// timer from firing.
func (t *Timer) Stop() bool { return t.stop() }

// Reset reschedules the timer to fire d from now. It reports whether
// the timer was still pending.
func (t *Timer) Reset(d time.Duration) bool { return t.reset(d) }
