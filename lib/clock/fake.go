// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"container/heap"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// Safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. A callback must not call Advance or Sleep on the same clock.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending timerHeap
	nextSeq uint64
	changed *sync.Cond
}

// Fake returns a FakeClock set to start.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// fakeTimer is one pending After, AfterFunc, Sleep or ticker waiter.
// Tickers have a non-zero period and are pushed back after firing.
type fakeTimer struct {
	deadline time.Time
	seq      uint64
	period   time.Duration
	channel  chan time.Time
	callback func()
	index    int // heap position, -1 when not scheduled
}

type timerHeap []*fakeTimer

func (h timerHeap) Len() int { return len(h) }
func (h timerHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *timerHeap) Push(x any) {
	timer := x.(*fakeTimer)
	timer.index = len(*h)
	*h = append(*h, timer)
}
func (h *timerHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	last.index = -1
	return last
}

// scheduleLocked arms timer to fire d after the current time.
func (c *FakeClock) scheduleLocked(timer *fakeTimer, d time.Duration) {
	c.nextSeq++
	timer.seq = c.nextSeq
	timer.deadline = c.now.Add(d)
	if timer.index >= 0 {
		heap.Fix(&c.pending, timer.index)
	} else {
		heap.Push(&c.pending, timer)
	}
	c.changed.Broadcast()
}

// unscheduleLocked removes timer and reports whether it was pending.
func (c *FakeClock) unscheduleLocked(timer *fakeTimer) bool {
	if timer.index < 0 {
		return false
	}
	heap.Remove(&c.pending, timer.index)
	return true
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.now
		return channel
	}
	c.scheduleLocked(&fakeTimer{channel: channel, index: -1}, d)
	return channel
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := &fakeTimer{callback: f, index: -1}
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
	} else {
		c.scheduleLocked(timer, d)
		c.mu.Unlock()
	}
	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.unscheduleLocked(timer)
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasPending := timer.index >= 0
			c.scheduleLocked(timer, d)
			return wasPending
		},
	}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	channel := make(chan time.Time, 1)
	timer := &fakeTimer{channel: channel, period: d, index: -1}
	c.mu.Lock()
	c.scheduleLocked(timer, d)
	c.mu.Unlock()
	return &Ticker{
		C: channel,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.unscheduleLocked(timer)
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			timer.period = d
			c.scheduleLocked(timer, d)
		},
	}
}

func (c *FakeClock) Sleep(d time.Duration) {
	if d > 0 {
		<-c.After(d)
	}
}

// Advance moves time forward by d, firing every timer whose deadline
// is reached, earliest first. A ticker spanning several periods fires
// once per period; ticks that find the channel full are dropped.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	for c.pending.Len() > 0 && !c.pending[0].deadline.After(target) {
		timer := heap.Pop(&c.pending).(*fakeTimer)
		c.now = timer.deadline
		if timer.period > 0 {
			c.nextSeq++
			timer.seq = c.nextSeq
			timer.deadline = timer.deadline.Add(timer.period)
			heap.Push(&c.pending, timer)
		}
		fired := c.now
		if timer.callback != nil {
			c.mu.Unlock()
			timer.callback()
			c.mu.Lock()
			continue
		}
		select {
		case timer.channel <- fired:
		default:
		}
	}
	c.now = target
	c.mu.Unlock()
}

// WaitForTimers blocks until at least n timers are pending. Use it to
// wait for a goroutine to park on After, Sleep or a ticker before
// calling Advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending.Len() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of pending timers.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending.Len()
}
