// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/measurement"
)

// Reasons a subscription discards a measurement, used as the metric
// label.
const (
	discardLate      = "late"
	discardFuture    = "future"
	discardNaN       = "nan"
	discardUnchanged = "unchanged"
)

// concentrator groups the measurements of a synchronized subscription
// into frames of framesPerSecond per second and publishes each frame
// once, in timestamp order.
//
// A frame is ready when every subscribed signal has a value in it, or
// when real time passes its timestamp plus the lag time. Real time is
// the local clock when useLocalClock is set and otherwise the newest
// measurement timestamp accepted so far.
type concentrator struct {
	clock           clock.Clock
	framesPerSecond int
	lag             measurement.Ticks
	lead            measurement.Ticks
	useLocalClock   bool
	expected        int

	publish func(timestamp measurement.Ticks, measurements []measurement.Measurement)
	discard func(reason string, count int)

	mu            sync.Mutex
	frames        []*frame
	latest        measurement.Ticks
	lastPublished measurement.Ticks
	published     bool

	ticker   *clock.Ticker
	done     chan struct{}
	stopOnce sync.Once
	stopped  sync.WaitGroup
}

type frame struct {
	timestamp measurement.Ticks
	values    map[uint16]measurement.Measurement
}

type indexedMeasurement struct {
	index uint16
	measurement.Measurement
}

func newConcentrator(clk clock.Clock, settings Settings, expected int,
	publish func(measurement.Ticks, []measurement.Measurement),
	discard func(string, int),
) *concentrator {
	return &concentrator{
		clock:           clk,
		framesPerSecond: settings.FramesPerSecond,
		lag:             measurement.FromDuration(settings.LagTime),
		lead:            measurement.FromDuration(settings.LeadTime),
		useLocalClock:   settings.UseLocalClockAsRealTime,
		expected:        expected,
		publish:         publish,
		discard:         discard,
		done:            make(chan struct{}),
	}
}

// start runs the lag ticker, one tick per frame period.
func (c *concentrator) start() {
	c.ticker = c.clock.NewTicker(time.Second / time.Duration(c.framesPerSecond))
	c.stopped.Add(1)
	go func() {
		defer c.stopped.Done()
		for {
			select {
			case <-c.ticker.C:
				c.tick()
			case <-c.done:
				return
			}
		}
	}()
}

func (c *concentrator) stop() {
	c.stopOnce.Do(func() {
		if c.ticker != nil {
			c.ticker.Stop()
		}
		close(c.done)
	})
	c.stopped.Wait()
}

func (c *concentrator) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishReadyLocked()
}

func (c *concentrator) accept(batch []indexedMeasurement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	late, future := 0, 0
	for _, item := range batch {
		realTime := c.realTimeLocked()
		if realTime != 0 {
			if item.Timestamp < realTime-c.lag {
				late++
				continue
			}
			if item.Timestamp > realTime+c.lead {
				future++
				continue
			}
		}
		if !c.useLocalClock && item.Timestamp > c.latest {
			c.latest = item.Timestamp
		}
		timestamp := item.Timestamp.BaselinedTimestamp(c.framesPerSecond)
		if c.published && timestamp <= c.lastPublished {
			late++
			continue
		}
		c.frameLocked(timestamp).values[item.index] = item.Measurement
	}
	if late > 0 {
		c.discard(discardLate, late)
	}
	if future > 0 {
		c.discard(discardFuture, future)
	}
	c.publishReadyLocked()
}

func (c *concentrator) realTimeLocked() measurement.Ticks {
	if c.useLocalClock {
		return measurement.FromTime(c.clock.Now())
	}
	return c.latest
}

// frameLocked returns the frame for timestamp, inserting it in order.
func (c *concentrator) frameLocked(timestamp measurement.Ticks) *frame {
	position, found := slices.BinarySearchFunc(c.frames, timestamp, func(f *frame, t measurement.Ticks) int {
		switch {
		case f.timestamp < t:
			return -1
		case f.timestamp > t:
			return 1
		}
		return 0
	})
	if found {
		return c.frames[position]
	}
	created := &frame{timestamp: timestamp, values: make(map[uint16]measurement.Measurement, c.expected)}
	c.frames = slices.Insert(c.frames, position, created)
	return created
}

func (c *concentrator) publishReadyLocked() {
	realTime := c.realTimeLocked()
	for len(c.frames) > 0 {
		head := c.frames[0]
		if len(head.values) < c.expected && head.timestamp+c.lag > realTime {
			return
		}
		c.frames = c.frames[1:]
		c.lastPublished = head.timestamp
		c.published = true

		measurements := make([]measurement.Measurement, 0, len(head.values))
		for _, index := range slices.Sorted(maps.Keys(head.values)) {
			measurements = append(measurements, head.values[index])
		}
		c.publish(head.timestamp, measurements)
	}
}

// pending returns the number of unpublished frames.
func (c *concentrator) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}
