// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/bureau-foundation/gep/lib/clock"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/signalindex"
	"github.com/bureau-foundation/gep/protocol"
)

// outboundBatch is one unit of work for a client's delivery loop.
// Batches carry the generation of the subscription that produced
// them so the loop can drop batches queued before a resubscribe.
type outboundBatch struct {
	generation   uint64
	synchronized bool
	frame        measurement.Ticks
	measurements []measurement.Measurement
}

// subscription is one generation of a client's subscription: the
// signal index cache it was announced with and the routing rules
// applied to published measurements.
type subscription struct {
	generation   uint64
	settings     Settings
	synchronized bool
	compact      bool
	cache        *signalindex.Cache
	slot         int

	emit    func(outboundBatch)
	discard func(reason string, count int)

	changeMu sync.Mutex
	last     map[uuid.UUID]lastValue

	concentrator *concentrator
	throttle     *throttle

	started atomic.Bool
}

type lastValue struct {
	bits  uint32
	flags measurement.StateFlags
}

func newSubscription(clk clock.Clock, generation uint64, settings Settings, flags protocol.DataPacketFlags,
	cache *signalindex.Cache, slot int, emit func(outboundBatch), discard func(string, int),
) *subscription {
	s := &subscription{
		generation:   generation,
		settings:     settings,
		synchronized: flags.Has(protocol.Synchronized),
		compact:      flags.Has(protocol.Compact),
		cache:        cache,
		slot:         slot,
		emit:         emit,
		discard:      discard,
	}
	switch {
	case s.synchronized:
		s.concentrator = newConcentrator(clk, settings, cache.Len(), func(timestamp measurement.Ticks, measurements []measurement.Measurement) {
			s.emit(outboundBatch{generation: generation, synchronized: true, frame: timestamp, measurements: measurements})
		}, discard)
	case settings.Throttled:
		order := func(id uuid.UUID) uint16 {
			index, _ := cache.Index(id)
			return index
		}
		s.throttle = newThrottle(clk, settings.PublishInterval, order, func(measurements []measurement.Measurement) {
			s.emit(outboundBatch{generation: generation, measurements: measurements})
		})
	}
	if settings.OnChange && !s.synchronized {
		s.last = make(map[uuid.UUID]lastValue, cache.Len())
	}
	return s
}

func (s *subscription) start() {
	if s.concentrator != nil {
		s.concentrator.start()
	}
}

func (s *subscription) stop() {
	if s.concentrator != nil {
		s.concentrator.stop()
	}
	if s.throttle != nil {
		s.throttle.stop()
	}
}

// offer routes a published batch through the subscription.
func (s *subscription) offer(batch []measurement.Measurement) {
	var selected []measurement.Measurement
	var indexed []indexedMeasurement
	nan, unchanged := 0, 0

	if s.last != nil {
		s.changeMu.Lock()
		defer s.changeMu.Unlock()
	}
	for _, m := range batch {
		index, ok := s.cache.Index(m.SignalID)
		if !ok {
			continue
		}
		if s.settings.RequestNaNValueFilter && m.IsNaN() {
			nan++
			continue
		}
		if s.last != nil {
			current := lastValue{bits: math.Float32bits(float32(m.Value)), flags: m.StateFlags}
			if previous, seen := s.last[m.SignalID]; seen && previous == current {
				unchanged++
				continue
			}
			s.last[m.SignalID] = current
		}
		if s.synchronized {
			indexed = append(indexed, indexedMeasurement{index: index, Measurement: m})
		} else {
			selected = append(selected, m)
		}
	}
	if nan > 0 {
		s.discard(discardNaN, nan)
	}
	if unchanged > 0 {
		s.discard(discardUnchanged, unchanged)
	}

	switch {
	case s.concentrator != nil:
		if len(indexed) > 0 {
			s.concentrator.accept(indexed)
		}
	case len(selected) == 0:
	case s.throttle != nil:
		s.throttle.offer(selected)
	default:
		s.emit(outboundBatch{generation: s.generation, measurements: selected})
	}
}
