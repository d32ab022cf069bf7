// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tssc

import (
	"math"
	"math/bits"
)

const (
	recentSlots   = 64
	recentBits    = 6
	endOfBlock    = 0b11
	endOfBlockLen = 2

	// maxMeasurementBits bounds one encoded tuple: miss code and
	// index, absolute timestamp, raw quality, raw value.
	maxMeasurementBits = 2 + 16 + 64 + 32 + 32
)

// pointState is the prediction state for one point index.
type pointState struct {
	seen      bool
	timestamp int64
	quality   uint32
	value     uint32
}

// recentTable is the round-robin table of recently coded indices. The
// encoder and decoder insert on exactly the same events.
type recentTable struct {
	slots  [recentSlots]uint16
	filled int
	cursor int
}

func (t *recentTable) find(index uint16) (int, bool) {
	for slot := 0; slot < t.filled; slot++ {
		if t.slots[slot] == index {
			return slot, true
		}
	}
	return 0, false
}

func (t *recentTable) insert(index uint16) {
	t.slots[t.cursor] = index
	t.cursor = (t.cursor + 1) % recentSlots
	if t.filled < recentSlots {
		t.filled++
	}
}

// pointStates grows on demand and is cleared on Reset.
type pointStates []pointState

func (p *pointStates) at(index uint16) *pointState {
	if int(index) >= len(*p) {
		grown := make([]pointState, int(index)+1, max(int(index)+1, 2*len(*p)))
		copy(grown, *p)
		*p = grown
	}
	return &(*p)[index]
}

// Encoder writes measurement tuples into one block of fixed capacity.
type Encoder struct {
	capacity int
	limit    int // bits available for tuples; the end code is reserved
	writer   bitWriter
	points   pointStates
	recent   recentTable

	lastTimestamp     int64
	haveLastTimestamp bool
	count             int
	finished          bool
}

// NewEncoder returns an encoder producing blocks of at most capacity
// bytes.
func NewEncoder(capacity int) *Encoder {
	if capacity <= 0 {
		panic("tssc: capacity must be positive")
	}
	e := &Encoder{
		capacity: capacity,
		limit:    capacity*8 - endOfBlockLen,
	}
	e.writer.buffer = make([]byte, 0, capacity)
	return e
}

// Reset starts a new block and forgets all prediction state.
func (e *Encoder) Reset() {
	e.writer.reset()
	clear(e.points)
	e.recent = recentTable{}
	e.lastTimestamp = 0
	e.haveLastTimestamp = false
	e.count = 0
	e.finished = false
}

// Count returns the number of tuples in the current block.
func (e *Encoder) Count() int { return e.count }

// Capacity returns the block capacity in bytes.
func (e *Encoder) Capacity() int { return e.capacity }

// TryAddMeasurement appends one tuple. It returns false, leaving the
// block and all state exactly as before, when the tuple does not fit
// or the block has been finished.
func (e *Encoder) TryAddMeasurement(pointIndex uint16, timestamp int64, quality uint32, value float32) bool {
	if e.finished {
		return false
	}
	mark := e.writer.length
	w := &e.writer

	slot, hit := e.recent.find(pointIndex)
	if hit {
		w.write(uint64(slot), 1+recentBits)
	} else {
		w.write(0b10, 2)
		w.write(uint64(pointIndex), 16)
	}

	point := e.points.at(pointIndex)
	valueBits := math.Float32bits(value)

	if !point.seen {
		w.write(uint64(timestamp), 64)
		w.write(uint64(quality), 32)
		w.write(uint64(valueBits), 32)
	} else {
		e.writeTimestamp(point.timestamp, timestamp)
		if quality == point.quality {
			w.write(0, 1)
		} else {
			w.write(1, 1)
			w.write(uint64(quality), 32)
		}
		writeValue(w, point.value, valueBits)
	}

	if w.length > e.limit {
		w.truncate(mark)
		return false
	}

	if !hit {
		e.recent.insert(pointIndex)
	}
	*point = pointState{seen: true, timestamp: timestamp, quality: quality, value: valueBits}
	e.lastTimestamp = timestamp
	e.haveLastTimestamp = true
	e.count++
	return true
}

func (e *Encoder) writeTimestamp(previous, timestamp int64) {
	w := &e.writer
	switch {
	case timestamp == previous:
		w.write(0b00, 2)
	case timestamp == previous+1:
		w.write(0b01, 2)
	case e.haveLastTimestamp && timestamp == e.lastTimestamp:
		w.write(0b10, 2)
	default:
		delta := zigzag(timestamp - previous)
		width := bits.Len64(delta)
		w.write(0b11, 2)
		w.write(uint64(width-1), 6)
		w.write(delta, width)
	}
}

func writeValue(w *bitWriter, previous, current uint32) {
	xor := previous ^ current
	if xor == 0 {
		w.write(0, 1)
		return
	}
	leading := bits.LeadingZeros32(xor)
	trailing := bits.TrailingZeros32(xor)
	w.write(1, 1)
	w.write(uint64(leading), 5)
	w.write(uint64(trailing), 5)
	w.write(uint64(xor>>uint(trailing)), 32-leading-trailing)
}

// FinishBlock terminates the block and returns its length in bytes.
// Later calls return the same length; TryAddMeasurement fails until
// Reset.
func (e *Encoder) FinishBlock() int {
	if !e.finished {
		e.writer.write(endOfBlock, endOfBlockLen)
		e.finished = true
	}
	return len(e.writer.buffer)
}

// Bytes returns the block written so far. After FinishBlock it is the
// complete block. The slice is reused by Reset.
func (e *Encoder) Bytes() []byte { return e.writer.buffer }

func zigzag(value int64) uint64 {
	return uint64(value<<1) ^ uint64(value>>63)
}

func unzigzag(value uint64) int64 {
	return int64(value>>1) ^ -int64(value&1)
}
