// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tssc

import (
	"errors"
	"fmt"
	"math"
)

// ErrCorrupt reports a block that ended early or violated the coding
// rules. It is fatal for the block.
var ErrCorrupt = errors.New("tssc: corrupt block")

// Point is one decoded tuple.
type Point struct {
	Index     uint16
	Timestamp int64
	Quality   uint32
	Value     float32
}

// Decoder reads the tuples of one block.
type Decoder struct {
	reader bitReader
	points pointStates
	recent recentTable

	lastTimestamp     int64
	haveLastTimestamp bool
	done              bool
	err               error
}

// NewDecoder returns a decoder with no block loaded.
func NewDecoder() *Decoder {
	return &Decoder{done: true}
}

// Reset loads block and forgets all prediction state.
func (d *Decoder) Reset(block []byte) {
	d.reader = bitReader{data: block}
	clear(d.points)
	d.recent = recentTable{}
	d.lastTimestamp = 0
	d.haveLastTimestamp = false
	d.done = false
	d.err = nil
}

// TryGetMeasurement returns the next tuple. At the end-of-block code
// it returns ok false and a nil error. Corruption returns an error
// wrapping ErrCorrupt, and every later call returns the same error.
func (d *Decoder) TryGetMeasurement() (point Point, ok bool, err error) {
	if d.err != nil {
		return Point{}, false, d.err
	}
	if d.done {
		return Point{}, false, nil
	}
	point, ok, err = d.next()
	if err != nil {
		d.err = err
		return Point{}, false, err
	}
	if !ok {
		d.done = true
	}
	return point, ok, nil
}

func (d *Decoder) corrupt(format string, args ...any) error {
	return fmt.Errorf("%w: %s at bit %d", ErrCorrupt, fmt.Sprintf(format, args...), d.reader.position)
}

func (d *Decoder) field(name string, width int) (uint64, error) {
	value, ok := d.reader.read(width)
	if !ok {
		return 0, d.corrupt("truncated %s", name)
	}
	return value, nil
}

func (d *Decoder) next() (Point, bool, error) {
	code, err := d.field("index code", 1)
	if err != nil {
		return Point{}, false, err
	}

	var index uint16
	hit := code == 0
	if hit {
		slot, err := d.field("recent slot", recentBits)
		if err != nil {
			return Point{}, false, err
		}
		if int(slot) >= d.recent.filled {
			return Point{}, false, d.corrupt("recent slot %d is empty", slot)
		}
		index = d.recent.slots[slot]
	} else {
		second, err := d.field("index code", 1)
		if err != nil {
			return Point{}, false, err
		}
		if second == 1 {
			return Point{}, false, nil
		}
		raw, err := d.field("point index", 16)
		if err != nil {
			return Point{}, false, err
		}
		index = uint16(raw)
	}

	state := d.points.at(index)
	next := pointState{seen: true}

	if !state.seen {
		timestamp, err := d.field("timestamp", 64)
		if err != nil {
			return Point{}, false, err
		}
		quality, err := d.field("quality", 32)
		if err != nil {
			return Point{}, false, err
		}
		value, err := d.field("value", 32)
		if err != nil {
			return Point{}, false, err
		}
		next.timestamp, next.quality, next.value = int64(timestamp), uint32(quality), uint32(value)
	} else {
		if next.timestamp, err = d.readTimestamp(state.timestamp); err != nil {
			return Point{}, false, err
		}
		changed, err := d.field("quality flag", 1)
		if err != nil {
			return Point{}, false, err
		}
		next.quality = state.quality
		if changed == 1 {
			quality, err := d.field("quality", 32)
			if err != nil {
				return Point{}, false, err
			}
			next.quality = uint32(quality)
		}
		if next.value, err = d.readValue(state.value); err != nil {
			return Point{}, false, err
		}
	}

	if !hit {
		d.recent.insert(index)
	}
	*state = next
	d.lastTimestamp = next.timestamp
	d.haveLastTimestamp = true

	return Point{
		Index:     index,
		Timestamp: next.timestamp,
		Quality:   next.quality,
		Value:     math.Float32frombits(next.value),
	}, true, nil
}

func (d *Decoder) readTimestamp(previous int64) (int64, error) {
	code, err := d.field("timestamp code", 2)
	if err != nil {
		return 0, err
	}
	switch code {
	case 0b00:
		return previous, nil
	case 0b01:
		return previous + 1, nil
	case 0b10:
		if !d.haveLastTimestamp {
			return 0, d.corrupt("block timestamp referenced before any was written")
		}
		return d.lastTimestamp, nil
	}
	width, err := d.field("timestamp delta width", 6)
	if err != nil {
		return 0, err
	}
	delta, err := d.field("timestamp delta", int(width)+1)
	if err != nil {
		return 0, err
	}
	return previous + unzigzag(delta), nil
}

func (d *Decoder) readValue(previous uint32) (uint32, error) {
	changed, err := d.field("value flag", 1)
	if err != nil {
		return 0, err
	}
	if changed == 0 {
		return previous, nil
	}
	leading, err := d.field("leading zeros", 5)
	if err != nil {
		return 0, err
	}
	trailing, err := d.field("trailing zeros", 5)
	if err != nil {
		return 0, err
	}
	width := 32 - int(leading) - int(trailing)
	if width <= 0 {
		return 0, d.corrupt("value xor width %d", width)
	}
	significant, err := d.field("value bits", width)
	if err != nil {
		return 0, err
	}
	return previous ^ uint32(significant)<<uint(trailing), nil
}
