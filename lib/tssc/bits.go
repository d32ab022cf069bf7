// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package tssc

// bitWriter appends bit fields most significant bit first.
type bitWriter struct {
	buffer []byte
	length int // bits written
}

func (w *bitWriter) reset() {
	w.buffer = w.buffer[:0]
	w.length = 0
}

// write appends the low width bits of value.
func (w *bitWriter) write(value uint64, width int) {
	for width > 0 {
		used := w.length & 7
		if used == 0 {
			w.buffer = append(w.buffer, 0)
		}
		free := 8 - used
		take := min(free, width)
		chunk := byte(value>>uint(width-take)) & byte((1<<uint(take))-1)
		w.buffer[len(w.buffer)-1] |= chunk << uint(free-take)
		w.length += take
		width -= take
	}
}

// truncate discards every bit past length.
func (w *bitWriter) truncate(length int) {
	w.length = length
	w.buffer = w.buffer[:(length+7)/8]
	if used := length & 7; used != 0 {
		w.buffer[len(w.buffer)-1] &= 0xFF << uint(8-used)
	}
}

// bitReader consumes bit fields most significant bit first.
type bitReader struct {
	data     []byte
	position int // bits consumed
}

func (r *bitReader) remaining() int {
	return len(r.data)*8 - r.position
}

// read returns the next width bits, or false when fewer remain.
func (r *bitReader) read(width int) (uint64, bool) {
	if width > r.remaining() {
		return 0, false
	}
	var value uint64
	for width > 0 {
		used := r.position & 7
		available := 8 - used
		take := min(available, width)
		current := r.data[r.position>>3]
		chunk := (current >> uint(available-take)) & byte((1<<uint(take))-1)
		value = value<<uint(take) | uint64(chunk)
		r.position += take
		width -= take
	}
	return value, true
}
