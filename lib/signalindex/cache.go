// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package signalindex maps the 128-bit signal IDs of one subscription
// onto compact 16-bit runtime indices.
//
// A Cache is built once per subscription generation from the keys the
// subscriber asked for and is never patched: a resubscribe builds a new
// Cache. Building from the same keys in the same order always yields
// the same indices.
package signalindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/bureau-foundation/gep/lib/measurement"
)

// ErrMalformed reports an undecodable cache payload.
var ErrMalformed = errors.New("signalindex: malformed cache")

// MaxEntries is the number of distinct indices a cache can hold.
const MaxEntries = math.MaxUint16 + 1

// Cache is an immutable bidirectional index map. Safe for concurrent
// readers.
type Cache struct {
	keys    []measurement.Key
	indices map[uuid.UUID]uint16
}

// New assigns zero-based indices to keys in input order. A signal ID
// that appears more than once keeps its first index. Keys beyond
// MaxEntries distinct signals are an error.
func New(keys []measurement.Key) (*Cache, error) {
	c := &Cache{
		keys:    make([]measurement.Key, 0, len(keys)),
		indices: make(map[uuid.UUID]uint16, len(keys)),
	}
	for _, key := range keys {
		if _, exists := c.indices[key.SignalID]; exists {
			continue
		}
		if len(c.keys) == MaxEntries {
			return nil, fmt.Errorf("signalindex: more than %d distinct signals", MaxEntries)
		}
		c.indices[key.SignalID] = uint16(len(c.keys))
		c.keys = append(c.keys, key)
	}
	return c, nil
}

// Len returns the number of entries.
func (c *Cache) Len() int { return len(c.keys) }

// Index returns the runtime index of signalID.
func (c *Cache) Index(signalID uuid.UUID) (uint16, bool) {
	index, ok := c.indices[signalID]
	return index, ok
}

// Contains reports whether signalID is in the cache.
func (c *Cache) Contains(signalID uuid.UUID) bool {
	_, ok := c.indices[signalID]
	return ok
}

// Lookup returns the key for a runtime index.
func (c *Cache) Lookup(index uint16) (measurement.Key, bool) {
	if int(index) >= len(c.keys) {
		return measurement.Key{}, false
	}
	return c.keys[index], true
}

// Keys returns the entries in index order. The slice must not be
// modified.
func (c *Cache) Keys() []measurement.Key { return c.keys }

// SignalIDs returns the signal IDs in index order.
func (c *Cache) SignalIDs() []uuid.UUID {
	ids := make([]uuid.UUID, len(c.keys))
	for i, key := range c.keys {
		ids[i] = key.SignalID
	}
	return ids
}

// MarshalBinary encodes the cache:
//
//	uint32 count
//	count × { uint16 index, [16]byte signal ID, uint32 length, source, uint32 id }
//
// All integers are big-endian.
func (c *Cache) MarshalBinary() ([]byte, error) {
	size := 4
	for _, key := range c.keys {
		size += 2 + 16 + 4 + len(key.Source) + 4
	}
	buffer := make([]byte, 0, size)
	buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(c.keys)))
	for index, key := range c.keys {
		buffer = binary.BigEndian.AppendUint16(buffer, uint16(index))
		buffer = append(buffer, key.SignalID[:]...)
		buffer = binary.BigEndian.AppendUint32(buffer, uint32(len(key.Source)))
		buffer = append(buffer, key.Source...)
		buffer = binary.BigEndian.AppendUint32(buffer, key.ID)
	}
	return buffer, nil
}

// Unmarshal decodes a cache written by MarshalBinary. Entries may
// arrive in any index order but indices must be dense and unique.
func Unmarshal(data []byte) (*Cache, error) {
	reader := payloadReader{data: data}
	count, ok := reader.uint32()
	if !ok {
		return nil, fmt.Errorf("%w: missing entry count", ErrMalformed)
	}
	if count > MaxEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrMalformed, count)
	}

	keys := make([]measurement.Key, count)
	filled := make([]bool, count)
	for entry := uint32(0); entry < count; entry++ {
		index, ok := reader.uint16()
		if !ok {
			return nil, fmt.Errorf("%w: entry %d truncated", ErrMalformed, entry)
		}
		if uint32(index) >= count || filled[index] {
			return nil, fmt.Errorf("%w: entry %d has invalid or duplicate index %d", ErrMalformed, entry, index)
		}
		idBytes, ok := reader.bytes(16)
		if !ok {
			return nil, fmt.Errorf("%w: entry %d truncated", ErrMalformed, entry)
		}
		sourceLength, ok := reader.uint32()
		if !ok {
			return nil, fmt.Errorf("%w: entry %d truncated", ErrMalformed, entry)
		}
		source, ok := reader.bytes(int(sourceLength))
		if !ok {
			return nil, fmt.Errorf("%w: entry %d source truncated", ErrMalformed, entry)
		}
		id, ok := reader.uint32()
		if !ok {
			return nil, fmt.Errorf("%w: entry %d truncated", ErrMalformed, entry)
		}
		key := measurement.Key{Source: string(source), ID: id}
		copy(key.SignalID[:], idBytes)
		keys[index] = key
		filled[index] = true
	}
	if reader.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, reader.remaining())
	}

	cache := &Cache{keys: keys, indices: make(map[uuid.UUID]uint16, count)}
	for index, key := range keys {
		if _, duplicate := cache.indices[key.SignalID]; duplicate {
			return nil, fmt.Errorf("%w: signal %s listed twice", ErrMalformed, key.SignalID)
		}
		cache.indices[key.SignalID] = uint16(index)
	}
	return cache, nil
}

type payloadReader struct {
	data     []byte
	position int
}

func (r *payloadReader) remaining() int { return len(r.data) - r.position }

func (r *payloadReader) bytes(n int) ([]byte, bool) {
	if n < 0 || n > r.remaining() {
		return nil, false
	}
	out := r.data[r.position : r.position+n]
	r.position += n
	return out, true
}

func (r *payloadReader) uint16() (uint16, bool) {
	b, ok := r.bytes(2)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint16(b), true
}

func (r *payloadReader) uint32() (uint32, bool) {
	b, ok := r.bytes(4)
	if !ok {
		return 0, false
	}
	return binary.BigEndian.Uint32(b), true
}
