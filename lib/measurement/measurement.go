// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package measurement defines the time-series value that flows from a
// publisher to its subscribers, together with the tick time base and
// the quality flags every GEP participant agrees on.
package measurement

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Measurement is one timestamped sample of one signal. It is a value
// type: producers build it once and never mutate it after publication.
type Measurement struct {
	SignalID   uuid.UUID
	Value      float64
	Timestamp  Ticks
	StateFlags StateFlags
}

// Adjust returns m with the linear scaling value*multiplier+adder
// applied. Producers call this before publication; the wire never
// carries unscaled values.
func (m Measurement) Adjust(adder, multiplier float64) Measurement {
	m.Value = m.Value*multiplier + adder
	return m
}

// IsNaN reports whether the value is NaN. Subscriptions with
// requestNaNValueFilter drop such measurements.
func (m Measurement) IsNaN() bool { return math.IsNaN(m.Value) }

// Key is the identity of a signal: its 128-bit ID plus the
// human-facing SOURCE:ID pair.
type Key struct {
	SignalID uuid.UUID `yaml:"signal_id" cbor:"signal_id"`
	Source   string    `yaml:"source" cbor:"source"`
	ID       uint32    `yaml:"id" cbor:"id"`
}

// String formats the key as SOURCE:ID.
func (k Key) String() string {
	return k.Source + ":" + strconv.FormatUint(uint64(k.ID), 10)
}

// ParseSourceID splits "SOURCE:ID" into its parts.
func ParseSourceID(text string) (source string, id uint32, err error) {
	separator := strings.LastIndexByte(text, ':')
	if separator <= 0 || separator == len(text)-1 {
		return "", 0, fmt.Errorf("measurement key %q: want SOURCE:ID", text)
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(text[separator+1:]), 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("measurement key %q: %w", text, err)
	}
	return strings.TrimSpace(text[:separator]), uint32(parsed), nil
}
