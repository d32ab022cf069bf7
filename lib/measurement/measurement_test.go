// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package measurement

import (
	"math"
	"testing"
	"time"
)

func TestTicksRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		time time.Time
		want Ticks
	}{
		{"unix epoch", time.Unix(0, 0).UTC(), unixEpoch},
		{"gep epoch", time.Date(1, 1, 1, 0, 0, 0, 0, time.UTC), 0},
		{"sub-tick truncated", time.Unix(0, 250).UTC(), unixEpoch + 2},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got := FromTime(test.time)
			if got != test.want {
				t.Fatalf("FromTime = %d, want %d", got, test.want)
			}
			back := got.Time()
			if back.Sub(test.time) > 100*time.Nanosecond || test.time.Sub(back) >= 100*time.Nanosecond {
				t.Errorf("Time() = %v, want within one tick of %v", back, test.time)
			}
		})
	}
}

func TestBaselinedTimestamp(t *testing.T) {
	t.Parallel()
	base := FromTime(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	tests := []struct {
		name   string
		offset Ticks
		fps    int
		want   Ticks
	}{
		{"on boundary", 0, 30, 0},
		{"inside first frame", 100 * PerMicrosecond, 30, 0},
		{"third frame of 30", 70 * PerMillisecond, 30, 2 * PerSecond / 30},
		{"last frame of 10", 999 * PerMillisecond, 10, 900 * PerMillisecond},
		{"disabled", 123, 0, 123},
	}
	for _, test := range tests {
		got := (base + test.offset).BaselinedTimestamp(test.fps) - base
		if got != test.want {
			t.Errorf("%s: baselined offset = %d, want %d", test.name, got, test.want)
		}
	}
}

func TestCompactFlagMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		full    StateFlags
		compact CompactFlags
	}{
		{Normal, 0},
		{AlarmHigh, CompactDataRange},
		{BadData | BadTime, CompactDataQuality | CompactTimeQuality},
		{SystemWarning, CompactSystemIssue},
		{CalculatedValue | DiscardedValue, CompactCalculatedValue | CompactDiscardedValue},
		{UserDefinedFlag3, 0},
	}
	for _, test := range tests {
		if got := test.full.Compact(); got != test.compact {
			t.Errorf("Compact(%#x) = %#x, want %#x", test.full, got, test.compact)
		}
		if expanded := test.compact.Expand(); expanded&test.full != test.full&^(UserDefinedFlag3) {
			t.Errorf("Expand(%#x) = %#x does not cover %#x", test.compact, expanded, test.full)
		}
	}
}

func TestParseSourceID(t *testing.T) {
	t.Parallel()

	source, id, err := ParseSourceID("PPA:42")
	if err != nil || source != "PPA" || id != 42 {
		t.Fatalf("ParseSourceID(PPA:42) = %q, %d, %v", source, id, err)
	}
	key := Key{Source: source, ID: id}
	if key.String() != "PPA:42" {
		t.Errorf("String = %q, want PPA:42", key.String())
	}

	for _, bad := range []string{"", "PPA", ":1", "PPA:", "PPA:x", "PPA:-1"} {
		if _, _, err := ParseSourceID(bad); err == nil {
			t.Errorf("ParseSourceID(%q) succeeded, want error", bad)
		}
	}
}

func TestAdjust(t *testing.T) {
	t.Parallel()
	m := Measurement{Value: 2}.Adjust(1, 10)
	if m.Value != 21 {
		t.Errorf("Adjust value = %v, want 21", m.Value)
	}
	if !(Measurement{Value: math.NaN()}).IsNaN() {
		t.Error("IsNaN false for NaN value")
	}
}
