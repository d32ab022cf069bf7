// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package measurement

import "time"

// Ticks counts 100-nanosecond intervals since 0001-01-01T00:00:00Z.
// This is the GEP time base for every timestamp on the wire.
type Ticks int64

const (
	PerMicrosecond Ticks = 10
	PerMillisecond Ticks = 10_000
	PerSecond      Ticks = 10_000_000
	PerMinute            = 60 * PerSecond

	// unixEpoch is 1970-01-01T00:00:00Z in ticks.
	unixEpoch Ticks = 621_355_968_000_000_000
)

// FromTime converts t to ticks, truncating below 100 ns.
func FromTime(t time.Time) Ticks {
	return unixEpoch + Ticks(t.Unix())*PerSecond + Ticks(t.Nanosecond()/100)
}

// FromDuration converts d to ticks, truncating below 100 ns.
func FromDuration(d time.Duration) Ticks {
	return Ticks(d / 100)
}

// Time converts t to a UTC time.Time.
func (t Ticks) Time() time.Time {
	sinceUnix := t - unixEpoch
	seconds := sinceUnix / PerSecond
	remainder := sinceUnix % PerSecond
	if remainder < 0 {
		seconds--
		remainder += PerSecond
	}
	return time.Unix(int64(seconds), int64(remainder)*100).UTC()
}

// Duration converts a tick count to a time.Duration.
func (t Ticks) Duration() time.Duration {
	return time.Duration(t) * 100
}

// BaselinedTimestamp rounds t down to the start of its frame when the
// second is divided into framesPerSecond equal frames.
func (t Ticks) BaselinedTimestamp(framesPerSecond int) Ticks {
	if framesPerSecond <= 0 {
		return t
	}
	second := t - t%PerSecond
	frameIndex := (t - second) * Ticks(framesPerSecond) / PerSecond
	return second + frameIndex*PerSecond/Ticks(framesPerSecond)
}

func (t Ticks) String() string {
	return t.Time().Format("2006-01-02T15:04:05.0000000Z")
}
