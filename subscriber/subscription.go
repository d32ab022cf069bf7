// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"fmt"
	"time"

	"github.com/bureau-foundation/gep/lib/connstring"
	"github.com/bureau-foundation/gep/lib/version"
	"github.com/bureau-foundation/gep/protocol"
)

// SubscriptionInfo describes the measurements a subscriber asks for
// and how the publisher should shape them.
type SubscriptionInfo struct {
	// FilterExpression selects signals: explicit references and
	// FILTER statements, as accepted by inputMeasurementKeys.
	FilterExpression string

	// Synchronized subscriptions are concentrated into frames of
	// FramesPerSecond, waiting up to LagTime for late measurements.
	Synchronized            bool
	FramesPerSecond         int
	LagTime                 time.Duration
	LeadTime                time.Duration
	UseLocalClockAsRealTime bool

	// Throttled subscriptions receive the latest value of each signal
	// at most once per PublishInterval.
	Throttled       bool
	PublishInterval time.Duration
	OnChange        bool

	Compact     bool
	IncludeTime bool
	NaNFilter   bool

	// ProcessingInterval in milliseconds; -1 is real time.
	ProcessingInterval int
}

// DefaultSubscriptionInfo returns an unsynchronized real-time
// subscription for filter.
func DefaultSubscriptionInfo(filter string) SubscriptionInfo {
	return SubscriptionInfo{
		FilterExpression:   filter,
		FramesPerSecond:    30,
		LagTime:            10 * time.Second,
		LeadTime:           5 * time.Second,
		PublishInterval:    time.Second,
		IncludeTime:        true,
		ProcessingInterval: -1,
	}
}

// Flags returns the DataPacketFlags sent with Subscribe.
func (s SubscriptionInfo) Flags() protocol.DataPacketFlags {
	var flags protocol.DataPacketFlags
	if s.Synchronized {
		flags |= protocol.Synchronized
	}
	if s.Compact {
		flags |= protocol.Compact
	}
	return flags
}

// ConnectionString renders the Subscribe connection string.
func (s SubscriptionInfo) ConnectionString() string {
	var builder connstring.Builder
	builder.Set("inputMeasurementKeys", s.FilterExpression)
	if s.Synchronized {
		builder.SetInt("framesPerSecond", s.FramesPerSecond).
			SetFloat("lagTime", s.LagTime.Seconds()).
			SetFloat("leadTime", s.LeadTime.Seconds()).
			SetBool("useLocalClockAsRealTime", s.UseLocalClockAsRealTime)
	}
	if s.Throttled {
		builder.SetBool("throttled", true).
			SetFloat("publishInterval", s.PublishInterval.Seconds())
	}
	if s.OnChange {
		builder.SetBool("onChange", true)
	}
	if s.NaNFilter {
		builder.SetBool("requestNaNValueFilter", true)
	}
	builder.SetBool("includeTime", s.IncludeTime).
		SetInt("processingInterval", s.ProcessingInterval).
		Set("assemblyInfo", assemblyInfo)
	return builder.String()
}

// assemblyInfo identifies this library to the publisher, which logs it.
var assemblyInfo = "source=gep; version=" + version.Info()

func (s SubscriptionInfo) request() protocol.SubscribeRequest {
	return protocol.SubscribeRequest{Flags: s.Flags(), ConnectionString: s.ConnectionString()}
}

// CompressionMode selects how data packet payloads are compressed.
type CompressionMode int

const (
	CompressionNone CompressionMode = iota
	CompressionTSSC
	CompressionStream
	CompressionStreamLZ4
)

func (m CompressionMode) String() string {
	switch m {
	case CompressionNone:
		return "none"
	case CompressionTSSC:
		return "tssc"
	case CompressionStream:
		return "zstd"
	case CompressionStreamLZ4:
		return "lz4"
	}
	return fmt.Sprintf("CompressionMode(%d)", int(m))
}

// ParseCompressionMode parses the configuration name of a mode.
func ParseCompressionMode(name string) (CompressionMode, error) {
	switch name {
	case "none", "":
		return CompressionNone, nil
	case "tssc":
		return CompressionTSSC, nil
	case "zstd", "stream":
		return CompressionStream, nil
	case "lz4":
		return CompressionStreamLZ4, nil
	}
	return 0, fmt.Errorf("unknown compression mode %q (want tssc, zstd, lz4 or none)", name)
}

// operationalModes builds the DefineOperationalModes value: protocol
// version zero, UTF-8 strings, internal metadata.
func (c Config) operationalModes() protocol.OperationalModes {
	modes := protocol.ReceiveInternalMetadata
	if c.UseCommonSerializationFormat {
		modes |= protocol.UseCommonSerializationFormat
	}
	switch c.CompressionMode {
	case CompressionTSSC:
		modes |= protocol.CompressPayloadData | protocol.CompressionTSSC
	case CompressionStream:
		modes |= protocol.CompressPayloadData | protocol.CompressionStream
	case CompressionStreamLZ4:
		modes |= protocol.CompressPayloadData | protocol.CompressionStreamLZ4
	}
	if c.CompressMetadata {
		modes |= protocol.CompressMetadata
	}
	if c.CompressSignalIndexCache {
		modes |= protocol.CompressSignalIndexCache
	}
	return modes
}
