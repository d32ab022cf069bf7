// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package measurement

// StateFlags is the 32-bit quality bitmask carried with every
// measurement. Bit positions are fixed by the protocol.
type StateFlags uint32

const (
	Normal              StateFlags = 0
	BadData             StateFlags = 1 << 0
	SuspectData         StateFlags = 1 << 1
	OverRangeError      StateFlags = 1 << 2
	UnderRangeError     StateFlags = 1 << 3
	AlarmHigh           StateFlags = 1 << 4
	AlarmLow            StateFlags = 1 << 5
	WarningHigh         StateFlags = 1 << 6
	WarningLow          StateFlags = 1 << 7
	FlatlineAlarm       StateFlags = 1 << 8
	ComparisonAlarm     StateFlags = 1 << 9
	ROCAlarm            StateFlags = 1 << 10
	ReceivedAsBad       StateFlags = 1 << 11
	CalculatedValue     StateFlags = 1 << 12
	CalculationError    StateFlags = 1 << 13
	CalculationWarning  StateFlags = 1 << 14
	ReservedQualityFlag StateFlags = 1 << 15
	BadTime             StateFlags = 1 << 16
	SuspectTime         StateFlags = 1 << 17
	LateTimeAlarm       StateFlags = 1 << 18
	FutureTimeAlarm     StateFlags = 1 << 19
	UpSampled           StateFlags = 1 << 20
	DownSampled         StateFlags = 1 << 21
	DiscardedValue      StateFlags = 1 << 22
	ReservedTimeFlag    StateFlags = 1 << 23
	UserDefinedFlag1    StateFlags = 1 << 24
	UserDefinedFlag2    StateFlags = 1 << 25
	UserDefinedFlag3    StateFlags = 1 << 26
	UserDefinedFlag4    StateFlags = 1 << 27
	UserDefinedFlag5    StateFlags = 1 << 28
	SystemError         StateFlags = 1 << 29
	SystemWarning       StateFlags = 1 << 30
	MeasurementError    StateFlags = 1 << 31
)

// Groups of full flags that collapse onto a single compact bit.
const (
	dataRangeMask   = OverRangeError | UnderRangeError | AlarmHigh | AlarmLow | WarningHigh | WarningLow
	dataQualityMask = BadData | SuspectData | FlatlineAlarm | ComparisonAlarm | ROCAlarm |
		ReceivedAsBad | CalculationError | CalculationWarning | ReservedQualityFlag
	timeQualityMask = BadTime | SuspectTime | LateTimeAlarm | FutureTimeAlarm |
		UpSampled | DownSampled | ReservedTimeFlag
	systemIssueMask = SystemError | SystemWarning | MeasurementError
)

// CompactFlags is the one-byte quality summary used by compact raw
// records. The mapping is lossy: each bit stands for a whole group.
type CompactFlags uint8

const (
	CompactDataRange       CompactFlags = 1 << 0
	CompactDataQuality     CompactFlags = 1 << 1
	CompactTimeQuality     CompactFlags = 1 << 2
	CompactSystemIssue     CompactFlags = 1 << 3
	CompactCalculatedValue CompactFlags = 1 << 4
	CompactDiscardedValue  CompactFlags = 1 << 5
)

var compactGroups = [...]struct {
	compact CompactFlags
	full    StateFlags
}{
	{CompactDataRange, dataRangeMask},
	{CompactDataQuality, dataQualityMask},
	{CompactTimeQuality, timeQualityMask},
	{CompactSystemIssue, systemIssueMask},
	{CompactCalculatedValue, CalculatedValue},
	{CompactDiscardedValue, DiscardedValue},
}

// Compact maps full flags onto the compact byte.
func (f StateFlags) Compact() CompactFlags {
	var compact CompactFlags
	for _, group := range compactGroups {
		if f&group.full != 0 {
			compact |= group.compact
		}
	}
	return compact
}

// Expand maps compact flags back to full flags. Every flag in a set
// group is raised, so Expand(Compact(f)) is a superset of f.
func (c CompactFlags) Expand() StateFlags {
	var full StateFlags
	for _, group := range compactGroups {
		if c&group.compact != 0 {
			full |= group.full
		}
	}
	return full
}
