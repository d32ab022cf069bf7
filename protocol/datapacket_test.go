// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"errors"
	"math"
	"testing"

	"github.com/bureau-foundation/gep/lib/cipher"
	"github.com/bureau-foundation/gep/lib/compress"
	"github.com/bureau-foundation/gep/lib/measurement"
)

const baseTicks measurement.Ticks = 638_000_000_000_000_000

func sampleRecords(count int) []Record {
	records := make([]Record, count)
	for i := range records {
		records[i] = Record{
			Index:     uint16(i % 50),
			Timestamp: baseTicks + measurement.Ticks(i/50)*333_333,
			Flags:     measurement.Normal,
			Value:     float32(59.95 + float64(i%7)*0.01),
		}
	}
	records[3].Flags = measurement.BadData | measurement.SuspectTime
	records[5].Value = float32(math.NaN())
	return records
}

func decodeAll(t *testing.T, decoder *PacketDecoder, packets [][]byte, includeTime bool) []Record {
	t.Helper()
	var records []Record
	for i, packet := range packets {
		decoded, err := decoder.Decode(packet, includeTime)
		if err != nil {
			t.Fatalf("Decode packet %d: %v", i, err)
		}
		if decoded.SequenceGap != 0 {
			t.Errorf("packet %d: unexpected sequence gap %d", i, decoded.SequenceGap)
		}
		records = append(records, decoded.Records...)
	}
	return records
}

func sameRecord(a, b Record) bool {
	return a.Index == b.Index && a.Timestamp == b.Timestamp && a.Flags == b.Flags &&
		math.Float32bits(a.Value) == math.Float32bits(b.Value)
}

func TestDataPacketRoundTrip(t *testing.T) {
	t.Parallel()
	records := sampleRecords(1000)

	tests := []struct {
		name    string
		options PacketOptions
	}{
		{"raw full", PacketOptions{Format: FormatRaw}},
		{"tssc", PacketOptions{Format: FormatTSSC}},
		{"stream zstd", PacketOptions{Format: FormatStream, StreamTag: compress.TagZstd}},
		{"stream lz4", PacketOptions{Format: FormatStream, StreamTag: compress.TagLZ4}},
		{"cache slot 1", PacketOptions{Format: FormatTSSC, CacheSlot: 1}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			packets, err := NewPacketEncoder().Encode(records, test.options)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			for _, packet := range packets {
				if len(packet) > MaxDataPacketSize {
					t.Errorf("packet is %d bytes, limit %d", len(packet), MaxDataPacketSize)
				}
				if got := DataPacketFlags(packet[0]).CacheSlot(); got != test.options.CacheSlot {
					t.Errorf("cache slot = %d, want %d", got, test.options.CacheSlot)
				}
			}
			decoded := decodeAll(t, NewPacketDecoder(), packets, false)
			if len(decoded) != len(records) {
				t.Fatalf("decoded %d records, want %d", len(decoded), len(records))
			}
			for i := range records {
				if !sameRecord(decoded[i], records[i]) {
					t.Fatalf("record %d = %+v, want %+v", i, decoded[i], records[i])
				}
			}
		})
	}
}

func TestDataPacketCompactRecords(t *testing.T) {
	t.Parallel()
	records := []Record{
		{Index: 0, Timestamp: baseTicks, Flags: measurement.OverRangeError, Value: 1.5},
		{Index: 1, Timestamp: baseTicks + 1, Flags: measurement.Normal, Value: -2.25},
	}
	for _, includeTime := range []bool{false, true} {
		packets, err := NewPacketEncoder().Encode(records, PacketOptions{Format: FormatRaw, Compact: true, IncludeTime: includeTime})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		wantSize := 1 + 4 + 2*7
		if includeTime {
			wantSize = 1 + 4 + 2*15
		}
		if len(packets) != 1 || len(packets[0]) != wantSize {
			t.Fatalf("includeTime=%v: got %d packets, first %d bytes, want 1 of %d", includeTime, len(packets), len(packets[0]), wantSize)
		}
		decoded := decodeAll(t, NewPacketDecoder(), packets, includeTime)
		if decoded[0].Flags != measurement.OverRangeError.Compact().Expand() {
			t.Errorf("compact flags expanded to %#x", decoded[0].Flags)
		}
		if decoded[1].Value != -2.25 {
			t.Errorf("value = %v, want -2.25", decoded[1].Value)
		}
		if includeTime && decoded[1].Timestamp != baseTicks+1 {
			t.Errorf("timestamp = %d, want %d", decoded[1].Timestamp, baseTicks+1)
		}
		if !includeTime && decoded[1].Timestamp != 0 {
			t.Errorf("timestamp without includeTime = %d, want 0", decoded[1].Timestamp)
		}
	}
}

func TestDataPacketSynchronizedFrame(t *testing.T) {
	t.Parallel()
	frame := baseTicks + 5*measurement.PerSecond
	records := []Record{
		{Index: 0, Timestamp: frame + 17, Value: 1},
		{Index: 1, Timestamp: frame + 3, Value: 2},
	}
	for _, format := range []Format{FormatRaw, FormatTSSC} {
		packets, err := NewPacketEncoder().Encode(records, PacketOptions{Format: format, Synchronized: true, FrameTimestamp: frame})
		if err != nil {
			t.Fatalf("%s Encode: %v", format, err)
		}
		decoded, err := NewPacketDecoder().Decode(packets[0], true)
		if err != nil {
			t.Fatalf("%s Decode: %v", format, err)
		}
		if !decoded.Flags.Has(Synchronized) || decoded.FrameTimestamp != frame {
			t.Errorf("%s: flags %#x frame %d, want synchronized frame %d", format, decoded.Flags, decoded.FrameTimestamp, frame)
		}
		for i, record := range decoded.Records {
			if record.Timestamp != frame {
				t.Errorf("%s record %d timestamp = %d, want frame %d", format, i, record.Timestamp, frame)
			}
		}
	}
}

func TestDataPacketSplitsAtLimit(t *testing.T) {
	t.Parallel()
	records := make([]Record, 10_000)
	for i := range records {
		records[i] = Record{Index: uint16(i), Timestamp: baseTicks + measurement.Ticks(i)*7919, Value: float32(i) * 1.37}
	}
	for _, format := range []Format{FormatRaw, FormatTSSC} {
		encoder := NewPacketEncoder()
		packets, err := encoder.Encode(records, PacketOptions{Format: format})
		if err != nil {
			t.Fatalf("%s Encode: %v", format, err)
		}
		if len(packets) < 2 {
			t.Fatalf("%s: %d packets, want a split", format, len(packets))
		}
		decoded := decodeAll(t, NewPacketDecoder(), packets, false)
		if len(decoded) != len(records) {
			t.Errorf("%s: decoded %d records, want %d", format, len(decoded), len(records))
		}
	}
}

func TestDataPacketSequenceGap(t *testing.T) {
	t.Parallel()
	encoder := NewPacketEncoder()
	decoder := NewPacketDecoder()
	options := PacketOptions{Format: FormatTSSC}
	batch := sampleRecords(10)

	var packets [][]byte
	for range 4 {
		encoded, err := encoder.Encode(batch, options)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		packets = append(packets, encoded...)
	}

	if _, err := decoder.Decode(packets[0], false); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	decoded, err := decoder.Decode(packets[3], false)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.SequenceGap != 2 {
		t.Errorf("SequenceGap = %d, want 2", decoded.SequenceGap)
	}

	encoder.Reset()
	decoder.Reset()
	restarted, _ := encoder.Encode(batch, options)
	decoded, err = decoder.Decode(restarted[0], false)
	if err != nil {
		t.Fatalf("Decode after reset: %v", err)
	}
	if decoded.SequenceGap != 0 {
		t.Errorf("SequenceGap after reset = %d, want 0", decoded.SequenceGap)
	}
}

func TestDataPacketCorruption(t *testing.T) {
	t.Parallel()
	packets, err := NewPacketEncoder().Encode(sampleRecords(200), PacketOptions{Format: FormatTSSC})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	packet := packets[0]

	truncated := packet[:len(packet)/2]
	if _, err := NewPacketDecoder().Decode(truncated, false); !IsCorrupt(err) {
		t.Errorf("truncated TSSC packet = %v, want corruption", err)
	}

	miscounted := append([]byte(nil), packet...)
	miscounted[4]++
	if _, err := NewPacketDecoder().Decode(miscounted, false); !IsCorrupt(err) {
		t.Errorf("miscounted TSSC packet = %v, want corruption", err)
	}

	raw, _ := NewPacketEncoder().Encode(sampleRecords(3), PacketOptions{Format: FormatRaw})
	if _, err := NewPacketDecoder().Decode(raw[0][:len(raw[0])-1], false); !errors.Is(err, ErrMalformed) {
		t.Errorf("short raw packet = %v, want ErrMalformed", err)
	}
	if _, err := NewPacketDecoder().Decode(nil, false); !errors.Is(err, ErrMalformed) {
		t.Errorf("empty packet = %v, want ErrMalformed", err)
	}
}

func TestDataPacketRejectsImpossibleRecordCount(t *testing.T) {
	t.Parallel()
	// One block byte cannot hold four billion tuples; the decoder must
	// fail before sizing anything by the declared count.
	payload := []byte{byte(Compressed), 0xFF, 0xFF, 0xFF, 0xFF, tsscVersion, 0, 0, 0xC0}
	_, err := NewPacketDecoder().Decode(payload, false)
	if !IsCorrupt(err) {
		t.Fatalf("Decode = %v, want corruption", err)
	}

	// The bound admits a block that really is dense with recent-table hits.
	packets, err := NewPacketEncoder().Encode(repeatedRecords(500), PacketOptions{Format: FormatTSSC})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	records := decodeAll(t, NewPacketDecoder(), packets, false)
	if len(records) != 500 {
		t.Errorf("decoded %d records, want 500", len(records))
	}
}

// repeatedRecords cycles over four unchanging points, so every tuple
// after the first four is the shortest TSSC encoding.
func repeatedRecords(count int) []Record {
	records := make([]Record, count)
	for i := range records {
		records[i] = Record{Index: uint16(i % 4), Timestamp: 1000, Flags: measurement.Normal, Value: 1.5}
	}
	return records
}

func TestSealDataPacket(t *testing.T) {
	t.Parallel()
	keys, err := cipher.NewKeySet()
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	t.Cleanup(func() { keys.Close() })

	packets, err := NewPacketEncoder().Encode(sampleRecords(20), PacketOptions{Format: FormatTSSC, CacheSlot: 1})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	plain := packets[0]

	sealed, err := SealDataPacket(plain, keys)
	if err != nil {
		t.Fatalf("SealDataPacket: %v", err)
	}
	if DataPacketFlags(sealed[0]).KeyIndex() != 0 {
		t.Errorf("key index = %d before rotation, want 0", DataPacketFlags(sealed[0]).KeyIndex())
	}

	if err := keys.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	rotated, err := SealDataPacket(plain, keys)
	if err != nil {
		t.Fatalf("SealDataPacket: %v", err)
	}
	if DataPacketFlags(rotated[0]).KeyIndex() != 1 {
		t.Errorf("key index = %d after rotation, want 1", DataPacketFlags(rotated[0]).KeyIndex())
	}

	for _, packet := range [][]byte{sealed, rotated} {
		opened, err := OpenDataPacket(packet, keys)
		if err != nil {
			t.Fatalf("OpenDataPacket: %v", err)
		}
		decoded, err := NewPacketDecoder().Decode(opened, false)
		if err != nil {
			t.Fatalf("Decode opened packet: %v", err)
		}
		if len(decoded.Records) != 20 || decoded.Flags.CacheSlot() != 1 {
			t.Errorf("decoded %d records in slot %d", len(decoded.Records), decoded.Flags.CacheSlot())
		}
	}

	tampered := append([]byte(nil), rotated...)
	tampered[0] ^= byte(CacheIndex)
	if _, err := OpenDataPacket(tampered, keys); !errors.Is(err, cipher.ErrAuthentication) {
		t.Errorf("tampered flags = %v, want ErrAuthentication", err)
	}
}

func TestOperationalModesPacketFormat(t *testing.T) {
	t.Parallel()
	tests := []struct {
		modes      OperationalModes
		wantFormat Format
		wantTag    compress.Tag
	}{
		{0, FormatRaw, compress.TagNone},
		{CompressionTSSC, FormatRaw, compress.TagNone},
		{CompressPayloadData | CompressionTSSC, FormatTSSC, compress.TagNone},
		{CompressPayloadData | CompressionStream, FormatStream, compress.TagZstd},
		{CompressPayloadData | CompressionStreamLZ4, FormatStream, compress.TagLZ4},
	}
	for _, test := range tests {
		format, tag := test.modes.PacketFormat()
		if format != test.wantFormat || tag != test.wantTag {
			t.Errorf("%s: PacketFormat = %s/%s, want %s/%s", test.modes, format, tag, test.wantFormat, test.wantTag)
		}
	}
	if tag := (CompressMetadata | CompressionTSSC).EnvelopeTag(CompressMetadata); tag != compress.TagZstd {
		t.Errorf("metadata tag = %s, want zstd", tag)
	}
	if tag := CompressionTSSC.EnvelopeTag(CompressSignalIndexCache); tag != compress.TagNone {
		t.Errorf("cache tag without bit = %s, want none", tag)
	}
}
