// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/bureau-foundation/gep/lib/cipher"
	"github.com/bureau-foundation/gep/lib/compress"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/tssc"
)

// MaxDataPacketSize bounds the unsealed size of one DataPacket
// payload. Larger batches are split across packets.
const MaxDataPacketSize = 32 * 1024

// tsscVersion leads every TSSC record region. It cannot collide with
// a compress envelope tag.
const tsscVersion = 0x55

const tsscHeaderLength = 3

// minTSSCRecordBits is the shortest encoded tuple: a recent-table hit
// (7 bits) with unchanged timestamp (2), quality (1) and value (1).
const minTSSCRecordBits = 11

// Record is one measurement as a data packet carries it: the signal
// index of the subscription's cache instead of the signal ID, and a
// float32 value.
type Record struct {
	Index     uint16
	Timestamp measurement.Ticks
	Flags     measurement.StateFlags
	Value     float32
}

// Format selects how the records of a packet are encoded.
type Format int

const (
	// FormatRaw writes fixed-size records.
	FormatRaw Format = iota
	// FormatTSSC writes a TSSC block.
	FormatTSSC
	// FormatStream writes a compress envelope of raw records.
	FormatStream
)

func (f Format) String() string {
	switch f {
	case FormatRaw:
		return "raw"
	case FormatTSSC:
		return "tssc"
	case FormatStream:
		return "stream"
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// PacketOptions describes the packets of one subscription.
type PacketOptions struct {
	Format    Format
	StreamTag compress.Tag

	// Compact selects 7-byte compact raw records. Ignored for TSSC.
	Compact bool

	// IncludeTime adds per-record time to compact records.
	// Unsynchronized full records always carry time; synchronized
	// records never do.
	IncludeTime bool

	Synchronized   bool
	FrameTimestamp measurement.Ticks

	CacheSlot int
}

func (o PacketOptions) flags() DataPacketFlags {
	var flags DataPacketFlags
	if o.Synchronized {
		flags |= Synchronized
	}
	if o.Compact && o.Format != FormatTSSC {
		flags |= Compact
	}
	if o.Format != FormatRaw {
		flags |= Compressed
	}
	if o.CacheSlot == 1 {
		flags |= CacheIndex
	}
	return flags
}

func headerLength(flags DataPacketFlags) int {
	if flags.Has(Synchronized) {
		return 1 + 8 + 4
	}
	return 1 + 4
}

func recordHasTime(flags DataPacketFlags, includeTime bool) bool {
	if flags.Has(Synchronized) {
		return false
	}
	return !flags.Has(Compact) || includeTime
}

func recordSize(flags DataPacketFlags, includeTime bool) int {
	size := 2 + 4 + 4
	if flags.Has(Compact) {
		size = 2 + 1 + 4
	}
	if recordHasTime(flags, includeTime) {
		size += 8
	}
	return size
}

// PacketEncoder builds DataPacket payloads. It owns a TSSC encoder and
// the TSSC packet sequence of one subscription; it is not safe for
// concurrent use.
type PacketEncoder struct {
	tssc     *tssc.Encoder
	sequence uint16
}

// NewPacketEncoder returns an encoder with sequence zero.
func NewPacketEncoder() *PacketEncoder {
	return &PacketEncoder{tssc: tssc.NewEncoder(MaxDataPacketSize - 1 - 8 - 4 - tsscHeaderLength)}
}

// Reset restarts the TSSC sequence for a new subscription.
func (e *PacketEncoder) Reset() {
	e.tssc.Reset()
	e.sequence = 0
}

// Encode returns the DataPacket payloads carrying records, splitting
// at MaxDataPacketSize. An empty batch yields no packets.
func (e *PacketEncoder) Encode(records []Record, options PacketOptions) ([][]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}
	flags := options.flags()
	switch options.Format {
	case FormatTSSC:
		return e.encodeTSSC(records, flags, options)
	case FormatRaw, FormatStream:
		return encodeRaw(records, flags, options)
	}
	return nil, fmt.Errorf("unknown packet format %d", options.Format)
}

func appendHeader(dst []byte, flags DataPacketFlags, options PacketOptions, count int) []byte {
	dst = append(dst, byte(flags))
	if flags.Has(Synchronized) {
		dst = binary.BigEndian.AppendUint64(dst, uint64(options.FrameTimestamp))
	}
	return binary.BigEndian.AppendUint32(dst, uint32(count))
}

func (e *PacketEncoder) encodeTSSC(records []Record, flags DataPacketFlags, options PacketOptions) ([][]byte, error) {
	var packets [][]byte
	flush := func() {
		count := e.tssc.Count()
		length := e.tssc.FinishBlock()
		packet := make([]byte, 0, headerLength(flags)+tsscHeaderLength+length)
		packet = appendHeader(packet, flags, options, count)
		packet = append(packet, tsscVersion)
		packet = binary.BigEndian.AppendUint16(packet, e.sequence)
		packet = append(packet, e.tssc.Bytes()[:length]...)
		packets = append(packets, packet)
		e.sequence++
		e.tssc.Reset()
	}

	e.tssc.Reset()
	for position := 0; position < len(records); {
		record := records[position]
		timestamp := record.Timestamp
		if flags.Has(Synchronized) {
			timestamp = options.FrameTimestamp
		}
		if e.tssc.TryAddMeasurement(record.Index, int64(timestamp), uint32(record.Flags), record.Value) {
			position++
			continue
		}
		if e.tssc.Count() == 0 {
			return nil, fmt.Errorf("tssc block capacity %d cannot hold one measurement", e.tssc.Capacity())
		}
		flush()
	}
	if e.tssc.Count() > 0 {
		flush()
	}
	return packets, nil
}

func encodeRaw(records []Record, flags DataPacketFlags, options PacketOptions) ([][]byte, error) {
	size := recordSize(flags, options.IncludeTime)
	perPacket := (MaxDataPacketSize - headerLength(flags) - 5) / size
	hasTime := recordHasTime(flags, options.IncludeTime)

	var packets [][]byte
	for start := 0; start < len(records); start += perPacket {
		chunk := records[start:min(start+perPacket, len(records))]
		region := make([]byte, 0, len(chunk)*size)
		for _, record := range chunk {
			region = binary.BigEndian.AppendUint16(region, record.Index)
			if flags.Has(Compact) {
				region = append(region, byte(record.Flags.Compact()))
			} else {
				region = binary.BigEndian.AppendUint32(region, uint32(record.Flags))
			}
			region = binary.BigEndian.AppendUint32(region, math.Float32bits(record.Value))
			if hasTime {
				region = binary.BigEndian.AppendUint64(region, uint64(record.Timestamp))
			}
		}
		if options.Format == FormatStream {
			envelope, err := compress.Encode(region, options.StreamTag)
			if err != nil {
				return nil, fmt.Errorf("compressing data packet: %w", err)
			}
			region = envelope
		}
		packet := appendHeader(make([]byte, 0, headerLength(flags)+len(region)), flags, options, len(chunk))
		packets = append(packets, append(packet, region...))
	}
	return packets, nil
}

// SealDataPacket encrypts the body of payload with the active key of
// keys, leaving the flags byte in the clear with CipherIndex naming
// the key. The flags (minus CipherIndex) are authenticated.
func SealDataPacket(payload []byte, keys *cipher.KeySet) ([]byte, error) {
	if len(payload) < 1 {
		return nil, malformed("DataPacket", "empty payload")
	}
	flags := DataPacketFlags(payload[0]) &^ CipherIndex
	index, sealed, err := keys.Seal(payload[1:], []byte{byte(flags)})
	if err != nil {
		return nil, err
	}
	if index == 1 {
		flags |= CipherIndex
	}
	return append([]byte{byte(flags)}, sealed...), nil
}

// OpenDataPacket reverses SealDataPacket.
func OpenDataPacket(payload []byte, keys *cipher.KeySet) ([]byte, error) {
	if len(payload) < 1 {
		return nil, malformed("DataPacket", "empty payload")
	}
	flags := DataPacketFlags(payload[0])
	body, err := keys.Open(flags.KeyIndex(), payload[1:], []byte{byte(flags &^ CipherIndex)})
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(flags)}, body...), nil
}

// DecodedPacket is a parsed DataPacket.
type DecodedPacket struct {
	Flags          DataPacketFlags
	FrameTimestamp measurement.Ticks
	Records        []Record

	// SequenceGap counts TSSC packets missing before this one.
	SequenceGap int
}

// PacketDecoder parses DataPacket payloads for one subscription. It
// is not safe for concurrent use.
type PacketDecoder struct {
	tssc         *tssc.Decoder
	nextSequence uint16
	haveSequence bool
}

// NewPacketDecoder returns a decoder expecting any first sequence.
func NewPacketDecoder() *PacketDecoder {
	return &PacketDecoder{tssc: tssc.NewDecoder()}
}

// Reset forgets the TSSC sequence. Called when a new signal index
// cache arrives.
func (d *PacketDecoder) Reset() {
	d.haveSequence = false
	d.nextSequence = 0
}

// Decode parses an unsealed payload. includeTime must match the
// subscription's includeTime setting. TSSC corruption is reported
// wrapping tssc.ErrCorrupt.
func (d *PacketDecoder) Decode(payload []byte, includeTime bool) (DecodedPacket, error) {
	if len(payload) < 1 {
		return DecodedPacket{}, malformed("DataPacket", "empty payload")
	}
	packet := DecodedPacket{Flags: DataPacketFlags(payload[0])}
	if len(payload) < headerLength(packet.Flags) {
		return DecodedPacket{}, malformed("DataPacket", "%d bytes, header needs %d", len(payload), headerLength(packet.Flags))
	}
	position := 1
	if packet.Flags.Has(Synchronized) {
		packet.FrameTimestamp = measurement.Ticks(binary.BigEndian.Uint64(payload[position:]))
		position += 8
	}
	count := int(binary.BigEndian.Uint32(payload[position:]))
	position += 4
	region := payload[position:]

	var err error
	switch {
	case packet.Flags.Has(Compressed) && len(region) > 0 && region[0] == tsscVersion:
		packet.Records, packet.SequenceGap, err = d.decodeTSSC(region, count, packet)
	case packet.Flags.Has(Compressed):
		region, err = compress.Decode(region)
		if err != nil {
			return DecodedPacket{}, fmt.Errorf("DataPacket: %w", err)
		}
		packet.Records, err = decodeRaw(region, count, packet, includeTime)
	default:
		packet.Records, err = decodeRaw(region, count, packet, includeTime)
	}
	if err != nil {
		return DecodedPacket{}, err
	}
	return packet, nil
}

func (d *PacketDecoder) decodeTSSC(region []byte, count int, packet DecodedPacket) ([]Record, int, error) {
	if len(region) < tsscHeaderLength {
		return nil, 0, fmt.Errorf("%w: packet header truncated", tssc.ErrCorrupt)
	}
	sequence := binary.BigEndian.Uint16(region[1:])
	gap := 0
	if d.haveSequence && sequence != d.nextSequence {
		gap = int(sequence - d.nextSequence)
	}
	d.haveSequence = true
	d.nextSequence = sequence + 1

	block := region[tsscHeaderLength:]
	if count > len(block)*8/minTSSCRecordBits {
		return nil, gap, fmt.Errorf("%w: header declares %d records in a %d byte block", tssc.ErrCorrupt, count, len(block))
	}
	d.tssc.Reset(block)
	records := make([]Record, 0, count)
	for {
		point, ok, err := d.tssc.TryGetMeasurement()
		if err != nil {
			return nil, gap, err
		}
		if !ok {
			break
		}
		if len(records) == count {
			return nil, gap, fmt.Errorf("%w: block holds more than the declared %d records", tssc.ErrCorrupt, count)
		}
		records = append(records, Record{
			Index:     point.Index,
			Timestamp: measurement.Ticks(point.Timestamp),
			Flags:     measurement.StateFlags(point.Quality),
			Value:     point.Value,
		})
	}
	if len(records) != count {
		return nil, gap, fmt.Errorf("%w: block holds %d records, header declares %d", tssc.ErrCorrupt, len(records), count)
	}
	return records, gap, nil
}

func decodeRaw(region []byte, count int, packet DecodedPacket, includeTime bool) ([]Record, error) {
	size := recordSize(packet.Flags, includeTime)
	if len(region) != count*size {
		return nil, malformed("DataPacket", "%d record bytes for %d records of %d bytes", len(region), count, size)
	}
	hasTime := recordHasTime(packet.Flags, includeTime)
	records := make([]Record, count)
	for i := range records {
		record := &records[i]
		record.Index = binary.BigEndian.Uint16(region)
		region = region[2:]
		if packet.Flags.Has(Compact) {
			record.Flags = measurement.CompactFlags(region[0]).Expand()
			region = region[1:]
		} else {
			record.Flags = measurement.StateFlags(binary.BigEndian.Uint32(region))
			region = region[4:]
		}
		record.Value = math.Float32frombits(binary.BigEndian.Uint32(region))
		region = region[4:]
		if hasTime {
			record.Timestamp = measurement.Ticks(binary.BigEndian.Uint64(region))
			region = region[8:]
		} else {
			record.Timestamp = packet.FrameTimestamp
		}
	}
	return records, nil
}

// IsCorrupt reports whether err is a TSSC corruption the subscriber
// recovers from by resubscribing.
func IsCorrupt(err error) bool { return errors.Is(err, tssc.ErrCorrupt) }

// PacketFormat returns the data packet format and stream compressor
// the modes negotiate.
func (m OperationalModes) PacketFormat() (Format, compress.Tag) {
	if !m.Has(CompressPayloadData) {
		return FormatRaw, compress.TagNone
	}
	switch {
	case m.Has(CompressionTSSC):
		return FormatTSSC, compress.TagNone
	case m.Has(CompressionStreamLZ4):
		return FormatStream, compress.TagLZ4
	case m.Has(CompressionStream):
		return FormatStream, compress.TagZstd
	}
	return FormatRaw, compress.TagNone
}

// EnvelopeTag returns the compressor for an envelope guarded by bit:
// CompressMetadata or CompressSignalIndexCache. StreamLZ4 selects lz4,
// anything else zstd.
func (m OperationalModes) EnvelopeTag(bit OperationalModes) compress.Tag {
	if !m.Has(bit) {
		return compress.TagNone
	}
	if m.Has(CompressionStreamLZ4) {
		return compress.TagLZ4
	}
	return compress.TagZstd
}
