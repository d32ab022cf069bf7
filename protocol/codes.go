// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the Gateway Exchange Protocol wire format:
// command and response codes, operational modes, data-packet flags,
// the frame codec and the payload codecs both sides share.
//
// Subscribers send command frames:
//
//	[command byte] [uint32 payload length] [payload]
//
// Publishers send response frames:
//
//	[response byte] [in-response-to command byte] [uint32 payload length] [payload]
//
// All integers are big-endian.
package protocol

import "fmt"

// CommandCode identifies a subscriber-to-publisher command.
type CommandCode byte

const (
	Authenticate             CommandCode = 0x00
	MetaDataRefresh          CommandCode = 0x01
	Subscribe                CommandCode = 0x02
	Unsubscribe              CommandCode = 0x03
	RotateCipherKeys         CommandCode = 0x04
	UpdateProcessingInterval CommandCode = 0x05
	DefineOperationalModes   CommandCode = 0x06
	ConfirmNotification      CommandCode = 0x07
	ConfirmBufferBlock       CommandCode = 0x08

	// UserCommand00 through UserCommand15 (0xD0-0xDF) carry
	// application-defined payloads to a UserCommandHandler.
	UserCommand00 CommandCode = 0xD0
	UserCommand15 CommandCode = 0xDF
)

// IsUserCommand reports whether c is in the user command range.
func (c CommandCode) IsUserCommand() bool {
	return c >= UserCommand00 && c <= UserCommand15
}

// UserCommand returns the command code for user command n (0-15).
func UserCommand(n int) (CommandCode, error) {
	if n < 0 || n > 15 {
		return 0, fmt.Errorf("user command %d out of range 0-15", n)
	}
	return UserCommand00 + CommandCode(n), nil
}

func (c CommandCode) String() string {
	switch c {
	case Authenticate:
		return "Authenticate"
	case MetaDataRefresh:
		return "MetaDataRefresh"
	case Subscribe:
		return "Subscribe"
	case Unsubscribe:
		return "Unsubscribe"
	case RotateCipherKeys:
		return "RotateCipherKeys"
	case UpdateProcessingInterval:
		return "UpdateProcessingInterval"
	case DefineOperationalModes:
		return "DefineOperationalModes"
	case ConfirmNotification:
		return "ConfirmNotification"
	case ConfirmBufferBlock:
		return "ConfirmBufferBlock"
	}
	if c.IsUserCommand() {
		return fmt.Sprintf("UserCommand%02d", byte(c-UserCommand00))
	}
	return fmt.Sprintf("Command(0x%02X)", byte(c))
}

// ResponseCode identifies a publisher-to-subscriber response.
type ResponseCode byte

const (
	Succeeded              ResponseCode = 0x80
	Failed                 ResponseCode = 0x81
	DataPacket             ResponseCode = 0x82
	UpdateSignalIndexCache ResponseCode = 0x83
	UpdateBaseTimes        ResponseCode = 0x84
	UpdateCipherKeys       ResponseCode = 0x85
	DataStartTime          ResponseCode = 0x86
	ProcessingComplete     ResponseCode = 0x87
	BufferBlock            ResponseCode = 0x88
	Notify                 ResponseCode = 0x89
	MetaDataRequest        ResponseCode = 0x8A

	UserResponse00 ResponseCode = 0xE0
	UserResponse15 ResponseCode = 0xEF

	// NoOP is a keepalive with no payload.
	NoOP ResponseCode = 0xFF
)

// IsUserResponse reports whether r is in the user response range.
func (r ResponseCode) IsUserResponse() bool {
	return r >= UserResponse00 && r <= UserResponse15
}

func (r ResponseCode) String() string {
	switch r {
	case Succeeded:
		return "Succeeded"
	case Failed:
		return "Failed"
	case DataPacket:
		return "DataPacket"
	case UpdateSignalIndexCache:
		return "UpdateSignalIndexCache"
	case UpdateBaseTimes:
		return "UpdateBaseTimes"
	case UpdateCipherKeys:
		return "UpdateCipherKeys"
	case DataStartTime:
		return "DataStartTime"
	case ProcessingComplete:
		return "ProcessingComplete"
	case BufferBlock:
		return "BufferBlock"
	case Notify:
		return "Notify"
	case MetaDataRequest:
		return "MetaDataRequest"
	case NoOP:
		return "NoOP"
	}
	if r.IsUserResponse() {
		return fmt.Sprintf("UserResponse%02d", byte(r-UserResponse00))
	}
	return fmt.Sprintf("Response(0x%02X)", byte(r))
}

// DataPacketFlags is the first byte of every DataPacket payload.
type DataPacketFlags byte

const (
	// Synchronized packets carry one frame timestamp and no
	// per-record time.
	Synchronized DataPacketFlags = 1 << 0

	// Compact raw records carry 8-bit compact state flags.
	Compact DataPacketFlags = 1 << 1

	// CipherIndex selects key 1 of the cipher key pair; clear means
	// key 0. Meaningful only when cipher keys are active.
	CipherIndex DataPacketFlags = 1 << 2

	// Compressed packets carry a TSSC block or a compressed envelope
	// instead of raw records.
	Compressed DataPacketFlags = 1 << 3

	// CacheIndex names the signal index cache generation (0 or 1)
	// the packet's indices resolve against.
	CacheIndex DataPacketFlags = 1 << 4
)

// Has reports whether every bit of flag is set.
func (f DataPacketFlags) Has(flag DataPacketFlags) bool { return f&flag == flag }

// CacheSlot returns the cache generation slot the packet references.
func (f DataPacketFlags) CacheSlot() int {
	if f.Has(CacheIndex) {
		return 1
	}
	return 0
}

// KeyIndex returns the cipher key index the packet was sealed with.
func (f DataPacketFlags) KeyIndex() int {
	if f.Has(CipherIndex) {
		return 1
	}
	return 0
}

// OperationalModes is the uint32 negotiated by DefineOperationalModes.
type OperationalModes uint32

const (
	VersionMask OperationalModes = 0x1F

	CompressionModeMask OperationalModes = 0xE0
	// CompressionStream selects zstd stream compression of raw records.
	CompressionStream OperationalModes = 1 << 5
	// CompressionTSSC selects the TSSC codec.
	CompressionTSSC OperationalModes = 1 << 6
	// CompressionStreamLZ4 selects LZ4 stream compression of raw records.
	CompressionStreamLZ4 OperationalModes = 1 << 7

	// EncodingMask selects the string encoding. Only UTF-8 (zero) is
	// supported.
	EncodingMask OperationalModes = 0x300

	UseCommonSerializationFormat OperationalModes = 1 << 24
	ReceiveExternalMetadata      OperationalModes = 1 << 25
	ReceiveInternalMetadata      OperationalModes = 1 << 26
	CompressPayloadData          OperationalModes = 1 << 29
	CompressSignalIndexCache     OperationalModes = 1 << 30
	CompressMetadata             OperationalModes = 1 << 31
)

// Has reports whether every bit of mode is set.
func (m OperationalModes) Has(mode OperationalModes) bool { return m&mode == mode }

// Version returns the protocol version bits.
func (m OperationalModes) Version() int { return int(m & VersionMask) }

// Encoding returns the encoding bits. Zero is UTF-8.
func (m OperationalModes) Encoding() int { return int(m&EncodingMask) >> 8 }

func (m OperationalModes) String() string {
	names := ""
	add := func(name string) {
		if names != "" {
			names += "|"
		}
		names += name
	}
	for _, mode := range []struct {
		bit  OperationalModes
		name string
	}{
		{CompressionStream, "Stream"},
		{CompressionTSSC, "TSSC"},
		{CompressionStreamLZ4, "StreamLZ4"},
		{UseCommonSerializationFormat, "CommonSerialization"},
		{ReceiveExternalMetadata, "ExternalMetadata"},
		{ReceiveInternalMetadata, "InternalMetadata"},
		{CompressPayloadData, "CompressPayload"},
		{CompressSignalIndexCache, "CompressCache"},
		{CompressMetadata, "CompressMetadata"},
	} {
		if m.Has(mode.bit) {
			add(mode.name)
		}
	}
	if version := m.Version(); version != 0 {
		add(fmt.Sprintf("v%d", version))
	}
	if names == "" {
		return "none"
	}
	return names
}
