// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/bureau-foundation/gep/lib/cipher"
	"github.com/bureau-foundation/gep/lib/compress"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/metadata"
	"github.com/bureau-foundation/gep/lib/secret"
	"github.com/bureau-foundation/gep/lib/signalindex"
)

// ErrMalformed reports a command or response payload that does not
// match its layout.
var ErrMalformed = errors.New("protocol: malformed payload")

func malformed(what string, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, what, fmt.Sprintf(format, args...))
}

// EncodeUint32 is the payload of DefineOperationalModes,
// ConfirmNotification and ConfirmBufferBlock.
func EncodeUint32(value uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, value)
}

// DecodeUint32 parses a four-byte payload.
func DecodeUint32(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, malformed("uint32", "%d bytes, want 4", len(payload))
	}
	return binary.BigEndian.Uint32(payload), nil
}

// EncodeProcessingInterval is the UpdateProcessingInterval payload:
// milliseconds, -1 for real time.
func EncodeProcessingInterval(milliseconds int32) []byte {
	return EncodeUint32(uint32(milliseconds))
}

// DecodeProcessingInterval parses an UpdateProcessingInterval payload.
func DecodeProcessingInterval(payload []byte) (int32, error) {
	value, err := DecodeUint32(payload)
	return int32(value), err
}

// SubscribeRequest is the Subscribe command payload.
type SubscribeRequest struct {
	Flags            DataPacketFlags
	ConnectionString string
}

// Encode renders [flags][uint32 length][connection string].
func (s SubscribeRequest) Encode() []byte {
	payload := make([]byte, 0, 5+len(s.ConnectionString))
	payload = append(payload, byte(s.Flags))
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(s.ConnectionString)))
	return append(payload, s.ConnectionString...)
}

// DecodeSubscribe parses a Subscribe payload.
func DecodeSubscribe(payload []byte) (SubscribeRequest, error) {
	if len(payload) < 5 {
		return SubscribeRequest{}, malformed("Subscribe", "%d bytes, want at least 5", len(payload))
	}
	length := binary.BigEndian.Uint32(payload[1:5])
	if uint64(length) != uint64(len(payload)-5) {
		return SubscribeRequest{}, malformed("Subscribe", "connection string length %d, %d bytes follow", length, len(payload)-5)
	}
	return SubscribeRequest{Flags: DataPacketFlags(payload[0]), ConnectionString: string(payload[5:])}, nil
}

// AuthenticateRequest is the Authenticate command payload.
type AuthenticateRequest struct {
	Acronym   string
	Challenge []byte
	MAC       []byte
}

// Encode renders [uint16 length][acronym][challenge][mac].
func (a AuthenticateRequest) Encode() []byte {
	payload := make([]byte, 0, 2+len(a.Acronym)+cipher.ChallengeSize+cipher.MACSize)
	payload = binary.BigEndian.AppendUint16(payload, uint16(len(a.Acronym)))
	payload = append(payload, a.Acronym...)
	payload = append(payload, a.Challenge...)
	return append(payload, a.MAC...)
}

// DecodeAuthenticate parses an Authenticate payload.
func DecodeAuthenticate(payload []byte) (AuthenticateRequest, error) {
	if len(payload) < 2 {
		return AuthenticateRequest{}, malformed("Authenticate", "%d bytes", len(payload))
	}
	length := int(binary.BigEndian.Uint16(payload))
	if length == 0 {
		return AuthenticateRequest{}, malformed("Authenticate", "empty acronym")
	}
	want := 2 + length + cipher.ChallengeSize + cipher.MACSize
	if len(payload) != want {
		return AuthenticateRequest{}, malformed("Authenticate", "%d bytes, want %d", len(payload), want)
	}
	rest := payload[2+length:]
	return AuthenticateRequest{
		Acronym:   string(payload[2 : 2+length]),
		Challenge: rest[:cipher.ChallengeSize],
		MAC:       rest[cipher.ChallengeSize:],
	}, nil
}

// EncodeSignalIndexCacheUpdate renders [cache slot][envelope of the
// cache wire form]. tag is TagNone unless CompressSignalIndexCache was
// negotiated.
func EncodeSignalIndexCacheUpdate(slot int, cache *signalindex.Cache, tag compress.Tag) ([]byte, error) {
	if slot != 0 && slot != 1 {
		return nil, fmt.Errorf("cache slot %d out of range", slot)
	}
	wire, err := cache.MarshalBinary()
	if err != nil {
		return nil, err
	}
	envelope, err := compress.Encode(wire, tag)
	if err != nil {
		return nil, fmt.Errorf("compressing signal index cache: %w", err)
	}
	return append([]byte{byte(slot)}, envelope...), nil
}

// DecodeSignalIndexCacheUpdate parses an UpdateSignalIndexCache payload.
func DecodeSignalIndexCacheUpdate(payload []byte) (int, *signalindex.Cache, error) {
	if len(payload) < 1 {
		return 0, nil, malformed("UpdateSignalIndexCache", "empty payload")
	}
	slot := int(payload[0])
	if slot > 1 {
		return 0, nil, malformed("UpdateSignalIndexCache", "cache slot %d", slot)
	}
	wire, err := compress.Decode(payload[1:])
	if err != nil {
		return 0, nil, fmt.Errorf("UpdateSignalIndexCache: %w", err)
	}
	cache, err := signalindex.Unmarshal(wire)
	if err != nil {
		return 0, nil, fmt.Errorf("UpdateSignalIndexCache: %w", err)
	}
	return slot, cache, nil
}

// EncodeCipherKeys renders [active index][key block sealed to the
// subscriber's pre-shared key]. The active index is read from the
// sealed block so the two always agree.
func EncodeCipherKeys(keys *cipher.KeySet, preSharedKey *secret.Buffer) ([]byte, error) {
	block, err := keys.SealKeyBlock(preSharedKey)
	if err != nil {
		return nil, fmt.Errorf("sealing cipher keys: %w", err)
	}
	return append([]byte{block[1]}, block...), nil
}

// DecodeCipherKeys opens an UpdateCipherKeys payload.
func DecodeCipherKeys(payload []byte, preSharedKey *secret.Buffer) (*cipher.KeySet, error) {
	if len(payload) < 3 {
		return nil, malformed("UpdateCipherKeys", "%d bytes", len(payload))
	}
	if payload[0] != payload[2] {
		return nil, malformed("UpdateCipherKeys", "active index %d disagrees with key block", payload[0])
	}
	keys, err := cipher.OpenKeyBlock(preSharedKey, payload[1:])
	if err != nil {
		return nil, fmt.Errorf("UpdateCipherKeys: %w", err)
	}
	return keys, nil
}

// NotificationHash identifies a notification in Notify and
// ConfirmNotification: the low 32 bits of its xxhash64.
func NotificationHash(message string) uint32 {
	return uint32(xxhash.Sum64String(message))
}

// EncodeNotify renders [uint32 hash][message].
func EncodeNotify(message string) []byte {
	payload := binary.BigEndian.AppendUint32(make([]byte, 0, 4+len(message)), NotificationHash(message))
	return append(payload, message...)
}

// DecodeNotify parses a Notify payload and verifies its hash.
func DecodeNotify(payload []byte) (uint32, string, error) {
	if len(payload) < 4 {
		return 0, "", malformed("Notify", "%d bytes", len(payload))
	}
	hash := binary.BigEndian.Uint32(payload)
	message := string(payload[4:])
	if NotificationHash(message) != hash {
		return 0, "", malformed("Notify", "hash %08x does not match message", hash)
	}
	return hash, message, nil
}

// BufferBlockPayload is a BufferBlock response: an opaque buffer
// addressed to one signal.
type BufferBlockPayload struct {
	Sequence uint32
	Index    uint16
	Data     []byte
}

// Encode renders [uint32 sequence][uint16 index][data].
func (b BufferBlockPayload) Encode() []byte {
	payload := make([]byte, 0, 6+len(b.Data))
	payload = binary.BigEndian.AppendUint32(payload, b.Sequence)
	payload = binary.BigEndian.AppendUint16(payload, b.Index)
	return append(payload, b.Data...)
}

// DecodeBufferBlock parses a BufferBlock payload.
func DecodeBufferBlock(payload []byte) (BufferBlockPayload, error) {
	if len(payload) < 6 {
		return BufferBlockPayload{}, malformed("BufferBlock", "%d bytes", len(payload))
	}
	return BufferBlockPayload{
		Sequence: binary.BigEndian.Uint32(payload),
		Index:    binary.BigEndian.Uint16(payload[4:]),
		Data:     payload[6:],
	}, nil
}

// EncodeTicks is the DataStartTime payload.
func EncodeTicks(ticks measurement.Ticks) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(ticks))
}

// DecodeTicks parses a DataStartTime payload.
func DecodeTicks(payload []byte) (measurement.Ticks, error) {
	if len(payload) != 8 {
		return 0, malformed("DataStartTime", "%d bytes, want 8", len(payload))
	}
	return measurement.Ticks(binary.BigEndian.Uint64(payload)), nil
}

// EncodeMetadata renders a MetaDataRefresh response: an envelope of
// the document's CBOR form.
func EncodeMetadata(document *metadata.Document, tag compress.Tag) ([]byte, error) {
	encoded, err := document.Encode()
	if err != nil {
		return nil, err
	}
	envelope, err := compress.Encode(encoded, tag)
	if err != nil {
		return nil, fmt.Errorf("compressing metadata: %w", err)
	}
	return envelope, nil
}

// DecodeMetadata parses a MetaDataRefresh response payload.
func DecodeMetadata(payload []byte) (*metadata.Document, error) {
	encoded, err := compress.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	return metadata.Decode(encoded)
}
