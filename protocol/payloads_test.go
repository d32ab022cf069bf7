// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/bureau-foundation/gep/lib/cipher"
	"github.com/bureau-foundation/gep/lib/compress"
	"github.com/bureau-foundation/gep/lib/measurement"
	"github.com/bureau-foundation/gep/lib/metadata"
	"github.com/bureau-foundation/gep/lib/secret"
	"github.com/bureau-foundation/gep/lib/signalindex"
)

func TestSubscribePayload(t *testing.T) {
	t.Parallel()
	request := SubscribeRequest{Flags: Synchronized | Compact, ConnectionString: "inputMeasurementKeys={PPA:1;PPA:2}; includeTime=false"}
	decoded, err := DecodeSubscribe(request.Encode())
	if err != nil {
		t.Fatalf("DecodeSubscribe: %v", err)
	}
	if decoded != request {
		t.Errorf("DecodeSubscribe = %+v, want %+v", decoded, request)
	}

	for _, payload := range [][]byte{nil, {0, 0, 0, 0}, {0, 0, 0, 0, 9, 'x'}} {
		if _, err := DecodeSubscribe(payload); !errors.Is(err, ErrMalformed) {
			t.Errorf("DecodeSubscribe(%v) = %v, want ErrMalformed", payload, err)
		}
	}
}

func TestAuthenticatePayload(t *testing.T) {
	t.Parallel()
	challenge := bytes.Repeat([]byte{7}, cipher.ChallengeSize)
	mac := bytes.Repeat([]byte{9}, cipher.MACSize)
	request := AuthenticateRequest{Acronym: "SHELBY", Challenge: challenge, MAC: mac}

	decoded, err := DecodeAuthenticate(request.Encode())
	if err != nil {
		t.Fatalf("DecodeAuthenticate: %v", err)
	}
	if decoded.Acronym != "SHELBY" || !bytes.Equal(decoded.Challenge, challenge) || !bytes.Equal(decoded.MAC, mac) {
		t.Errorf("DecodeAuthenticate = %+v", decoded)
	}

	short := request.Encode()
	if _, err := DecodeAuthenticate(short[:len(short)-1]); !errors.Is(err, ErrMalformed) {
		t.Errorf("short payload = %v, want ErrMalformed", err)
	}
	empty := AuthenticateRequest{Challenge: challenge, MAC: mac}.Encode()
	if _, err := DecodeAuthenticate(empty); !errors.Is(err, ErrMalformed) {
		t.Errorf("empty acronym = %v, want ErrMalformed", err)
	}
}

func TestSignalIndexCacheUpdate(t *testing.T) {
	t.Parallel()
	keys := make([]measurement.Key, 200)
	for i := range keys {
		keys[i] = measurement.Key{SignalID: uuid.New(), Source: "PPA", ID: uint32(i + 1)}
	}
	cache, err := signalindex.New(keys)
	if err != nil {
		t.Fatalf("signalindex.New: %v", err)
	}

	for _, tag := range []compress.Tag{compress.TagNone, compress.TagZstd} {
		payload, err := EncodeSignalIndexCacheUpdate(1, cache, tag)
		if err != nil {
			t.Fatalf("EncodeSignalIndexCacheUpdate: %v", err)
		}
		slot, decoded, err := DecodeSignalIndexCacheUpdate(payload)
		if err != nil {
			t.Fatalf("DecodeSignalIndexCacheUpdate: %v", err)
		}
		if slot != 1 || decoded.Len() != cache.Len() {
			t.Errorf("%s: slot %d with %d entries, want slot 1 with %d", tag, slot, decoded.Len(), cache.Len())
		}
		for index, key := range cache.Keys() {
			got, _ := decoded.Lookup(uint16(index))
			if got != key {
				t.Fatalf("%s: index %d = %v, want %v", tag, index, got, key)
			}
		}
	}

	if _, err := EncodeSignalIndexCacheUpdate(2, cache, compress.TagNone); err == nil {
		t.Error("slot 2 accepted")
	}
	if _, _, err := DecodeSignalIndexCacheUpdate([]byte{5}); !errors.Is(err, ErrMalformed) {
		t.Errorf("slot 5 = %v, want ErrMalformed", err)
	}
}

func TestCipherKeysPayload(t *testing.T) {
	t.Parallel()
	psk, err := secret.NewFromBytes([]byte("subscriber pre-shared key"))
	if err != nil {
		t.Fatalf("secret.NewFromBytes: %v", err)
	}
	t.Cleanup(func() { psk.Close() })

	keys, err := cipher.NewKeySet()
	if err != nil {
		t.Fatalf("NewKeySet: %v", err)
	}
	t.Cleanup(func() { keys.Close() })
	if err := keys.Rotate(); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	payload, err := EncodeCipherKeys(keys, psk)
	if err != nil {
		t.Fatalf("EncodeCipherKeys: %v", err)
	}
	if payload[0] != 1 {
		t.Errorf("active index byte = %d, want 1", payload[0])
	}
	received, err := DecodeCipherKeys(payload, psk)
	if err != nil {
		t.Fatalf("DecodeCipherKeys: %v", err)
	}
	t.Cleanup(func() { received.Close() })

	packets, _ := NewPacketEncoder().Encode(sampleRecords(5), PacketOptions{})
	sealed, err := SealDataPacket(packets[0], keys)
	if err != nil {
		t.Fatalf("SealDataPacket: %v", err)
	}
	if _, err := OpenDataPacket(sealed, received); err != nil {
		t.Errorf("subscriber keys cannot open publisher packet: %v", err)
	}

	mismatched := append([]byte(nil), payload...)
	mismatched[0] = 0
	if _, err := DecodeCipherKeys(mismatched, psk); !errors.Is(err, ErrMalformed) {
		t.Errorf("mismatched active index = %v, want ErrMalformed", err)
	}
}

func TestNotifyPayload(t *testing.T) {
	t.Parallel()
	payload := EncodeNotify("configuration reloaded")
	hash, message, err := DecodeNotify(payload)
	if err != nil {
		t.Fatalf("DecodeNotify: %v", err)
	}
	if message != "configuration reloaded" || hash != NotificationHash(message) {
		t.Errorf("DecodeNotify = %08x %q", hash, message)
	}
	payload[len(payload)-1] ^= 1
	if _, _, err := DecodeNotify(payload); !errors.Is(err, ErrMalformed) {
		t.Errorf("altered message = %v, want ErrMalformed", err)
	}
}

func TestSmallPayloads(t *testing.T) {
	t.Parallel()

	block := BufferBlockPayload{Sequence: 42, Index: 7, Data: []byte("event record")}
	decodedBlock, err := DecodeBufferBlock(block.Encode())
	if err != nil {
		t.Fatalf("DecodeBufferBlock: %v", err)
	}
	if decodedBlock.Sequence != 42 || decodedBlock.Index != 7 || string(decodedBlock.Data) != "event record" {
		t.Errorf("DecodeBufferBlock = %+v", decodedBlock)
	}

	ticks, err := DecodeTicks(EncodeTicks(baseTicks))
	if err != nil || ticks != baseTicks {
		t.Errorf("DecodeTicks = %d, %v", ticks, err)
	}

	interval, err := DecodeProcessingInterval(EncodeProcessingInterval(-1))
	if err != nil || interval != -1 {
		t.Errorf("DecodeProcessingInterval = %d, %v", interval, err)
	}

	if _, err := DecodeUint32([]byte{1, 2, 3}); !errors.Is(err, ErrMalformed) {
		t.Errorf("DecodeUint32 short = %v, want ErrMalformed", err)
	}
}

func TestMetadataPayload(t *testing.T) {
	t.Parallel()
	records := []metadata.Record{
		{SignalID: uuid.New(), Source: "PPA", ID: 1, PointTag: "SHELBY:FREQ", SignalType: "FREQ", Enabled: true},
		{SignalID: uuid.New(), Source: "PPA", ID: 2, PointTag: "SHELBY:VPHM", SignalType: "VPHM", Enabled: true},
	}
	document, err := metadata.NewDocument(baseTicks, records)
	if err != nil {
		t.Fatalf("NewDocument: %v", err)
	}
	payload, err := EncodeMetadata(document, compress.TagZstd)
	if err != nil {
		t.Fatalf("EncodeMetadata: %v", err)
	}
	decoded, err := DecodeMetadata(payload)
	if err != nil {
		t.Fatalf("DecodeMetadata: %v", err)
	}
	if decoded.Len() != 2 || decoded.Timestamp != baseTicks {
		t.Errorf("decoded %d records at %d", decoded.Len(), decoded.Timestamp)
	}
	if record, ok := decoded.LookupTag("SHELBY:VPHM"); !ok || record.ID != 2 {
		t.Errorf("LookupTag = %+v, %v", record, ok)
	}
}
