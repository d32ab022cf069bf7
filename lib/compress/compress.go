// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress provides the generic stream compressors GEP uses
// for metadata documents, signal index caches, and data packets when
// TSSC is not negotiated.
//
// Compressed bytes travel in a self-describing envelope:
//
//	[tag: 1 byte] [uncompressed length: uint32 big-endian] [body]
//
// Data that does not shrink is sent with TagNone, so a receiver never
// has to guess whether a payload was compressed.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the algorithm in an envelope. Values are wire
// constants.
type Tag uint8

const (
	TagNone Tag = 0
	// TagLZ4 is LZ4 block compression: fast, modest ratio. Suited to
	// per-packet payloads on the hot path.
	TagLZ4 Tag = 1
	// TagZstd is zstd at the default level: better ratio for the text
	// heavy metadata document and index caches.
	TagZstd Tag = 2
)

// headerLength is the envelope header size.
const headerLength = 5

// MaxDecodedLength bounds the uncompressed size a receiver accepts,
// matching the frame payload limit.
const MaxDecodedLength = 16 * 1024 * 1024

// ErrMalformed reports an envelope that cannot be decoded.
var ErrMalformed = errors.New("compress: malformed envelope")

var errIncompressible = errors.New("compress: data is incompressible")

func (tag Tag) String() string {
	switch tag {
	case TagNone:
		return "none"
	case TagLZ4:
		return "lz4"
	case TagZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(tag))
	}
}

// ParseTag parses the configuration name of a tag.
func ParseTag(name string) (Tag, error) {
	switch name {
	case "none", "":
		return TagNone, nil
	case "lz4":
		return TagLZ4, nil
	case "zstd":
		return TagZstd, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecodedLength))
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// Encode compresses data with tag and wraps it in an envelope. If the
// data does not shrink, the envelope carries it uncompressed.
func Encode(data []byte, tag Tag) ([]byte, error) {
	if len(data) > MaxDecodedLength {
		return nil, fmt.Errorf("compress: %d bytes exceeds maximum %d", len(data), MaxDecodedLength)
	}
	body, err := compressBody(data, tag)
	if errors.Is(err, errIncompressible) {
		tag, body, err = TagNone, data, nil
	}
	if err != nil {
		return nil, err
	}
	envelope := make([]byte, headerLength, headerLength+len(body))
	envelope[0] = byte(tag)
	binary.BigEndian.PutUint32(envelope[1:headerLength], uint32(len(data)))
	return append(envelope, body...), nil
}

// Decode unwraps an envelope produced by Encode.
func Decode(envelope []byte) ([]byte, error) {
	if len(envelope) < headerLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(envelope))
	}
	tag := Tag(envelope[0])
	length := int(binary.BigEndian.Uint32(envelope[1:headerLength]))
	if length > MaxDecodedLength {
		return nil, fmt.Errorf("%w: declared length %d exceeds maximum", ErrMalformed, length)
	}
	body := envelope[headerLength:]

	var decoded []byte
	var err error
	switch tag {
	case TagNone:
		decoded = body
	case TagLZ4:
		decoded = make([]byte, length)
		var read int
		read, err = lz4.UncompressBlock(body, decoded)
		decoded = decoded[:max(read, 0)]
	case TagZstd:
		decoded, err = zstdDecoder.DecodeAll(body, make([]byte, 0, length))
	default:
		return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformed, tag)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, tag, err)
	}
	if len(decoded) != length {
		return nil, fmt.Errorf("%w: %s produced %d bytes, declared %d", ErrMalformed, tag, len(decoded), length)
	}
	return decoded, nil
}

func compressBody(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case TagNone:
		return data, nil
	case TagLZ4:
		destination := make([]byte, lz4.CompressBlockBound(len(data)))
		written, err := lz4.CompressBlock(data, destination, nil)
		if err != nil {
			return nil, fmt.Errorf("compress: lz4: %w", err)
		}
		if written == 0 || written >= len(data) {
			return nil, errIncompressible
		}
		return destination[:written], nil
	case TagZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil
	default:
		return nil, fmt.Errorf("compress: unsupported tag %d", tag)
	}
}
