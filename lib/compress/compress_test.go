// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	t.Parallel()
	compressible := bytes.Repeat([]byte("PPA:1 PPA:2 PPA:3 phasor magnitude; "), 200)
	random := make([]byte, 4096)
	rand.Read(random)

	tests := []struct {
		name    string
		data    []byte
		tag     Tag
		wantTag Tag
	}{
		{"zstd compressible", compressible, TagZstd, TagZstd},
		{"lz4 compressible", compressible, TagLZ4, TagLZ4},
		{"zstd random falls back", random, TagZstd, TagNone},
		{"lz4 random falls back", random, TagLZ4, TagNone},
		{"none", compressible, TagNone, TagNone},
		{"empty", nil, TagZstd, TagNone},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			envelope, err := Encode(test.data, test.tag)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			if Tag(envelope[0]) != test.wantTag {
				t.Errorf("envelope tag = %s, want %s", Tag(envelope[0]), test.wantTag)
			}
			if test.wantTag != TagNone && len(envelope) >= len(test.data) {
				t.Errorf("envelope %d bytes is not smaller than input %d", len(envelope), len(test.data))
			}
			decoded, err := Decode(envelope)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !bytes.Equal(decoded, test.data) {
				t.Fatal("round trip mismatch")
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	t.Parallel()
	valid, err := Encode(bytes.Repeat([]byte("abcd"), 100), TagLZ4)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	wrongLength := append([]byte(nil), valid...)
	wrongLength[4]++

	tests := map[string][]byte{
		"short header": {0, 0, 0},
		"unknown tag":  {9, 0, 0, 0, 0},
		"oversized":    {0, 0xFF, 0xFF, 0xFF, 0xFF},
		"none length":  {0, 0, 0, 0, 3, 'a'},
		"lz4 length":   wrongLength,
		"zstd garbage": {2, 0, 0, 0, 4, 1, 2, 3, 4},
	}
	for name, envelope := range tests {
		if _, err := Decode(envelope); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", name, err)
		}
	}
}

func TestParseTag(t *testing.T) {
	t.Parallel()
	for _, tag := range []Tag{TagNone, TagLZ4, TagZstd} {
		parsed, err := ParseTag(tag.String())
		if err != nil || parsed != tag {
			t.Errorf("ParseTag(%q) = %v, %v", tag.String(), parsed, err)
		}
	}
	if _, err := ParseTag("brotli"); err == nil {
		t.Error("ParseTag(brotli) succeeded")
	}
}
