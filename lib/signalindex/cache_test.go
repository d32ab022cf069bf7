// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package signalindex

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/bureau-foundation/gep/lib/measurement"
)

func testKeys(n int) []measurement.Key {
	keys := make([]measurement.Key, n)
	for i := range keys {
		keys[i] = measurement.Key{
			SignalID: uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("signal-%d", i))),
			Source:   "PPA",
			ID:       uint32(i + 1),
		}
	}
	return keys
}

func TestIndicesFollowInputOrder(t *testing.T) {
	t.Parallel()
	keys := testKeys(5)
	withDuplicate := append(append([]measurement.Key{}, keys...), keys[1])

	cache, err := New(withDuplicate)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cache.Len() != 5 {
		t.Fatalf("Len = %d, want 5", cache.Len())
	}
	for i, key := range keys {
		index, ok := cache.Index(key.SignalID)
		if !ok || index != uint16(i) {
			t.Errorf("Index(%s) = %d, %v, want %d", key, index, ok, i)
		}
		looked, ok := cache.Lookup(uint16(i))
		if !ok || looked != key {
			t.Errorf("Lookup(%d) = %v, want %v", i, looked, key)
		}
	}
	if _, ok := cache.Lookup(5); ok {
		t.Error("Lookup past the end succeeded")
	}
	if cache.Contains(uuid.New()) {
		t.Error("Contains returned true for an unknown signal")
	}
}

func TestRebuildIsIdempotent(t *testing.T) {
	t.Parallel()
	keys := testKeys(100)

	first, err := New(keys)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	second, err := New(keys)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	firstBytes, _ := first.MarshalBinary()
	secondBytes, _ := second.MarshalBinary()
	if string(firstBytes) != string(secondBytes) {
		t.Fatal("identical key lists produced different caches")
	}
}

func TestWireRoundTrip(t *testing.T) {
	t.Parallel()
	keys := testKeys(3)
	keys[2].Source = "SHELBY-Ω"

	cache, _ := New(keys)
	data, err := cache.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	decoded, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Len() != cache.Len() {
		t.Fatalf("decoded Len = %d, want %d", decoded.Len(), cache.Len())
	}
	for i, key := range keys {
		if got, _ := decoded.Lookup(uint16(i)); got != key {
			t.Errorf("entry %d = %v, want %v", i, got, key)
		}
		if index, _ := decoded.Index(key.SignalID); index != uint16(i) {
			t.Errorf("Index(%s) = %d, want %d", key, index, i)
		}
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	t.Parallel()
	cache, _ := New(testKeys(2))
	valid, _ := cache.MarshalBinary()

	duplicateIndex := append([]byte(nil), valid...)
	// Second entry starts after the count and the first entry; give it index 0.
	secondEntry := 4 + 2 + 16 + 4 + len("PPA") + 4
	duplicateIndex[secondEntry] = 0
	duplicateIndex[secondEntry+1] = 0

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", valid[:len(valid)-1]},
		{"trailing", append(append([]byte(nil), valid...), 0)},
		{"duplicate index", duplicateIndex},
		{"huge count", []byte{0xFF, 0xFF, 0xFF, 0xFF}},
	}
	for _, test := range tests {
		if _, err := Unmarshal(test.data); !errors.Is(err, ErrMalformed) {
			t.Errorf("%s: err = %v, want ErrMalformed", test.name, err)
		}
	}
}
