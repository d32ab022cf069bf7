// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package secret holds key material (subscriber pre-shared keys, data
// packet cipher keys, age identities) outside the Go heap.
//
// A Buffer is an anonymous mmap region that is mlocked against swap
// and excluded from core dumps. Close zeroes, unlocks and unmaps it;
// any access after Close panics.
package secret

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer is a fixed-size region of protected memory. Do not copy a
// Buffer after creation.
type Buffer struct {
	mu     sync.Mutex
	region []byte
	closed bool
}

// New allocates a zero-filled protected buffer of size bytes.
func New(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("secret: buffer size must be positive, got %d", size)
	}
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("secret: mmap: %w", err)
	}
	if err := unix.Mlock(region); err != nil {
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: mlock: %w", err)
	}
	if err := unix.Madvise(region, unix.MADV_DONTDUMP); err != nil {
		unix.Munlock(region)
		unix.Munmap(region)
		return nil, fmt.Errorf("secret: madvise(MADV_DONTDUMP): %w", err)
	}
	return &Buffer{region: region}, nil
}

// NewFromBytes moves source into protected memory and zeroes source.
func NewFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("secret: empty source")
	}
	buffer, err := New(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.region, source)
	Zero(source)
	return buffer, nil
}

// NewRandom allocates a buffer of size bytes filled from crypto/rand.
// Cipher keys are generated this way so they never touch the heap.
func NewRandom(size int) (*Buffer, error) {
	buffer, err := New(size)
	if err != nil {
		return nil, err
	}
	if _, err := rand.Read(buffer.region); err != nil {
		buffer.Close()
		return nil, fmt.Errorf("secret: reading random bytes: %w", err)
	}
	return buffer, nil
}

// Bytes returns the protected region. The slice is only valid until
// Close.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("secret: read from closed buffer")
	}
	return b.region
}

// String returns a heap copy of the contents, for APIs that only take
// strings (age identity parsing).
func (b *Buffer) String() string {
	return string(b.Bytes())
}

// Len returns the buffer size. Zero after Close.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.region)
}

// Equal compares the contents with other in constant time.
func (b *Buffer) Equal(other []byte) bool {
	return subtle.ConstantTimeCompare(b.Bytes(), other) == 1
}

// Close zeroes and releases the region. Idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	Zero(b.region)

	var firstErr error
	if err := unix.Munlock(b.region); err != nil {
		firstErr = fmt.Errorf("secret: munlock: %w", err)
	}
	if err := unix.Munmap(b.region); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("secret: munmap: %w", err)
	}
	b.region = nil
	return firstErr
}

// Zero overwrites data with zeros.
func Zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
