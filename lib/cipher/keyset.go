// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cipher

import (
	"fmt"
	"sync"

	"github.com/bureau-foundation/gep/lib/secret"
)

// keyBlockVersion prefixes a sealed key block and is bound as
// additional data.
const keyBlockVersion byte = 0x01

// KeySet is the pair of data-packet keys shared by a publisher and
// one subscriber. Packets name the key that sealed them by index (the
// CipherIndex flag), so rotation replaces only the inactive key and
// packets already in flight still open.
type KeySet struct {
	mu     sync.RWMutex
	keys   [2]*secret.Buffer
	active int
}

// NewKeySet generates two random keys with key 0 active.
func NewKeySet() (*KeySet, error) {
	set := &KeySet{}
	for i := range set.keys {
		key, err := secret.NewRandom(KeySize)
		if err != nil {
			set.Close()
			return nil, err
		}
		set.keys[i] = key
	}
	return set, nil
}

// Active returns the index of the key used for new packets.
func (s *KeySet) Active() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Rotate regenerates the inactive key and makes it active.
func (s *KeySet) Rotate() error {
	fresh, err := secret.NewRandom(KeySize)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := 1 - s.active
	if s.keys[next] != nil {
		s.keys[next].Close()
	}
	s.keys[next] = fresh
	s.active = next
	return nil
}

// Seal encrypts with the active key and returns the key index used.
func (s *KeySet) Seal(plaintext, additional []byte) (int, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sealed, err := Seal(s.keys[s.active], plaintext, additional)
	return s.active, sealed, err
}

// Open decrypts with the key at index.
func (s *KeySet) Open(index int, sealed, additional []byte) ([]byte, error) {
	if index != 0 && index != 1 {
		return nil, fmt.Errorf("cipher: key index %d out of range", index)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Open(s.keys[index], sealed, additional)
}

// Close releases both keys. Idempotent.
func (s *KeySet) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, key := range s.keys {
		if key == nil {
			continue
		}
		if err := key.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SealKeyBlock encrypts both keys for transport to the subscriber
// holding preSharedKey:
//
//	[version] [active index] [nonce] [ciphertext of key0 || key1 + tag]
func (s *KeySet) SealKeyBlock(preSharedKey *secret.Buffer) ([]byte, error) {
	transportKey, err := deriveKey(preSharedKey.Bytes(), infoKeyTransport)
	if err != nil {
		return nil, err
	}
	defer transportKey.Close()

	s.mu.RLock()
	plaintext, err := secret.New(2 * KeySize)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	defer plaintext.Close()
	copy(plaintext.Bytes()[:KeySize], s.keys[0].Bytes())
	copy(plaintext.Bytes()[KeySize:], s.keys[1].Bytes())
	header := []byte{keyBlockVersion, byte(s.active)}
	s.mu.RUnlock()

	sealed, err := Seal(transportKey, plaintext.Bytes(), header)
	if err != nil {
		return nil, err
	}
	return append(header, sealed...), nil
}

// OpenKeyBlock decrypts a block produced by SealKeyBlock.
func OpenKeyBlock(preSharedKey *secret.Buffer, block []byte) (*KeySet, error) {
	if len(block) < 2 {
		return nil, fmt.Errorf("%w: key block is %d bytes", ErrAuthentication, len(block))
	}
	header := block[:2]
	if header[0] != keyBlockVersion {
		return nil, fmt.Errorf("cipher: key block version %d not supported", header[0])
	}
	if header[1] > 1 {
		return nil, fmt.Errorf("cipher: key block active index %d out of range", header[1])
	}

	transportKey, err := deriveKey(preSharedKey.Bytes(), infoKeyTransport)
	if err != nil {
		return nil, err
	}
	defer transportKey.Close()

	plaintext, err := Open(transportKey, block[2:], header)
	if err != nil {
		return nil, err
	}
	defer secret.Zero(plaintext)
	if len(plaintext) != 2*KeySize {
		return nil, fmt.Errorf("cipher: key block holds %d bytes, want %d", len(plaintext), 2*KeySize)
	}

	set := &KeySet{active: int(header[1])}
	for i := range set.keys {
		key, err := secret.NewFromBytes(append([]byte(nil), plaintext[i*KeySize:(i+1)*KeySize]...))
		if err != nil {
			set.Close()
			return nil, err
		}
		set.keys[i] = key
	}
	return set, nil
}
