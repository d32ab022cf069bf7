// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package publisher

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/gep/lib/sealed"
	"github.com/bureau-foundation/gep/lib/secret"
)

// KeyStore resolves subscriber acronyms to pre-shared keys. The
// returned buffer is owned by the store; callers must not close it.
type KeyStore interface {
	PreSharedKey(acronym string) (*secret.Buffer, bool)
}

// StaticKeys is an in-memory KeyStore. Acronyms match
// case-insensitively.
type StaticKeys struct {
	mu   sync.RWMutex
	keys map[string]*secret.Buffer
}

// NewStaticKeys copies keys into protected memory. The source slices
// are zeroed.
func NewStaticKeys(keys map[string][]byte) (*StaticKeys, error) {
	store := &StaticKeys{keys: make(map[string]*secret.Buffer, len(keys))}
	for acronym, key := range keys {
		if len(key) == 0 {
			store.Close()
			return nil, fmt.Errorf("subscriber %q has an empty key", acronym)
		}
		buffer, err := secret.NewFromBytes(key)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("protecting key for %q: %w", acronym, err)
		}
		store.keys[strings.ToUpper(acronym)] = buffer
	}
	return store, nil
}

// LoadKeys decrypts an age-sealed keys file with the identity at
// identityPath. The plaintext is a YAML map of acronym to base64 key:
//
//	SHELBY: 3q2+7wAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=
//	PPA-HISTORIAN: u0pB...
func LoadKeys(path, identityPath string) (*StaticKeys, error) {
	plaintext, err := sealed.DecryptFile(path, identityPath)
	if err != nil {
		return nil, fmt.Errorf("loading subscriber keys: %w", err)
	}
	defer plaintext.Close()
	return ParseKeys(plaintext.Bytes())
}

// ParseKeys parses the plaintext form of a keys file.
func ParseKeys(data []byte) (*StaticKeys, error) {
	var encoded map[string]string
	if err := yaml.Unmarshal(data, &encoded); err != nil {
		return nil, fmt.Errorf("parsing subscriber keys: %w", err)
	}
	decoded := make(map[string][]byte, len(encoded))
	for acronym, text := range encoded {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
		if err != nil {
			for _, key := range decoded {
				secret.Zero(key)
			}
			return nil, fmt.Errorf("subscriber %q: decoding key: %w", acronym, err)
		}
		decoded[acronym] = key
	}
	return NewStaticKeys(decoded)
}

// PreSharedKey implements KeyStore.
func (s *StaticKeys) PreSharedKey(acronym string) (*secret.Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[strings.ToUpper(acronym)]
	return key, ok
}

// Len returns the number of subscribers with keys.
func (s *StaticKeys) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Close releases every key.
func (s *StaticKeys) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for acronym, key := range s.keys {
		key.Close()
		delete(s.keys, acronym)
	}
	return nil
}
