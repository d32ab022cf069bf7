// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cipher holds the symmetric cryptography of an authenticated
// GEP session: the subscriber's proof of its pre-shared key, the pair
// of data-packet keys the publisher hands out, and the AEAD sealing of
// payloads under those keys.
//
// All keys live in secret.Buffer memory. Payloads are sealed with
// XChaCha20-Poly1305:
//
//	[nonce: 24 bytes] [ciphertext + tag]
//
// The data-packet flags byte is bound as additional data, so flipping
// a flag bit fails authentication.
package cipher

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/gep/lib/secret"
)

// KeySize is the size of every derived and generated key.
const KeySize = 32

// NonceSize and Overhead describe the sealed payload layout.
const (
	NonceSize = chacha20poly1305.NonceSizeX
	Overhead  = NonceSize + chacha20poly1305.Overhead
)

// ErrAuthentication reports a MAC or AEAD check failure.
var ErrAuthentication = errors.New("cipher: authentication failed")

// HKDF info strings. Changing one invalidates every peer that derives
// under the old value.
var (
	infoKeyTransport = []byte("gep.cipher-keys.v1")
	infoAuthenticate = []byte("gep.authenticate.v1")
)

// domainAuthenticate prefixes the authentication MAC input.
var domainAuthenticate = []byte("gep.authenticate.mac.v1")

// deriveKey expands inputKeyMaterial into a KeySize key with
// HKDF-SHA256 and a nil salt.
func deriveKey(inputKeyMaterial, info []byte) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("cipher: hkdf: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// Seal encrypts plaintext under key, binding additional.
func Seal(key *secret.Buffer, plaintext, additional []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("cipher: creating XChaCha20-Poly1305: %w", err)
	}
	sealed := make([]byte, NonceSize, Overhead+len(plaintext))
	if _, err := io.ReadFull(rand.Reader, sealed); err != nil {
		return nil, fmt.Errorf("cipher: generating nonce: %w", err)
	}
	return aead.Seal(sealed, sealed[:NonceSize], plaintext, additional), nil
}

// Open decrypts a payload produced by Seal.
func Open(key *secret.Buffer, sealed, additional []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, fmt.Errorf("%w: sealed payload is %d bytes, minimum %d", ErrAuthentication, len(sealed), Overhead)
	}
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("cipher: creating XChaCha20-Poly1305: %w", err)
	}
	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], additional)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}

// Fingerprint returns a short BLAKE3 digest of key for log lines. It
// identifies a key without revealing it.
func Fingerprint(key *secret.Buffer) string {
	sum := blake3.Sum256(key.Bytes())
	return hex.EncodeToString(sum[:6])
}
