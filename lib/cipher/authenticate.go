// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cipher

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/gep/lib/secret"
)

// ChallengeSize is the size of the subscriber-chosen nonce in an
// Authenticate command.
const ChallengeSize = 24

// MACSize is the size of the authentication MAC.
const MACSize = 32

// NewChallenge returns a random authentication nonce.
func NewChallenge() ([]byte, error) {
	challenge := make([]byte, ChallengeSize)
	if _, err := io.ReadFull(rand.Reader, challenge); err != nil {
		return nil, fmt.Errorf("cipher: generating challenge: %w", err)
	}
	return challenge, nil
}

// AuthenticationMAC proves possession of preSharedKey for acronym. It
// is a keyed BLAKE3 hash, keyed by HKDF(preSharedKey), over a domain
// tag, the acronym and the challenge.
func AuthenticationMAC(preSharedKey *secret.Buffer, acronym string, challenge []byte) ([]byte, error) {
	macKey, err := deriveKey(preSharedKey.Bytes(), infoAuthenticate)
	if err != nil {
		return nil, err
	}
	defer macKey.Close()

	hasher, err := blake3.NewKeyed(macKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("cipher: blake3 keyed hash: %w", err)
	}
	hasher.Write(domainAuthenticate)
	hasher.Write([]byte{byte(len(acronym) >> 8), byte(len(acronym))})
	hasher.Write([]byte(acronym))
	hasher.Write(challenge)
	return hasher.Sum(nil)[:MACSize], nil
}

// VerifyAuthentication checks mac in constant time.
func VerifyAuthentication(preSharedKey *secret.Buffer, acronym string, challenge, mac []byte) error {
	if len(challenge) != ChallengeSize {
		return fmt.Errorf("%w: challenge is %d bytes, want %d", ErrAuthentication, len(challenge), ChallengeSize)
	}
	expected, err := AuthenticationMAC(preSharedKey, acronym, challenge)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return ErrAuthentication
	}
	return nil
}
