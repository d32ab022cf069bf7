// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"bytes"
	"encoding/base64"
	"fmt"

	"github.com/bureau-foundation/gep/lib/sealed"
	"github.com/bureau-foundation/gep/lib/secret"
)

// LoadPreSharedKey decrypts an age-sealed key file with the identity
// at identityPath. The plaintext is the base64 key on a single line.
func LoadPreSharedKey(path, identityPath string) (*secret.Buffer, error) {
	plaintext, err := sealed.DecryptFile(path, identityPath)
	if err != nil {
		return nil, fmt.Errorf("loading pre-shared key: %w", err)
	}
	defer plaintext.Close()
	return ParsePreSharedKey(plaintext.Bytes())
}

// ParsePreSharedKey decodes the plaintext form of a key file into
// protected memory.
func ParsePreSharedKey(data []byte) (*secret.Buffer, error) {
	encoded := bytes.TrimSpace(data)
	key := make([]byte, base64.StdEncoding.DecodedLen(len(encoded)))
	n, err := base64.StdEncoding.Decode(key, encoded)
	if err != nil {
		secret.Zero(key)
		return nil, fmt.Errorf("decoding pre-shared key: %w", err)
	}
	if n == 0 {
		return nil, fmt.Errorf("pre-shared key is empty")
	}
	buffer, err := secret.NewFromBytes(key[:n])
	secret.Zero(key)
	if err != nil {
		return nil, fmt.Errorf("protecting pre-shared key: %w", err)
	}
	return buffer, nil
}
