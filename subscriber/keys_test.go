// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package subscriber

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bureau-foundation/gep/lib/sealed"
)

func TestParsePreSharedKey(t *testing.T) {
	t.Parallel()

	key, err := ParsePreSharedKey([]byte("  c2hlbGJ5LWtleQ==\n"))
	if err != nil {
		t.Fatalf("ParsePreSharedKey: %v", err)
	}
	defer key.Close()
	if !key.Equal([]byte("shelby-key")) {
		t.Errorf("decoded key = %q, want shelby-key", key.Bytes())
	}

	for _, input := range []string{"", "not base64!"} {
		if _, err := ParsePreSharedKey([]byte(input)); err == nil {
			t.Errorf("ParsePreSharedKey(%q) succeeded", input)
		}
	}
}

func TestLoadPreSharedKey(t *testing.T) {
	t.Parallel()

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	defer keypair.Close()

	directory := t.TempDir()
	identityPath := filepath.Join(directory, "identity")
	if err := os.WriteFile(identityPath, keypair.PrivateKey.Bytes(), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ciphertext, err := sealed.Encrypt([]byte("c2hlbGJ5LWtleQ==\n"), []string{keypair.PublicKey})
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	keyPath := filepath.Join(directory, "gep.key.age")
	if err := os.WriteFile(keyPath, ciphertext, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	key, err := LoadPreSharedKey(keyPath, identityPath)
	if err != nil {
		t.Fatalf("LoadPreSharedKey: %v", err)
	}
	defer key.Close()
	if !key.Equal([]byte("shelby-key")) {
		t.Errorf("loaded key = %q, want shelby-key", key.Bytes())
	}
}
