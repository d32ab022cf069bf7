// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed stores GEP pre-shared keys at rest under age
// encryption. A publisher's keys file and a subscriber's key file are
// age ciphertexts (ASCII-armored or binary) decrypted with an x25519
// identity read from an identity file.
//
// Private keys and decrypted plaintext are returned as *secret.Buffer
// values, backed by mmap memory outside the Go heap.
package sealed

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"

	"github.com/bureau-foundation/gep/lib/secret"
)

// Keypair holds an age x25519 keypair. The caller must call Close
// when the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the secret key in AGE-SECRET-KEY-1... format.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding public key in age1... format.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age x25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// Encrypt encrypts plaintext to the given age public keys and returns
// ASCII-armored ciphertext suitable for writing to a key file.
func Encrypt(plaintext []byte, recipientKeys []string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var output bytes.Buffer
	armorWriter := armor.NewWriter(&output)
	writer, err := age.Encrypt(armorWriter, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	if err := armorWriter.Close(); err != nil {
		return nil, fmt.Errorf("finalizing armor: %w", err)
	}
	return output.Bytes(), nil
}

// Decrypt decrypts armored or binary age ciphertext with privateKey.
// The private key is borrowed and not closed.
func Decrypt(ciphertext []byte, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	var source io.Reader = bytes.NewReader(ciphertext)
	if bytes.HasPrefix(bytes.TrimSpace(ciphertext), []byte(armor.Header)) {
		source = armor.NewReader(source)
	}

	reader, err := age.Decrypt(source, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("decrypted plaintext is empty")
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		secret.Zero(plaintext)
		return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}

// LoadIdentity reads an age identity file. Comment lines and blank
// lines are skipped and the first AGE-SECRET-KEY line is returned.
func LoadIdentity(path string) (*secret.Buffer, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !strings.HasPrefix(line, "AGE-SECRET-KEY-1") {
			return nil, fmt.Errorf("identity file %s: unexpected line, want AGE-SECRET-KEY-1...", path)
		}
		privateKey, err := secret.NewFromBytes([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("protecting private key: %w", err)
		}
		if _, err := age.ParseX25519Identity(privateKey.String()); err != nil {
			privateKey.Close()
			return nil, fmt.Errorf("identity file %s: %w", path, err)
		}
		return privateKey, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	return nil, fmt.Errorf("identity file %s contains no key", path)
}

// DecryptFile reads an age-encrypted file and decrypts it with the
// identity at identityPath.
func DecryptFile(path, identityPath string) (*secret.Buffer, error) {
	ciphertext, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sealed file: %w", err)
	}
	privateKey, err := LoadIdentity(identityPath)
	if err != nil {
		return nil, err
	}
	defer privateKey.Close()
	plaintext, err := Decrypt(ciphertext, privateKey)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return plaintext, nil
}

// ParsePublicKey validates an age public key string.
func ParsePublicKey(publicKey string) error {
	if _, err := age.ParseX25519Recipient(publicKey); err != nil {
		return fmt.Errorf("invalid age public key: %w", err)
	}
	return nil
}
