// Copyright 2025 ResearchMesh
// SPDX-License-Identifier: Apache-2.0

package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

const (
	// scrypt parameters per the 2017 recommendation for interactive use.
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	keyLen       = 32
	defaultSalt  = "researchmesh-credential-v1"
	envelopeVers = "v1"
)

// Cipher encrypts and decrypts credential secrets with AES-256-GCM.
// The key is derived once from the master passphrase via scrypt.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the encryption key from the master passphrase. The
// salt binds envelopes to a deployment; an empty salt selects the
// built-in default.
func NewCipher(masterKey, salt string) (*Cipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key must not be empty")
	}
	if salt == "" {
		salt = defaultSalt
	}

	key, err := scrypt.Key([]byte(masterKey), []byte(salt), scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm init failed: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt seals the plaintext into a versioned base64 envelope:
// "v1:" + base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce generation failed: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return envelopeVers + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. The caller owns the
// returned buffer and should zero it after use.
func (c *Cipher) Decrypt(envelope string) ([]byte, error) {
	const prefix = envelopeVers + ":"
	if len(envelope) <= len(prefix) || envelope[:len(prefix)] != prefix {
		return nil, fmt.Errorf("unrecognized envelope format")
	}

	sealed, err := base64.StdEncoding.DecodeString(envelope[len(prefix):])
	if err != nil {
		return nil, fmt.Errorf("envelope decode failed: %w", err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return nil, fmt.Errorf("envelope too short")
	}

	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// zeroBytes overwrites a secret buffer in place.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
