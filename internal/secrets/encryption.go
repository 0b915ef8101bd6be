// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package secrets implements encryption of backend credentials.
//
// Values are sealed with AES-256-GCM under a 32-byte master key held in the
// OS keychain. The stored token is base64(nonce || ciphertext): a fresh
// random nonce per encryption, prepended so decryption is self-contained.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// KeySize is the master key size in bytes (AES-256).
const KeySize = 32

var (
	// ErrInvalidCiphertext is returned when a token cannot be decrypted.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidKey is returned when the master key has the wrong length.
	ErrInvalidKey = errors.New("invalid encryption key")
)

// Box seals and opens credential values using AES-256-GCM.
//
// Each Encrypt call generates a unique nonce; encrypting the same plaintext
// twice yields different tokens that decrypt to the same value.
type Box struct {
	aead cipher.AEAD
}

// NewBox creates a Box from a 32-byte master key.
func NewBox(masterKey []byte) (*Box, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes for AES-256, got %d bytes", ErrInvalidKey, KeySize, len(masterKey))
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext and returns an opaque base64 token.
//
// Token layout before encoding:
//
//	[nonce (12 bytes)][encrypted data + auth tag]
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt.
//
// Returns ErrInvalidCiphertext if the token is not valid base64, is shorter
// than a nonce, or fails authentication.
func (b *Box) Decrypt(token string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: bad base64: %v", ErrInvalidCiphertext, err)
	}

	nonceSize := b.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: token too short (expected at least %d bytes, got %d)",
			ErrInvalidCiphertext, nonceSize, len(data))
	}

	nonce, encrypted := data[:nonceSize], data[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, encrypted, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	return string(plaintext), nil
}

// GenerateKey generates a cryptographically secure random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}
