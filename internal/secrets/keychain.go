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

package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/argon2"
)

const (
	// keychainService is the service name for keychain entries.
	keychainService = "toolgate"

	// masterKeyName is the keychain account holding the master key.
	masterKeyName = "master-encryption-key"

	// masterKeyEnvVar is the environment variable override for the master
	// key, for headless hosts without a keychain. Base64-encoded 32 bytes.
	masterKeyEnvVar = "TOOLGATE_MASTER_KEY"

	// passphraseEnvVar derives the master key from a passphrase when no
	// keychain and no explicit key are available.
	passphraseEnvVar = "TOOLGATE_PASSPHRASE"

	// envModeVar marks the deployment environment. The test-mode key is
	// refused when it is set to "production".
	envModeVar = "TOOLGATE_ENV"

	// saltSize is the argon2 salt length in bytes.
	saltSize = 16
)

// Argon2id parameters for passphrase-derived keys.
const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // 64MB in KB
	argon2Parallelism = 4
)

var (
	// ErrKeychainUnavailable is returned when the system keychain is not accessible.
	ErrKeychainUnavailable = errors.New("system keychain unavailable")

	// ErrMasterKeyNotFound is returned when no master key source is configured.
	ErrMasterKeyNotFound = errors.New("master key not found in keychain or environment")

	// ErrTestKeyInProduction is returned when the fixed test key is
	// requested while TOOLGATE_ENV=production.
	ErrTestKeyInProduction = errors.New("test-mode key is not allowed in production")
)

// testKey is the well-known fixed key used only in test mode, so encrypted
// fixtures are reproducible across runs.
var testKey = []byte{
	0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08,
	0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10,
	0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18,
	0x19, 0x1a, 0x1b, 0x1c, 0x1d, 0x1e, 0x1f, 0x20,
}

// KeyManager resolves the master encryption key.
//
// Resolution order:
//  1. Fixed test key, when explicitly enabled and not in production
//  2. System keychain (macOS Keychain, Linux Secret Service, Windows Credential Manager)
//  3. TOOLGATE_MASTER_KEY environment variable
//  4. TOOLGATE_PASSPHRASE, derived with argon2id over a persisted salt
//
// On first use with an available keychain, a fresh key is generated and
// persisted under the stable service/account identity.
type KeyManager struct {
	keychainAvailable bool

	// testMode enables the fixed well-known key. Only settable through
	// configuration, and validation refuses it in production environments.
	testMode bool

	// saltPath is where the argon2 salt is persisted for passphrase mode.
	saltPath string
}

// NewKeyManager creates a key manager and probes keychain availability.
func NewKeyManager(testMode bool, saltPath string) *KeyManager {
	m := &KeyManager{
		keychainAvailable: true,
		testMode:          testMode,
		saltPath:          saltPath,
	}

	// Probe with a key that never exists; anything other than NotFound
	// means the keychain is locked or absent.
	_, err := keyring.Get(keychainService, "__toolgate_availability_test__")
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		m.keychainAvailable = false
	}

	return m
}

// GetOrCreateMasterKey resolves the master key, generating and persisting a
// new one in the keychain when none exists anywhere.
func (m *KeyManager) GetOrCreateMasterKey() ([]byte, error) {
	if m.testMode {
		if os.Getenv(envModeVar) == "production" {
			return nil, ErrTestKeyInProduction
		}
		return testKey, nil
	}

	key, err := m.getMasterKey()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, ErrMasterKeyNotFound) {
		return nil, err
	}

	key, err = GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}

	if !m.keychainAvailable {
		return nil, fmt.Errorf("%w: cannot persist a new master key; set %s or %s",
			ErrKeychainUnavailable, masterKeyEnvVar, passphraseEnvVar)
	}

	encoded := base64.StdEncoding.EncodeToString(key)
	if err := keyring.Set(keychainService, masterKeyName, encoded); err != nil {
		return nil, fmt.Errorf("failed to store master key in keychain: %w", err)
	}

	return key, nil
}

// getMasterKey resolves an existing key without creating one.
func (m *KeyManager) getMasterKey() ([]byte, error) {
	if m.keychainAvailable {
		encoded, err := keyring.Get(keychainService, masterKeyName)
		if err == nil {
			return decodeKey(encoded, "keychain")
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			// Locked or inaccessible; fall through to env sources.
			m.keychainAvailable = false
		}
	}

	if encoded := os.Getenv(masterKeyEnvVar); encoded != "" {
		return decodeKey(encoded, masterKeyEnvVar)
	}

	if passphrase := os.Getenv(passphraseEnvVar); passphrase != "" {
		return m.deriveFromPassphrase(passphrase)
	}

	return nil, ErrMasterKeyNotFound
}

// deriveFromPassphrase derives a 32-byte key with argon2id. The random salt
// is created on first use and persisted so the same passphrase keeps
// producing the same key.
func (m *KeyManager) deriveFromPassphrase(passphrase string) ([]byte, error) {
	salt, err := m.loadOrCreateSalt()
	if err != nil {
		return nil, err
	}

	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Parallelism, KeySize), nil
}

// loadOrCreateSalt reads the persisted argon2 salt, creating it on first use.
func (m *KeyManager) loadOrCreateSalt() ([]byte, error) {
	if m.saltPath == "" {
		return nil, errors.New("no salt path configured for passphrase derivation")
	}

	salt, err := os.ReadFile(m.saltPath)
	if err == nil {
		if len(salt) != saltSize {
			return nil, fmt.Errorf("invalid salt file %s: expected %d bytes, got %d", m.saltPath, saltSize, len(salt))
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt = make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.saltPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create salt directory: %w", err)
	}
	if err := os.WriteFile(m.saltPath, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}

	return salt, nil
}

// IsKeychainAvailable returns true if the system keychain is accessible.
func (m *KeyManager) IsKeychainAvailable() bool {
	return m.keychainAvailable
}

// decodeKey decodes and validates a base64-encoded 32-byte key.
func decodeKey(encoded, source string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode master key from %s: %w", source, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid master key length in %s: expected %d bytes, got %d", source, KeySize, len(key))
	}
	return key, nil
}
