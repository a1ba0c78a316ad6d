// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package vault owns the symmetric master key and performs authenticated
// encryption for credential values. The key lives in the OS keychain when one
// is available, with a file-backed keystore fallback in the data directory.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	uuid "github.com/hashicorp/go-uuid"
	keyring "github.com/zalando/go-keyring"

	"github.com/automator/automator/structs"
)

const (
	// keychainService and keychainAccount identify the master key in the OS
	// keychain.
	keychainService = "automatord"
	keychainAccount = "master-key"

	// keyFileName is the fallback keystore file inside the data directory.
	keyFileName = "master.key"

	keyLen   = 32
	nonceLen = 12
	keyPerms = 0o600
	dirPerms = 0o700

	// blobVersion prefixes every ciphertext so the layout can change under a
	// future key rotation without breaking old blobs.
	blobVersion = byte(0x01)
)

// Vault manages the master key lifecycle and the AEAD cipher built from it.
type Vault struct {
	dataDir string
	logger  hclog.Logger

	lock sync.RWMutex
	key  []byte
	aead cipher.AEAD

	// keychainUnavailable remembers a failed keychain probe so each boot logs
	// the fallback once instead of once per operation.
	keychainUnavailable bool
}

// New returns a vault rooted at dataDir. The master key is loaded or created
// lazily on first use.
func New(dataDir string, logger hclog.Logger) *Vault {
	return &Vault{
		dataDir: dataDir,
		logger:  logger.Named("vault"),
	}
}

// Encrypt seals plaintext under the master key with a fresh random nonce and
// returns base64(version ‖ nonce ‖ ciphertext ‖ tag). The same plaintext
// yields a distinct blob on every call.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	aead, err := v.cipher()
	if err != nil {
		return "", err
	}

	nonce, err := uuid.GenerateRandomBytes(nonceLen)
	if err != nil {
		return "", structs.WrapError(structs.ErrKindInternal, fmt.Errorf("failed to generate nonce: %w", err))
	}

	// The version byte and nonce double as the dst buffer so the pieces are
	// never separated.
	buf := make([]byte, 0, 1+nonceLen+len(plaintext)+16)
	buf = append(buf, blobVersion)
	buf = append(buf, nonce...)
	buf = aead.Seal(buf, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering, truncation, or a
// wrong key yields the same opaque error; callers learn nothing about key
// state from the failure.
func (v *Vault) Decrypt(blob string) (string, error) {
	aead, err := v.cipher()
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", errOpaque()
	}
	if len(raw) < 1+nonceLen+aead.Overhead() {
		return "", errOpaque()
	}
	if raw[0] != blobVersion {
		return "", errOpaque()
	}
	nonce := raw[1 : 1+nonceLen]
	plaintext, err := aead.Open(nil, nonce, raw[1+nonceLen:], nil)
	if err != nil {
		return "", errOpaque()
	}
	return string(plaintext), nil
}

func errOpaque() error {
	return structs.NewError(structs.ErrKindCredentialUnavailable, "decryption failed")
}

// ClearKey zeroises the in-memory key copy. The next operation reloads it from
// the keychain or the keystore file.
func (v *Vault) ClearKey() {
	v.lock.Lock()
	defer v.lock.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
	v.aead = nil
}

// cipher returns the AEAD, loading or creating the master key on first use.
func (v *Vault) cipher() (cipher.AEAD, error) {
	v.lock.RLock()
	aead := v.aead
	v.lock.RUnlock()
	if aead != nil {
		return aead, nil
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	if v.aead != nil {
		return v.aead, nil
	}

	key, err := v.loadOrCreateKey()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindInternal, fmt.Errorf("could not create cipher: %w", err))
	}
	aead, err = cipher.NewGCM(block)
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindInternal, fmt.Errorf("could not create cipher: %w", err))
	}
	v.key = key
	v.aead = aead
	return aead, nil
}

// loadOrCreateKey resolves the master key. Load order: keychain, then keystore
// file; when both hold a key the keychain wins and the file is left alone so
// the state stays recoverable. A brand new key is persisted to the keychain
// when possible and always to the file fallback otherwise.
func (v *Vault) loadOrCreateKey() ([]byte, error) {
	if !v.keychainUnavailable {
		encoded, err := keyring.Get(keychainService, keychainAccount)
		switch {
		case err == nil:
			key, decErr := base64.StdEncoding.DecodeString(encoded)
			if decErr != nil || len(key) != keyLen {
				return nil, structs.NewError(structs.ErrKindInternal, "keychain holds a malformed master key")
			}
			return key, nil
		case err == keyring.ErrNotFound:
			// fall through to the file, then generation
		default:
			v.keychainUnavailable = true
			v.logger.Warn("OS keychain unavailable, using file-backed keystore", "error", err)
		}
	}

	if key, err := v.loadKeyFile(); err != nil {
		return nil, err
	} else if key != nil {
		return key, nil
	}

	key, err := uuid.GenerateRandomBytes(keyLen)
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindInternal, fmt.Errorf("failed to generate master key: %w", err))
	}
	encoded := base64.StdEncoding.EncodeToString(key)

	if !v.keychainUnavailable {
		if err := keyring.Set(keychainService, keychainAccount, encoded); err == nil {
			v.logger.Info("generated master key", "backend", "keychain")
			return key, nil
		} else {
			v.keychainUnavailable = true
			v.logger.Warn("OS keychain rejected master key, using file-backed keystore", "error", err)
		}
	}

	if err := v.saveKeyFile(encoded); err != nil {
		return nil, err
	}
	v.logger.Info("generated master key", "backend", "file")
	return key, nil
}

func (v *Vault) keyFilePath() string {
	return filepath.Join(v.dataDir, keyFileName)
}

func (v *Vault) loadKeyFile() ([]byte, error) {
	raw, err := os.ReadFile(v.keyFilePath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, structs.WrapError(structs.ErrKindInternal, fmt.Errorf("could not read keystore file: %w", err))
	}
	key, err := base64.StdEncoding.DecodeString(string(raw))
	if err != nil || len(key) != keyLen {
		return nil, structs.NewError(structs.ErrKindInternal, "keystore file holds a malformed master key")
	}
	return key, nil
}

func (v *Vault) saveKeyFile(encoded string) error {
	if err := os.MkdirAll(v.dataDir, dirPerms); err != nil {
		return structs.WrapError(structs.ErrKindInternal, fmt.Errorf("could not create data directory: %w", err))
	}
	if err := os.WriteFile(v.keyFilePath(), []byte(encoded), keyPerms); err != nil {
		return structs.WrapError(structs.ErrKindInternal, fmt.Errorf("could not write keystore file: %w", err))
	}
	return nil
}
