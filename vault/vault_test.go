// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package vault

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	keyring "github.com/zalando/go-keyring"

	"github.com/shoenig/test/must"

	"github.com/automator/automator/helper/testlog"
	"github.com/automator/automator/structs"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	keyring.MockInit()
	return New(t.TempDir(), testlog.HCLogger(t))
}

func TestVault_RoundTrip(t *testing.T) {
	v := testVault(t)

	blob, err := v.Encrypt("https://example/hook")
	must.NoError(t, err)
	must.NotEq(t, "", blob)

	plain, err := v.Decrypt(blob)
	must.NoError(t, err)
	must.Eq(t, "https://example/hook", plain)

	// Empty plaintext round-trips too.
	blob, err = v.Encrypt("")
	must.NoError(t, err)
	plain, err = v.Decrypt(blob)
	must.NoError(t, err)
	must.Eq(t, "", plain)
}

func TestVault_EncryptIsNonDeterministic(t *testing.T) {
	v := testVault(t)

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		blob, err := v.Encrypt("same plaintext")
		must.NoError(t, err)
		_, dup := seen[blob]
		must.False(t, dup)
		seen[blob] = struct{}{}
	}
}

func TestVault_DecryptRejectsTampering(t *testing.T) {
	v := testVault(t)

	blob, err := v.Encrypt("secret")
	must.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(blob)
	must.NoError(t, err)

	// Flip one bit in every byte position; all must fail opaquely.
	for i := range raw {
		mutated := append([]byte(nil), raw...)
		mutated[i] ^= 0x01
		_, err := v.Decrypt(base64.StdEncoding.EncodeToString(mutated))
		must.Error(t, err)
		must.Eq(t, structs.ErrKindCredentialUnavailable, structs.KindOf(err))
	}

	// Truncation fails.
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString(raw[:len(raw)-1]))
	must.Error(t, err)
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString(raw[:5]))
	must.Error(t, err)

	// Not base64 at all.
	_, err = v.Decrypt("%%%not-base64%%%")
	must.Error(t, err)

	// Unknown blob version.
	mutated := append([]byte(nil), raw...)
	mutated[0] = 0x7f
	_, err = v.Decrypt(base64.StdEncoding.EncodeToString(mutated))
	must.Error(t, err)
}

func TestVault_ClearKeyReloads(t *testing.T) {
	v := testVault(t)

	blob, err := v.Encrypt("persist me")
	must.NoError(t, err)

	v.ClearKey()

	// The key reloads from the keychain and old blobs still open.
	plain, err := v.Decrypt(blob)
	must.NoError(t, err)
	must.Eq(t, "persist me", plain)
}

// Note: the keyring mock is process-global, so vault tests stay serial.

func TestVault_FileFallback(t *testing.T) {
	// Keychain down: the key lands in the data directory with 0600.
	keyring.MockInitWithError(errors.New("no keychain on this host"))
	dir := t.TempDir()
	v := New(dir, testlog.HCLogger(t))

	blob, err := v.Encrypt("fallback")
	must.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "master.key"))
	must.NoError(t, err)
	must.Eq(t, os.FileMode(0o600), info.Mode().Perm())

	// A second vault over the same directory loads the same key.
	v2 := New(dir, testlog.HCLogger(t))
	plain, err := v2.Decrypt(blob)
	must.NoError(t, err)
	must.Eq(t, "fallback", plain)

	// A different key cannot open the blob.
	v3 := New(t.TempDir(), testlog.HCLogger(t))
	_, err = v3.Decrypt(blob)
	must.Error(t, err)
}

func TestVault_WrongKeyFails(t *testing.T) {
	keyring.MockInitWithError(errors.New("unavailable"))

	a := New(t.TempDir(), testlog.HCLogger(t))
	b := New(t.TempDir(), testlog.HCLogger(t))

	blob, err := a.Encrypt("for a only")
	must.NoError(t, err)

	_, err = b.Decrypt(blob)
	must.Error(t, err)
	must.Eq(t, structs.ErrKindCredentialUnavailable, structs.KindOf(err))
}
