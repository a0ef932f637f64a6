// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/keywheel/lib/secret"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	masterKey, err := secret.NewFromBytes(bytes.Repeat([]byte{0x42}, VaultKeySize))
	if err != nil {
		t.Fatalf("creating master key buffer: %v", err)
	}
	vault, err := NewVault(masterKey)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	t.Cleanup(func() { vault.Close() })
	return vault
}

func materialBuffer(t *testing.T, plaintext string) *secret.Buffer {
	t.Helper()
	buffer, err := secret.NewFromBytes([]byte(plaintext))
	if err != nil {
		t.Fatalf("creating material buffer: %v", err)
	}
	t.Cleanup(func() { buffer.Close() })
	return buffer
}

func TestNewVault_KeySize(t *testing.T) {
	shortKey, err := secret.NewFromBytes([]byte("too short"))
	if err != nil {
		t.Fatalf("creating buffer: %v", err)
	}
	defer shortKey.Close()

	if _, err := NewVault(shortKey); err == nil {
		t.Error("NewVault accepted a short master key")
	}
}

func TestVault_OwnsMasterKey(t *testing.T) {
	masterKey, err := secret.NewFromBytes(bytes.Repeat([]byte{0x42}, VaultKeySize))
	if err != nil {
		t.Fatalf("creating master key buffer: %v", err)
	}
	vault, err := NewVault(masterKey)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	material := materialBuffer(t, "sk-test")

	// The caller hands the master key over at construction and must
	// not close it; the vault seals with it until Vault.Close.
	if _, err := vault.Seal("k", material); err != nil {
		t.Fatalf("Seal with vault-owned key: %v", err)
	}

	if err := vault.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// After Close the key is zeroed and unmapped; using the vault is a
	// caller bug and panics on the released buffer.
	defer func() {
		if recover() == nil {
			t.Error("Seal after Close did not panic on the released master key")
		}
	}()
	_, _ = vault.Seal("k", material)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	vault := testVault(t)
	material := materialBuffer(t, "sk-or-v1-abcdef0123456789")

	sealed, err := vault.Seal("openrouter-01", material)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if sealed[0] != sealedMaterialVersion {
		t.Errorf("version byte = %#x, want %#x", sealed[0], sealedMaterialVersion)
	}
	if len(sealed) != sealedMaterialOverhead+material.Len() {
		t.Errorf("sealed length = %d, want %d", len(sealed), sealedMaterialOverhead+material.Len())
	}
	if bytes.Contains(sealed, []byte("sk-or-v1")) {
		t.Error("sealed blob contains plaintext material")
	}

	opened, err := vault.Open("openrouter-01", sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer opened.Close()
	if opened.String() != "sk-or-v1-abcdef0123456789" {
		t.Errorf("Open = %q, want original material", opened.String())
	}
}

func TestOpen_WrongKeyID(t *testing.T) {
	vault := testVault(t)
	material := materialBuffer(t, "sk-test")

	sealed, err := vault.Seal("key-a", material)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// A blob copied onto another key row must not decrypt.
	if _, err := vault.Open("key-b", sealed); err == nil {
		t.Error("Open under a different key id succeeded")
	}
}

func TestOpen_Tampered(t *testing.T) {
	vault := testVault(t)
	material := materialBuffer(t, "sk-test")

	sealed, err := vault.Seal("k", material)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	if _, err := vault.Open("k", tampered); err == nil {
		t.Error("Open of tampered ciphertext succeeded")
	}

	versionFlipped := append([]byte(nil), sealed...)
	versionFlipped[0] = 0x02
	if _, err := vault.Open("k", versionFlipped); err == nil {
		t.Error("Open of unknown version succeeded")
	}

	if _, err := vault.Open("k", sealed[:sealedMaterialOverhead-1]); err == nil {
		t.Error("Open of truncated blob succeeded")
	}
}

func TestOpen_WrongVaultKey(t *testing.T) {
	vault := testVault(t)
	material := materialBuffer(t, "sk-test")
	sealed, err := vault.Seal("k", material)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	otherKey, err := secret.NewFromBytes(bytes.Repeat([]byte{0x13}, VaultKeySize))
	if err != nil {
		t.Fatalf("creating other master key: %v", err)
	}
	otherVault, err := NewVault(otherKey)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	defer otherVault.Close()

	if _, err := otherVault.Open("k", sealed); err == nil {
		t.Error("Open under a different vault key succeeded")
	}
}

func TestSeal_NonceUnique(t *testing.T) {
	vault := testVault(t)
	material := materialBuffer(t, "sk-test")

	first, err := vault.Seal("k", material)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	second, err := vault.Seal("k", material)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Equal(first, second) {
		t.Error("two seals of the same material produced identical blobs")
	}
}

func TestFingerprint(t *testing.T) {
	vault := testVault(t)
	materialA := materialBuffer(t, "sk-material-a")
	materialB := materialBuffer(t, "sk-material-b")

	fingerprintA1, err := vault.Fingerprint(materialA)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fingerprintA2, err := vault.Fingerprint(materialA)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fingerprintB, err := vault.Fingerprint(materialB)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}

	// Deterministic, so duplicate material is detectable.
	if fingerprintA1 != fingerprintA2 {
		t.Errorf("fingerprints differ for the same material: %q vs %q", fingerprintA1, fingerprintA2)
	}
	if fingerprintA1 == fingerprintB {
		t.Error("different material produced the same fingerprint")
	}
	// 8 bytes hex-encoded.
	if len(fingerprintA1) != 16 {
		t.Errorf("fingerprint length = %d, want 16 hex chars", len(fingerprintA1))
	}
	if strings.Contains(fingerprintA1, "sk-") {
		t.Error("fingerprint leaks material")
	}
}

func TestFingerprint_KeyedPerVault(t *testing.T) {
	vaultA := testVault(t)
	material := materialBuffer(t, "sk-shared")

	otherKey, err := secret.NewFromBytes(bytes.Repeat([]byte{0x99}, VaultKeySize))
	if err != nil {
		t.Fatalf("creating master key: %v", err)
	}
	vaultB, err := NewVault(otherKey)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	defer vaultB.Close()

	fingerprintA, err := vaultA.Fingerprint(material)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	fingerprintB, err := vaultB.Fingerprint(material)
	if err != nil {
		t.Fatalf("Fingerprint: %v", err)
	}
	if fingerprintA == fingerprintB {
		t.Error("fingerprint is not keyed by the vault master key")
	}
}

func TestGenerateAndLoadVaultKey(t *testing.T) {
	encoded, err := GenerateVaultKey()
	if err != nil {
		t.Fatalf("GenerateVaultKey: %v", err)
	}
	if len(encoded) != VaultKeySize*2 {
		t.Fatalf("encoded key length = %d, want %d", len(encoded), VaultKeySize*2)
	}

	path := filepath.Join(t.TempDir(), "material.key")
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}

	vault, err := LoadVault(path)
	if err != nil {
		t.Fatalf("LoadVault: %v", err)
	}
	defer vault.Close()

	// The loaded vault is usable end to end.
	material := materialBuffer(t, "sk-test")
	sealed, err := vault.Seal("k", material)
	if err != nil {
		t.Fatalf("Seal with loaded vault: %v", err)
	}
	opened, err := vault.Open("k", sealed)
	if err != nil {
		t.Fatalf("Open with loaded vault: %v", err)
	}
	opened.Close()
}

func TestLoadVault_Invalid(t *testing.T) {
	dir := t.TempDir()

	if _, err := LoadVault(filepath.Join(dir, "missing.key")); err == nil {
		t.Error("LoadVault of missing file succeeded")
	}

	badHex := filepath.Join(dir, "bad.key")
	if err := os.WriteFile(badHex, []byte("not-hex-at-all!"), 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := LoadVault(badHex); err == nil {
		t.Error("LoadVault of non-hex file succeeded")
	}

	shortKey := filepath.Join(dir, "short.key")
	if err := os.WriteFile(shortKey, []byte("abcd"), 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	if _, err := LoadVault(shortKey); err == nil {
		t.Error("LoadVault of short key succeeded")
	}
}
