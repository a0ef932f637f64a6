// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/bureau-foundation/keywheel/lib/secret"
)

// VaultKeySize is the size in bytes of the vault master key and of
// every per-key encryption key derived from it.
const VaultKeySize = 32

// sealedMaterialVersion is the version byte prepended to sealed
// material blobs. Included in the AEAD additional authenticated data,
// so tampering with it causes authentication failure.
const sealedMaterialVersion byte = 0x01

// sealedMaterialOverhead is the byte overhead per sealed blob:
// 1 (version) + 24 (XChaCha20-Poly1305 nonce) + 16 (Poly1305 tag).
const sealedMaterialOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// HKDF info strings: domain separation between the two derivation
// paths off the vault master key. Changing either invalidates all
// material sealed under that path.
var (
	hkdfInfoMaterialSeal = []byte("keywheel.material.seal.v1")
	hkdfInfoFingerprint  = []byte("keywheel.material.fingerprint.v1")
)

// Vault seals and opens credential material. Each key's material is
// encrypted under its own key, derived from the vault master key and
// the key id via HKDF-SHA256. The key id is also bound into the AEAD
// additional authenticated data, so a sealed blob copied between key
// rows fails authentication instead of decrypting under the wrong
// identity.
//
// Fingerprints are BLAKE3 keyed hashes of the plaintext material
// under a key derived from the master key: deterministic (the same
// material always fingerprints the same, so duplicates are
// detectable) but useless for offline guessing without the vault key.
//
// Close zeroes and releases the master key. After Close all methods
// panic via secret.Buffer's closed check.
type Vault struct {
	masterKey *secret.Buffer
}

// NewVault creates a vault from a master key. The masterKey buffer is
// owned by the Vault and closed by Vault.Close; the caller must not
// use it afterward. Fails unless the key is exactly VaultKeySize
// bytes.
func NewVault(masterKey *secret.Buffer) (*Vault, error) {
	if masterKey.Len() != VaultKeySize {
		return nil, fmt.Errorf("vault master key must be %d bytes, got %d", VaultKeySize, masterKey.Len())
	}
	return &Vault{masterKey: masterKey}, nil
}

// LoadVault reads a hex-encoded master key from a file (written by
// GenerateVaultKey) and creates a vault from it. The intermediate hex
// buffer and decoded bytes are zeroed before returning.
func LoadVault(path string) (*Vault, error) {
	hexKey, err := secret.ReadFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("reading vault key: %w", err)
	}
	defer hexKey.Close()

	raw := make([]byte, hex.DecodedLen(hexKey.Len()))
	if _, err := hex.Decode(raw, hexKey.Bytes()); err != nil {
		secret.Zero(raw)
		return nil, fmt.Errorf("vault key at %s is not valid hex: %w", path, err)
	}

	// NewFromBytes copies into guarded memory and zeros the heap slice.
	masterKey, err := secret.NewFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("loading vault key: %w", err)
	}
	vault, err := NewVault(masterKey)
	if err != nil {
		masterKey.Close()
		return nil, err
	}
	return vault, nil
}

// GenerateVaultKey returns a fresh random master key, hex-encoded for
// writing to the key file.
func GenerateVaultKey() (string, error) {
	raw := make([]byte, VaultKeySize)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generating vault key: %w", err)
	}
	encoded := hex.EncodeToString(raw)
	secret.Zero(raw)
	return encoded, nil
}

// Close zeroes and releases the master key. Idempotent.
func (v *Vault) Close() error {
	return v.masterKey.Close()
}

// Seal encrypts material for storage under the given key id:
//
//	[Version: 1 byte (0x01)] [Nonce: 24 bytes (random)] [Ciphertext+Tag]
//
// The material buffer is borrowed, not closed.
func (v *Vault) Seal(keyID string, material *secret.Buffer) ([]byte, error) {
	sealKey, err := v.deriveSealKey(keyID)
	if err != nil {
		return nil, err
	}
	defer sealKey.Close()

	aead, err := chacha20poly1305.NewX(sealKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	output := make([]byte, 1+chacha20poly1305.NonceSizeX, sealedMaterialOverhead+material.Len())
	output[0] = sealedMaterialVersion
	copy(output[1:], nonce[:])
	return aead.Seal(output, nonce[:], material.Bytes(), materialAAD(sealedMaterialVersion, keyID)), nil
}

// Open decrypts a sealed blob back into guarded memory. Fails if the
// blob is malformed, was sealed under a different key id, or the
// vault key is wrong.
func (v *Vault) Open(keyID string, sealedBlob []byte) (*secret.Buffer, error) {
	if len(sealedBlob) < sealedMaterialOverhead {
		return nil, fmt.Errorf("sealed material is %d bytes, minimum is %d", len(sealedBlob), sealedMaterialOverhead)
	}
	version := sealedBlob[0]
	if version != sealedMaterialVersion {
		return nil, fmt.Errorf("sealed material version %d is not supported (expected %d)", version, sealedMaterialVersion)
	}

	sealKey, err := v.deriveSealKey(keyID)
	if err != nil {
		return nil, err
	}
	defer sealKey.Close()

	aead, err := chacha20poly1305.NewX(sealKey.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := sealedBlob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealedBlob[1+chacha20poly1305.NonceSizeX:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, materialAAD(version, keyID))
	if err != nil {
		return nil, fmt.Errorf("material authentication failed for key %q (wrong vault key, tampered blob, or mismatched key id): %w", keyID, err)
	}
	return secret.NewFromBytes(plaintext)
}

// Fingerprint computes the short display identifier for material:
// the first 8 bytes of a BLAKE3 keyed hash, hex-encoded. The material
// buffer is borrowed, not closed.
func (v *Vault) Fingerprint(material *secret.Buffer) (string, error) {
	fingerprintKey, err := deriveVaultKey(v.masterKey.Bytes(), hkdfInfoFingerprint)
	if err != nil {
		return "", err
	}
	defer fingerprintKey.Close()

	hasher, err := blake3.NewKeyed(fingerprintKey.Bytes())
	if err != nil {
		return "", fmt.Errorf("initializing fingerprint hash: %w", err)
	}
	hasher.Write(material.Bytes())
	return hex.EncodeToString(hasher.Sum(nil)[:8]), nil
}

func (v *Vault) deriveSealKey(keyID string) (*secret.Buffer, error) {
	info := make([]byte, 0, len(hkdfInfoMaterialSeal)+len(keyID))
	info = append(info, hkdfInfoMaterialSeal...)
	info = append(info, keyID...)
	return deriveVaultKey(v.masterKey.Bytes(), info)
}

// deriveVaultKey is the shared HKDF-SHA256 derivation. Nil salt: the
// master key is already uniformly random, so the extract phase with a
// zero key is appropriate per RFC 5869.
func deriveVaultKey(inputKeyMaterial, info []byte) (*secret.Buffer, error) {
	reader := hkdf.New(sha256.New, inputKeyMaterial, nil, info)
	derived := make([]byte, VaultKeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// materialAAD binds the format version and the owning key id into the
// AEAD authentication.
func materialAAD(version byte, keyID string) []byte {
	aad := make([]byte, 0, 1+len(keyID))
	aad = append(aad, version)
	aad = append(aad, keyID...)
	return aad
}
