// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bureau-foundation/keywheel/lib/codec"
	"github.com/bureau-foundation/keywheel/lib/sealed"
	"github.com/bureau-foundation/keywheel/lib/secret"
	"github.com/bureau-foundation/keywheel/rotation"
)

// bundle is the plaintext JSON carried inside an age ciphertext.
// Provisioning tools produce it; export reproduces it for escrow.
type bundle struct {
	Keys    []bundleKey `json:"keys"`
	Backups []bundleKey `json:"backups,omitempty"`
}

type bundleKey struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
	Material string `json:"material"`
}

// importResponse reports what the bundle contained and which entries
// were skipped. A skipped entry (usually an id that already exists)
// does not fail the import; the operator sees it in the response.
type importResponse struct {
	KeysImported    int      `cbor:"keys_imported"`
	BackupsImported int      `cbor:"backups_imported"`
	Skipped         []string `cbor:"skipped,omitempty"`
}

// handleImportBundle decrypts an age ciphertext with the service
// identity and adds every key and backup it contains. The plaintext
// is zeroed as soon as the JSON is parsed.
func (ks *keywheelService) handleImportBundle(ctx context.Context, raw []byte) (any, error) {
	var request struct {
		Ciphertext string `cbor:"ciphertext"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if request.Ciphertext == "" {
		return nil, fmt.Errorf("missing required field: ciphertext")
	}

	plaintext, err := sealed.Decrypt(request.Ciphertext, ks.identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting bundle: %w", err)
	}

	var parsed bundle
	parseErr := json.Unmarshal(plaintext.Bytes(), &parsed)
	plaintext.Close()
	if parseErr != nil {
		return nil, fmt.Errorf("parsing bundle: %w", parseErr)
	}
	if len(parsed.Keys) == 0 && len(parsed.Backups) == 0 {
		return nil, fmt.Errorf("bundle contains no keys")
	}

	var response importResponse
	add := func(entry bundleKey, kind string, install func(context.Context, string, string, *secret.Buffer) error) error {
		material, err := secret.NewFromBytes([]byte(entry.Material))
		if err != nil {
			return fmt.Errorf("%s %q: invalid material: %w", kind, entry.ID, err)
		}
		defer material.Close()

		err = install(ctx, entry.ID, entry.Provider, material)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, rotation.ErrInvalidTransition):
			// Already present. Re-importing a bundle is common after
			// a partial failure; skip rather than abort.
			response.Skipped = append(response.Skipped, entry.ID)
			return nil
		default:
			return fmt.Errorf("%s %q: %w", kind, entry.ID, err)
		}
	}

	for _, entry := range parsed.Keys {
		before := len(response.Skipped)
		if err := add(entry, "key", ks.engine.AddKey); err != nil {
			return nil, err
		}
		if len(response.Skipped) == before {
			response.KeysImported++
		}
	}
	for _, entry := range parsed.Backups {
		before := len(response.Skipped)
		if err := add(entry, "backup", ks.engine.AddBackup); err != nil {
			return nil, err
		}
		if len(response.Skipped) == before {
			response.BackupsImported++
		}
	}

	ks.logger.Info("imported bundle",
		"keys", response.KeysImported,
		"backups", response.BackupsImported,
		"skipped", len(response.Skipped),
	)
	return response, nil
}

type exportResponse struct {
	Ciphertext string `cbor:"ciphertext"`
	Keys       int    `cbor:"keys"`
	Backups    int    `cbor:"backups"`
}

// handleExportBundle re-encrypts the whole pool (and unused backups)
// to operator-supplied age recipients, for escrow or migration. The
// plaintext bundle exists only transiently inside this handler.
func (ks *keywheelService) handleExportBundle(ctx context.Context, raw []byte) (any, error) {
	var request struct {
		Recipients     []string `cbor:"recipients"`
		IncludeBackups bool     `cbor:"include_backups"`
	}
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if len(request.Recipients) == 0 {
		return nil, fmt.Errorf("missing required field: recipients")
	}
	for _, recipient := range request.Recipients {
		if err := sealed.ParsePublicKey(recipient); err != nil {
			return nil, fmt.Errorf("recipient %q: %w", recipient, err)
		}
	}

	keys, err := ks.store.ListKeys(ctx)
	if err != nil {
		return nil, err
	}

	var exported bundle
	for _, key := range keys {
		material, err := ks.engine.OpenMaterial(ctx, key.ID)
		if err != nil {
			return nil, err
		}
		exported.Keys = append(exported.Keys, bundleKey{
			ID:       key.ID,
			Provider: key.Provider,
			Material: material.String(),
		})
		material.Close()
	}

	if request.IncludeBackups {
		backups, err := ks.store.ListBackupKeys(ctx)
		if err != nil {
			return nil, err
		}
		for _, backup := range backups {
			if backup.IsUsed {
				continue
			}
			material, err := ks.engine.OpenBackupMaterial(ctx, backup.ID)
			if err != nil {
				return nil, err
			}
			exported.Backups = append(exported.Backups, bundleKey{
				ID:       backup.ID,
				Provider: backup.Provider,
				Material: material.String(),
			})
			material.Close()
		}
	}

	if len(exported.Keys) == 0 && len(exported.Backups) == 0 {
		return nil, fmt.Errorf("nothing to export")
	}

	plaintext, err := json.Marshal(exported)
	if err != nil {
		return nil, fmt.Errorf("encoding bundle: %w", err)
	}
	ciphertext, err := sealed.Encrypt(plaintext, request.Recipients)
	secret.Zero(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting bundle: %w", err)
	}

	ks.logger.Info("exported bundle",
		"keys", len(exported.Keys),
		"backups", len(exported.Backups),
		"recipients", len(request.Recipients),
	)
	return exportResponse{
		Ciphertext: ciphertext,
		Keys:       len(exported.Keys),
		Backups:    len(exported.Backups),
	}, nil
}
