// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/bureau-foundation/keywheel/cmd/keywheel/cli"
)

func bundleCommand() *cli.Command {
	return &cli.Command{
		Name:    "bundle",
		Summary: "Move keys as encrypted bundles",
		Description: `Import and export age-encrypted key bundles. Export encrypts the
pool server-side to operator recipient keys; import decrypts
server-side with the service's identity. Material never crosses the
socket in the clear in either direction.`,
		Subcommands: []*cli.Command{
			bundleImportCommand(),
			bundleExportCommand(),
		},
	}
}

// --- bundle import ---

type bundleImportParams struct {
	cli.ServiceConnection
	cli.JSONOutput
}

type importReply struct {
	KeysImported    int      `cbor:"keys_imported" json:"keys_imported"`
	BackupsImported int      `cbor:"backups_imported" json:"backups_imported"`
	Skipped         []string `cbor:"skipped" json:"skipped,omitempty"`
}

func bundleImportCommand() *cli.Command {
	var params bundleImportParams

	return &cli.Command{
		Name:    "import",
		Summary: "Import an encrypted key bundle",
		Description: `Send a bundle ciphertext to the service for decryption and import.
Keys that already exist are skipped, so re-importing a bundle is
safe. Reads the ciphertext from the named file, or stdin when the
argument is "-".`,
		Usage: "keywheel bundle import <file>",
		Examples: []cli.Example{
			{
				Description: "Import a bundle exported from another deployment",
				Command:     "keywheel bundle import pool.bundle",
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 1 {
				return cli.Validation("usage: keywheel bundle import <file>")
			}

			ciphertext, err := readBundleFile(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := cli.CallContext(ctx)
			defer cancel()

			var reply importReply
			err = params.Client().Call(ctx, "import-bundle",
				map[string]any{"ciphertext": ciphertext}, &reply)
			if err != nil {
				return cli.DiagnoseCallError(err, params.SocketPath)
			}

			if done, err := params.EmitJSON(reply); done {
				return err
			}
			fmt.Printf("imported %d keys, %d backups", reply.KeysImported, reply.BackupsImported)
			if len(reply.Skipped) > 0 {
				fmt.Printf(" (skipped existing: %s)", strings.Join(reply.Skipped, ", "))
			}
			fmt.Println()
			return nil
		},
	}
}

func readBundleFile(path string) (string, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", cli.Validation("reading bundle: %v", err)
	}
	ciphertext := strings.TrimSpace(string(data))
	if ciphertext == "" {
		return "", cli.Validation("bundle file is empty")
	}
	return ciphertext, nil
}

// --- bundle export ---

type bundleExportParams struct {
	cli.ServiceConnection
	Recipients     []string `flag:"recipient,r" desc:"age recipient public key (repeatable)"`
	IncludeBackups bool     `flag:"include-backups" desc:"include unused reserve keys" default:"true"`
	Out            string   `flag:"out,o" desc:"write the ciphertext to this file instead of stdout"`
}

func bundleExportCommand() *cli.Command {
	var params bundleExportParams

	return &cli.Command{
		Name:    "export",
		Summary: "Export the pool as an encrypted bundle",
		Description: `Ask the service to encrypt every key (and, by default, every unused
reserve) to the given age recipients. The ciphertext is written to
stdout or --out; only holders of a matching age identity can open
it.`,
		Usage: "keywheel bundle export --recipient AGE-PUBLIC-KEY [flags]",
		Examples: []cli.Example{
			{
				Description: "Escrow the pool to two operators",
				Command:     "keywheel bundle export -r age1aaa... -r age1bbb... --out pool.bundle",
			},
		},
		Params: func() any { return &params },
		Run: func(ctx context.Context, args []string, logger *slog.Logger) error {
			if len(args) != 0 {
				return cli.Validation("bundle export takes no arguments")
			}
			if len(params.Recipients) == 0 {
				return cli.Validation("at least one --recipient is required")
			}

			ctx, cancel := cli.CallContext(ctx)
			defer cancel()

			var reply struct {
				Ciphertext string `cbor:"ciphertext"`
				Keys       int    `cbor:"keys"`
				Backups    int    `cbor:"backups"`
			}
			err := params.Client().Call(ctx, "export-bundle", map[string]any{
				"recipients":      params.Recipients,
				"include_backups": params.IncludeBackups,
			}, &reply)
			if err != nil {
				return cli.DiagnoseCallError(err, params.SocketPath)
			}

			if params.Out != "" {
				if err := os.WriteFile(params.Out, []byte(reply.Ciphertext+"\n"), 0o600); err != nil {
					return fmt.Errorf("writing %s: %w", params.Out, err)
				}
				logger.Info("bundle written", "path", params.Out,
					"keys", reply.Keys, "backups", reply.Backups)
				return nil
			}
			fmt.Println(reply.Ciphertext)
			return nil
		},
	}
}
