// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/bureau-foundation/keywheel/lib/secret"
)

// ReadSecret reads key material without it ever appearing in argv or
// shell history. When stdin is a terminal, it prompts on stderr and
// reads with echo disabled. When stdin is piped (scripts, bundle
// tooling), it reads everything up to EOF. A single trailing newline
// is stripped in both cases; interior bytes pass through untouched.
//
// The intermediate buffer is zeroed by [secret.NewFromBytes]; the
// caller owns the returned secret and must Close it.
func ReadSecret(prompt string) (*secret.Buffer, error) {
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "%s: ", prompt)
		line, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("reading secret: %w", err)
		}
		return materialFromBytes(line)
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading secret from stdin: %w", err)
	}
	return materialFromBytes(bytes.TrimSuffix(data, []byte("\n")))
}

func materialFromBytes(data []byte) (*secret.Buffer, error) {
	buffer, err := secret.NewFromBytes(data)
	if err != nil {
		return nil, Validation("empty secret")
	}
	return buffer, nil
}
