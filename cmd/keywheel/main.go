// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/bureau-foundation/keywheel/cmd/keywheel/cli"
)

func main() {
	if err := run(); err != nil {
		// Commands that print their own output return an ExitError
		// with the desired code. Don't print a redundant "error:"
		// line for those.
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var toolErr *cli.ToolError
		if errors.As(err, &toolErr) && toolErr.Hint != "" {
			fmt.Fprintf(os.Stderr, "\n%s\n", toolErr.Hint)
		}
		os.Exit(1)
	}
}

func run() error {
	return rootCommand().Execute(context.Background(), os.Args[1:])
}
