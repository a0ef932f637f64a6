// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestCommand_Execute_DispatchesToSubcommand(t *testing.T) {
	var called string

	root := &Command{
		Name: "keywheel",
		Subcommands: []*Command{
			{
				Name: "version",
				Run: func(_ context.Context, args []string, _ *slog.Logger) error {
					called = "version"
					return nil
				},
			},
			{
				Name: "status",
				Run: func(_ context.Context, args []string, _ *slog.Logger) error {
					called = "status"
					return nil
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"status"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "status" {
		t.Errorf("dispatched to %q, want %q", called, "status")
	}
}

func TestCommand_Execute_NestedSubcommands(t *testing.T) {
	var called string
	var receivedArgs []string

	root := &Command{
		Name: "keywheel",
		Subcommands: []*Command{
			{
				Name: "key",
				Subcommands: []*Command{
					{
						Name: "add",
						Run: func(_ context.Context, args []string, _ *slog.Logger) error {
							called = "key add"
							receivedArgs = args
							return nil
						},
					},
				},
			},
		},
	}

	if err := root.Execute(context.Background(), []string{"key", "add", "key-live-1"}); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if called != "key add" {
		t.Errorf("dispatched to %q, want %q", called, "key add")
	}
	if len(receivedArgs) != 1 || receivedArgs[0] != "key-live-1" {
		t.Errorf("args = %v, want [key-live-1]", receivedArgs)
	}
}

func TestCommand_Execute_BindsParams(t *testing.T) {
	type params struct {
		Socket string `flag:"socket" desc:"socket path" default:"/default.sock"`
		Limit  int    `flag:"limit,n" desc:"row limit" default:"50"`
	}

	var got params
	var target string

	command := &Command{
		Name:   "history",
		Params: func() any { return &got },
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			if len(args) > 0 {
				target = args[0]
			}
			return nil
		},
	}

	err := command.Execute(context.Background(),
		[]string{"--socket", "/custom.sock", "-n", "10", "key-live-1"})
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got.Socket != "/custom.sock" {
		t.Errorf("Socket = %q, want %q", got.Socket, "/custom.sock")
	}
	if got.Limit != 10 {
		t.Errorf("Limit = %d, want 10", got.Limit)
	}
	if target != "key-live-1" {
		t.Errorf("target = %q, want %q", target, "key-live-1")
	}
}

func TestCommand_Execute_ParamsDefaults(t *testing.T) {
	type params struct {
		Limit int `flag:"limit" desc:"row limit" default:"50"`
	}

	var got params
	command := &Command{
		Name:   "history",
		Params: func() any { return &got },
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			return nil
		},
	}

	if err := command.Execute(context.Background(), nil); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if got.Limit != 50 {
		t.Errorf("Limit = %d, want default 50", got.Limit)
	}
}

func TestCommand_Execute_UnknownFlagSuggestion(t *testing.T) {
	type params struct {
		Readonly bool   `flag:"readonly" desc:"read-only mode"`
		Socket   string `flag:"socket" desc:"socket path"`
	}

	command := &Command{
		Name:   "top",
		Params: func() any { return &params{} },
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			return nil
		},
	}

	err := command.Execute(context.Background(), []string{"--readnoly"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "did you mean --readonly") {
		t.Errorf("error = %q, want suggestion for '--readonly'", errStr)
	}
	if !strings.Contains(errStr, "readnoly") {
		t.Errorf("error = %q, should mention the bad flag", errStr)
	}
	if !strings.Contains(errStr, "--help") {
		t.Errorf("error = %q, should point to --help", errStr)
	}
}

func TestCommand_Execute_UnknownFlagNoSuggestion(t *testing.T) {
	type params struct {
		Readonly bool `flag:"readonly" desc:"read-only mode"`
	}

	command := &Command{
		Name:   "top",
		Params: func() any { return &params{} },
		Run: func(_ context.Context, args []string, _ *slog.Logger) error {
			return nil
		},
	}

	err := command.Execute(context.Background(), []string{"--zzzzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown flag")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not suggest for distant flag", err.Error())
	}
	if !strings.Contains(err.Error(), "--help") {
		t.Errorf("error = %q, should point to --help", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandSuggestion(t *testing.T) {
	root := &Command{
		Name: "keywheel",
		Subcommands: []*Command{
			{Name: "status"},
			{Name: "acquire"},
			{Name: "version"},
		},
	}

	err := root.Execute(context.Background(), []string{"aquire"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if !strings.Contains(err.Error(), "did you mean \"acquire\"") {
		t.Errorf("error = %q, want suggestion for 'acquire'", err.Error())
	}
}

func TestCommand_Execute_UnknownSubcommandNoSuggestion(t *testing.T) {
	root := &Command{
		Name: "keywheel",
		Subcommands: []*Command{
			{Name: "status"},
			{Name: "acquire"},
		},
	}

	err := root.Execute(context.Background(), []string{"zzzzzzz"})
	if err == nil {
		t.Fatal("Execute() = nil, want error for unknown subcommand")
	}
	if strings.Contains(err.Error(), "did you mean") {
		t.Errorf("error = %q, should not contain suggestion for distant input", err.Error())
	}
}

func TestCommand_Execute_HelpFlag(t *testing.T) {
	for _, helpArg := range []string{"-h", "--help", "help"} {
		t.Run(helpArg, func(t *testing.T) {
			root := &Command{
				Name:    "keywheel",
				Summary: "API key rotation manager",
				Subcommands: []*Command{
					{Name: "status", Summary: "Show pool status"},
				},
			}

			if err := root.Execute(context.Background(), []string{helpArg}); err != nil {
				t.Errorf("Execute(%q) error: %v", helpArg, err)
			}
		})
	}
}

func TestCommand_Execute_NoArgsShowsHelp(t *testing.T) {
	root := &Command{
		Name: "keywheel",
		Subcommands: []*Command{
			{Name: "status", Summary: "Show pool status"},
		},
	}

	err := root.Execute(context.Background(), []string{})
	if err == nil {
		t.Fatal("Execute() = nil, want error for missing subcommand")
	}
	if !strings.Contains(err.Error(), "subcommand required") {
		t.Errorf("error = %q, want 'subcommand required'", err.Error())
	}
}

func TestCommand_PrintHelp(t *testing.T) {
	command := &Command{
		Name:        "keywheel",
		Description: "Pooled API key rotation manager.",
		Subcommands: []*Command{
			{Name: "status", Summary: "Show pool status"},
			{Name: "key", Summary: "Manage pool keys"},
			{Name: "version", Summary: "Print version information"},
		},
		Examples: []Example{
			{
				Description: "Show the pool at a glance",
				Command:     "keywheel status",
			},
			{
				Description: "Add a key, reading the material from a prompt",
				Command:     "keywheel key add key-live-1 --provider openai",
			},
		},
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"Pooled API key rotation manager.",
		"Usage:",
		"keywheel <command> [flags]",
		"Commands:",
		"status",
		"Show pool status",
		"key",
		"Manage pool keys",
		"Examples:",
		"keywheel status",
		"keywheel key add key-live-1",
		"Run 'keywheel <command> --help'",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestCommand_PrintHelp_WithFlags(t *testing.T) {
	type params struct {
		Socket string `flag:"socket" desc:"service socket path" default:"/run/keywheel/keywheel.sock"`
		Limit  int    `flag:"limit" desc:"row limit" default:"50"`
	}

	command := &Command{
		Name:    "history",
		Summary: "Show recent health records",
		Usage:   "keywheel history [key-id] [flags]",
		Params:  func() any { return &params{} },
	}

	var buffer bytes.Buffer
	command.PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"keywheel history [key-id] [flags]",
		"Flags:",
		"socket",
		"limit",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("help output missing %q\n\nFull output:\n%s", want, output)
		}
	}
}

func TestCommand_FullName(t *testing.T) {
	root := &Command{Name: "keywheel"}
	key := &Command{Name: "key", parent: root}
	add := &Command{Name: "add", parent: key}

	if got := root.fullName(); got != "keywheel" {
		t.Errorf("root.fullName() = %q, want %q", got, "keywheel")
	}
	if got := key.fullName(); got != "keywheel key" {
		t.Errorf("key.fullName() = %q, want %q", got, "keywheel key")
	}
	if got := add.fullName(); got != "keywheel key add" {
		t.Errorf("add.fullName() = %q, want %q", got, "keywheel key add")
	}
}
