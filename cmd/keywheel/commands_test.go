// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/keywheel/cmd/keywheel/cli"
	"github.com/bureau-foundation/keywheel/lib/service"
	"github.com/bureau-foundation/keywheel/rotation"
)

func TestRootCommand_Tree(t *testing.T) {
	root := rootCommand()

	wantTop := []string{
		"status", "acquire", "report", "key", "backup",
		"bindings", "history", "bundle", "top", "version",
	}
	byName := map[string]*cli.Command{}
	for _, sub := range root.Subcommands {
		byName[sub.Name] = sub
	}
	for _, name := range wantTop {
		if byName[name] == nil {
			t.Errorf("root command missing subcommand %q", name)
		}
	}

	wantNested := map[string][]string{
		"key":    {"add", "list", "disable", "enable"},
		"backup": {"add", "promote"},
		"bundle": {"import", "export"},
	}
	for group, children := range wantNested {
		parent := byName[group]
		if parent == nil {
			continue
		}
		nested := map[string]bool{}
		for _, sub := range parent.Subcommands {
			nested[sub.Name] = true
		}
		for _, child := range children {
			if !nested[child] {
				t.Errorf("%s command missing subcommand %q", group, child)
			}
		}
	}
}

func TestRootCommand_Help(t *testing.T) {
	var buffer bytes.Buffer
	rootCommand().PrintHelp(&buffer)
	output := buffer.String()

	for _, want := range []string{
		"keywheel", "status", "Commands:", "Examples:",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("root help missing %q", want)
		}
	}
}

func TestCommands_ValidateArguments(t *testing.T) {
	// Validation failures must surface before any socket dial, so no
	// service is running for these.
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"status rejects args", []string{"status", "extra"}, "no arguments"},
		{"acquire requires proxy", []string{"acquire"}, "usage"},
		{"report requires outcome", []string{"report", "proxy-1", "key-1"}, "--outcome"},
		{"key add requires provider", []string{"key", "add", "key-1"}, "--provider"},
		{"key disable requires id", []string{"key", "disable"}, "usage"},
		{"history rejects extra args", []string{"history", "a", "b"}, "usage"},
		{"bundle import requires file", []string{"bundle", "import"}, "usage"},
		{"bundle export requires recipient", []string{"bundle", "export"}, "--recipient"},
		{"top rejects tiny refresh", []string{"top", "--refresh", "1ms"}, "100ms"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := rootCommand().Execute(context.Background(), test.args)
			if err == nil {
				t.Fatal("Execute() = nil, want validation error")
			}
			if !strings.Contains(err.Error(), test.want) {
				t.Errorf("error = %q, want it to mention %q", err, test.want)
			}
			var toolErr *cli.ToolError
			if !errors.As(err, &toolErr) || toolErr.Category != cli.CategoryValidation {
				t.Errorf("error %v is not a validation ToolError", err)
			}
		})
	}
}

// startStubService serves canned responses on a temp socket.
func startStubService(t *testing.T, register func(*service.SocketServer)) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "keywheel.sock")
	server := service.NewSocketServer(socketPath, slog.New(slog.DiscardHandler))
	register(server)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = server.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Wait for the socket to appear.
	client := service.NewServiceClient(socketPath)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		callCtx, callCancel := context.WithTimeout(context.Background(), time.Second)
		err := client.Call(callCtx, "ping", nil, nil)
		callCancel()
		if err == nil {
			return socketPath
		}
		var serviceErr *service.ServiceError
		if errors.As(err, &serviceErr) {
			// The server answered (unknown action): it is up.
			return socketPath
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("stub service did not start")
	return ""
}

func TestStatusCommand_AgainstStubService(t *testing.T) {
	socketPath := startStubService(t, func(server *service.SocketServer) {
		server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
			return statusReply{
				UptimeSeconds: 90,
				Stats:         rotation.PoolStats{ActiveKeys: 3, ActiveBindings: 2},
			}, nil
		})
	})

	err := rootCommand().Execute(context.Background(), []string{"status", "--socket", socketPath})
	if err != nil {
		t.Fatalf("status against stub service: %v", err)
	}
}

func TestStatusCommand_StarvedPoolExitsNonZero(t *testing.T) {
	socketPath := startStubService(t, func(server *service.SocketServer) {
		server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
			return statusReply{Stats: rotation.PoolStats{CoolingKeys: 2}}, nil
		})
	})

	err := rootCommand().Execute(context.Background(), []string{"status", "--socket", socketPath})
	coder, ok := err.(interface{ ExitCode() int })
	if !ok {
		t.Fatalf("starved pool error = %v, want ExitError", err)
	}
	if coder.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", coder.ExitCode())
	}
}

func TestKeyListCommand_AgainstStubService(t *testing.T) {
	socketPath := startStubService(t, func(server *service.SocketServer) {
		server.Handle("list-keys", func(ctx context.Context, raw []byte) (any, error) {
			return map[string]any{
				"keys": []keyEntry{
					{ID: "key-live-1", Provider: "openai", Status: "active",
						Fingerprint: "b3:aaaa", Score: 1.0},
				},
			}, nil
		})
	})

	err := rootCommand().Execute(context.Background(), []string{"key", "list", "--socket", socketPath})
	if err != nil {
		t.Fatalf("key list against stub service: %v", err)
	}
}
