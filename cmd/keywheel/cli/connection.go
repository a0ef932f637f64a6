// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keywheel/lib/heartbeat"
	"github.com/bureau-foundation/keywheel/lib/service"
)

// Default paths when neither flag nor environment override them.
// These match the service's DefaultConfig.
const (
	DefaultSocketPath    = "/run/keywheel/keywheel.sock"
	DefaultHeartbeatPath = "/run/keywheel/heartbeat.json"
)

// Environment variables that override the default paths. Flags win
// over environment, environment wins over defaults.
const (
	SocketEnvVar    = "KEYWHEEL_SOCKET"
	HeartbeatEnvVar = "KEYWHEEL_HEARTBEAT"
)

// ServiceConnection manages the socket flag for commands that talk to
// the keywheel service. Implements [FlagBinder], so embedding it in a
// params struct registers --socket automatically.
type ServiceConnection struct {
	SocketPath string
}

// AddFlags registers the --socket flag with the environment/default
// fallback chain applied to the default value.
func (c *ServiceConnection) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.SocketPath, "socket", envOr(SocketEnvVar, DefaultSocketPath),
		"keywheel service socket path")
}

// Client returns a service client for the configured socket.
func (c *ServiceConnection) Client() *service.ServiceClient {
	return service.NewServiceClient(c.SocketPath)
}

// CallContext bounds a service call derived from parent. Every action
// is a single request over a local socket; anything slower than this
// means the service is wedged.
func CallContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 30*time.Second)
}

// envOr returns the environment variable's value, or fallback when
// unset or empty.
func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// heartbeatStaleAfter is how old a heartbeat may be before the
// diagnosis treats the service as wedged. The service refreshes every
// 10 seconds, so three missed refreshes is decisive.
const heartbeatStaleAfter = 30 * time.Second

// DiagnoseCallError inspects a failed service call and, for
// connection-level failures, consults the service's heartbeat file to
// produce a categorized error with an actionable hint:
//
//   - socket missing or refused, no heartbeat → service not running
//   - socket refused, fresh heartbeat → socket path mismatch
//   - stale heartbeat → service wedged
//
// Protocol-level errors (the call reached the service and it answered
// with an error) are returned unchanged.
func DiagnoseCallError(err error, socketPath string) error {
	var serviceErr *service.ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	if !errors.Is(err, syscall.ECONNREFUSED) && !errors.Is(err, fs.ErrNotExist) &&
		!errors.Is(err, syscall.ENOENT) {
		return err
	}

	heartbeatPath := envOr(HeartbeatEnvVar, DefaultHeartbeatPath)
	state, readErr := heartbeat.Read(heartbeatPath)
	switch {
	case readErr != nil:
		return Transient("cannot connect to keywheel service at %s", socketPath).
			WithHint("The service does not appear to be running.\n" +
				"Start it with: keywheel-service --config /etc/keywheel/config.yaml")
	case time.Since(state.UpdatedAt) > heartbeatStaleAfter:
		return Transient("cannot connect to keywheel service at %s (heartbeat stale since %s)",
			socketPath, state.UpdatedAt.UTC().Format(time.RFC3339)).
			WithHint("The service wrote a heartbeat but has stopped refreshing it.\n" +
				"Check the service logs and restart it if it is wedged.")
	default:
		return Transient("cannot connect to keywheel service at %s", socketPath).
			WithHint("The service heartbeat is fresh, so it is running but listening elsewhere.\n" +
				"Check the socket_path in its config, or pass --socket / set " + SocketEnvVar + ".")
	}
}
