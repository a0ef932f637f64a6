// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/keywheel/lib/clock"
	"github.com/bureau-foundation/keywheel/lib/heartbeat"
	"github.com/bureau-foundation/keywheel/lib/process"
	"github.com/bureau-foundation/keywheel/lib/sealed"
	"github.com/bureau-foundation/keywheel/lib/secret"
	"github.com/bureau-foundation/keywheel/lib/service"
	"github.com/bureau-foundation/keywheel/lib/version"
	"github.com/bureau-foundation/keywheel/rotation"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

// heartbeatInterval is how often the service refreshes its liveness
// state file. Readers should treat anything older than a few
// intervals as dead.
const heartbeatInterval = 10 * time.Second

func run() error {
	flags := pflag.NewFlagSet("keywheel-service", pflag.ContinueOnError)
	configPath := flags.String("config", "/etc/keywheel/config.yaml", "path to the service configuration file")
	generateIdentity := flags.Bool("generate-identity", false, "generate the age identity and vault master key, then exit")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	if *showVersion {
		version.Print("keywheel-service")
		return nil
	}

	config, err := rotation.LoadConfig(*configPath)
	if err != nil {
		return err
	}

	if *generateIdentity {
		return generateIdentityFiles(config)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	store, err := rotation.OpenStore(rotation.StoreConfig{
		Path:   config.DatabasePath,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	vault, err := rotation.LoadVault(config.MaterialKeyPath)
	if err != nil {
		return err
	}
	defer vault.Close()

	identity, err := secret.ReadFromPath(config.IdentityPath)
	if err != nil {
		return fmt.Errorf("loading service identity: %w", err)
	}
	defer identity.Close()

	ledger := rotation.NewLedger(store, config.Ledger)
	engine, err := rotation.NewEngine(rotation.EngineConfig{
		Store:  store,
		Vault:  vault,
		Ledger: ledger,
		Policy: config.Rotation,
		Clock:  clk,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	// Background loops: sweeper, health monitor, archiver, heartbeat.
	// All stop on context cancellation; done channels let shutdown
	// wait for them.
	var loops []chan struct{}
	startLoop := func(name string, loop func(context.Context)) {
		done := make(chan struct{})
		loops = append(loops, done)
		go func() {
			defer close(done)
			loop(ctx)
		}()
		logger.Info("background loop started", "loop", name)
	}

	startLoop("sweeper", engine.RunSweeper)

	profiles, err := rotation.LoadProviderProfiles(config.Health.ProviderDir)
	if err != nil {
		return err
	}
	if len(profiles) > 0 {
		prober := rotation.NewHTTPProber(profiles, &http.Client{})
		monitor, err := rotation.NewMonitor(rotation.MonitorConfig{
			Engine: engine,
			Store:  store,
			Prober: prober,
			Health: config.Health,
			Clock:  clk,
			Logger: logger,
		})
		if err != nil {
			return err
		}
		startLoop("health monitor", monitor.Run)
	} else {
		logger.Warn("no provider profiles found, health probing disabled",
			"provider_dir", config.Health.ProviderDir)
	}

	if config.Archive.Directory != "" {
		archiver, err := rotation.NewArchiver(rotation.ArchiverConfig{
			Store:   store,
			Archive: config.Archive,
			Clock:   clk,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		startLoop("archiver", archiver.Run)
	}

	keywheel := &keywheelService{
		engine:    engine,
		store:     store,
		ledger:    ledger,
		identity:  identity,
		clock:     clk,
		logger:    logger,
		startedAt: clk.Now(),
	}

	if config.HeartbeatPath != "" {
		startLoop("heartbeat", func(ctx context.Context) {
			keywheel.runHeartbeat(ctx, config.HeartbeatPath)
		})
	}

	socketServer := service.NewSocketServer(config.SocketPath, logger)
	keywheel.registerActions(socketServer)

	socketDone := make(chan error, 1)
	go func() {
		socketDone <- socketServer.Serve(ctx)
	}()

	logger.Info("keywheel service running",
		"socket", config.SocketPath,
		"database", config.DatabasePath,
		"providers", len(profiles),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-socketDone; err != nil {
		logger.Error("socket server error", "error", err)
	}
	for _, done := range loops {
		<-done
	}
	if config.HeartbeatPath != "" {
		heartbeat.Clear(config.HeartbeatPath)
	}

	return nil
}

// runHeartbeat writes the liveness state file on an interval until
// the context is cancelled. A failed stats read still refreshes the
// timestamp: the service is alive even when the store is not.
func (ks *keywheelService) runHeartbeat(ctx context.Context, path string) {
	started := ks.startedAt
	write := func() {
		state := heartbeat.State{
			Pid:       os.Getpid(),
			Version:   version.Short(),
			StartedAt: started,
			UpdatedAt: ks.clock.Now(),
		}
		stats, err := ks.store.Stats(ctx)
		if err != nil {
			ks.logger.Warn("heartbeat stats unavailable", "error", err)
		} else if encoded, err := json.Marshal(stats); err == nil {
			state.Stats = encoded
		}
		if err := heartbeat.Write(path, state); err != nil {
			ks.logger.Error("writing heartbeat", "path", path, "error", err)
		}
	}

	write()
	ticker := ks.clock.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			write()
		}
	}
}

// generateIdentityFiles creates the service's age identity and the
// vault master key at the configured paths. Refuses to overwrite
// existing files: regenerating either would orphan every sealed
// material and every escrowed bundle. The public key is printed so
// the operator can encrypt bundles to the service.
func generateIdentityFiles(config *rotation.Config) error {
	for _, path := range []string{config.IdentityPath, config.MaterialKeyPath} {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", path)
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("checking %s: %w", path, err)
		}
	}

	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()

	if err := os.WriteFile(config.IdentityPath, append([]byte(keypair.PrivateKey.String()), '\n'), 0o600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}

	vaultKey, err := rotation.GenerateVaultKey()
	if err != nil {
		return err
	}
	if err := os.WriteFile(config.MaterialKeyPath, append([]byte(vaultKey), '\n'), 0o600); err != nil {
		return fmt.Errorf("writing vault key: %w", err)
	}

	fmt.Printf("identity written to %s\n", config.IdentityPath)
	fmt.Printf("vault key written to %s\n", config.MaterialKeyPath)
	fmt.Printf("public key: %s\n", keypair.PublicKey)
	return nil
}
