// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bureau-foundation/keywheel/lib/clock"
	"github.com/bureau-foundation/keywheel/lib/secret"
)

// Prober checks one key against its upstream provider and classifies
// the result. The material buffer is borrowed for the duration of the
// call; implementations must not retain or close it.
type Prober interface {
	Probe(ctx context.Context, key *Key, material *secret.Buffer) (Outcome, time.Duration, error)
}

// Monitor periodically probes every actively bound (proxy, key) pair
// so unhealthy keys are detected without waiting for live traffic to
// fail. Probe outcomes flow through the engine's normal failure
// policy; the monitor itself never touches key status.
type Monitor struct {
	engine *Engine
	store  *Store
	prober Prober
	cfg    HealthConfig
	clock  clock.Clock
	logger *slog.Logger
}

// MonitorConfig holds the collaborators for NewMonitor. All fields
// are required.
type MonitorConfig struct {
	Engine *Engine
	Store  *Store
	Prober Prober
	Health HealthConfig
	Clock  clock.Clock
	Logger *slog.Logger
}

// NewMonitor validates the configuration and creates a monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	switch {
	case cfg.Engine == nil:
		return nil, fmt.Errorf("health monitor: Engine is required")
	case cfg.Store == nil:
		return nil, fmt.Errorf("health monitor: Store is required")
	case cfg.Prober == nil:
		return nil, fmt.Errorf("health monitor: Prober is required")
	case cfg.Clock == nil:
		return nil, fmt.Errorf("health monitor: Clock is required")
	case cfg.Logger == nil:
		return nil, fmt.Errorf("health monitor: Logger is required")
	}
	return &Monitor{
		engine: cfg.Engine,
		store:  cfg.Store,
		prober: cfg.Prober,
		cfg:    cfg.Health,
		clock:  cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// Run probes on the configured interval until the context is
// cancelled. Cycles run synchronously on the ticker goroutine, so a
// slow cycle can never overlap the next one; the ticker drops the
// ticks that arrive meanwhile.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", m.cfg.ProbeInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			if err := m.ProbeCycle(ctx); err != nil {
				m.logger.Error("probe cycle failed", "error", err)
			}
		}
	}
}

// ProbeCycle probes every actively bound pair once. Individual probe
// failures are recorded (or logged, for infrastructure errors) and do
// not abort the cycle.
func (m *Monitor) ProbeCycle(ctx context.Context) error {
	bindings, err := m.store.ListActiveBindings(ctx)
	if err != nil {
		return err
	}

	for _, binding := range bindings {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.probeOne(ctx, binding)
	}
	return nil
}

func (m *Monitor) probeOne(ctx context.Context, binding Binding) {
	key, err := m.store.GetKey(ctx, binding.KeyID)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			// Sweep will heal the binding; nothing to probe.
			return
		}
		m.logger.Error("loading key for probe", "key", binding.KeyID, "error", err)
		return
	}
	if key.Status != StatusActive {
		return
	}

	material, err := m.engine.OpenMaterial(ctx, key.ID)
	if err != nil {
		m.logger.Error("opening material for probe", "key", key.ID, "error", err)
		return
	}
	defer material.Close()

	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	outcome, latency, err := m.prober.Probe(probeCtx, key, material)
	cancel()
	if err != nil {
		// Infrastructure failure (no profile, local socket error):
		// not evidence about the key, so no record is written.
		m.logger.Error("probe failed", "proxy", binding.ProxyID, "key", key.ID, "error", err)
		return
	}

	if _, err := m.engine.ReportProbe(ctx, binding.ProxyID, key.ID, outcome, latency); err != nil {
		m.logger.Error("recording probe outcome",
			"proxy", binding.ProxyID, "key", key.ID, "outcome", outcome, "error", err)
		return
	}
	if outcome != OutcomeOK {
		m.logger.Warn("probe detected unhealthy key",
			"proxy", binding.ProxyID, "key", key.ID, "outcome", outcome, "latency", latency)
	}
}

// HTTPProber probes real provider endpoints using per-provider
// profiles. A key whose provider has no profile is an infrastructure
// error (misconfiguration), not a key outcome.
type HTTPProber struct {
	profiles map[string]*ProviderProfile
	client   *http.Client
}

// NewHTTPProber creates a prober over the given profiles. The
// client's transport handles connection pooling; per-probe deadlines
// come from the context, so the client itself carries no timeout.
func NewHTTPProber(profiles map[string]*ProviderProfile, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPProber{profiles: profiles, client: client}
}

// Probe issues the provider's probe request with the key's credential
// and classifies the response status.
func (p *HTTPProber) Probe(ctx context.Context, key *Key, material *secret.Buffer) (Outcome, time.Duration, error) {
	profile, ok := p.profiles[key.Provider]
	if !ok {
		return "", 0, fmt.Errorf("no provider profile for %q", key.Provider)
	}
	if profile.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}

	request, err := http.NewRequestWithContext(ctx, profile.Method, profile.URL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("building probe request: %w", err)
	}
	request.Header.Set(profile.AuthHeader, profile.authHeaderValue(material.String()))

	start := time.Now()
	response, err := p.client.Do(request)
	latency := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return OutcomeTimeout, latency, nil
		}
		if ctx.Err() != nil {
			return OutcomeTimeout, latency, nil
		}
		return OutcomeNetworkError, latency, nil
	}
	response.Body.Close()

	return profile.ClassifyStatus(response.StatusCode), latency, nil
}
