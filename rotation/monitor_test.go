// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package rotation

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/keywheel/lib/secret"
)

// fakeProber records every probe it receives and returns a canned
// outcome per key id. Keys without an entry return an error, standing
// in for infrastructure failures like a missing provider profile.
type fakeProber struct {
	mu       sync.Mutex
	outcomes map[string]Outcome
	probed   []string
}

func (p *fakeProber) Probe(ctx context.Context, key *Key, material *secret.Buffer) (Outcome, time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, key.ID)
	outcome, ok := p.outcomes[key.ID]
	if !ok {
		return "", 0, fmt.Errorf("no profile for %q", key.Provider)
	}
	return outcome, 25 * time.Millisecond, nil
}

func (p *fakeProber) probedKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.probed...)
}

var testHealth = HealthConfig{
	ProbeInterval: time.Minute,
	ProbeTimeout:  10 * time.Second,
}

func newTestMonitor(t *testing.T, harness *engineHarness, prober Prober) *Monitor {
	t.Helper()
	monitor, err := NewMonitor(MonitorConfig{
		Engine: harness.engine,
		Store:  harness.store,
		Prober: prober,
		Health: testHealth,
		Clock:  harness.clock,
		Logger: testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return monitor
}

func TestNewMonitor_RequiresCollaborators(t *testing.T) {
	harness := newTestEngine(t)
	_, err := NewMonitor(MonitorConfig{
		Engine: harness.engine,
		Store:  harness.store,
		Health: testHealth,
		Clock:  harness.clock,
		Logger: testLogger(t),
	})
	if err == nil {
		t.Fatal("NewMonitor accepted a nil Prober")
	}
}

func TestProbeCycle_RecordsOutcomePerBinding(t *testing.T) {
	ctx := context.Background()
	harness := newTestEngine(t)
	harness.addKey(t, "key-a")
	harness.addKey(t, "key-b")

	handleA, err := harness.engine.Acquire(ctx, "proxy-1")
	if err != nil {
		t.Fatalf("Acquire(proxy-1): %v", err)
	}
	if _, err := harness.engine.Acquire(ctx, "proxy-2"); err != nil {
		t.Fatalf("Acquire(proxy-2): %v", err)
	}

	prober := &fakeProber{outcomes: map[string]Outcome{
		"key-a": OutcomeOK,
		"key-b": OutcomeOK,
	}}
	monitor := newTestMonitor(t, harness, prober)

	if err := monitor.ProbeCycle(ctx); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	if probed := prober.probedKeys(); len(probed) != 2 {
		t.Fatalf("probed %v, want both bound keys", probed)
	}

	records, err := harness.store.HealthWindow(ctx, handleA.KeyID, 10, time.Time{})
	if err != nil {
		t.Fatalf("HealthWindow: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d health records for %s, want 1", len(records), handleA.KeyID)
	}
	if records[0].Source != SourceProbe {
		t.Errorf("record source = %s, want probe", records[0].Source)
	}
	if records[0].Outcome != OutcomeOK {
		t.Errorf("record outcome = %s, want ok", records[0].Outcome)
	}
}

func TestProbeCycle_FailedProbeCoolsKey(t *testing.T) {
	ctx := context.Background()
	harness := newTestEngine(t)
	harness.addKey(t, "key-a")
	harness.addKey(t, "key-b")

	handle, err := harness.engine.Acquire(ctx, "proxy-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	prober := &fakeProber{outcomes: map[string]Outcome{
		handle.KeyID: OutcomeAuthError,
	}}
	monitor := newTestMonitor(t, harness, prober)

	if err := monitor.ProbeCycle(ctx); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}

	key := harness.mustGetKey(t, handle.KeyID)
	if key.Status != StatusCoolingDown {
		t.Errorf("probed key status = %s, want cooling_down", key.Status)
	}

	// The failure policy rebinds the proxy to the surviving key, so
	// traffic keeps flowing without the proxy noticing.
	binding, err := harness.store.ActiveBindingForProxy(ctx, "proxy-1")
	if err != nil {
		t.Fatalf("ActiveBindingForProxy: %v", err)
	}
	if binding.KeyID == handle.KeyID {
		t.Error("proxy still bound to the cooled key")
	}
}

func TestProbeCycle_ProberErrorWritesNoRecord(t *testing.T) {
	ctx := context.Background()
	harness := newTestEngine(t)
	harness.addKey(t, "key-a")

	handle, err := harness.engine.Acquire(ctx, "proxy-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// No outcome entry: the fake prober errors, like a missing profile.
	prober := &fakeProber{outcomes: map[string]Outcome{}}
	monitor := newTestMonitor(t, harness, prober)

	if err := monitor.ProbeCycle(ctx); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}

	records, err := harness.store.HealthWindow(ctx, handle.KeyID, 10, time.Time{})
	if err != nil {
		t.Fatalf("HealthWindow: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("infrastructure error wrote %d health records, want 0", len(records))
	}
	if key := harness.mustGetKey(t, handle.KeyID); key.Status != StatusActive {
		t.Errorf("key status = %s, want active (prober errors are not key evidence)", key.Status)
	}
}

func TestProbeCycle_SkipsNonActiveKeys(t *testing.T) {
	ctx := context.Background()
	harness := newTestEngine(t)
	harness.addKey(t, "key-a")

	if _, err := harness.engine.Acquire(ctx, "proxy-1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Cool the key out from under its binding, as a crash between the
	// policy's two writes would. The monitor must not probe it.
	applied, err := harness.store.CompareAndSwapKey(ctx, KeyTransition{
		ID:            "key-a",
		From:          StatusActive,
		To:            StatusCoolingDown,
		CooldownUntil: harness.clock.Now().Add(time.Hour),
	})
	if err != nil || !applied {
		t.Fatalf("CompareAndSwapKey: applied=%v err=%v", applied, err)
	}

	prober := &fakeProber{outcomes: map[string]Outcome{"key-a": OutcomeOK}}
	monitor := newTestMonitor(t, harness, prober)

	if err := monitor.ProbeCycle(ctx); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	if probed := prober.probedKeys(); len(probed) != 0 {
		t.Errorf("probed %v, want nothing (key is cooling)", probed)
	}
}

func TestProbeCycle_NoBindings(t *testing.T) {
	harness := newTestEngine(t)
	prober := &fakeProber{}
	monitor := newTestMonitor(t, harness, prober)

	if err := monitor.ProbeCycle(context.Background()); err != nil {
		t.Fatalf("ProbeCycle: %v", err)
	}
	if probed := prober.probedKeys(); len(probed) != 0 {
		t.Errorf("probed %v with no bindings", probed)
	}
}

func httpProbeKey(t *testing.T) (*Key, *secret.Buffer) {
	t.Helper()
	material, err := secret.NewFromBytes([]byte("sk-live-test"))
	if err != nil {
		t.Fatalf("creating material: %v", err)
	}
	t.Cleanup(func() { material.Close() })
	return &Key{ID: "key-a", Provider: "testprov"}, material
}

func TestHTTPProber_SendsCredentialAndClassifies(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	prober := NewHTTPProber(map[string]*ProviderProfile{
		"testprov": {
			Name:       "testprov",
			URL:        server.URL,
			Method:     http.MethodGet,
			AuthHeader: "Authorization",
			AuthFormat: "Bearer {material}",
		},
	}, nil)

	key, material := httpProbeKey(t)
	outcome, latency, err := prober.Probe(context.Background(), key, material)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if outcome != OutcomeOK {
		t.Errorf("outcome = %s, want ok", outcome)
	}
	if latency <= 0 {
		t.Errorf("latency = %v, want positive", latency)
	}
	if gotAuth != "Bearer sk-live-test" {
		t.Errorf("Authorization = %q, want the rendered credential", gotAuth)
	}
}

func TestHTTPProber_StatusClassification(t *testing.T) {
	status := http.StatusOK
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()

	prober := NewHTTPProber(map[string]*ProviderProfile{
		"testprov": {
			Name:       "testprov",
			URL:        server.URL,
			Method:     http.MethodGet,
			AuthHeader: "X-Api-Key",
			AuthFormat: "{material}",
		},
	}, nil)
	key, material := httpProbeKey(t)

	cases := []struct {
		status int
		want   Outcome
	}{
		{http.StatusOK, OutcomeOK},
		{http.StatusTooManyRequests, OutcomeRateLimited},
		{http.StatusUnauthorized, OutcomeAuthError},
		{http.StatusInternalServerError, OutcomeNetworkError},
	}
	for _, c := range cases {
		status = c.status
		outcome, _, err := prober.Probe(context.Background(), key, material)
		if err != nil {
			t.Fatalf("Probe(%d): %v", c.status, err)
		}
		if outcome != c.want {
			t.Errorf("Probe(%d) = %s, want %s", c.status, outcome, c.want)
		}
	}
}

func TestHTTPProber_TimeoutOutcome(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	prober := NewHTTPProber(map[string]*ProviderProfile{
		"testprov": {
			Name:       "testprov",
			URL:        server.URL,
			Method:     http.MethodGet,
			AuthHeader: "Authorization",
			AuthFormat: "Bearer {material}",
			Timeout:    50 * time.Millisecond,
		},
	}, nil)
	key, material := httpProbeKey(t)

	outcome, _, err := prober.Probe(context.Background(), key, material)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if outcome != OutcomeTimeout {
		t.Errorf("outcome = %s, want timeout", outcome)
	}
}

func TestHTTPProber_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	prober := NewHTTPProber(map[string]*ProviderProfile{
		"testprov": {
			Name:       "testprov",
			URL:        server.URL,
			Method:     http.MethodGet,
			AuthHeader: "Authorization",
			AuthFormat: "Bearer {material}",
		},
	}, nil)
	key, material := httpProbeKey(t)

	outcome, _, err := prober.Probe(context.Background(), key, material)
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if outcome != OutcomeNetworkError {
		t.Errorf("outcome = %s, want network_error", outcome)
	}
}

func TestHTTPProber_MissingProfile(t *testing.T) {
	prober := NewHTTPProber(map[string]*ProviderProfile{}, nil)
	key, material := httpProbeKey(t)

	if _, _, err := prober.Probe(context.Background(), key, material); err == nil {
		t.Fatal("Probe succeeded with no profile for the provider")
	}
}
