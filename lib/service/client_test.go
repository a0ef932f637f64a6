// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bureau-foundation/keywheel/lib/codec"
)

func TestClientCall(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())

	server.Handle("status", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]any{"uptime_seconds": 42}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Serve(ctx)
	}()
	waitForSocket(t, socketPath)

	client := NewServiceClient(socketPath)

	var result map[string]any
	if err := client.Call(ctx, "status", nil, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result["uptime_seconds"] != uint64(42) {
		t.Errorf("uptime_seconds: got %v (%T), want 42", result["uptime_seconds"], result["uptime_seconds"])
	}

	cancel()
	wg.Wait()
}

func TestClientCallWithFields(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())

	server.Handle("acquire", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			ProxyID string `cbor:"proxy_id"`
		}
		codec.Unmarshal(raw, &request)
		return map[string]any{"proxy_id": request.ProxyID, "key_id": "key-1"}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Serve(ctx)
	}()
	waitForSocket(t, socketPath)

	client := NewServiceClient(socketPath)

	var result struct {
		ProxyID string `cbor:"proxy_id"`
		KeyID   string `cbor:"key_id"`
	}
	if err := client.Call(ctx, "acquire", map[string]any{"proxy_id": "egress-7"}, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result.ProxyID != "egress-7" {
		t.Errorf("proxy_id: got %q, want egress-7", result.ProxyID)
	}
	if result.KeyID != "key-1" {
		t.Errorf("key_id: got %q, want key-1", result.KeyID)
	}

	cancel()
	wg.Wait()
}

func TestClientCallNilResult(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())

	server.Handle("ping", func(ctx context.Context, raw []byte) (any, error) {
		return map[string]any{"pong": true}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Serve(ctx)
	}()
	waitForSocket(t, socketPath)

	client := NewServiceClient(socketPath)

	// Call with nil result — should succeed, just discard data.
	if err := client.Call(ctx, "ping", nil, nil); err != nil {
		t.Fatalf("Call with nil result: %v", err)
	}

	cancel()
	wg.Wait()
}

func TestClientCallNoResponseData(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())

	server.Handle("noop", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Serve(ctx)
	}()
	waitForSocket(t, socketPath)

	client := NewServiceClient(socketPath)

	// Call with a result target but server returns no data — should
	// succeed without decoding.
	var result map[string]any
	if err := client.Call(ctx, "noop", nil, &result); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if result != nil {
		t.Errorf("result should be nil when server returns no data, got %v", result)
	}

	cancel()
	wg.Wait()
}

func TestClientCallServiceError(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())

	server.Handle("fail", func(ctx context.Context, raw []byte) (any, error) {
		return nil, errors.New("something broke")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Serve(ctx)
	}()
	waitForSocket(t, socketPath)

	client := NewServiceClient(socketPath)
	err := client.Call(ctx, "fail", nil, nil)
	if err == nil {
		t.Fatal("expected error")
	}

	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
	if serviceErr.Action != "fail" {
		t.Errorf("error action: got %q, want fail", serviceErr.Action)
	}
	if serviceErr.Message != "something broke" {
		t.Errorf("error message: got %q, want 'something broke'", serviceErr.Message)
	}
}

func TestClientCallUnknownAction(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())

	server.Handle("known", func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Serve(ctx)
	}()
	waitForSocket(t, socketPath)

	client := NewServiceClient(socketPath)
	err := client.Call(ctx, "unknown", nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown action")
	}

	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected *ServiceError, got %T: %v", err, err)
	}
}

func TestClientCallConnectionRefused(t *testing.T) {
	// Socket path that doesn't exist.
	client := NewServiceClient("/tmp/nonexistent-keywheel-test.sock")

	err := client.Call(context.Background(), "status", nil, nil)
	if err == nil {
		t.Fatal("expected error for connection refused")
	}

	// Should NOT be a ServiceError — it's a connection failure.
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		t.Fatalf("connection failure should not be *ServiceError, got %v", serviceErr)
	}
}

func TestClientConcurrentCalls(t *testing.T) {
	socketPath := testSocketPath(t)
	server := NewSocketServer(socketPath, testLogger())

	server.Handle("echo", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Value int `cbor:"value"`
		}
		codec.Unmarshal(raw, &request)
		return map[string]any{"value": request.Value}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var serveWg sync.WaitGroup
	serveWg.Add(1)
	go func() {
		defer serveWg.Done()
		server.Serve(ctx)
	}()
	waitForSocket(t, socketPath)

	client := NewServiceClient(socketPath)

	const concurrency = 20
	var clientWg sync.WaitGroup
	for i := range concurrency {
		clientWg.Add(1)
		go func() {
			defer clientWg.Done()
			var result map[string]any
			err := client.Call(ctx, "echo", map[string]any{"value": i}, &result)
			if err != nil {
				t.Errorf("call %d: %v", i, err)
				return
			}
			if result["value"] != uint64(i) {
				t.Errorf("call %d: got value %v, want %d", i, result["value"], i)
			}
		}()
	}

	clientWg.Wait()
	cancel()
	serveWg.Wait()
}
