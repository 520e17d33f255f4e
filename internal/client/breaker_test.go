package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"devproxy-go/internal/config"
	"devproxy-go/internal/model"
)

func breakerConfig(enabled bool) *config.Config {
	cfg := testConfig(5)
	cfg.Upstream.CircuitBreaker = config.CircuitBreakerConfig{
		Enabled:     enabled,
		Threshold:   2,
		OpenSeconds: 60,
	}
	return cfg
}

func TestUpstreamClient_CircuitBreakerOpensOnServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewUpstreamClient(breakerConfig(true), discardLogger(), nil)
	ur := &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL + "/"}

	for i := range 2 {
		resp, err := c.DoStream(context.Background(), ur)
		if err != nil {
			t.Fatalf("call %d: DoStream() error = %v", i, err)
		}
		if resp.StatusCode != http.StatusInternalServerError {
			t.Errorf("call %d: status = %d, want %d", i, resp.StatusCode, http.StatusInternalServerError)
		}
		resp.Body.Close()
	}

	_, err := c.DoStream(context.Background(), ur)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("DoStream() error = %v, want ErrCircuitOpen", err)
	}
	if n := hits.Load(); n != 2 {
		t.Errorf("upstream hits = %d, want 2", n)
	}
}

func TestUpstreamClient_CircuitBreakerIsPerHost(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	c := NewUpstreamClient(breakerConfig(true), discardLogger(), nil)

	for range 2 {
		resp, err := c.DoStream(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: failing.URL})
		if err != nil {
			t.Fatalf("DoStream() error = %v", err)
		}
		resp.Body.Close()
	}

	resp, err := c.DoStream(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: healthy.URL})
	if err != nil {
		t.Fatalf("healthy host rejected: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestUpstreamClient_CircuitBreakerDisabled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewUpstreamClient(breakerConfig(false), discardLogger(), nil)
	for i := range 5 {
		resp, err := c.DoStream(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL})
		if err != nil {
			t.Fatalf("call %d: DoStream() error = %v", i, err)
		}
		resp.Body.Close()
	}
	if n := hits.Load(); n != 5 {
		t.Errorf("upstream hits = %d, want 5", n)
	}
}

func TestUpstreamClient_CircuitBreakerIgnoresCanceledClients(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewUpstreamClient(breakerConfig(true), discardLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 3 {
		if _, err := c.DoStream(ctx, &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL}); err == nil {
			t.Fatal("expected error for canceled context")
		}
	}

	resp, err := c.DoStream(context.Background(), &model.UpstreamRequest{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("DoStream() error = %v", err)
	}
	resp.Body.Close()
}
