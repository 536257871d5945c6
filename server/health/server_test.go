// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/fluxfed/federation"
	"github.com/absmach/fluxfed/types"
)

// mockFederation implements Federation for testing.
type mockFederation struct {
	running  int
	statuses []federation.InstanceStatus
	err      error
}

func (m *mockFederation) Running() int {
	return m.running
}

func (m *mockFederation) Status(ctx context.Context) ([]federation.InstanceStatus, error) {
	return m.statuses, m.err
}

func newMockFederation() *mockFederation {
	return &mockFederation{
		running: 1,
		statuses: []federation.InstanceStatus{
			{
				Instance: types.Instance{ID: 1, Domain: "remote.example"},
				State:    types.FederationQueueState{InstanceID: 1, LastSuccessfulID: 7},
				Lag:      3,
				Running:  true,
				Breaker:  "closed",
			},
			{
				Instance: types.Instance{ID: 2, Domain: "blocked.example", Blocked: true},
			},
		},
	}
}

func TestAddrWithoutListener(t *testing.T) {
	server := New(Config{}, nil, slog.Default())
	if server.Addr() != "" {
		t.Fatalf("expected empty address before listen, got %q", server.Addr())
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{}, newMockFederation(), slog.Default())

	tests := []struct {
		name           string
		method         string
		expectedStatus int
		expectedBody   HealthResponse
	}{
		{
			name:           "GET request returns healthy",
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedBody:   HealthResponse{Status: "healthy"},
		},
		{
			name:           "POST request not allowed",
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
		{
			name:           "PUT request not allowed",
			method:         http.MethodPut,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://test/health", nil)
			rec := httptest.NewRecorder()

			server.handleHealth(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}

			if tt.expectedStatus == http.StatusOK {
				var response HealthResponse
				if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}

				if response.Status != tt.expectedBody.Status {
					t.Errorf("expected status %q, got %q", tt.expectedBody.Status, response.Status)
				}
			}
		})
	}
}

func TestReadyEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		fed            Federation
		method         string
		expectedStatus int
		expectedReady  bool
		expectedReason string
	}{
		{
			name:           "federation nil - not ready",
			fed:            nil,
			method:         http.MethodGet,
			expectedStatus: http.StatusServiceUnavailable,
			expectedReason: "federation not initialized",
		},
		{
			name:           "federation running - ready",
			fed:            newMockFederation(),
			method:         http.MethodGet,
			expectedStatus: http.StatusOK,
			expectedReady:  true,
		},
		{
			name:           "POST request not allowed",
			fed:            newMockFederation(),
			method:         http.MethodPost,
			expectedStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.fed, slog.Default())

			req := httptest.NewRequest(tt.method, "http://test/ready", nil)
			rec := httptest.NewRecorder()

			server.handleReady(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.method != http.MethodGet {
				return
			}

			var response ReadyResponse
			if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if tt.expectedReady {
				if response.Status != "ready" {
					t.Errorf("expected status ready, got %q", response.Status)
				}
				if response.Workers != 1 {
					t.Errorf("expected 1 worker, got %d", response.Workers)
				}
			} else if response.Details != tt.expectedReason {
				t.Errorf("expected details %q, got %q", tt.expectedReason, response.Details)
			}
		})
	}
}

func TestInstancesEndpoint(t *testing.T) {
	server := New(Config{}, newMockFederation(), slog.Default())

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://test/federation/instances", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var response InstancesResponse
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Workers != 1 {
		t.Errorf("expected 1 worker, got %d", response.Workers)
	}
	if len(response.Instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(response.Instances))
	}
	first := response.Instances[0]
	if first.Instance.Domain != "remote.example" || first.Lag != 3 || first.Breaker != "closed" || !first.Running {
		t.Errorf("unexpected status %+v", first)
	}
	if response.Instances[1].Running {
		t.Error("blocked instance should not be running")
	}
}

func TestInstanceEndpoint(t *testing.T) {
	server := New(Config{}, newMockFederation(), slog.Default())

	tests := []struct {
		name           string
		path           string
		expectedStatus int
	}{
		{name: "known domain", path: "/federation/instances/remote.example", expectedStatus: http.StatusOK},
		{name: "case insensitive", path: "/federation/instances/REMOTE.example", expectedStatus: http.StatusOK},
		{name: "unknown domain", path: "/federation/instances/nowhere.example", expectedStatus: http.StatusNotFound},
		{name: "empty domain", path: "/federation/instances/", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://test"+tt.path, nil))

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus != http.StatusOK {
				return
			}
			var st federation.InstanceStatus
			if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if st.State.LastSuccessfulID != 7 {
				t.Errorf("expected cursor 7, got %d", st.State.LastSuccessfulID)
			}
		})
	}
}

func TestInstancesEndpointErrors(t *testing.T) {
	tests := []struct {
		name           string
		fed            Federation
		method         string
		expectedStatus int
	}{
		{name: "no federation", fed: nil, method: http.MethodGet, expectedStatus: http.StatusServiceUnavailable},
		{name: "status error", fed: &mockFederation{err: errors.New("db down")}, method: http.MethodGet, expectedStatus: http.StatusInternalServerError},
		{name: "method not allowed", fed: newMockFederation(), method: http.MethodDelete, expectedStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := New(Config{}, tt.fed, slog.Default())
			rec := httptest.NewRecorder()
			server.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, "http://test/federation/instances", nil))

			if rec.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
		})
	}
}

func TestListenShutdown(t *testing.T) {
	server := New(Config{Address: "127.0.0.1:0", ShutdownTimeout: time.Second}, newMockFederation(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Listen(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for server.Addr() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.Addr() == "" {
		t.Fatal("server did not start listening")
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected shutdown error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
