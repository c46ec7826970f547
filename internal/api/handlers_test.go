// Copyright 2025 James Ross
package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/backendclient"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/config"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/dispatcher"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/eventbus"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/failover"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/job"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/queue"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/registry"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *dispatcher.Dispatcher) {
	t.Helper()
	cfg, err := config.Load("/nonexistent-path-for-tests.yaml")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	cfg.Backends = append(cfg.Backends, config.Backend{ID: "b1", Host: "http://b1", Priority: 1})

	fo := failover.New(failover.Config{CooldownMs: cfg.Failover.CooldownMs, MaxFailuresBeforeBlock: cfg.Failover.MaxFailuresBeforeBlock})
	reg := registry.New(cfg, fo)
	bus := eventbus.New()
	q := queue.NewMemory[*job.Job]()
	clients := map[string]backendclient.Client{"b1": backendclient.NewMock("b1")}
	log := zap.NewNop()

	d := dispatcher.New(cfg, q, reg, fo, bus, clients, log)

	router := mux.NewRouter()
	NewHandler(d, reg, log).RegisterRoutes(router)
	return httptest.NewServer(router), d
}

func TestEnqueueReturnsJobID(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{
		"workflow": map[string]any{"1": map[string]any{"class_type": "X", "inputs": map[string]any{}}},
		"options":  map[string]any{"priority": 1},
	})
	resp, err := http.Post(srv.URL+"/api/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var out enqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID == "" {
		t.Fatal("expected non-empty job id")
	}
}

func TestStatusUnknownJobReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/jobs/does-not-exist")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	srv, d := newTestServer(t)
	defer srv.Close()

	jobID, err := d.Enqueue(t.Context(), map[string]any{"1": map[string]any{"class_type": "X", "inputs": map[string]any{}}}, job.Options{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/v1/jobs/"+jobID, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	statusResp, err := http.Get(srv.URL + "/api/v1/jobs/" + jobID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer statusResp.Body.Close()
	var snap job.Job
	if err := json.NewDecoder(statusResp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != job.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Status)
	}
}

func TestListBackends(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/backends")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out []registry.Backend
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].ID != "b1" {
		t.Fatalf("unexpected backends: %+v", out)
	}
}

func TestDeclareAffinity(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(affinityRequest{Fingerprints: []string{"abc123"}})
	resp, err := http.Post(srv.URL+"/api/v1/backends/b1/affinity", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	// give the handler a beat; DeclareAffinity is synchronous so this is
	// really just defensive against test flakiness in CI schedulers.
	time.Sleep(time.Millisecond)
}

func TestDeclareResidentCheckpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(checkpointsRequest{Checkpoints: []string{"sdxl", "sd15"}})
	resp, err := http.Post(srv.URL+"/api/v1/backends/b1/checkpoints", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	listResp, err := http.Get(srv.URL + "/api/v1/backends")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer listResp.Body.Close()
	var out []registry.Backend
	if err := json.NewDecoder(listResp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || len(out[0].ResidentCheckpoints) != 2 {
		t.Fatalf("expected resident checkpoints recorded, got %+v", out)
	}
}

func TestResetFailoverForFingerprint(t *testing.T) {
	srv, _ := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/fingerprints/abc123/reset", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
