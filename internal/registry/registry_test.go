// Copyright 2025 James Ross
package registry

import (
	"testing"
	"time"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/classify"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/config"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/failover"
)

func newTestRegistry() *Registry {
	cfg := &config.Config{
		Breaker: config.Breaker{Window: 0, CooldownPeriod: 0, FailureThreshold: 0.5, MinSamples: 5},
	}
	fo := failover.New(failover.Config{CooldownMs: 60000, MaxFailuresBeforeBlock: 1})
	r := New(cfg, fo)
	return r
}

func TestPickBackendPrefersIdleHighestPriority(t *testing.T) {
	r := newTestRegistry()
	r.Register("low", "h1", 1)
	r.Register("high", "h2", 10)
	r.SetState("low", StateReady)
	r.SetState("high", StateReady)

	id, ok := r.PickBackendFor(Candidate{Fingerprint: "fp1"})
	if !ok || id != "high" {
		t.Fatalf("expected high priority backend, got %s ok=%v", id, ok)
	}
}

func TestPickBackendExcludesNonIdle(t *testing.T) {
	r := newTestRegistry()
	r.Register("busy", "h1", 10)
	r.Register("idle", "h2", 1)
	r.SetState("busy", StateReady)
	r.SetState("idle", StateReady)
	r.UpdateCounts("busy", 1, 0)

	id, ok := r.PickBackendFor(Candidate{Fingerprint: "fp1"})
	if !ok || id != "idle" {
		t.Fatalf("expected idle backend despite lower priority, got %s ok=%v", id, ok)
	}
}

func TestPickBackendReturnsFalseWhenNoneIdle(t *testing.T) {
	r := newTestRegistry()
	r.Register("busy", "h1", 10)
	r.SetState("busy", StateReady)
	r.UpdateCounts("busy", 1, 0)

	if _, ok := r.PickBackendFor(Candidate{Fingerprint: "fp1"}); ok {
		t.Fatal("expected no eligible backend")
	}
}

func TestPickBackendRespectsExclude(t *testing.T) {
	r := newTestRegistry()
	r.Register("a", "h1", 1)
	r.SetState("a", StateReady)

	_, ok := r.PickBackendFor(Candidate{Fingerprint: "fp1", ExcludeBackendIDs: map[string]struct{}{"a": {}}})
	if ok {
		t.Fatal("expected excluded backend to be filtered out")
	}
}

func TestPickBackendRespectsAffinityWhitelist(t *testing.T) {
	r := newTestRegistry()
	r.Register("a", "h1", 1)
	r.SetState("a", StateReady)
	r.DeclareAffinity("a", []string{"fp-only"})

	if _, ok := r.PickBackendFor(Candidate{Fingerprint: "fp1"}); ok {
		t.Fatal("expected non-whitelisted fingerprint to be filtered by affinity")
	}
	id, ok := r.PickBackendFor(Candidate{Fingerprint: "fp-only"})
	if !ok || id != "a" {
		t.Fatalf("expected whitelisted fingerprint to match, got %s ok=%v", id, ok)
	}
}

func TestPickBackendRespectsFailoverBlock(t *testing.T) {
	r := newTestRegistry()
	r.Register("a", "h1", 1)
	r.SetState("a", StateReady)

	fo := failover.New(failover.Config{CooldownMs: 60000, MaxFailuresBeforeBlock: 1})
	r.failover = fo
	fo.RecordFailure("a", "fp1", classify.Classification{
		Type:         classify.TypeBackendIncompatible,
		Retryable:    true,
		BlockBackend: classify.BlockPermanent,
	})

	if _, ok := r.PickBackendFor(Candidate{Fingerprint: "fp1"}); ok {
		t.Fatal("expected failover-blocked backend to be filtered out")
	}
}

func TestBackendStateReportsUnknownForMissingID(t *testing.T) {
	r := newTestRegistry()
	r.Register("a", "h1", 1)
	r.SetState("a", StateReady)

	state, ok := r.BackendState("a")
	if !ok || state != StateReady {
		t.Fatalf("expected ready, got %s ok=%v", state, ok)
	}
	if _, ok := r.BackendState("missing"); ok {
		t.Fatal("expected unknown backend to report not ok")
	}
}

func TestConnectAllowedOpensBreakerAfterRepeatedFailures(t *testing.T) {
	cfg := &config.Config{
		Breaker: config.Breaker{Window: time.Minute, CooldownPeriod: time.Hour, FailureThreshold: 0.5, MinSamples: 1},
	}
	fo := failover.New(failover.Config{CooldownMs: 60000, MaxFailuresBeforeBlock: 1})
	r := New(cfg, fo)
	r.Register("a", "h1", 1)

	if !r.ConnectAllowed("a") {
		t.Fatal("expected a fresh breaker to allow the first connect attempt")
	}
	r.RecordConnectResult("a", false)

	if r.ConnectAllowed("a") {
		t.Fatal("expected breaker to deny connects once it has opened")
	}
	if _, ok := r.NextBreakerProbe(); !ok {
		t.Fatal("expected an open breaker to report a next probe time")
	}
}

func TestPickBackendPreferredIntersection(t *testing.T) {
	r := newTestRegistry()
	r.Register("a", "h1", 1)
	r.Register("b", "h2", 10)
	r.SetState("a", StateReady)
	r.SetState("b", StateReady)

	id, ok := r.PickBackendFor(Candidate{
		Fingerprint:         "fp1",
		PreferredBackendIDs: map[string]struct{}{"a": {}},
	})
	if !ok || id != "a" {
		t.Fatalf("expected preferred backend a despite lower priority, got %s ok=%v", id, ok)
	}
}
