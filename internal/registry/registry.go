// Copyright 2025 James Ross
// Package registry maintains the set of known backends, their connection
// state, their approximate load counters, and their optional workflow
// affinity whitelist. PickBackendFor implements spec §4.6's selection
// rules; each backend carries its own internal/breaker instance governing
// whether the dispatcher should even attempt a fresh connect after
// repeated transport failures.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/breaker"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/config"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/failover"
)

// State is a backend's connection lifecycle state.
type State string

const (
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateOffline    State = "offline"
)

// Backend is one registry entry.
type Backend struct {
	ID       string
	Host     string
	Priority int

	State State

	Running int
	Queued  int

	// Affinity, when non-empty, restricts this backend to jobs whose
	// fingerprint is in the set.
	Affinity map[string]struct{}

	// ResidentCheckpoints lists the checkpoints this backend currently
	// has loaded, as set by SetResidentCheckpoints. Nil means
	// unknown, treated as "could serve anything" when computing which
	// queue sub-queues to reserve from.
	ResidentCheckpoints []string

	Breaker *breaker.CircuitBreaker
}

// Candidate is the subset of Job fields PickBackendFor needs, kept
// independent of internal/job to avoid a dependency cycle (the dispatcher
// owns translating a *job.Job into a Candidate).
type Candidate struct {
	Fingerprint         string
	PreferredBackendIDs map[string]struct{}
	ExcludeBackendIDs   map[string]struct{}
}

// Registry is the thread-safe backend directory.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*Backend
	failover *failover.Policy
	breakerC config.Breaker
}

// New builds a Registry seeded from the configured backend list.
func New(cfg *config.Config, fo *failover.Policy) *Registry {
	r := &Registry{
		backends: make(map[string]*Backend, len(cfg.Backends)),
		failover: fo,
		breakerC: cfg.Breaker,
	}
	for _, b := range cfg.Backends {
		r.Register(b.ID, b.Host, b.Priority)
	}
	return r
}

// Register adds a new backend entry in the connecting state, or is a
// no-op if the ID already exists.
func (r *Registry) Register(id, host string, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[id]; ok {
		return
	}
	r.backends[id] = &Backend{
		ID:       id,
		Host:     host,
		Priority: priority,
		State:    StateConnecting,
		Affinity: make(map[string]struct{}),
		Breaker: breaker.NewNamed(id, r.breakerC.Window, r.breakerC.CooldownPeriod,
			r.breakerC.FailureThreshold, r.breakerC.MinSamples),
	}
}

// SetState transitions a backend's connection state.
func (r *Registry) SetState(id string, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[id]; ok {
		b.State = state
	}
}

// BackendState returns a single backend's current connection state.
func (r *Registry) BackendState(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	if !ok {
		return "", false
	}
	return b.State, true
}

// UpdateCounts adjusts a backend's approximate running/queued counters by
// the given deltas; negative deltas decrement.
func (r *Registry) UpdateCounts(id string, runningDelta, queuedDelta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[id]
	if !ok {
		return
	}
	b.Running += runningDelta
	b.Queued += queuedDelta
	if b.Running < 0 {
		b.Running = 0
	}
	if b.Queued < 0 {
		b.Queued = 0
	}
}

// ReconcileCounts overwrites a backend's counters with a fresh
// queueSnapshot reading, called on connect/reconnect.
func (r *Registry) ReconcileCounts(id string, running, queued int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[id]; ok {
		b.Running, b.Queued = running, queued
	}
}

// SetResidentCheckpoints records which checkpoints a backend currently has
// loaded, used to compute the dispatcher's next reserve() call.
func (r *Registry) SetResidentCheckpoints(id string, checkpoints []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.backends[id]; ok {
		b.ResidentCheckpoints = checkpoints
	}
}

// ReadyCheckpoints returns the union of resident checkpoints across every
// ready backend. The second return value is false when at least one ready
// backend's residency is unknown, meaning the caller should scan every
// sub-queue rather than restrict to the returned set.
func (r *Registry) ReadyCheckpoints() ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{})
	for _, b := range r.backends {
		if b.State != StateReady {
			continue
		}
		if b.ResidentCheckpoints == nil {
			return nil, false
		}
		for _, cp := range b.ResidentCheckpoints {
			set[cp] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for cp := range set {
		out = append(out, cp)
	}
	sort.Strings(out)
	return out, true
}

// DeclareAffinity sets the explicit workflow-fingerprint whitelist for a
// backend. An empty slice clears the affinity restriction.
func (r *Registry) DeclareAffinity(id string, fingerprints []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.backends[id]
	if !ok {
		return
	}
	b.Affinity = make(map[string]struct{}, len(fingerprints))
	for _, fp := range fingerprints {
		b.Affinity[fp] = struct{}{}
	}
}

// Snapshot returns a copy of every backend entry's public fields.
func (r *Registry) Snapshot() []Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Backend, 0, len(r.backends))
	for _, b := range r.backends {
		cp := *b
		cp.Affinity = make(map[string]struct{}, len(b.Affinity))
		for k := range b.Affinity {
			cp.Affinity[k] = struct{}{}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PickBackendFor implements spec §4.6's selection algorithm: candidate
// filtering by state/exclude/failover, then preferred-id intersection,
// then affinity whitelist, then idle-first with priority and lexicographic
// tiebreaks. Returns "", false when no backend currently qualifies.
func (r *Registry) PickBackendFor(c Candidate) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*Backend
	for id, b := range r.backends {
		if b.State != StateReady {
			continue
		}
		if _, excluded := c.ExcludeBackendIDs[id]; excluded {
			continue
		}
		if r.failover != nil && r.failover.ShouldSkip(id, c.Fingerprint) {
			continue
		}
		candidates = append(candidates, b)
	}

	if len(c.PreferredBackendIDs) > 0 {
		filtered := candidates[:0:0]
		for _, b := range candidates {
			if _, ok := c.PreferredBackendIDs[b.ID]; ok {
				filtered = append(filtered, b)
			}
		}
		candidates = filtered
	}

	affinityFiltered := candidates[:0:0]
	for _, b := range candidates {
		if len(b.Affinity) == 0 {
			affinityFiltered = append(affinityFiltered, b)
			continue
		}
		if _, ok := b.Affinity[c.Fingerprint]; ok {
			affinityFiltered = append(affinityFiltered, b)
		}
	}
	candidates = affinityFiltered

	var idle []*Backend
	for _, b := range candidates {
		if b.Running == 0 && b.Queued == 0 {
			idle = append(idle, b)
		}
	}
	if len(idle) == 0 {
		return "", false
	}

	sort.Slice(idle, func(i, j int) bool {
		if idle[i].Priority != idle[j].Priority {
			return idle[i].Priority > idle[j].Priority
		}
		return idle[i].ID < idle[j].ID
	})
	return idle[0].ID, true
}

// ConnectAllowed reports whether a backend's circuit breaker currently
// permits a new connection attempt.
func (r *Registry) ConnectAllowed(id string) bool {
	r.mu.RLock()
	b, ok := r.backends[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return b.Breaker.Allow()
}

// RecordConnectResult feeds a connection attempt's outcome into the
// backend's breaker.
func (r *Registry) RecordConnectResult(id string, ok bool) {
	r.mu.RLock()
	b, found := r.backends[id]
	r.mu.RUnlock()
	if found {
		b.Breaker.Record(ok)
	}
}

// NextBreakerProbe returns the earliest time any Open backend's breaker
// will allow a half-open probe, used by the dispatcher to size its next
// reconnect-attempt wakeup.
func (r *Registry) NextBreakerProbe() (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var earliest time.Time
	found := false
	for _, b := range r.backends {
		if b.Breaker.State() != breaker.Open {
			continue
		}
		t := b.Breaker.LastTransition().Add(r.breakerC.CooldownPeriod)
		if !found || t.Before(earliest) {
			earliest, found = t, true
		}
	}
	return earliest, found
}
