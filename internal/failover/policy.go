// Copyright 2025 James Ross
// Package failover tracks per-(backend, fingerprint) failure state and
// enforces cooldown/permanent blocking (spec.md §4.3). It is deliberately a
// two-state model per key — blocked-until-an-explicit-expiry, or absent —
// with no intermediate "cooling down but still usable" state, unlike
// internal/breaker's sliding-window three-state model.
package failover

import (
	"sync"
	"time"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/classify"
)

const forever = time.Duration(1<<63 - 1)

type key struct {
	backendID   string
	fingerprint string
}

type entry struct {
	failureCount int
	blockedUntil time.Time
	permanent    bool
}

// Policy is safe for concurrent use; the dispatcher is its only real
// caller, but the registry also reads it during candidate filtering
// (spec.md §5, "Failover policy: mutated on submit/failure/success/reset;
// read during candidate filtering").
type Policy struct {
	mu                   sync.Mutex
	cooldown             time.Duration
	maxFailuresBeforeBlock int
	entries              map[key]*entry

	now func() time.Time

	// onUnblock, when set, is called after a block is actually lifted
	// for a (backendID, fingerprint) pair: a cooldown expiring under
	// ShouldSkip's lazy clear, or an explicit ResetForFingerprint. It is
	// never called for RecordSuccess, which clears failure counts that
	// may never have reached a block in the first place.
	onUnblock func(backendID, fingerprint string)
}

// Config mirrors spec.md §4.3's parameters.
type Config struct {
	CooldownMs             int64
	MaxFailuresBeforeBlock int
}

// New constructs a Policy with the given cooldown/threshold. A
// MaxFailuresBeforeBlock <= 0 is treated as 1, matching spec.md's default.
func New(cfg Config) *Policy {
	threshold := cfg.MaxFailuresBeforeBlock
	if threshold <= 0 {
		threshold = 1
	}
	cooldown := time.Duration(cfg.CooldownMs) * time.Millisecond
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &Policy{
		cooldown:               cooldown,
		maxFailuresBeforeBlock: threshold,
		entries:                make(map[key]*entry),
		now:                    time.Now,
	}
}

// ShouldSkip is true iff the backend is currently blocked for this
// fingerprint. Expired entries are lazily cleared on read, which fires the
// unblock hook.
func (p *Policy) ShouldSkip(backendID, fingerprint string) bool {
	p.mu.Lock()
	k := key{backendID, fingerprint}
	e, ok := p.entries[k]
	if !ok {
		p.mu.Unlock()
		return false
	}
	if e.permanent {
		p.mu.Unlock()
		return true
	}
	if e.blockedUntil.IsZero() {
		// Failures recorded but threshold not yet reached: not blocked,
		// and the count is kept.
		p.mu.Unlock()
		return false
	}
	if p.now().Before(e.blockedUntil) {
		p.mu.Unlock()
		return true
	}
	delete(p.entries, k)
	hook := p.onUnblock
	p.mu.Unlock()
	if hook != nil {
		hook(backendID, fingerprint)
	}
	return false
}

// RecordFailure increments the failure count for (backendID, fingerprint)
// and applies a block when either the count reaches the configured
// threshold or the classification itself demands a permanent block.
func (p *Policy) RecordFailure(backendID, fingerprint string, c classify.Classification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := key{backendID, fingerprint}
	e, ok := p.entries[k]
	if !ok {
		e = &entry{}
		p.entries[k] = e
	}
	e.failureCount++

	if c.BlockBackend == classify.BlockPermanent {
		e.permanent = true
		e.blockedUntil = p.now().Add(forever)
		return
	}
	if e.failureCount >= p.maxFailuresBeforeBlock {
		e.blockedUntil = p.now().Add(p.cooldown)
	}
}

// RecordSuccess erases any failure state for (backendID, fingerprint).
func (p *Policy) RecordSuccess(backendID, fingerprint string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key{backendID, fingerprint})
}

// ResetForFingerprint erases entries across all backends for a fingerprint
// (admin action), firing the unblock hook once per backend actually
// cleared.
func (p *Policy) ResetForFingerprint(fingerprint string) {
	p.mu.Lock()
	var cleared []string
	for k := range p.entries {
		if k.fingerprint == fingerprint {
			cleared = append(cleared, k.backendID)
			delete(p.entries, k)
		}
	}
	hook := p.onUnblock
	p.mu.Unlock()
	if hook != nil {
		for _, backendID := range cleared {
			hook(backendID, fingerprint)
		}
	}
}

// SetUnblockHook installs the callback ShouldSkip/ResetForFingerprint
// invoke when they actually lift a block, letting the dispatcher surface
// backend:unblocked_fingerprint on the event bus without this package
// depending on eventbus.
func (p *Policy) SetUnblockHook(fn func(backendID, fingerprint string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUnblock = fn
}

// NextExpiry returns the earliest non-permanent blockedUntil across all
// entries, used by the dispatcher to arm a single wakeup timer for failover
// expiry (spec.md §4.7, "Wakeups"). The second return is false when there
// is nothing to wait for.
func (p *Policy) NextExpiry() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best time.Time
	found := false
	for _, e := range p.entries {
		if e.permanent || e.blockedUntil.IsZero() {
			continue
		}
		if !found || e.blockedUntil.Before(best) {
			best = e.blockedUntil
			found = true
		}
	}
	return best, found
}

// SetClock overrides the time source; test-only seam.
func (p *Policy) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.now = now
}
