// Copyright 2025 James Ross
// Package eventbus is the typed pub/sub layer spec §6 describes:
// subscribers register by event name or wildcard, and for any single job
// the bus preserves the emission order of that job's events.
package eventbus

import "sync"

// Name enumerates the event names spec §6's table defines.
type Name string

const (
	JobQueued       Name = "job:queued"
	JobStarted      Name = "job:started"
	JobProgress     Name = "job:progress"
	JobPreview      Name = "job:preview"
	JobNodeExecuted Name = "job:node_executed"
	JobCompleted    Name = "job:completed"
	JobFailed       Name = "job:failed"
	JobRetrying     Name = "job:retrying"
	JobCancelled    Name = "job:cancelled"

	BackendState                Name = "backend:state"
	BackendBlockedFingerprint   Name = "backend:blocked_fingerprint"
	BackendUnblockedFingerprint Name = "backend:unblocked_fingerprint"

	PoolReady Name = "pool:ready"

	// Wildcard matches every event name.
	Wildcard Name = "*"
)

// Event is one published message: Name identifies its kind, JobID
// correlates per-job ordering (empty for pool/backend-scoped events), and
// Payload carries the kind-specific data described in spec §6's table.
type Event struct {
	Name    Name
	JobID   string
	Payload any
}

type subscription struct {
	id      uint64
	name    Name
	handler func(Event)
}

// Bus is a synchronous, in-process publish/subscribe hub. Publish calls
// every matching handler before returning: subscribers of the event's name
// first, then wildcard subscribers, each group in registration order.
// Handlers therefore see events in the order Publish was called.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Name][]subscription
}

// New builds an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Name][]subscription)}
}

// Unsubscribe is returned by Subscribe to cancel it.
type Unsubscribe func()

// Subscribe registers handler for events named name (or every event, for
// Wildcard). Returns an Unsubscribe func.
func (b *Bus) Subscribe(name Name, handler func(Event)) Unsubscribe {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription{id: id, name: name, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[name]
		for i, s := range list {
			if s.id == id {
				b.subs[name] = append(list[:i], list[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers evt to every subscriber of evt.Name, then to every
// wildcard subscriber, each group in the order it subscribed.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	named := append([]subscription(nil), b.subs[evt.Name]...)
	wild := append([]subscription(nil), b.subs[Wildcard]...)
	b.mu.RUnlock()

	for _, s := range named {
		s.handler(evt)
	}
	for _, s := range wild {
		s.handler(evt)
	}
}
