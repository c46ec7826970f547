// Copyright 2025 James Ross
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memItem[T any] struct {
	entry Entry[T]
	index int
}

// memHeap orders ready entries by (priority desc, availableAt asc,
// sequenceNumber asc), the same ordering the Redis adapter encodes into
// its sorted-set scores.
type memHeap[T any] []*memItem[T]

func (h memHeap[T]) Len() int { return len(h) }
func (h memHeap[T]) Less(i, j int) bool {
	a, b := h[i].entry, h[j].entry
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	return a.SequenceNumber < b.SequenceNumber
}
func (h memHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *memHeap[T]) Push(x any) {
	item := x.(*memItem[T])
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *memHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

type inFlightEntry[T any] struct {
	entry     Entry[T]
	expiresAt time.Time
	removed   bool
}

// MemoryAdapter is the in-process, single-node Adapter[T] implementation:
// checkpoint-partitioned min/max-heaps guarded by one mutex, used when
// config.Queue.Driver is "memory".
type MemoryAdapter[T any] struct {
	mu       sync.Mutex
	queues   map[string]*memHeap[T]
	inFlight map[string]*inFlightEntry[T]
	seq      int64
	now      func() time.Time
}

// NewMemory constructs an empty MemoryAdapter.
func NewMemory[T any]() *MemoryAdapter[T] {
	return &MemoryAdapter[T]{
		queues:   make(map[string]*memHeap[T]),
		inFlight: make(map[string]*inFlightEntry[T]),
		now:      time.Now,
	}
}

// SetClock overrides the adapter's time source, for deterministic tests.
func (m *MemoryAdapter[T]) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryAdapter[T]) heapFor(checkpoint string) *memHeap[T] {
	h, ok := m.queues[checkpoint]
	if !ok {
		h = &memHeap[T]{}
		heap.Init(h)
		m.queues[checkpoint] = h
	}
	return h
}

func (m *MemoryAdapter[T]) Enqueue(_ context.Context, checkpoint string, priority int, availableAt time.Time, payload T) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	id := uuid.NewString()
	entry := Entry[T]{
		ID:             id,
		Checkpoint:     checkpoint,
		Priority:       priority,
		AvailableAt:    availableAt,
		SequenceNumber: m.seq,
		Payload:        payload,
	}
	heap.Push(m.heapFor(checkpoint), &memItem[T]{entry: entry})
	return id, nil
}

func (m *MemoryAdapter[T]) Reserve(_ context.Context, checkpoints []string, visibilityTimeout time.Duration) (*Reservation[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []string
	if len(checkpoints) == 0 {
		candidates = make([]string, 0, len(m.queues))
		for k := range m.queues {
			candidates = append(candidates, k)
		}
	} else {
		candidates = checkpoints
		if !contains(candidates, defaultCheckpoint) {
			candidates = append(candidates, defaultCheckpoint)
		}
	}

	now := m.now()
	var best *memItem[T]
	var bestCheckpoint string
	for _, cp := range candidates {
		h, ok := m.queues[cp]
		if !ok || h.Len() == 0 {
			continue
		}
		top := (*h)[0]
		if top.entry.AvailableAt.After(now) {
			continue
		}
		if best == nil || compareEntries(top.entry, best.entry) {
			best = top
			bestCheckpoint = cp
		}
	}
	if best == nil {
		return nil, ErrEmpty
	}

	h := m.queues[bestCheckpoint]
	heap.Remove(h, best.index)

	token := uuid.NewString()
	m.inFlight[token] = &inFlightEntry[T]{
		entry:     best.entry,
		expiresAt: now.Add(visibilityTimeout),
	}
	return &Reservation[T]{
		Entry:            best.entry,
		ReservationToken: token,
		ExpiresAt:        now.Add(visibilityTimeout),
	}, nil
}

// compareEntries reports whether a sorts before b under the canonical
// (priority desc, availableAt asc, sequenceNumber asc) ordering.
func compareEntries[T any](a, b Entry[T]) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.AvailableAt.Equal(b.AvailableAt) {
		return a.AvailableAt.Before(b.AvailableAt)
	}
	return a.SequenceNumber < b.SequenceNumber
}

func (m *MemoryAdapter[T]) Commit(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inFlight[token]; !ok {
		return ErrReservationExpired
	}
	delete(m.inFlight, token)
	return nil
}

func (m *MemoryAdapter[T]) Retry(_ context.Context, token string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inf, ok := m.inFlight[token]
	if !ok {
		return ErrReservationExpired
	}
	delete(m.inFlight, token)
	if inf.removed {
		return nil
	}
	entry := inf.entry
	entry.AvailableAt = m.now().Add(delay)
	heap.Push(m.heapFor(entry.Checkpoint), &memItem[T]{entry: entry})
	return nil
}

func (m *MemoryAdapter[T]) Discard(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inFlight[token]; !ok {
		return ErrReservationExpired
	}
	delete(m.inFlight, token)
	return nil
}

func (m *MemoryAdapter[T]) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, h := range m.queues {
		for i, item := range *h {
			if item.entry.ID == id {
				heap.Remove(h, i)
				return nil
			}
		}
	}
	for _, inf := range m.inFlight {
		if inf.entry.ID == id {
			inf.removed = true
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryAdapter[T]) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Stats{Checkpoints: make(map[string]int, len(m.queues))}
	for cp, h := range m.queues {
		s.Checkpoints[cp] = h.Len()
	}
	for _, inf := range m.inFlight {
		if !inf.removed {
			s.InFlight++
		}
	}
	return s, nil
}

// SweepExpired requeues any reservation whose visibility window has
// elapsed. It implements Sweepable, so a ReservationSweeper can drive it on
// a ticker the way the teacher's reaper.scanOnce loop does; cmd/dispatcherd
// starts a sweeper only for the redis driver.
func (m *MemoryAdapter[T]) SweepExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for token, inf := range m.inFlight {
		if inf.expiresAt.After(now) {
			continue
		}
		delete(m.inFlight, token)
		if inf.removed {
			continue
		}
		entry := inf.entry
		heap.Push(m.heapFor(entry.Checkpoint), &memItem[T]{entry: entry})
		n++
	}
	return n, nil
}
