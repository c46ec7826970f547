// Copyright 2025 James Ross
package queue

import (
	"context"
	"testing"
	"time"
)

func TestMemoryEnqueueReserveCommit(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()

	id, err := q.Enqueue(ctx, "sdxl-base", 5, time.Now(), "payload-a")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res, err := q.Reserve(ctx, nil, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Entry.ID != id || res.Entry.Payload != "payload-a" {
		t.Fatalf("unexpected reservation: %+v", res.Entry)
	}

	if err := q.Commit(ctx, res.ReservationToken); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := q.Reserve(ctx, nil, time.Minute); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty after commit, got %v", err)
	}
}

func TestMemoryPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()
	now := time.Now()
	q.Enqueue(ctx, "cp", 1, now, "low")
	q.Enqueue(ctx, "cp", 10, now, "high")
	q.Enqueue(ctx, "cp", 5, now, "mid")

	res, _ := q.Reserve(ctx, nil, time.Minute)
	if res.Entry.Payload != "high" {
		t.Fatalf("expected high priority first, got %v", res.Entry.Payload)
	}
}

func TestMemoryFIFOTiebreakWithinSamePriority(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()
	now := time.Now()
	q.Enqueue(ctx, "cp", 1, now, "first")
	q.Enqueue(ctx, "cp", 1, now, "second")

	res, _ := q.Reserve(ctx, nil, time.Minute)
	if res.Entry.Payload != "first" {
		t.Fatalf("expected FIFO order, got %v", res.Entry.Payload)
	}
}

func TestMemoryAvailableAtDelaysVisibility(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()
	q.Enqueue(ctx, "cp", 1, time.Now().Add(time.Hour), "future")

	if _, err := q.Reserve(ctx, nil, time.Minute); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty for not-yet-available entry, got %v", err)
	}
}

func TestMemoryRetryPreservesSequenceNumber(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()
	now := time.Now()
	q.Enqueue(ctx, "cp", 5, now, "a")
	res, _ := q.Reserve(ctx, nil, time.Minute)
	origSeq := res.Entry.SequenceNumber

	if err := q.Retry(ctx, res.ReservationToken, 0); err != nil {
		t.Fatalf("retry: %v", err)
	}
	res2, err := q.Reserve(ctx, nil, time.Minute)
	if err != nil {
		t.Fatalf("reserve after retry: %v", err)
	}
	if res2.Entry.SequenceNumber != origSeq {
		t.Fatalf("expected sequence number preserved across retry, got %d want %d", res2.Entry.SequenceNumber, origSeq)
	}
}

func TestMemoryCheckpointFilter(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()
	now := time.Now()
	q.Enqueue(ctx, "sdxl", 1, now, "sdxl-job")
	q.Enqueue(ctx, "sd15", 1, now, "sd15-job")

	res, err := q.Reserve(ctx, []string{"sd15"}, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Entry.Payload != "sd15-job" {
		t.Fatalf("expected checkpoint-filtered entry, got %v", res.Entry.Payload)
	}
}

func TestMemoryCheckpointFilterFallsBackToDefault(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()
	now := time.Now()
	q.Enqueue(ctx, "default", 1, now, "default-job")
	q.Enqueue(ctx, "sd15", 1, now, "sd15-job")

	res, err := q.Reserve(ctx, []string{"sdxl"}, time.Minute)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Entry.Payload != "default-job" {
		t.Fatalf("expected default-checkpoint entry to still be reservable, got %v", res.Entry.Payload)
	}
}

func TestMemoryRemoveQueuedEntry(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()
	id, _ := q.Enqueue(ctx, "cp", 1, time.Now(), "a")
	if err := q.Remove(ctx, id); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := q.Reserve(ctx, nil, time.Minute); err != ErrEmpty {
		t.Fatalf("expected ErrEmpty after remove, got %v", err)
	}
}

func TestMemoryRemoveInFlightSuppressesRetry(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()
	q.Enqueue(ctx, "cp", 1, time.Now(), "a")
	res, _ := q.Reserve(ctx, nil, time.Minute)

	if err := q.Remove(ctx, res.Entry.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := q.Retry(ctx, res.ReservationToken, 0); err != nil {
		t.Fatalf("retry should be a no-op, not an error: %v", err)
	}
	if _, err := q.Reserve(ctx, nil, time.Minute); err != ErrEmpty {
		t.Fatalf("expected removed entry to stay gone after retry, got %v", err)
	}
}

func TestMemorySweepExpiredRequeues(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()
	base := time.Now()
	q.SetClock(func() time.Time { return base })

	q.Enqueue(ctx, "cp", 1, base, "a")
	if _, err := q.Reserve(ctx, nil, 10*time.Millisecond); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	q.SetClock(func() time.Time { return base.Add(time.Second) })
	n, err := q.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 recovered reservation, got %d", n)
	}
	if _, err := q.Reserve(ctx, nil, time.Minute); err != nil {
		t.Fatalf("expected swept entry to be reservable again: %v", err)
	}
}

func TestMemoryStats(t *testing.T) {
	ctx := context.Background()
	q := NewMemory[string]()
	q.Enqueue(ctx, "a", 1, time.Now(), "x")
	q.Enqueue(ctx, "a", 1, time.Now(), "y")
	q.Enqueue(ctx, "b", 1, time.Now(), "z")
	q.Reserve(ctx, []string{"a"}, time.Minute)

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Checkpoints["a"] != 1 || stats.Checkpoints["b"] != 1 {
		t.Fatalf("unexpected checkpoint stats: %+v", stats.Checkpoints)
	}
	if stats.InFlight != 1 {
		t.Fatalf("expected 1 in-flight, got %d", stats.InFlight)
	}
}
