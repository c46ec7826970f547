// Copyright 2025 James Ross
// Package queue implements the checkpoint-partitioned, reservation-based
// priority queue described by the dispatcher's submission protocol. A job
// is enqueued under a checkpoint key (derived from the backend-relevant
// portion of its workflow, e.g. the model checkpoint it needs loaded), and
// the dispatcher reserves work from whichever checkpoints a ready backend
// currently supports.
//
// Ordering within a checkpoint sub-queue is (priority desc, availableAt
// asc, sequenceNumber asc). A reservation hands a caller exclusive custody
// of an entry for a visibility window; Commit finalizes it, Retry returns
// it to the queue (preserving its original sequence number so it does not
// jump ahead of jobs enqueued after it), and Discard drops it permanently.
package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Remove when no matching entry or
	// reservation exists.
	ErrNotFound = errors.New("queue: entry not found")
	// ErrReservationExpired is returned by Commit/Retry/Discard when the
	// reservation token is unknown, typically because the visibility
	// timeout already elapsed and the sweeper returned it to the queue.
	ErrReservationExpired = errors.New("queue: reservation expired or unknown")
	// ErrEmpty is returned by Reserve when no eligible entry is ready.
	ErrEmpty = errors.New("queue: no ready entries")
)

// defaultCheckpoint is fingerprint.CheckpointKey's fallback value for
// workflows that touch no checkpoint-carrying input. It is duplicated here
// rather than imported to keep queue a leaf package: every backend can
// serve a default-checkpoint job regardless of what it has resident, so
// Reserve always scans it alongside an explicit checkpoint filter.
const defaultCheckpoint = "default"

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Entry is one queued unit of work.
type Entry[T any] struct {
	ID             string
	Checkpoint     string
	Priority       int
	AvailableAt    time.Time
	SequenceNumber int64
	Payload        T
}

// Reservation is exclusive, time-boxed custody of an Entry.
type Reservation[T any] struct {
	Entry            Entry[T]
	ReservationToken string
	ExpiresAt        time.Time
}

// Stats reports the number of queued (not reserved) entries in each
// checkpoint sub-queue, delayed ones included, plus the total number of
// in-flight reservations.
type Stats struct {
	Checkpoints map[string]int
	InFlight    int
}

// Adapter is the substitutable queue backend contract. An in-process
// MemoryAdapter and an external RedisAdapter both implement it, so the
// dispatcher can run single-process or against a shared broker without
// any change to its own logic.
type Adapter[T any] interface {
	// Enqueue adds a new entry to a checkpoint sub-queue, visible once
	// availableAt has passed. It returns the generated entry ID.
	Enqueue(ctx context.Context, checkpoint string, priority int, availableAt time.Time, payload T) (string, error)

	// Reserve picks the highest-priority, earliest-available entry among
	// the given checkpoints (or all checkpoints, if empty) and hands it
	// out for up to visibilityTimeout before it is eligible to be swept
	// back onto the queue. Returns ErrEmpty if nothing is ready.
	Reserve(ctx context.Context, checkpoints []string, visibilityTimeout time.Duration) (*Reservation[T], error)

	// Commit finalizes a reservation, permanently removing the entry.
	Commit(ctx context.Context, reservationToken string) error

	// Retry returns a reserved entry to its checkpoint sub-queue after
	// delay, preserving its original sequence number.
	Retry(ctx context.Context, reservationToken string, delay time.Duration) error

	// Discard finalizes a reservation by dropping the entry without
	// requeueing it.
	Discard(ctx context.Context, reservationToken string) error

	// Remove cancels an entry by ID, whether queued or in-flight. A
	// queued entry is deleted outright; an in-flight one is marked so
	// its eventual Commit/Retry becomes a no-op.
	Remove(ctx context.Context, id string) error

	// Stats reports current queue depths.
	Stats(ctx context.Context) (Stats, error)
}

// Sweepable is implemented by adapters that need periodic visibility-timeout
// enforcement. ReservationSweeper drives it on a ticker.
type Sweepable interface {
	// SweepExpired requeues any reservation whose visibility window has
	// elapsed and reports how many were recovered.
	SweepExpired(ctx context.Context) (int, error)
}
