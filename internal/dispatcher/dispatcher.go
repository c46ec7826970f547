// Copyright 2025 James Ross
// Package dispatcher is the single owner of job-state transitions: an
// event-driven scheduler that reserves work from the queue, picks a
// backend via the registry, submits it, tracks its execution through the
// backend's event stream, and resolves it to completed, failed, or
// cancelled. One goroutine processes wakeups serially; this serialization
// is the correctness backbone for the whole state machine.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/backendclient"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/config"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/eventbus"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/failover"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/fingerprint"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/job"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/obs"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/queue"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/registry"
	"go.uber.org/zap"
)

// ErrUnknownJob is returned by Cancel/Status for an unrecognized job ID.
var ErrUnknownJob = fmt.Errorf("dispatcher: unknown job id")

// ErrInvalidState is returned by Cancel when a job is already terminal.
var ErrInvalidState = fmt.Errorf("dispatcher: job already in a terminal state")

// connectRetryInterval is how long routeBackendEvents waits before
// re-attempting a connect after the breaker denies it or the attempt
// itself fails.
const connectRetryInterval = 2 * time.Second

type backendEventEnvelope struct {
	backendID string
	event     backendclient.Event
}

// jobRuntime tracks bookkeeping the dispatcher needs alongside a job that
// does not belong in job.Job itself (queue/reservation plumbing).
type jobRuntime struct {
	queueEntryID string // current queue.Adapter entry ID, while queued
	cancelled    bool
	startTimer   *time.Timer
}

// Dispatcher wires together the queue, registry, failover policy, event
// bus, and backend clients into the submission protocol and state machine
// described by the job lifecycle.
type Dispatcher struct {
	cfg      *config.Config
	q        queue.Adapter[*job.Job]
	registry *registry.Registry
	failover *failover.Policy
	bus      *eventbus.Bus
	clients  map[string]backendclient.Client
	log      *zap.Logger

	mu          sync.Mutex
	jobs        map[string]*job.Job
	runtime     map[string]*jobRuntime
	promptToJob map[string]string

	poolReadyPublished bool

	wakeups       chan struct{}
	backendEvents chan backendEventEnvelope

	cancel context.CancelFunc
}

// New constructs a Dispatcher. Start must be called to begin processing.
func New(cfg *config.Config, q queue.Adapter[*job.Job], reg *registry.Registry, fo *failover.Policy, bus *eventbus.Bus, clients map[string]backendclient.Client, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		cfg:           cfg,
		q:             q,
		registry:      reg,
		failover:      fo,
		bus:           bus,
		clients:       clients,
		log:           log,
		jobs:          make(map[string]*job.Job),
		runtime:       make(map[string]*jobRuntime),
		promptToJob:   make(map[string]string),
		wakeups:       make(chan struct{}, cfg.Dispatcher.WakeupBufferSize),
		backendEvents: make(chan backendEventEnvelope, cfg.Dispatcher.WakeupBufferSize),
	}
	if fo != nil {
		fo.SetUnblockHook(d.publishUnblockedFingerprint)
	}
	return d
}

// Start launches the event-routing goroutines for every backend client and
// the single serialized dispatch loop and returns without waiting for them;
// cancelling ctx or calling Stop halts them.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for backendID, client := range d.clients {
		d.registry.SetState(backendID, registry.StateConnecting)
		go d.routeBackendEvents(ctx, backendID, client)
	}
	go d.loop(ctx)
}

// Stop halts the dispatch loop and event routers.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) wake() {
	select {
	case d.wakeups <- struct{}{}:
	default:
	}
}

// routeBackendEvents owns one backend's connection lifecycle: it gates
// every connect attempt behind the registry's breaker, records the
// outcome back into it, reconciles queue counters on each successful
// (re)connect, and forwards the backend's event stream into the central
// backendEvents channel until the connection drops — at which point it
// loops back to reconnect, again subject to the breaker.
func (d *Dispatcher) routeBackendEvents(ctx context.Context, backendID string, client backendclient.Client) {
	for {
		if ctx.Err() != nil {
			return
		}

		if !d.registry.ConnectAllowed(backendID) {
			d.registry.SetState(backendID, registry.StateOffline)
			if !d.sleep(ctx, connectRetryInterval) {
				return
			}
			continue
		}

		connectCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.Dispatcher.ConnectTimeoutMs)*time.Millisecond)
		_, err := client.Connect(connectCtx, time.Duration(d.cfg.Dispatcher.ConnectTimeoutMs)*time.Millisecond)
		cancel()
		d.registry.RecordConnectResult(backendID, err == nil)
		if err != nil {
			d.log.Warn("backend connect failed", obs.String("backend_id", backendID), obs.Err(err))
			d.registry.SetState(backendID, registry.StateOffline)
			if !d.sleep(ctx, connectRetryInterval) {
				return
			}
			continue
		}

		events, err := client.Events(ctx)
		if err != nil {
			d.log.Warn("backend event stream unavailable", obs.String("backend_id", backendID), obs.Err(err))
			d.registry.SetState(backendID, registry.StateOffline)
			if !d.sleep(ctx, connectRetryInterval) {
				return
			}
			continue
		}

		d.reconcileBackend(ctx, backendID, client)
		d.registry.SetState(backendID, registry.StateReady)
		d.bus.Publish(eventbus.Event{Name: eventbus.BackendState, Payload: map[string]any{"backendId": backendID, "state": registry.StateReady}})
		d.wake()
		d.maybePublishPoolReady()

		if !d.drainBackendEvents(ctx, backendID, events) {
			return
		}

		d.registry.SetState(backendID, registry.StateOffline)
		d.bus.Publish(eventbus.Event{Name: eventbus.BackendState, Payload: map[string]any{"backendId": backendID, "state": registry.StateOffline}})
	}
}

// drainBackendEvents forwards one backend's event channel until it closes
// (connection dropped) or ctx is cancelled. Returns false when ctx is
// cancelled, so the caller knows not to attempt a reconnect.
func (d *Dispatcher) drainBackendEvents(ctx context.Context, backendID string, events <-chan backendclient.Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case evt, ok := <-events:
			if !ok {
				return true
			}
			select {
			case d.backendEvents <- backendEventEnvelope{backendID: backendID, event: evt}:
			case <-ctx.Done():
				return false
			}
		}
	}
}

// sleep waits for d or ctx cancellation, returning false in the latter
// case so callers can stop their retry loop instead of spinning once more.
func (d *Dispatcher) sleep(ctx context.Context, d2 time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d2):
		return true
	}
}

// reconcileBackend resyncs the registry's running/queued counters from the
// backend's own queue snapshot, called on every successful connect and
// reconnect (spec.md §4.5/§4.6).
func (d *Dispatcher) reconcileBackend(ctx context.Context, backendID string, client backendclient.Client) {
	status, err := client.QueueSnapshot(ctx)
	if err != nil {
		d.log.Warn("queue snapshot failed", obs.String("backend_id", backendID), obs.Err(err))
		return
	}
	d.registry.ReconcileCounts(backendID, status.Running, status.Pending)
}

// maybePublishPoolReady emits pool:ready exactly once, the first time
// every backend the dispatcher was started with is in the ready state.
func (d *Dispatcher) maybePublishPoolReady() {
	d.mu.Lock()
	if d.poolReadyPublished {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	ids := make([]string, 0, len(d.clients))
	for id := range d.clients {
		state, ok := d.registry.BackendState(id)
		if !ok || state != registry.StateReady {
			return
		}
		ids = append(ids, id)
	}

	d.mu.Lock()
	if d.poolReadyPublished {
		d.mu.Unlock()
		return
	}
	d.poolReadyPublished = true
	d.mu.Unlock()

	d.bus.Publish(eventbus.Event{Name: eventbus.PoolReady, Payload: map[string]any{"backendIds": ids}})
}

// publishUnblockedFingerprint is the failover.Policy unblock hook,
// surfacing backend:unblocked_fingerprint whenever a cooldown expires or
// an admin reset lifts a block.
func (d *Dispatcher) publishUnblockedFingerprint(backendID, fingerprint string) {
	d.bus.Publish(eventbus.Event{Name: eventbus.BackendUnblockedFingerprint, Payload: map[string]any{"backendId": backendID, "fingerprint": fingerprint}})
}

// Enqueue admits a new job: computes its fingerprint and checkpoint key,
// stores it, publishes job:queued, and enqueues it on the queue adapter.
func (d *Dispatcher) Enqueue(ctx context.Context, workflow map[string]any, opts job.Options) (string, error) {
	fp := fingerprint.Of(workflow)
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = d.cfg.Dispatcher.DefaultMaxAttempts
	}
	if opts.RetryDelayMs <= 0 {
		opts.RetryDelayMs = d.cfg.Dispatcher.DefaultRetryDelayMs
	}
	j := job.New(workflow, fp, opts)

	d.mu.Lock()
	d.jobs[j.JobID] = j
	d.runtime[j.JobID] = &jobRuntime{}
	d.mu.Unlock()

	d.bus.Publish(eventbus.Event{Name: eventbus.JobQueued, JobID: j.JobID, Payload: map[string]any{"job": j.Snapshot()}})
	obs.JobsEnqueued.Inc()

	checkpoint := fingerprint.CheckpointKey(workflow)
	entryID, err := d.q.Enqueue(ctx, checkpoint, j.Priority, time.Now(), j)
	if err != nil {
		return "", fmt.Errorf("dispatcher: enqueue: %w", err)
	}

	d.mu.Lock()
	d.runtime[j.JobID].queueEntryID = entryID
	d.mu.Unlock()

	d.wake()
	return j.JobID, nil
}

// Cancel implements spec §4.7's cancellation semantics.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	d.mu.Lock()
	j, ok := d.jobs[jobID]
	if !ok {
		d.mu.Unlock()
		return ErrUnknownJob
	}
	rt := d.runtime[jobID]

	switch j.Status {
	case job.StatusQueued:
		entryID := rt.queueEntryID
		d.mu.Unlock()
		_ = d.q.Remove(ctx, entryID)
		d.mu.Lock()
		j.Status = job.StatusCancelled
		rt.cancelled = true
		d.mu.Unlock()
		d.bus.Publish(eventbus.Event{Name: eventbus.JobCancelled, JobID: jobID, Payload: map[string]any{"job": j.Snapshot()}})
		obs.JobsCancelled.Inc()
		return nil

	case job.StatusRunning:
		backendID, promptID := j.BackendID, j.PromptID
		rt.cancelled = true
		d.mu.Unlock()

		if client, ok := d.clients[backendID]; ok {
			_ = client.Interrupt(ctx, promptID)
		}

		d.mu.Lock()
		j.Status = job.StatusCancelled
		delete(d.promptToJob, promptID)
		if rt.startTimer != nil {
			rt.startTimer.Stop()
		}
		d.mu.Unlock()
		d.registry.UpdateCounts(backendID, -1, 0)
		d.bus.Publish(eventbus.Event{Name: eventbus.JobCancelled, JobID: jobID, Payload: map[string]any{"job": j.Snapshot()}})
		obs.JobsCancelled.Inc()
		d.wake()
		return nil

	default:
		d.mu.Unlock()
		return ErrInvalidState
	}
}

// Status returns a copy-on-read snapshot of a job's current record.
func (d *Dispatcher) Status(jobID string) (job.Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[jobID]
	if !ok {
		return job.Job{}, ErrUnknownJob
	}
	return j.Snapshot(), nil
}

// DeclareAffinity restricts a backend to the given set of fingerprints.
func (d *Dispatcher) DeclareAffinity(backendID string, fingerprints []string) {
	d.registry.DeclareAffinity(backendID, fingerprints)
}

// DeclareResidentCheckpoints records which checkpoints a backend currently
// has loaded, feeding the registry's ReadyCheckpoints union that the queue
// adapter's Reserve uses to skip sub-queues no ready backend can serve
// (spec.md §4.4).
func (d *Dispatcher) DeclareResidentCheckpoints(backendID string, checkpoints []string) {
	d.registry.SetResidentCheckpoints(backendID, checkpoints)
	d.wake()
}

// ResetFailoverForFingerprint clears every backend's block state for a
// fingerprint, the admin action spec.md §4.3's resetForFingerprint names.
func (d *Dispatcher) ResetFailoverForFingerprint(fingerprint string) {
	if d.failover == nil {
		return
	}
	d.failover.ResetForFingerprint(fingerprint)
	d.wake()
}
