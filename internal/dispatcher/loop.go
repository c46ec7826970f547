// Copyright 2025 James Ross
package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/flyingrobots/workflow-dispatch-pool/internal/backendclient"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/classify"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/eventbus"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/fingerprint"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/job"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/obs"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/queue"
	"github.com/flyingrobots/workflow-dispatch-pool/internal/registry"
)

// loop is the dispatcher's single thread of control. Everything that
// mutates job or registry state funnels through here, directly or via a
// goroutine it spawns whose results land back on wakeups/backendEvents.
func (d *Dispatcher) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case <-d.wakeups:
			d.drainWakeups()
			obs.DispatcherWakeups.Inc()
			d.dispatchReady(ctx)
			d.scheduleFallbackWakeup()

		case env := <-d.backendEvents:
			d.handleBackendEvent(ctx, env)
			d.dispatchReady(ctx)
			d.scheduleFallbackWakeup()
		}
	}
}

// drainWakeups coalesces any wakeups already queued behind the one that
// just fired, so a burst of enqueue/complete signals triggers one
// dispatchReady pass instead of one per signal.
func (d *Dispatcher) drainWakeups() {
	for {
		select {
		case <-d.wakeups:
		default:
			return
		}
	}
}

// scheduleFallbackWakeup arms a one-shot timer for the earliest pending
// failover-cooldown expiry or breaker half-open probe, so the dispatcher
// wakes up on its own even when no job enqueues or backend event arrives
// in the meantime.
func (d *Dispatcher) scheduleFallbackWakeup() {
	// Times already past are skipped: the timer armed for them while they
	// were still ahead has fired, and waking again for them would spin.
	now := time.Now()
	var candidates []time.Time
	if d.failover != nil {
		if t, ok := d.failover.NextExpiry(); ok && t.After(now) {
			candidates = append(candidates, t)
		}
	}
	if t, ok := d.registry.NextBreakerProbe(); ok && t.After(now) {
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return
	}
	earliest := candidates[0]
	for _, t := range candidates[1:] {
		if t.Before(earliest) {
			earliest = t
		}
	}
	delay := time.Until(earliest)
	if delay <= 0 {
		d.wake()
		return
	}
	time.AfterFunc(delay, d.wake)
}

// dispatchReady drains as many ready queue entries as it can place on an
// idle backend. It never blocks on backend I/O itself: each placement is
// handed off to submitJob in its own goroutine, so a slow submit on one
// backend never delays dispatch to another.
func (d *Dispatcher) dispatchReady(ctx context.Context) {
	for {
		checkpoints, exact := d.registry.ReadyCheckpoints()
		var scan []string
		if exact {
			if len(checkpoints) == 0 {
				return
			}
			scan = checkpoints
		}

		res, err := d.q.Reserve(ctx, scan, d.cfg.Queue.VisibilityTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		if err != nil {
			d.log.Error("queue reserve failed", obs.Err(err))
			return
		}

		j := res.Entry.Payload
		d.mu.Lock()
		rt := d.runtime[j.JobID]
		cancelled := rt != nil && rt.cancelled
		d.mu.Unlock()
		if cancelled {
			_ = d.q.Discard(ctx, res.ReservationToken)
			continue
		}

		cand := registry.Candidate{
			Fingerprint:         j.Fingerprint,
			PreferredBackendIDs: j.PreferredBackendIDs,
			ExcludeBackendIDs:   j.ExcludeBackendIDs,
		}
		backendID, ok := d.registry.PickBackendFor(cand)
		if !ok {
			// Nothing idle can take this entry right now. Hand it straight
			// back with its sequence number intact and stop this pass;
			// the next wakeup (a completion, a new arrival, a failover
			// expiry) will reconsider it.
			if err := d.q.Retry(ctx, res.ReservationToken, 0); err != nil {
				d.log.Warn("requeue after no-backend failed", obs.String("job_id", j.JobID), obs.Err(err))
			}
			return
		}

		d.registry.UpdateCounts(backendID, 1, 0)
		go d.submitJob(ctx, j, backendID, res)
	}
}

// submitJob runs attachment upload and submission for one placement.
// Nothing here holds d.mu while waiting on client I/O; the lock is taken
// only to read or mutate the job record itself.
func (d *Dispatcher) submitJob(ctx context.Context, j *job.Job, backendID string, res *queue.Reservation[*job.Job]) {
	client, ok := d.clients[backendID]
	if !ok {
		d.registry.UpdateCounts(backendID, -1, 0)
		_ = d.q.Retry(ctx, res.ReservationToken, 0)
		d.wake()
		return
	}

	d.mu.Lock()
	j.Attempts++
	attempts, maxAttempts := j.Attempts, j.MaxAttempts
	d.mu.Unlock()

	spanCtx, span := obs.StartSubmitSpan(ctx, j, backendID)

	for _, att := range j.Attachments {
		if err := client.UploadAttachment(spanCtx, backendclient.Attachment{
			NodeID: att.NodeID, InputName: att.InputName, Filename: att.Filename, Bytes: att.Bytes,
		}); err != nil {
			obs.RecordError(spanCtx, err)
			span.End()
			d.failPlacement(ctx, j, backendID, res, err, attempts, maxAttempts)
			return
		}
	}

	promptID, err := client.Submit(spanCtx, j.Workflow)
	if err != nil {
		obs.RecordError(spanCtx, err)
		span.End()
		d.failPlacement(ctx, j, backendID, res, err, attempts, maxAttempts)
		return
	}
	obs.SetSpanSuccess(spanCtx)

	if err := d.q.Commit(ctx, res.ReservationToken); err != nil {
		d.log.Warn("commit after submit failed", obs.String("job_id", j.JobID), obs.Err(err))
	}

	d.mu.Lock()
	rt := d.runtime[j.JobID]
	if rt != nil && rt.cancelled {
		d.mu.Unlock()
		_ = client.Interrupt(ctx, promptID)
		d.registry.UpdateCounts(backendID, -1, 0)
		d.wake()
		return
	}
	j.Status = job.StatusRunning
	j.BackendID = backendID
	j.PromptID = promptID
	started := time.Now()
	j.StartedAt = nil // cleared until the backend actually reports executionStart
	d.promptToJob[promptID] = j.JobID
	if rt != nil {
		rt.queueEntryID = ""
		rt.startTimer = time.AfterFunc(
			time.Duration(d.cfg.Dispatcher.ExecutionStartTimeoutMs)*time.Millisecond,
			func() { d.handleExecutionStartTimeout(ctx, j.JobID) },
		)
	}
	d.mu.Unlock()

	obs.JobsStarted.Inc()
	d.bus.Publish(eventbus.Event{
		Name: eventbus.JobStarted, JobID: j.JobID,
		Payload: map[string]any{"backendId": backendID, "promptId": promptID, "submittedAt": started},
	})
}

// failPlacement handles an upload or submit failure that happened before
// the reservation was committed, i.e. the job never actually ran.
func (d *Dispatcher) failPlacement(ctx context.Context, j *job.Job, backendID string, res *queue.Reservation[*job.Job], err error, attempts, maxAttempts int) {
	classification := classify.Of(toClassifyError(err))
	d.registry.UpdateCounts(backendID, -1, 0)
	d.recordFailoverOutcome(j, backendID, classification)

	d.mu.Lock()
	rt := d.runtime[j.JobID]
	cancelled := rt != nil && rt.cancelled
	d.mu.Unlock()
	if cancelled {
		_ = d.q.Discard(ctx, res.ReservationToken)
		return
	}

	d.setLastError(j, classification)

	if !classification.Retryable || attempts >= maxAttempts {
		_ = d.q.Discard(ctx, res.ReservationToken)
		d.finishFailed(j)
		return
	}

	d.publishJobFailed(j, true)

	delay := time.Duration(j.RetryDelayMs) * time.Millisecond
	if err := d.q.Retry(ctx, res.ReservationToken, delay); err != nil {
		d.log.Warn("retry after placement failure failed", obs.String("job_id", j.JobID), obs.Err(err))
	}
	d.mu.Lock()
	j.Status = job.StatusQueued
	d.mu.Unlock()
	obs.JobsRetried.Inc()
	d.bus.Publish(eventbus.Event{Name: eventbus.JobRetrying, JobID: j.JobID, Payload: map[string]any{"job": j.Snapshot(), "delayMs": delay.Milliseconds()}})
	time.AfterFunc(delay, d.wake)
}

// handleExecutionStartTimeout fires when a job has been running long
// enough that the backend should have reported executionStart but has
// not (spec's execution-start stall case).
func (d *Dispatcher) handleExecutionStartTimeout(ctx context.Context, jobID string) {
	d.mu.Lock()
	j, ok := d.jobs[jobID]
	if !ok || j.Status != job.StatusRunning || j.StartedAt != nil {
		d.mu.Unlock()
		return
	}
	backendID, promptID := j.BackendID, j.PromptID
	d.mu.Unlock()

	obs.ExecutionStartTimeouts.Inc()
	if client, ok := d.clients[backendID]; ok {
		_ = client.Interrupt(ctx, promptID)
	}

	d.failRunningJob(ctx, jobID, classify.Classification{
		Type:         classify.TypeTransient,
		Retryable:    true,
		BlockBackend: classify.BlockTemporary,
		Reason:       "execution did not start before timeout",
	})
	d.wake()
}

// handleBackendEvent demultiplexes one event off a backend's stream by
// PromptID and applies spec §6's state transition for its Type.
func (d *Dispatcher) handleBackendEvent(ctx context.Context, env backendEventEnvelope) {
	evt := env.event

	if evt.Type == backendclient.EventDisconnected {
		d.handleBackendDisconnected(ctx, env.backendID)
		return
	}
	if evt.Type == backendclient.EventReconnected {
		if client, ok := d.clients[env.backendID]; ok {
			d.reconcileBackend(ctx, env.backendID, client)
		}
		d.registry.SetState(env.backendID, registry.StateReady)
		d.bus.Publish(eventbus.Event{Name: eventbus.BackendState, Payload: map[string]any{"backendId": env.backendID, "state": registry.StateReady}})
		d.maybePublishPoolReady()
		return
	}

	d.mu.Lock()
	jobID, ok := d.promptToJob[evt.PromptID]
	var j *job.Job
	if ok {
		j = d.jobs[jobID]
	}
	d.mu.Unlock()
	if j == nil {
		return
	}

	switch evt.Type {
	case backendclient.EventExecutionStart, backendclient.EventExecuting:
		d.mu.Lock()
		if j.StartedAt == nil {
			now := time.Now()
			j.StartedAt = &now
		}
		rt := d.runtime[jobID]
		if rt != nil && rt.startTimer != nil {
			rt.startTimer.Stop()
			rt.startTimer = nil
		}
		d.mu.Unlock()

	case backendclient.EventNodeExecuted:
		d.mu.Lock()
		j.RecordNodeOutput(evt.NodeID, evt.NodeOutput)
		d.mu.Unlock()
		d.bus.Publish(eventbus.Event{Name: eventbus.JobNodeExecuted, JobID: jobID, Payload: map[string]any{"nodeId": evt.NodeID, "output": evt.NodeOutput}})

	case backendclient.EventProgress:
		d.bus.Publish(eventbus.Event{Name: eventbus.JobProgress, JobID: jobID, Payload: map[string]any{"value": evt.ProgressValue, "max": evt.ProgressMax, "nodeId": evt.NodeID}})

	case backendclient.EventPreviewBlob:
		d.bus.Publish(eventbus.Event{Name: eventbus.JobPreview, JobID: jobID, Payload: map[string]any{"nodeId": evt.NodeID, "data": evt.PreviewData}})

	case backendclient.EventExecutionSuccess:
		d.completeJob(jobID, j, env.backendID)

	case backendclient.EventExecutionError:
		d.failRunningJob(ctx, jobID, classify.Of(fromWireError(evt.Err)))

	case backendclient.EventStatusUpdate:
		d.log.Debug("backend status update", obs.String("backend_id", env.backendID), obs.Int("queue_remaining", evt.QueueRemaining))
	}
}

func (d *Dispatcher) handleBackendDisconnected(ctx context.Context, backendID string) {
	d.registry.SetState(backendID, registry.StateOffline)
	d.bus.Publish(eventbus.Event{Name: eventbus.BackendState, Payload: map[string]any{"backendId": backendID, "state": registry.StateOffline}})

	d.mu.Lock()
	var affected []string
	for id, j := range d.jobs {
		if j.Status == job.StatusRunning && j.BackendID == backendID {
			affected = append(affected, id)
		}
	}
	d.mu.Unlock()

	for _, jobID := range affected {
		d.failRunningJob(ctx, jobID, classify.Classification{
			Type:         classify.TypeTransient,
			Retryable:    true,
			BlockBackend: classify.BlockTemporary,
			Reason:       "backend connection lost",
		})
	}
}

// completeJob finalizes a job whose backend reported executionSuccess.
func (d *Dispatcher) completeJob(jobID string, j *job.Job, backendID string) {
	d.registry.UpdateCounts(backendID, -1, 0)
	if d.failover != nil {
		d.failover.RecordSuccess(backendID, j.Fingerprint)
	}

	d.mu.Lock()
	j.CollectResult()
	j.Status = job.StatusCompleted
	now := time.Now()
	j.CompletedAt = &now
	delete(d.promptToJob, j.PromptID)
	rt := d.runtime[jobID]
	if rt != nil && rt.startTimer != nil {
		rt.startTimer.Stop()
		rt.startTimer = nil
	}
	enqueuedAt := j.EnqueuedAt
	d.mu.Unlock()

	obs.JobsCompleted.Inc()
	obs.JobProcessingDuration.Observe(now.Sub(enqueuedAt).Seconds())
	d.bus.Publish(eventbus.Event{Name: eventbus.JobCompleted, JobID: jobID, Payload: map[string]any{"job": j.Snapshot()}})
	d.wake()
}

// failRunningJob handles a job that failed after it was already running:
// executionError, the execution-start stall, or a backend disconnect. The
// original reservation was already committed, so a retry here means a
// fresh enqueue (a new sequence number), not a requeue of the old entry.
func (d *Dispatcher) failRunningJob(ctx context.Context, jobID string, classification classify.Classification) {
	d.mu.Lock()
	j, ok := d.jobs[jobID]
	if !ok || j.Status != job.StatusRunning {
		d.mu.Unlock()
		return
	}
	backendID, promptID := j.BackendID, j.PromptID
	attempts, maxAttempts := j.Attempts, j.MaxAttempts
	rt := d.runtime[jobID]
	cancelled := rt != nil && rt.cancelled
	if rt != nil && rt.startTimer != nil {
		rt.startTimer.Stop()
		rt.startTimer = nil
	}
	delete(d.promptToJob, promptID)
	d.mu.Unlock()

	d.registry.UpdateCounts(backendID, -1, 0)
	d.recordFailoverOutcome(j, backendID, classification)

	if cancelled {
		return
	}

	d.setLastError(j, classification)

	if !classification.Retryable || attempts >= maxAttempts {
		d.finishFailed(j)
		return
	}

	d.publishJobFailed(j, true)

	checkpoint := fingerprint.CheckpointKey(j.Workflow)
	delay := time.Duration(j.RetryDelayMs) * time.Millisecond
	entryID, err := d.q.Enqueue(ctx, checkpoint, j.Priority, time.Now().Add(delay), j)
	if err != nil {
		d.log.Error("re-enqueue after running failure failed", obs.String("job_id", jobID), obs.Err(err))
		d.finishFailed(j)
		return
	}

	d.mu.Lock()
	j.Status = job.StatusQueued
	j.BackendID = ""
	j.PromptID = ""
	if rt != nil {
		rt.queueEntryID = entryID
	}
	d.mu.Unlock()

	obs.JobsRetried.Inc()
	d.bus.Publish(eventbus.Event{Name: eventbus.JobRetrying, JobID: jobID, Payload: map[string]any{"job": j.Snapshot(), "delayMs": delay.Milliseconds()}})
	time.AfterFunc(delay, d.wake)
}

func (d *Dispatcher) finishFailed(j *job.Job) {
	d.mu.Lock()
	j.Status = job.StatusFailed
	now := time.Now()
	j.CompletedAt = &now
	enqueuedAt := j.EnqueuedAt
	d.mu.Unlock()
	obs.JobsFailed.Inc()
	obs.JobProcessingDuration.Observe(now.Sub(enqueuedAt).Seconds())
	d.publishJobFailed(j, false)
}

// publishJobFailed emits job:failed with the job snapshot, whether a retry
// will follow, and the failure classification that triggered it (spec.md
// §6/§7). Every intermediate retry emits this with willRetry true before
// job:retrying; terminal failure emits it with willRetry false and nothing
// after.
func (d *Dispatcher) publishJobFailed(j *job.Job, willRetry bool) {
	snap := j.Snapshot()
	d.bus.Publish(eventbus.Event{Name: eventbus.JobFailed, JobID: j.JobID, Payload: map[string]any{
		"job": snap, "willRetry": willRetry, "classification": snap.LastError,
	}})
}

func (d *Dispatcher) setLastError(j *job.Job, c classify.Classification) {
	d.mu.Lock()
	j.LastError = &job.Classification{
		Type:         string(c.Type),
		Retryable:    c.Retryable,
		BlockBackend: string(c.BlockBackend),
		Reason:       c.Reason,
	}
	d.mu.Unlock()
}

func (d *Dispatcher) recordFailoverOutcome(j *job.Job, backendID string, c classify.Classification) {
	if d.failover == nil {
		return
	}
	d.failover.RecordFailure(backendID, j.Fingerprint, c)
	if c.BlockBackend == classify.BlockPermanent {
		obs.BackendBlockedFingerprints.Inc()
		d.bus.Publish(eventbus.Event{Name: eventbus.BackendBlockedFingerprint, Payload: map[string]any{"backendId": backendID, "fingerprint": j.Fingerprint}})
	}
}

func toClassifyError(err error) classify.BackendError {
	var se *backendclient.SubmissionError
	if errors.As(err, &se) {
		return classify.BackendError{
			Code: se.Code, Message: se.Message, HTTPStatus: se.HTTPStatus,
			IsTransport: se.IsTransport, IsSchemaFault: se.IsSchemaFault,
		}
	}
	return classify.BackendError{Message: err.Error(), IsTransport: true}
}

func fromWireError(e *backendclient.BackendError) classify.BackendError {
	if e == nil {
		return classify.BackendError{Message: "unknown execution error", IsTransport: true}
	}
	return classify.BackendError{
		Code: e.Code, Message: e.Message, HTTPStatus: e.HTTPStatus,
		IsTransport: e.IsTransport, IsSchemaFault: e.IsSchemaFault,
	}
}
