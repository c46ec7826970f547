// Copyright 2025 James Ross
// Package api exposes the dispatcher's enqueue/status/cancel/affinity
// surface over HTTP. It is pure transport: every handler decodes a
// request, calls straight through to the dispatcher or registry, and
// encodes the result. No state machine logic lives here.
package api

import (
	"github.com/flyingrobots/workflow-dispatch-pool/internal/job"
)

// enqueueRequest is the POST /api/v1/jobs request body.
type enqueueRequest struct {
	Workflow job.Workflow `json:"workflow"`
	Options  jobOptions   `json:"options"`
}

// jobOptions mirrors job.Options with JSON tags; string slices instead of
// the internal set representation.
type jobOptions struct {
	Priority            int            `json:"priority"`
	MaxAttempts         int            `json:"max_attempts"`
	RetryDelayMs        int64          `json:"retry_delay_ms"`
	PreferredBackendIDs []string       `json:"preferred_backend_ids"`
	ExcludeBackendIDs   []string       `json:"exclude_backend_ids"`
	Metadata            map[string]any `json:"metadata"`
	IncludeOutputs      []string       `json:"include_outputs"`
}

func (o jobOptions) toJobOptions() job.Options {
	return job.Options{
		Priority:            o.Priority,
		MaxAttempts:         o.MaxAttempts,
		RetryDelayMs:        o.RetryDelayMs,
		PreferredBackendIDs: o.PreferredBackendIDs,
		ExcludeBackendIDs:   o.ExcludeBackendIDs,
		Metadata:            o.Metadata,
		IncludeOutputs:      o.IncludeOutputs,
	}
}

// enqueueResponse is the POST /api/v1/jobs response body.
type enqueueResponse struct {
	JobID string `json:"job_id"`
}

// affinityRequest is the POST /api/v1/backends/{id}/affinity request body.
type affinityRequest struct {
	Fingerprints []string `json:"fingerprints"`
}

// checkpointsRequest is the POST /api/v1/backends/{id}/checkpoints request
// body, reporting which checkpoints a backend currently has loaded.
type checkpointsRequest struct {
	Checkpoints []string `json:"checkpoints"`
}
