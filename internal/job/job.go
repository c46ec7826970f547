// Copyright 2025 James Ross
// Package job defines the per-submission record the dispatcher owns and
// mutates. It is a leaf package: it imports no other package of this
// module, and dispatcher, obs and api depend on it.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status is a job's position in the state machine described by spec.md §4.7.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Attachment is a binary input bound to a specific node/input pair on submit.
type Attachment struct {
	NodeID    string `json:"node_id"`
	InputName string `json:"input_name"`
	Bytes     []byte `json:"-"`
	Filename  string `json:"filename"`
}

// Workflow is the opaque node graph the core never interprets beyond
// fingerprinting and checkpoint extraction.
type Workflow map[string]any

// Options configures a single enqueue call. Zero values fall back to the
// dispatcher's configured defaults.
type Options struct {
	Priority            int
	MaxAttempts         int
	RetryDelayMs        int64
	PreferredBackendIDs []string
	ExcludeBackendIDs   []string
	Metadata            map[string]any
	IncludeOutputs      []string
	Attachments         []Attachment
}

// Job is the per-submission state record, mutated only by the dispatcher's
// single thread of control (spec.md §3, §5).
type Job struct {
	JobID        string
	Workflow     Workflow
	Fingerprint  string
	Priority     int
	MaxAttempts  int
	RetryDelayMs int64

	PreferredBackendIDs map[string]struct{}
	ExcludeBackendIDs   map[string]struct{}
	Metadata            map[string]any
	Attachments         []Attachment
	IncludeOutputs      []string

	Attempts    int
	EnqueuedAt  time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Status      Status
	BackendID   string
	PromptID    string
	LastError   *Classification
	Result      map[string]any

	// nodeOutputs buffers nodeExecuted payloads for nodes named in
	// IncludeOutputs until executionSuccess is observed.
	nodeOutputs map[string]any
}

// Classification mirrors internal/classify.Classification without importing
// that package, so job stays a leaf dependency of classify too.
type Classification struct {
	Type         string
	Retryable    bool
	BlockBackend string
	Reason       string
}

// New constructs a queued Job with defaults applied per spec.md §6.
func New(wf Workflow, fingerprint string, opts Options) *Job {
	pref := toSet(opts.PreferredBackendIDs)
	excl := toSet(opts.ExcludeBackendIDs)

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := opts.RetryDelayMs
	if retryDelay <= 0 {
		retryDelay = 1000
	}

	return &Job{
		JobID:               uuid.NewString(),
		Workflow:            wf,
		Fingerprint:         fingerprint,
		Priority:            opts.Priority,
		MaxAttempts:         maxAttempts,
		RetryDelayMs:        retryDelay,
		PreferredBackendIDs: pref,
		ExcludeBackendIDs:   excl,
		Metadata:            opts.Metadata,
		Attachments:         opts.Attachments,
		IncludeOutputs:      opts.IncludeOutputs,
		Status:              StatusQueued,
		EnqueuedAt:          time.Now(),
		nodeOutputs:         make(map[string]any),
	}
}

// Snapshot returns a shallow copy safe to hand to readers outside the
// dispatcher's thread of control (spec.md §5, "copy-on-read").
func (j *Job) Snapshot() Job {
	cp := *j
	cp.nodeOutputs = nil
	return cp
}

// RecordNodeOutput buffers a nodeExecuted payload for later collection into
// Result, keyed by node id, if that node was requested via IncludeOutputs.
func (j *Job) RecordNodeOutput(nodeID string, output any) {
	for _, want := range j.IncludeOutputs {
		if want == nodeID {
			if j.nodeOutputs == nil {
				j.nodeOutputs = make(map[string]any)
			}
			j.nodeOutputs[nodeID] = output
			return
		}
	}
}

// CollectResult materializes Result from the buffered node outputs.
func (j *Job) CollectResult() {
	j.Result = make(map[string]any, len(j.nodeOutputs))
	for k, v := range j.nodeOutputs {
		j.Result[k] = v
	}
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}
