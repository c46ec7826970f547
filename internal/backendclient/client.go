// Copyright 2025 James Ross
// Package backendclient defines the capability boundary the dispatcher uses
// to talk to a generation backend: submit a workflow, interrupt it, observe
// its execution event stream, fetch a produced artifact, and read its queue
// depth. http.go supplies an HTTP + WebSocket reference implementation
// grounded on a ComfyUI-style server; mock.go supplies an in-memory fake
// used by dispatcher tests.
package backendclient

import (
	"context"
	"fmt"
	"time"
)

// EventType enumerates the execution lifecycle events a backend emits for
// a submitted prompt.
type EventType string

const (
	EventPending          EventType = "pending"
	EventExecutionStart   EventType = "execution_start"
	EventExecuting        EventType = "executing"
	EventNodeExecuted     EventType = "node_executed"
	EventProgress         EventType = "progress"
	EventPreviewBlob      EventType = "preview_blob"
	EventExecutionSuccess EventType = "execution_success"
	EventExecutionError   EventType = "execution_error"
	EventStatusUpdate     EventType = "status_update"
	EventDisconnected     EventType = "disconnected"
	EventReconnected      EventType = "reconnected"
)

// BackendError carries the fields internal/classify needs to decide
// whether a failure is retryable and whether it should block the backend.
type BackendError struct {
	Code          string
	Message       string
	HTTPStatus    int
	IsTransport   bool
	IsSchemaFault bool
}

// SubmissionError wraps a classifiable BackendError returned by Submit, so
// callers can recover classification fields with
// errors.As instead of parsing error strings.
type SubmissionError struct {
	BackendError
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("backend error (code=%s status=%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Event is one message from a backend's execution stream. Only the fields
// relevant to Type are populated.
type Event struct {
	Type           EventType
	PromptID       string
	NodeID         string
	ProgressValue  int
	ProgressMax    int
	NodeOutput     map[string]any
	PreviewData    []byte
	Err            *BackendError
	QueueRemaining int
}

// Attachment is one input file uploaded ahead of submission, e.g. an
// init image wired into a node's inputs by the caller.
type Attachment struct {
	NodeID    string
	InputName string
	Filename  string
	Bytes     []byte
}

// ArtifactRequest identifies one output file produced by a completed node.
type ArtifactRequest struct {
	PromptID  string
	NodeID    string
	Filename  string
	Subfolder string
	Type      string // "output" | "temp" | "input"
}

// QueueStatus reflects a backend's own internal queue depth, independent of
// the dispatcher's queue.
type QueueStatus struct {
	Pending int
	Running int
}

// Client is the capability surface the dispatcher depends on. Submit
// returns the backend-assigned prompt ID used to correlate later events.
type Client interface {
	BackendID() string

	// Connect establishes (or verifies) connectivity to the backend,
	// spec.md §4.5's connect(timeout) → id operation. The dispatcher
	// calls this once per attempt, gated by the registry's per-backend
	// circuit breaker, before subscribing to Events.
	Connect(ctx context.Context, timeout time.Duration) (id string, err error)

	// UploadAttachment stages an input file on the backend ahead of
	// Submit, in attachment order.
	UploadAttachment(ctx context.Context, att Attachment) error

	Submit(ctx context.Context, workflow map[string]any) (promptID string, err error)

	Interrupt(ctx context.Context, promptID string) error

	// Events returns a channel of this backend's execution events. The
	// channel is shared across all prompts running on the backend; the
	// dispatcher demultiplexes by Event.PromptID. It closes when ctx is
	// cancelled or the backend connection is torn down for good.
	Events(ctx context.Context) (<-chan Event, error)

	FetchArtifact(ctx context.Context, req ArtifactRequest) ([]byte, error)

	QueueSnapshot(ctx context.Context) (QueueStatus, error)
}
