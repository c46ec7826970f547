// Copyright 2025 James Ross
package backendclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockClient is an in-memory fake used to drive the dispatcher's state
// machine in tests without a live backend. Scripted behavior is installed
// via SubmitFunc/InterruptFunc/ArtifactFunc; when unset, Submit succeeds
// with a fresh prompt ID and Interrupt is a no-op.
type MockClient struct {
	mu sync.Mutex

	id     string
	events chan Event

	ConnectFunc   func(ctx context.Context, timeout time.Duration) (string, error)
	SubmitFunc    func(ctx context.Context, workflow map[string]any) (string, error)
	InterruptFunc func(ctx context.Context, promptID string) error
	ArtifactFunc  func(ctx context.Context, req ArtifactRequest) ([]byte, error)
	UploadFunc    func(ctx context.Context, att Attachment) error

	queueStatus QueueStatus
	submitted   []string
	interrupted []string
}

// NewMock builds a MockClient with the given backend ID.
func NewMock(id string) *MockClient {
	return &MockClient{id: id, events: make(chan Event, 256)}
}

func (m *MockClient) BackendID() string { return m.id }

// Connect defaults to an immediate success returning the mock's own ID;
// install ConnectFunc to script a failure.
func (m *MockClient) Connect(ctx context.Context, timeout time.Duration) (string, error) {
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx, timeout)
	}
	return m.id, nil
}

func (m *MockClient) Submit(ctx context.Context, workflow map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SubmitFunc != nil {
		id, err := m.SubmitFunc(ctx, workflow)
		if err == nil {
			m.submitted = append(m.submitted, id)
		}
		return id, err
	}
	id := uuid.NewString()
	m.submitted = append(m.submitted, id)
	return id, nil
}

func (m *MockClient) UploadAttachment(ctx context.Context, att Attachment) error {
	if m.UploadFunc != nil {
		return m.UploadFunc(ctx, att)
	}
	return nil
}

func (m *MockClient) Interrupt(ctx context.Context, promptID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interrupted = append(m.interrupted, promptID)
	if m.InterruptFunc != nil {
		return m.InterruptFunc(ctx, promptID)
	}
	return nil
}

func (m *MockClient) Events(ctx context.Context) (<-chan Event, error) {
	return m.events, nil
}

func (m *MockClient) FetchArtifact(ctx context.Context, req ArtifactRequest) ([]byte, error) {
	if m.ArtifactFunc != nil {
		return m.ArtifactFunc(ctx, req)
	}
	return []byte(fmt.Sprintf("artifact:%s:%s", req.PromptID, req.Filename)), nil
}

func (m *MockClient) QueueSnapshot(ctx context.Context) (QueueStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueStatus, nil
}

// SetQueueStatus overrides what QueueSnapshot reports.
func (m *MockClient) SetQueueStatus(s QueueStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueStatus = s
}

// Emit pushes an event onto the mock's event stream, as if the backend had
// sent it over the wire.
func (m *MockClient) Emit(evt Event) {
	m.events <- evt
}

// Submitted returns the prompt IDs handed out by Submit, in order.
func (m *MockClient) Submitted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// Interrupted returns the prompt IDs passed to Interrupt, in order.
func (m *MockClient) Interrupted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.interrupted))
	copy(out, m.interrupted)
	return out
}
