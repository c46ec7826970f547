// Copyright 2025 James Ross
package backendclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gorilla/websocket"
)

// HTTPClient abstracts the subset of *http.Client used, so tests can inject
// a fake transport without overriding package globals.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds connection settings for one HTTP+WebSocket backend.
type Config struct {
	BackendID string
	BaseURL   string
	APIKey    string
	Timeout   time.Duration

	RetryAttempts int
	RetryBackoff  time.Duration

	// ArtifactGlobAllowlist restricts which subfolder/type combinations
	// FetchArtifact will serve, expressed as doublestar glob patterns
	// matched against "type/subfolder" (e.g. "output/**").
	ArtifactGlobAllowlist []string
}

// DefaultConfig mirrors the teacher reference client's conservative
// defaults.
func DefaultConfig(backendID, baseURL string) Config {
	return Config{
		BackendID:             backendID,
		BaseURL:               baseURL,
		Timeout:               30 * time.Second,
		RetryAttempts:         2,
		RetryBackoff:          500 * time.Millisecond,
		ArtifactGlobAllowlist: []string{"output/**"},
	}
}

func (c Config) Validate() error {
	if c.BackendID == "" {
		return errors.New("backend id required")
	}
	if c.BaseURL == "" {
		return errors.New("base url required")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}
	if c.RetryAttempts < 0 {
		return errors.New("retry attempts cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return errors.New("retry backoff cannot be negative")
	}
	return nil
}

type httpClient struct {
	cfg  Config
	httc HTTPClient
}

// New builds a Client talking HTTP + WebSocket to a single backend.
func New(cfg Config) (Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid backend config: %w", err)
	}
	return &httpClient{cfg: cfg, httc: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (c *httpClient) BackendID() string { return c.cfg.BackendID }

// Connect verifies the backend is reachable by hitting its status
// endpoint, bounded by timeout rather than the client's default timeout.
func (c *httpClient) Connect(ctx context.Context, timeout time.Duration) (string, error) {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(connectCtx, http.MethodGet, c.cfg.BaseURL+"/system_stats", nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httc.Do(req)
	if err != nil {
		return "", fmt.Errorf("connect: transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("connect: unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return c.cfg.BackendID, nil
}

// UploadAttachment posts an input file to the backend's upload endpoint so
// the workflow submitted immediately after can reference it by filename.
func (c *httpClient) UploadAttachment(ctx context.Context, att Attachment) error {
	var buf bytes.Buffer
	buf.WriteString("--boundary\r\n")
	buf.WriteString(fmt.Sprintf("Content-Disposition: form-data; name=%q; filename=%q\r\n\r\n", att.InputName, att.Filename))
	buf.Write(att.Bytes)
	buf.WriteString("\r\n--boundary--\r\n")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/upload/image", &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary=boundary")
	c.setAuth(req)

	resp, err := c.httc.Do(req)
	if err != nil {
		return fmt.Errorf("upload attachment: transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

func (c *httpClient) Submit(ctx context.Context, workflow map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{"prompt": workflow})
	if err != nil {
		return "", fmt.Errorf("marshal workflow: %w", err)
	}

	var lastErr error
	attempts := c.cfg.RetryAttempts + 1
	for i := 0; i < attempts; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		promptID, err := c.postPrompt(ctx, body)
		if err == nil {
			return promptID, nil
		}
		if !isRetryable(err) || i == attempts-1 {
			return "", err
		}
		lastErr = err
		sleep := c.cfg.RetryBackoff * time.Duration(i+1)
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", lastErr
}

func (c *httpClient) postPrompt(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httc.Do(req)
	if err != nil {
		return "", &SubmissionError{BackendError{Message: err.Error(), IsTransport: true}}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &SubmissionError{BackendError{Message: string(b), HTTPStatus: resp.StatusCode}}
	}
	if resp.StatusCode == http.StatusUnprocessableEntity {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		code, msg := parseErrorBody(b)
		return "", &SubmissionError{BackendError{Code: code, Message: msg, HTTPStatus: resp.StatusCode, IsSchemaFault: true}}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &SubmissionError{BackendError{Message: string(b), HTTPStatus: resp.StatusCode}}
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		code, msg := parseErrorBody(b)
		return "", &SubmissionError{BackendError{Code: code, Message: msg, HTTPStatus: resp.StatusCode}}
	}

	var out struct {
		PromptID string `json:"prompt_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode prompt response: %w", err)
	}
	if out.PromptID == "" {
		return "", errors.New("empty prompt id in response")
	}
	return out.PromptID, nil
}

func (c *httpClient) Interrupt(ctx context.Context, promptID string) error {
	body, _ := json.Marshal(map[string]string{"prompt_id": promptID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/interrupt", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)

	resp, err := c.httc.Do(req)
	if err != nil {
		return fmt.Errorf("interrupt: transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("interrupt failed %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// Events dials the backend's WebSocket event endpoint and translates its
// wire messages into Event values. The returned channel is closed when the
// connection drops or ctx is cancelled.
func (c *httpClient) Events(ctx context.Context) (<-chan Event, error) {
	wsURL, err := toWebSocketURL(c.cfg.BaseURL, c.cfg.APIKey)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial backend event stream: %w", err)
	}

	out := make(chan Event, 64)
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			_, raw, err := conn.ReadMessage()
			if err != nil {
				select {
				case out <- Event{Type: EventDisconnected}:
				case <-ctx.Done():
				}
				return
			}
			evt, ok := decodeWireEvent(raw)
			if !ok {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// wireEvent is the backend's own message envelope, loosely modeled on
// ComfyUI's WebSocket protocol (type + data).
type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func decodeWireEvent(raw []byte) (Event, bool) {
	var w wireEvent
	if err := json.Unmarshal(raw, &w); err != nil {
		return Event{}, false
	}
	switch w.Type {
	case "execution_start":
		var d struct {
			PromptID string `json:"prompt_id"`
		}
		_ = json.Unmarshal(w.Data, &d)
		return Event{Type: EventExecutionStart, PromptID: d.PromptID}, true
	case "executing":
		var d struct {
			PromptID string `json:"prompt_id"`
			Node     string `json:"node"`
		}
		_ = json.Unmarshal(w.Data, &d)
		return Event{Type: EventExecuting, PromptID: d.PromptID, NodeID: d.Node}, true
	case "executed":
		var d struct {
			PromptID string         `json:"prompt_id"`
			Node     string         `json:"node"`
			Output   map[string]any `json:"output"`
		}
		_ = json.Unmarshal(w.Data, &d)
		return Event{Type: EventNodeExecuted, PromptID: d.PromptID, NodeID: d.Node, NodeOutput: d.Output}, true
	case "progress":
		var d struct {
			PromptID string `json:"prompt_id"`
			Value    int    `json:"value"`
			Max      int    `json:"max"`
		}
		_ = json.Unmarshal(w.Data, &d)
		return Event{Type: EventProgress, PromptID: d.PromptID, ProgressValue: d.Value, ProgressMax: d.Max}, true
	case "execution_success":
		var d struct {
			PromptID string `json:"prompt_id"`
		}
		_ = json.Unmarshal(w.Data, &d)
		return Event{Type: EventExecutionSuccess, PromptID: d.PromptID}, true
	case "execution_error":
		var d struct {
			PromptID      string `json:"prompt_id"`
			ExceptionType string `json:"exception_type"`
			Message       string `json:"exception_message"`
		}
		_ = json.Unmarshal(w.Data, &d)
		return Event{Type: EventExecutionError, PromptID: d.PromptID, Err: &BackendError{
			Code:    d.ExceptionType,
			Message: d.Message,
		}}, true
	case "status":
		var d struct {
			ExecInfo struct {
				QueueRemaining int `json:"queue_remaining"`
			} `json:"exec_info"`
		}
		_ = json.Unmarshal(w.Data, &d)
		return Event{Type: EventStatusUpdate, QueueRemaining: d.ExecInfo.QueueRemaining}, true
	default:
		return Event{}, false
	}
}

func toWebSocketURL(baseURL, apiKey string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	if apiKey != "" {
		q := u.Query()
		q.Set("api_key", apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c *httpClient) FetchArtifact(ctx context.Context, req ArtifactRequest) ([]byte, error) {
	if !c.artifactAllowed(req) {
		return nil, fmt.Errorf("artifact type/subfolder not in allowlist: type=%s subfolder=%s", req.Type, req.Subfolder)
	}

	q := url.Values{}
	q.Set("filename", req.Filename)
	q.Set("subfolder", req.Subfolder)
	q.Set("type", req.Type)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setAuth(httpReq)

	resp, err := c.httc.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact: transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}
	return io.ReadAll(resp.Body)
}

func (c *httpClient) artifactAllowed(req ArtifactRequest) bool {
	candidate := req.Type + "/" + req.Subfolder
	for _, pattern := range c.cfg.ArtifactGlobAllowlist {
		if ok, _ := doublestar.Match(pattern, candidate); ok {
			return true
		}
	}
	return false
}

func (c *httpClient) QueueSnapshot(ctx context.Context) (QueueStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/queue", nil)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("create request: %w", err)
	}
	c.setAuth(req)

	resp, err := c.httc.Do(req)
	if err != nil {
		return QueueStatus{}, fmt.Errorf("queue snapshot: transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return QueueStatus{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(b))
	}

	var out struct {
		QueueRunning []any `json:"queue_running"`
		QueuePending []any `json:"queue_pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return QueueStatus{}, fmt.Errorf("decode queue status: %w", err)
	}
	return QueueStatus{Pending: len(out.QueuePending), Running: len(out.QueueRunning)}, nil
}

func (c *httpClient) setAuth(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func parseErrorBody(b []byte) (code, message string) {
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   string `json:"error"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(b, &parsed); err == nil {
		msg := parsed.Message
		if msg == "" {
			msg = parsed.Error
		}
		if msg == "" {
			msg = parsed.Detail
		}
		return parsed.Code, msg
	}
	return "", string(b)
}

// isRetryable treats transport-layer failures and 5xx/429 responses as
// retryable; schema faults and other 4xx client errors are not.
func isRetryable(err error) bool {
	var se *SubmissionError
	if !errors.As(err, &se) {
		return false
	}
	if se.IsSchemaFault {
		return false
	}
	return se.IsTransport || se.HTTPStatus >= 500 || se.HTTPStatus == http.StatusTooManyRequests
}
