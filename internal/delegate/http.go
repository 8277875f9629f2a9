package delegate

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// HTTPBackend submits prompts to a task endpoint and polls for the result.
// The endpoint accepts POST {id, prompt} and answers GET ?id=... with
// {status: pending|done|error, text, error}.
type HTTPBackend struct {
	url          string
	pollInterval time.Duration
	client       *http.Client
}

func NewHTTPBackend(endpoint string, pollInterval time.Duration) *HTTPBackend {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &HTTPBackend{
		url:          strings.TrimSpace(endpoint),
		pollInterval: pollInterval,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type submitPayload struct {
	ID     string `json:"id"`
	Prompt string `json:"prompt"`
}

type taskStatus struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
	Text   string `json:"text,omitempty"`
	Error  string `json:"error,omitempty"`
}

func (b *HTTPBackend) Submit(ctx context.Context, prompt string) (string, error) {
	id := uuid.NewString()
	payload, err := sonic.Marshal(submitPayload{ID: id, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("marshal delegation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create delegation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := b.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("submit delegation: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return "", fmt.Errorf("delegate http status %d: %s", res.StatusCode, string(body))
	}

	// The endpoint may assign its own id; prefer it when present.
	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err == nil && len(bytes.TrimSpace(body)) > 0 {
		var ack taskStatus
		if err := sonic.Unmarshal(body, &ack); err == nil && strings.TrimSpace(ack.ID) != "" {
			return ack.ID, nil
		}
	}
	return id, nil
}

func (b *HTTPBackend) Await(ctx context.Context, id string) (string, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		status, err := b.poll(ctx, id)
		if err != nil {
			return "", err
		}
		switch strings.ToLower(strings.TrimSpace(status.Status)) {
		case "done", "complete", "completed":
			return status.Text, nil
		case "error", "failed":
			msg := strings.TrimSpace(status.Error)
			if msg == "" {
				msg = "delegation failed"
			}
			return "", fmt.Errorf("delegate task %s: %s", id, msg)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *HTTPBackend) poll(ctx context.Context, id string) (taskStatus, error) {
	pollURL := b.url
	if u, err := url.Parse(b.url); err == nil {
		q := u.Query()
		q.Set("id", id)
		u.RawQuery = q.Encode()
		pollURL = u.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return taskStatus{}, fmt.Errorf("create poll request: %w", err)
	}

	res, err := b.client.Do(req)
	if err != nil {
		return taskStatus{}, fmt.Errorf("poll delegation: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return taskStatus{}, fmt.Errorf("delegate poll status %d: %s", res.StatusCode, string(body))
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return taskStatus{}, fmt.Errorf("read poll response: %w", err)
	}
	var status taskStatus
	if err := sonic.Unmarshal(body, &status); err != nil {
		return taskStatus{}, fmt.Errorf("parse poll response: %w", err)
	}
	return status, nil
}
