package delegate

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockBackend answers deterministically in-process, for local/dev use and
// for tests that need a backend without a network.
type MockBackend struct {
	mu      sync.Mutex
	prompts map[string]string

	// ReplyFn overrides the canned reply when set.
	ReplyFn func(prompt string) string
	// Hold, when non-nil, delays Await until the channel closes.
	Hold chan struct{}
}

func NewMockBackend() *MockBackend {
	return &MockBackend{prompts: make(map[string]string)}
}

func (b *MockBackend) Submit(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	b.mu.Lock()
	b.prompts[id] = prompt
	b.mu.Unlock()
	return id, nil
}

func (b *MockBackend) Await(ctx context.Context, id string) (string, error) {
	if b.Hold != nil {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-b.Hold:
		}
	}

	b.mu.Lock()
	prompt, ok := b.prompts[id]
	delete(b.prompts, id)
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown delegation id %q", id)
	}

	if b.ReplyFn != nil {
		return b.ReplyFn(prompt), nil
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return "I looked into it but found nothing to report.", nil
	}
	return fmt.Sprintf("Here is what I found about: %s", prompt), nil
}
