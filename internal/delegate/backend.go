package delegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend is the minimal contract with the slower reasoning service. Submit
// hands off a prompt and returns a correlation id without waiting; Await
// blocks until that id resolves or the context ends. The transport behind
// the contract is the backend's concern.
type Backend interface {
	Submit(ctx context.Context, prompt string) (string, error)
	Await(ctx context.Context, id string) (string, error)
}

// Config controls backend construction.
type Config struct {
	Mode         string
	HTTPURL      string
	PollInterval time.Duration
	OpenAIAPIKey string
	OpenAIModel  string
}

// NewBackend builds the configured backend. Auto mode prefers OpenAI when a
// key is present, then the HTTP endpoint, then the mock.
func NewBackend(cfg Config) (Backend, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}

	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
			return NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
		}
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPBackend(cfg.HTTPURL, cfg.PollInterval), nil
		}
		return NewMockBackend(), nil
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return nil, errors.New("openai api key is required for openai mode")
		}
		return NewOpenAIBackend(cfg.OpenAIAPIKey, cfg.OpenAIModel), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("delegate HTTP url is required for http mode")
		}
		return NewHTTPBackend(cfg.HTTPURL, cfg.PollInterval), nil
	case "mock":
		return NewMockBackend(), nil
	default:
		return nil, fmt.Errorf("unsupported delegate backend mode %q", cfg.Mode)
	}
}
