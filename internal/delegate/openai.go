package delegate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

const delegateSystemPrompt = "You are the reasoning backend for a live voice assistant. " +
	"Answer the delegated question directly and concisely; your answer will be read aloud."

// OpenAIBackend resolves delegated prompts with a chat completion. Submit
// only registers the prompt; the round trip runs inside Await so the caller
// controls the deadline.
type OpenAIBackend struct {
	client *openai.Client
	model  string

	mu      sync.Mutex
	prompts map[string]string
}

func NewOpenAIBackend(apiKey, model string) *OpenAIBackend {
	if strings.TrimSpace(model) == "" {
		model = openai.GPT4o
	}
	return &OpenAIBackend{
		client:  openai.NewClient(apiKey),
		model:   model,
		prompts: make(map[string]string),
	}
}

func (b *OpenAIBackend) Submit(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	b.mu.Lock()
	b.prompts[id] = prompt
	b.mu.Unlock()
	return id, nil
}

func (b *OpenAIBackend) Await(ctx context.Context, id string) (string, error) {
	b.mu.Lock()
	prompt, ok := b.prompts[id]
	delete(b.prompts, id)
	b.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("unknown delegation id %q", id)
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: b.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: delegateSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("delegate completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("delegate completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
