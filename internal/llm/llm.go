// Package llm defines the narrow contract between dispatchd and a remote
// chat-completion backend. Any backend that can complete a chat request
// satisfies it.
package llm

import (
	"context"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_backend.go -package=mocks github.com/mattjoyce/dispatchd/internal/llm Backend

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Sampling holds the sampling parameters that take part in cache keys.
type Sampling struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p,omitempty"`
}

type Request struct {
	Model      string    `json:"model"`
	Messages   []Message `json:"messages"`
	TokenLimit int       `json:"token_limit,omitempty"`
	Sampling   Sampling  `json:"sampling"`
}

type Response struct {
	Text        string `json:"text"`
	ModelUsed   string `json:"model_used"`
	UsageTokens int    `json:"usage_tokens"`
}

// Backend completes one chat request.
type Backend interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// BackendFunc adapts a plain function to Backend.
type BackendFunc func(ctx context.Context, req Request) (Response, error)

func (f BackendFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// UserPrompt builds the message set for a single prompt with an optional system message.
func UserPrompt(system, prompt string) []Message {
	msgs := make([]Message, 0, 2)
	if system != "" {
		msgs = append(msgs, Message{Role: "system", Content: system})
	}
	return append(msgs, Message{Role: "user", Content: prompt})
}

// StatusError is returned by backends when the remote side answered with a
// non-success HTTP status.
type StatusError struct {
	StatusCode int
	Code       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend status %d (%s): %v", e.StatusCode, e.Code, e.Err)
	}
	return fmt.Sprintf("backend status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}
