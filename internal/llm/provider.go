// Package llm defines the provider-agnostic interface for LLM calls and
// the dual-model router splitting structured task calls from chat calls.
package llm

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout marks an LLM call that exceeded its deadline (AGENT_001).
var ErrTimeout = errors.New("llm call timed out")

// Purpose selects which model a call is routed to.
type Purpose int

const (
	// PurposeTask is structured work: intent classification, slot
	// extraction, table disambiguation. Routed to the task model.
	PurposeTask Purpose = iota
	// PurposeChat is free-form reply generation.
	PurposeChat
)

// Request is one completion call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	// JSONOnly asks the provider for a bare JSON object response.
	JSONOnly  bool
	MaxTokens int
}

// Response is the provider's completion.
type Response struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends a single-turn request and returns the completion.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier.
	Name() string
}

// Router dispatches calls to the task or chat provider and enforces the
// per-call deadline.
type Router struct {
	task    Provider
	chat    Provider
	timeout time.Duration
}

// NewRouter builds a dual-model router. Either provider may be the same
// instance when only one backend is configured.
func NewRouter(task, chat Provider, timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Router{task: task, chat: chat, timeout: timeout}
}

// Complete routes the request by purpose with a bounded deadline.
func (r *Router) Complete(ctx context.Context, purpose Purpose, req *Request) (*Response, error) {
	provider := r.chat
	if purpose == PurposeTask {
		provider = r.task
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, err
	}
	return resp, nil
}
