// Package llm provides the model providers that generate employee responses.
package llm

import (
	"context"
	"fmt"
)

// TokenCallback is called for each token emitted during a streaming run.
type TokenCallback func(token string) error

// RunRequest describes one generation run for an employee persona.
type RunRequest struct {
	// Persona is the employee's system prompt.
	Persona string
	// History is the prior conversation, oldest first.
	History []Turn
	// Message is the user message that started the run.
	Message string
	// Thinking asks the provider for a more deliberate generation when it
	// supports one.
	Thinking bool
}

// Turn is a single prior conversation turn.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RunResult is what a completed run produced.
type RunResult struct {
	Content   string
	TokensIn  int
	TokensOut int
}

// Client streams employee responses token by token. The callback sees every
// token in order; an error from it cancels the generation.
type Client interface {
	// StreamRun generates a response, invoking cb per token, and returns the
	// assembled result.
	StreamRun(ctx context.Context, req *RunRequest, cb TokenCallback) (*RunResult, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderScripted  Provider = "scripted"
)

// NewClient creates a client for the given provider. The scripted provider
// needs no API key and is the default for local development.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		return NewAnthropicClient(apiKey)
	case ProviderOpenAI:
		return NewOpenAIClient(apiKey)
	case ProviderScripted, "":
		return NewScriptedClient(), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", provider)
	}
}
