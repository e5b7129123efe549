package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// scriptedTokenDelay paces scripted output so streaming behavior is
// observable in development.
const scriptedTokenDelay = 20 * time.Millisecond

// ScriptedClient is a canned provider for development and tests: it echoes a
// short acknowledgment of the user message, one word at a time. It needs no
// API key.
type ScriptedClient struct {
	delay time.Duration
}

// NewScriptedClient creates a scripted provider.
func NewScriptedClient() *ScriptedClient {
	return &ScriptedClient{delay: scriptedTokenDelay}
}

// Name returns the provider name.
func (c *ScriptedClient) Name() string {
	return "scripted"
}

// StreamRun implements Client.
func (c *ScriptedClient) StreamRun(ctx context.Context, req *RunRequest, cb TokenCallback) (*RunResult, error) {
	reply := fmt.Sprintf("I received your message: %q. This is a scripted development response.", req.Message)

	var content string
	for i, word := range strings.Fields(reply) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.delay):
		}

		token := word
		if i > 0 {
			token = " " + word
		}
		content += token
		if err := cb(token); err != nil {
			return nil, err
		}
	}

	return &RunResult{
		Content:   content,
		TokensIn:  estimateTokens(req.Message),
		TokensOut: estimateTokens(content),
	}, nil
}
