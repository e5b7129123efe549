package llm

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	defaultAnthropicModel  = "claude-3-5-sonnet-20241022"
	thinkingAnthropicModel = "claude-3-opus-20240229"
)

// AnthropicClient streams employee responses through the Anthropic messages
// API.
type AnthropicClient struct {
	client *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("Anthropic API key is required")
	}
	return &AnthropicClient{client: anthropic.NewClient(option.WithAPIKey(apiKey))}, nil
}

// Name returns the provider name.
func (c *AnthropicClient) Name() string {
	return "anthropic"
}

// StreamRun implements Client. The thinking hint selects the heavier model.
func (c *AnthropicClient) StreamRun(ctx context.Context, req *RunRequest, cb TokenCallback) (*RunResult, error) {
	model := defaultAnthropicModel
	if req.Thinking {
		model = thinkingAnthropicModel
	}

	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		messages = append(messages, textMessage(turn.Role, turn.Content))
	}
	messages = append(messages, textMessage("user", req.Message))

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(model),
		MaxTokens: anthropic.F(int64(4096)),
		Messages:  anthropic.F(messages),
	}
	if req.Persona != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{{
			Type: anthropic.F(anthropic.TextBlockParamTypeText),
			Text: anthropic.F(req.Persona),
		}})
	}

	stream := c.client.Messages.NewStreaming(ctx, params)

	var content string
	var tokensIn, tokensOut int
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case anthropic.MessageStreamEventTypeContentBlockDelta:
			if delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta); ok && delta.Type == "text_delta" {
				token := delta.Text
				content += token
				if err := cb(token); err != nil {
					return nil, err
				}
			}
		case anthropic.MessageStreamEventTypeMessageStart:
			tokensIn = int(event.Message.Usage.InputTokens)
		case anthropic.MessageStreamEventTypeMessageDelta:
			tokensOut = int(event.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	return &RunResult{
		Content:   content,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
	}, nil
}

func textMessage(role, content string) anthropic.MessageParam {
	return anthropic.MessageParam{
		Role: anthropic.F(anthropic.MessageParamRole(role)),
		Content: anthropic.F([]anthropic.ContentBlockParamUnion{
			anthropic.TextBlockParam{
				Type: anthropic.F(anthropic.TextBlockParamTypeText),
				Text: anthropic.F(content),
			},
		}),
	}
}
