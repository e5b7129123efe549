package llm

import (
	"context"
	"errors"
	"io"

	"github.com/sashabaranov/go-openai"
)

const defaultOpenAIModel = "gpt-4o"

// OpenAIClient streams employee responses through the OpenAI chat API.
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(apiKey string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("OpenAI API key is required")
	}
	return &OpenAIClient{client: openai.NewClient(apiKey)}, nil
}

// Name returns the provider name.
func (c *OpenAIClient) Name() string {
	return "openai"
}

// StreamRun implements Client.
func (c *OpenAIClient) StreamRun(ctx context.Context, req *RunRequest, cb TokenCallback) (*RunResult, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+2)
	if req.Persona != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Persona,
		})
	}
	for _, turn := range req.History {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})

	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     defaultOpenAIModel,
		Messages:  messages,
		MaxTokens: 4096,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var content string
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		content += delta
		if err := cb(delta); err != nil {
			return nil, err
		}
	}

	// OpenAI streaming responses carry no usage block; estimate from length.
	return &RunResult{
		Content:   content,
		TokensIn:  estimateTokens(req.Message),
		TokensOut: estimateTokens(content),
	}, nil
}

// estimateTokens is the rough four-characters-per-token heuristic.
func estimateTokens(text string) int {
	return len(text) / 4
}
