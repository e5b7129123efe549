package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// StreamMessage is a finalized model turn as delivered over the stream.
type StreamMessage struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ChatMessage is one transcript entry in a conversation.
//
// ID is generated locally and has no relation to any run id.
type ChatMessage struct {
	ID        string      `json:"id"`
	Role      Role        `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`
	IsError   bool        `json:"is_error,omitempty"`
	CanRetry  bool        `json:"can_retry,omitempty"`
	Partial   bool        `json:"partial,omitempty"`
	Usage     *TokenUsage `json:"usage,omitempty"`
}

// StartRunRequest is the body of POST /stream/employee/{id}/chat.
type StartRunRequest struct {
	Message  string `json:"message"`
	Thinking bool   `json:"thinking,omitempty"`
}

// StartRunResponse identifies the model run created for a chat request.
type StartRunResponse struct {
	RunID      string `json:"run_id"`
	SessionKey string `json:"session_key"`
}

// AbortRunRequest is the body of POST /stream/employee/{id}/abort.
type AbortRunRequest struct {
	RunID string `json:"run_id"`
}
