package model

// RunState represents the lifecycle state carried by a stream event.
type RunState string

const (
	RunStateConnected RunState = "connected"
	RunStateDelta     RunState = "delta"
	RunStateFinal     RunState = "final"
	RunStateAborted   RunState = "aborted"
	RunStateError     RunState = "error"
)

// Terminal reports whether the state closes a run.
func (s RunState) Terminal() bool {
	return s == RunStateFinal || s == RunStateAborted || s == RunStateError
}

// ChatEvent is one typed event on the per-employee stream.
//
// Seq is a monotonically increasing counter assigned per connection by the
// server. Clients may use it to detect gaps but are not required to.
type ChatEvent struct {
	RunID      string         `json:"run_id,omitempty"`
	Seq        uint64         `json:"seq"`
	State      RunState       `json:"state"`
	SessionKey string         `json:"session_key,omitempty"`
	Content    string         `json:"content,omitempty"`
	Message    *StreamMessage `json:"message,omitempty"`
	Error      string         `json:"error,omitempty"`
	Usage      *TokenUsage    `json:"usage,omitempty"`
}

// TokenUsage reports token counts for a completed run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens,omitempty"`
}
