// Package chat holds per-employee conversation state: the transcript, the
// in-progress streaming buffer, and the run bookkeeping that makes terminal
// stream events idempotent.
package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stafflink-ai/employee-stream/internal/model"
)

// State is the conversation state for one employee.
type State struct {
	Messages         []model.ChatMessage
	StreamingContent string
	IsStreaming      bool
	CurrentRunID     string
	FinalizedRunIDs  map[string]struct{}
}

func newState() *State {
	return &State{
		Messages:        []model.ChatMessage{},
		FinalizedRunIDs: make(map[string]struct{}),
	}
}

// Store is the single source of truth for conversation state, keyed by
// employee id. Every operation takes the lock for its full duration, so
// interleaved callers never observe a half-applied mutation. Operations on
// invalid state are no-ops rather than errors.
type Store struct {
	mu     sync.Mutex
	states map[string]*State
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{states: make(map[string]*State)}
}

// state returns the conversation state for id, creating it lazily.
// Callers must hold s.mu.
func (s *Store) state(id string) *State {
	st, ok := s.states[id]
	if !ok {
		st = newState()
		s.states[id] = st
	}
	return st
}

// InitChat ensures state exists for the employee. Existing state is never
// overwritten, so the call is re-entrant-safe.
func (s *Store) InitChat(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(id)
}

// AddUserMessage appends a user transcript entry and returns its generated id.
func (s *Store) AddUserMessage(id, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	msg := model.ChatMessage{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	}
	st.Messages = append(st.Messages, msg)
	return msg.ID
}

// StartStreaming marks the conversation as streaming for the given run.
// Any previously tracked run id is overwritten: only one run is tracked at a
// time.
func (s *Store) StartStreaming(id, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	st.IsStreaming = true
	st.CurrentRunID = runID
	st.StreamingContent = ""
}

// AppendToken appends delta text to the streaming buffer. Ignored when not
// streaming, which drops deltas that arrive after their run already
// finalized or was superseded.
func (s *Store) AppendToken(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	if !st.IsStreaming {
		return
	}
	st.StreamingContent += text
}

// FinalizeMessage moves a completed run into the transcript. When runID is
// non-empty and already finalized this is a no-op, so a duplicate final event
// (for example from a reconnect replay) cannot produce a second entry.
func (s *Store) FinalizeMessage(id string, message model.StreamMessage, usage *model.TokenUsage, runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	if runID != "" {
		if _, done := st.FinalizedRunIDs[runID]; done {
			return
		}
		st.FinalizedRunIDs[runID] = struct{}{}
	}

	ts := time.Now()
	if message.Timestamp != nil {
		ts = *message.Timestamp
	}
	st.Messages = append(st.Messages, model.ChatMessage{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      message.Role,
		Content:   message.Content,
		Timestamp: ts,
		Usage:     usage,
	})
	st.StreamingContent = ""
	st.IsStreaming = false
	st.CurrentRunID = ""
}

// SetError records a run-level error as a retryable transcript entry, with
// the same duplicate suppression as FinalizeMessage.
func (s *Store) SetError(id, runID, errorText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	if runID != "" {
		if _, done := st.FinalizedRunIDs[runID]; done {
			return
		}
		st.FinalizedRunIDs[runID] = struct{}{}
	}

	st.Messages = append(st.Messages, model.ChatMessage{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      model.RoleAssistant,
		Content:   errorText,
		Timestamp: time.Now(),
		IsError:   true,
		CanRetry:  true,
	})
	st.StreamingContent = ""
	st.IsStreaming = false
	st.CurrentRunID = ""
}

// AbortStreaming flushes a non-empty streaming buffer into the transcript as
// a partial entry and clears the streaming flags. Aborts are not guarded by
// the finalized-run set: an abort and a finalize are mutually exclusive
// terminal outcomes, the transport delivers at most one per run.
func (s *Store) AbortStreaming(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	if st.StreamingContent != "" {
		st.Messages = append(st.Messages, model.ChatMessage{
			ID:        uuid.Must(uuid.NewV7()).String(),
			Role:      model.RoleAssistant,
			Content:   st.StreamingContent,
			Timestamp: time.Now(),
			Partial:   true,
		})
	}
	st.StreamingContent = ""
	st.IsStreaming = false
	st.CurrentRunID = ""
}

// ClearStreamingContent force-clears the streaming flags without touching the
// transcript, for when a view is abandoned without waiting for a terminal
// event.
func (s *Store) ClearStreamingContent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	st.StreamingContent = ""
	st.IsStreaming = false
	st.CurrentRunID = ""
}

// ClearChat resets the conversation to default state, discarding the
// transcript and the de-duplication history.
func (s *Store) ClearChat(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[id] = newState()
}

// RetryMessage removes an error entry together with the user entry
// immediately preceding it and returns a copy of the user message so the
// caller can resubmit it. Returns nil when the shape does not match: the
// target is not an error entry, or no user entry precedes it. That is a
// precondition check, not a failure.
func (s *Store) RetryMessage(id, messageID string) *model.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	for i, msg := range st.Messages {
		if msg.ID != messageID {
			continue
		}
		if !msg.IsError || i == 0 {
			return nil
		}
		prev := st.Messages[i-1]
		if prev.Role != model.RoleUser {
			return nil
		}
		user := prev
		st.Messages = append(st.Messages[:i-1], st.Messages[i+1:]...)
		return &user
	}
	return nil
}

// Snapshot returns a copy of the conversation state for rendering.
func (s *Store) Snapshot(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state(id)
	out := State{
		Messages:         make([]model.ChatMessage, len(st.Messages)),
		StreamingContent: st.StreamingContent,
		IsStreaming:      st.IsStreaming,
		CurrentRunID:     st.CurrentRunID,
		FinalizedRunIDs:  make(map[string]struct{}, len(st.FinalizedRunIDs)),
	}
	copy(out.Messages, st.Messages)
	for k := range st.FinalizedRunIDs {
		out.FinalizedRunIDs[k] = struct{}{}
	}
	return out
}
