// Package engine owns the server-side run registry: it creates model runs,
// streams their output to the broker, and cancels them on abort.
package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/stafflink-ai/employee-stream/internal/broker"
	"github.com/stafflink-ai/employee-stream/internal/llm"
	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
	"github.com/stafflink-ai/employee-stream/pkg/metrics"
)

// historyLimit caps the per-conversation history handed to the provider.
const historyLimit = 50

// Engine runs model generations and publishes their events.
type Engine struct {
	llm     llm.Client
	broker  broker.Broker
	persona string
	logger  *logger.Logger

	mu       sync.Mutex
	active   map[string]*run    // conversation key -> in-flight run
	byID     map[string]*run    // run id -> in-flight run
	sessions map[string]string  // conversation key -> session key
	history  map[string][]llm.Turn
}

type run struct {
	id         string
	tenantID   string
	employeeID string
	cancel     context.CancelFunc
}

// New creates an engine backed by the given provider and broker. The persona
// is the system prompt shared by all employees of this gateway.
func New(llmClient llm.Client, b broker.Broker, persona string, log *logger.Logger) *Engine {
	return &Engine{
		llm:      llmClient,
		broker:   b,
		persona:  persona,
		logger:   log,
		active:   make(map[string]*run),
		byID:     make(map[string]*run),
		sessions: make(map[string]string),
		history:  make(map[string][]llm.Turn),
	}
}

func convKey(tenantID, employeeID string) string {
	return tenantID + "/" + employeeID
}

// SessionKey returns the stable session key for a conversation, creating it
// on first use. The stream handler surfaces it in the connected event.
func (e *Engine) SessionKey(tenantID, employeeID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionKeyLocked(convKey(tenantID, employeeID))
}

func (e *Engine) sessionKeyLocked(key string) string {
	sk, ok := e.sessions[key]
	if !ok {
		sk = uuid.Must(uuid.NewV7()).String()
		e.sessions[key] = sk
	}
	return sk
}

// StartRun creates a model run for the user message and starts generating in
// the background. At most one run is in flight per conversation: a new run
// supersedes (cancels) the previous one.
func (e *Engine) StartRun(tenantID, employeeID, message string, thinking bool) (model.StartRunResponse, error) {
	key := convKey(tenantID, employeeID)

	e.mu.Lock()
	if prev, ok := e.active[key]; ok {
		prev.cancel()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:         uuid.Must(uuid.NewV7()).String(),
		tenantID:   tenantID,
		employeeID: employeeID,
		cancel:     cancel,
	}
	e.active[key] = r
	e.byID[r.id] = r
	sessionKey := e.sessionKeyLocked(key)

	history := make([]llm.Turn, len(e.history[key]))
	copy(history, e.history[key])
	e.mu.Unlock()

	go e.generate(runCtx, r, history, message, thinking)

	e.logger.Infow("run started",
		"tenant_id", tenantID, "employee_id", employeeID, "run_id", r.id, "thinking", thinking)

	return model.StartRunResponse{RunID: r.id, SessionKey: sessionKey}, nil
}

// AbortRun cancels a run by id. Returns false when the run is not in flight;
// callers treat that as already finished, not as an error.
func (e *Engine) AbortRun(runID string) bool {
	e.mu.Lock()
	r, ok := e.byID[runID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel()
	return true
}

// Shutdown cancels every in-flight run.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, r := range e.byID {
		r.cancel()
	}
}

// generate drives one run to a terminal event.
func (e *Engine) generate(ctx context.Context, r *run, history []llm.Turn, message string, thinking bool) {
	defer e.finish(r)

	publish := func(ev model.ChatEvent) {
		ev.RunID = r.id
		if err := e.broker.Publish(context.Background(), r.tenantID, r.employeeID, ev); err != nil {
			e.logger.Errorw("failed to publish run event",
				"run_id", r.id, "state", ev.State, "error", err)
		}
	}

	result, err := e.llm.StreamRun(ctx, &llm.RunRequest{
		Persona:  e.persona,
		History:  history,
		Message:  message,
		Thinking: thinking,
	}, func(token string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		publish(model.ChatEvent{State: model.RunStateDelta, Content: token})
		return nil
	})

	switch {
	case err == nil:
		publish(model.ChatEvent{
			State: model.RunStateFinal,
			Message: &model.StreamMessage{
				Role:    model.RoleAssistant,
				Content: result.Content,
			},
			Usage: &model.TokenUsage{
				InputTokens:  result.TokensIn,
				OutputTokens: result.TokensOut,
				TotalTokens:  result.TokensIn + result.TokensOut,
			},
		})
		e.appendHistory(r, message, result.Content)
		metrics.RecordRun(r.tenantID, "final", result.TokensIn, result.TokensOut)
		e.logger.Infow("run finished", "run_id", r.id, "tokens_out", result.TokensOut)

	case errors.Is(err, context.Canceled):
		publish(model.ChatEvent{State: model.RunStateAborted})
		metrics.RecordRun(r.tenantID, "aborted", 0, 0)
		e.logger.Infow("run aborted", "run_id", r.id)

	default:
		publish(model.ChatEvent{State: model.RunStateError, Error: err.Error()})
		metrics.RecordRun(r.tenantID, "error", 0, 0)
		e.logger.Errorw("run failed", "run_id", r.id, "error", err)
	}
}

func (e *Engine) appendHistory(r *run, userMessage, assistantContent string) {
	key := convKey(r.tenantID, r.employeeID)

	e.mu.Lock()
	defer e.mu.Unlock()
	h := append(e.history[key],
		llm.Turn{Role: "user", Content: userMessage},
		llm.Turn{Role: "assistant", Content: assistantContent},
	)
	if len(h) > historyLimit {
		h = h[len(h)-historyLimit:]
	}
	e.history[key] = h
}

func (e *Engine) finish(r *run) {
	key := convKey(r.tenantID, r.employeeID)

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.byID, r.id)
	if e.active[key] == r {
		delete(e.active, key)
	}
	r.cancel()
}
