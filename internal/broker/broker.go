// Package broker fans run events out from the run engine to the SSE stream
// handlers. One conversation has at most one logical subscriber (the active
// chat view), but the broker tolerates several (duplicate tabs).
package broker

import (
	"context"
	"sync"

	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// cannot keep up loses events rather than blocking the run.
const subscriberBuffer = 256

// Broker distributes run events per tenant/employee conversation.
type Broker interface {
	// Publish delivers one event to all current subscribers of the
	// conversation.
	Publish(ctx context.Context, tenantID, employeeID string, ev model.ChatEvent) error

	// Subscribe returns a channel of events for the conversation and an
	// unsubscribe function. The channel is closed on unsubscribe.
	Subscribe(ctx context.Context, tenantID, employeeID string) (<-chan model.ChatEvent, func(), error)

	// Close releases broker resources.
	Close()
}

// Memory is the in-process broker used when no NATS URL is configured.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[chan model.ChatEvent]struct{}
	logger *logger.Logger
}

// NewMemory creates an in-process broker.
func NewMemory(log *logger.Logger) *Memory {
	return &Memory{
		subs:   make(map[string]map[chan model.ChatEvent]struct{}),
		logger: log,
	}
}

func key(tenantID, employeeID string) string {
	return tenantID + "/" + employeeID
}

// Publish implements Broker.
func (m *Memory) Publish(_ context.Context, tenantID, employeeID string, ev model.ChatEvent) error {
	k := key(tenantID, employeeID)

	m.mu.Lock()
	defer m.mu.Unlock()
	for ch := range m.subs[k] {
		select {
		case ch <- ev:
		default:
			m.logger.Warnw("dropping event for slow subscriber",
				"tenant_id", tenantID, "employee_id", employeeID, "state", ev.State)
		}
	}
	return nil
}

// Subscribe implements Broker.
func (m *Memory) Subscribe(_ context.Context, tenantID, employeeID string) (<-chan model.ChatEvent, func(), error) {
	k := key(tenantID, employeeID)
	ch := make(chan model.ChatEvent, subscriberBuffer)

	m.mu.Lock()
	if m.subs[k] == nil {
		m.subs[k] = make(map[chan model.ChatEvent]struct{})
	}
	m.subs[k][ch] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[k], ch)
			if len(m.subs[k]) == 0 {
				delete(m.subs, k)
			}
			m.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe, nil
}

// Close implements Broker.
func (m *Memory) Close() {}
