// Package stream owns the client side of the per-employee event stream: one
// persistent SSE connection, typed event dispatch, and reconnection with
// exponential backoff. It also provides the run control calls (start, abort).
package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
	"github.com/stafflink-ai/employee-stream/pkg/metrics"
)

// maxReconnectAttempts is the number of consecutive connect failures after
// which reconnection is abandoned as unrecoverable.
const maxReconnectAttempts = 10

// ConnState is the transport connection state.
type ConnState string

const (
	StateIdle         ConnState = "idle"
	StateConnecting   ConnState = "connecting"
	StateOpen         ConnState = "open"
	StateReconnecting ConnState = "reconnecting"
)

// TokenSource supplies a currently valid bearer credential. Implemented by
// session.Provider.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Callbacks receives typed stream events. The transport never panics or
// returns errors across this boundary; every failure becomes one of these
// invocations. Nil callbacks are skipped. Events are delivered for every run
// id the server sends; de-duplication belongs to the conversation store.
type Callbacks struct {
	OnConnected    func(sessionKey string)
	OnDelta        func(runID, content string)
	OnFinal        func(runID string, message model.StreamMessage, usage *model.TokenUsage)
	OnError        func(runID, errorText string)
	OnAborted      func(runID string)
	OnDisconnected func(err error)
}

// Transport maintains one SSE connection for one employee conversation.
//
// State machine: idle -> connecting -> open -> {idle | reconnecting -> connecting}.
type Transport struct {
	baseURL    string
	employeeID string
	tabID      string
	tokens     TokenSource
	callbacks  Callbacks
	httpClient *http.Client
	logger     *logger.Logger

	mu             sync.Mutex
	state          ConnState
	destroyed      bool
	cancelConn     context.CancelFunc
	reconnectTimer *time.Timer
	attempts       int
	backoff        backoff.BackOff
}

// NewTransport creates a transport for one employee conversation. The tabID
// is a stable per-tab identifier sent on every connection so the server can
// tell duplicate tabs apart. A nil httpClient gets a default with no overall
// timeout (the stream is long-lived).
func NewTransport(baseURL, employeeID, tabID string, tokens TokenSource, cb Callbacks, httpClient *http.Client, log *logger.Logger) *Transport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Transport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		employeeID: employeeID,
		tabID:      tabID,
		tokens:     tokens,
		callbacks:  cb,
		httpClient: httpClient,
		logger:     log,
		state:      StateIdle,
		backoff:    newReconnectBackoff(),
	}
}

// newReconnectBackoff returns the reconnect schedule: 1s doubling to a 30s
// ceiling, jittered by +/-30%.
func newReconnectBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.RandomizationFactor = 0.3
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// State returns the current connection state.
func (t *Transport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect opens the stream connection. It is a no-op when already connected
// or after Disconnect. Credential acquisition may block; a Disconnect racing
// that wait is honored, not overridden. A credential failure fires
// OnDisconnected and returns without opening a connection.
func (t *Transport) Connect(ctx context.Context) {
	t.mu.Lock()
	if t.destroyed || t.state == StateOpen || t.state == StateConnecting {
		t.mu.Unlock()
		return
	}
	// A manual connect during the reconnect wait takes over from the
	// scheduled one; a stale timer firing later must not open a second
	// connection.
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	t.state = StateConnecting
	t.mu.Unlock()

	token, err := t.tokens.Token(ctx)
	if err != nil {
		t.logger.Warnw("stream connect: credential acquisition failed", "employee_id", t.employeeID, "error", err)
		t.mu.Lock()
		if !t.destroyed {
			t.state = StateIdle
		}
		t.mu.Unlock()
		t.fireDisconnected(err)
		return
	}

	// Re-check after the credential await: Disconnect may have been called
	// while we were waiting.
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	connCtx, cancel := context.WithCancel(context.Background())
	t.cancelConn = cancel
	t.mu.Unlock()

	resp, err := t.open(connCtx, token)
	if err != nil {
		cancel()
		t.handleFailure(err)
		return
	}

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		resp.Body.Close()
		cancel()
		return
	}
	t.state = StateOpen
	t.attempts = 0
	t.backoff.Reset()
	t.mu.Unlock()

	t.logger.Infow("stream connected", "employee_id", t.employeeID, "tab_id", t.tabID)
	metrics.IncrementStreamConnections()

	go t.readLoop(resp.Body)
}

// open performs the SSE handshake. The credential rides both as a bearer
// header and as a query parameter: browser EventSource cannot set headers on
// this kind of long-lived GET, so the server accepts either.
func (t *Transport) open(ctx context.Context, token string) (*http.Response, error) {
	q := url.Values{}
	q.Set("token", token)
	q.Set("tabId", t.tabID)
	endpoint := fmt.Sprintf("%s/stream/employee/%s?%s", t.baseURL, url.PathEscape(t.employeeID), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stream connection failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream connection returned status %d", resp.StatusCode)
	}
	return resp, nil
}

// readLoop consumes SSE frames until the connection dies or is closed.
func (t *Transport) readLoop(body io.ReadCloser) {
	defer body.Close()
	defer metrics.DecrementStreamConnections()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				t.dispatch(data.String())
				data.Reset()
			}
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event: lines are redundant (the payload carries its state) and
			// ":" comment lines are heartbeats; both are skipped.
		}
	}

	err := scanner.Err()

	t.mu.Lock()
	destroyed := t.destroyed
	if t.cancelConn != nil {
		t.cancelConn()
		t.cancelConn = nil
	}
	t.mu.Unlock()

	if destroyed {
		// Manual close in progress; no callbacks, no reconnect.
		return
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	t.handleFailure(fmt.Errorf("stream connection lost: %w", err))
}

// dispatch decodes one event payload and forwards it to the callbacks.
// Malformed payloads are logged and dropped; they never tear the connection.
func (t *Transport) dispatch(payload string) {
	var ev model.ChatEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		t.logger.Warnw("stream event decode failed", "employee_id", t.employeeID, "error", err)
		return
	}

	metrics.StreamEventsTotal.WithLabelValues(string(ev.State)).Inc()

	switch ev.State {
	case model.RunStateConnected:
		if t.callbacks.OnConnected != nil {
			t.callbacks.OnConnected(ev.SessionKey)
		}
	case model.RunStateDelta:
		if t.callbacks.OnDelta != nil {
			t.callbacks.OnDelta(ev.RunID, ev.Content)
		}
	case model.RunStateFinal:
		if t.callbacks.OnFinal != nil {
			var msg model.StreamMessage
			if ev.Message != nil {
				msg = *ev.Message
			} else {
				msg = model.StreamMessage{Role: model.RoleAssistant, Content: ev.Content}
			}
			t.callbacks.OnFinal(ev.RunID, msg, ev.Usage)
		}
	case model.RunStateError:
		if t.callbacks.OnError != nil {
			t.callbacks.OnError(ev.RunID, ev.Error)
		}
	case model.RunStateAborted:
		if t.callbacks.OnAborted != nil {
			t.callbacks.OnAborted(ev.RunID)
		}
	default:
		t.logger.Debugw("stream event with unknown state", "state", ev.State, "seq", ev.Seq)
	}
}

// handleFailure handles a transport-level failure: surface the disconnect and
// schedule a reconnect unless the transport has been torn down.
func (t *Transport) handleFailure(err error) {
	t.mu.Lock()
	if t.destroyed {
		// Teardown in progress; no callbacks, no reconnect.
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	t.fireDisconnected(err)

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.attempts++
	if t.attempts >= maxReconnectAttempts {
		t.state = StateIdle
		t.mu.Unlock()
		t.logger.Errorw("stream reconnect abandoned after repeated failures",
			"employee_id", t.employeeID, "attempts", maxReconnectAttempts, "error", err)
		return
	}
	t.state = StateReconnecting
	delay := t.backoff.NextBackOff()
	t.reconnectTimer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		// A connect that raced the timer owns the state now.
		if t.destroyed || t.state != StateReconnecting {
			t.mu.Unlock()
			return
		}
		t.state = StateIdle
		t.mu.Unlock()
		t.Connect(context.Background())
	})
	attempt := t.attempts
	t.mu.Unlock()

	metrics.StreamReconnectsTotal.Inc()
	t.logger.Warnw("stream disconnected, reconnect scheduled",
		"employee_id", t.employeeID, "attempt", attempt, "delay", delay, "error", err)
}

func (t *Transport) fireDisconnected(err error) {
	if t.callbacks.OnDisconnected != nil {
		t.callbacks.OnDisconnected(err)
	}
}

// Disconnect permanently tears the transport down: it cancels any pending
// reconnect timer and closes the live connection. Safe to call at any point,
// including mid-connect, and idempotent.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return
	}
	t.destroyed = true
	t.state = StateIdle
	if t.reconnectTimer != nil {
		t.reconnectTimer.Stop()
		t.reconnectTimer = nil
	}
	if t.cancelConn != nil {
		t.cancelConn()
		t.cancelConn = nil
	}
}
