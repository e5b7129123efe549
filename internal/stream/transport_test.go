package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) Token(ctx context.Context) (string, error) {
	return s.token, s.err
}

// blockingTokens blocks Token until released, so tests can race Disconnect
// against the credential await.
type blockingTokens struct {
	entered chan struct{}
	release chan struct{}
}

func newBlockingTokens() *blockingTokens {
	return &blockingTokens{entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingTokens) Token(ctx context.Context) (string, error) {
	close(b.entered)
	<-b.release
	return "token", nil
}

type capturedEvents struct {
	mu           sync.Mutex
	sessionKeys  []string
	deltas       []string
	finals       []model.StreamMessage
	errorTexts   []string
	aborted      []string
	disconnected int
}

func (c *capturedEvents) callbacks() Callbacks {
	return Callbacks{
		OnConnected: func(sessionKey string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.sessionKeys = append(c.sessionKeys, sessionKey)
		},
		OnDelta: func(runID, content string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.deltas = append(c.deltas, content)
		},
		OnFinal: func(runID string, message model.StreamMessage, usage *model.TokenUsage) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.finals = append(c.finals, message)
		},
		OnError: func(runID, errorText string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.errorTexts = append(c.errorTexts, errorText)
		},
		OnAborted: func(runID string) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.aborted = append(c.aborted, runID)
		},
		OnDisconnected: func(err error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.disconnected++
		},
	}
}

func (c *capturedEvents) deltaCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.deltas)
}

func (c *capturedEvents) finalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.finals)
}

func TestReconnectBackoffBounds(t *testing.T) {
	b := newReconnectBackoff()

	// Doubling from 1s, jittered +/-30%, capped at 30s.
	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for i, base := range expected {
		d := b.NextBackOff()
		require.NotEqual(t, backoff.Stop, d, "schedule must never give up on its own")
		low := time.Duration(float64(base) * 0.69)
		high := time.Duration(float64(base) * 1.31)
		assert.GreaterOrEqual(t, d, low, "attempt %d below jitter floor", i)
		assert.LessOrEqual(t, d, high, "attempt %d above jitter ceiling", i)
	}

	b.Reset()
	d := b.NextBackOff()
	assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*1.31), "reset returns to the initial interval")
}

func TestStreamEventDispatch(t *testing.T) {
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "test-token", r.URL.Query().Get("token"))
		assert.Equal(t, "tab-1", r.URL.Query().Get("tabId"))

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)

		fmt.Fprint(w, "event: connected\ndata: {\"run_id\":\"\",\"seq\":1,\"state\":\"connected\",\"session_key\":\"sk-1\"}\n\n")
		fmt.Fprint(w, ": heartbeat\n\n")
		fmt.Fprint(w, "data: {\"run_id\":\"r1\",\"seq\":2,\"state\":\"delta\",\"content\":\"Hel\"}\n\n")
		fmt.Fprint(w, "data: {\"run_id\":\"r1\",\"seq\":3,\"state\":\"delta\",\"content\":\"lo\"}\n\n")
		fmt.Fprint(w, "data: not json\n\n")
		fmt.Fprint(w, "data: {\"run_id\":\"r1\",\"seq\":4,\"state\":\"final\",\"message\":{\"role\":\"assistant\",\"content\":\"Hello\"},\"usage\":{\"input_tokens\":3,\"output_tokens\":2,\"total_tokens\":5}}\n\n")
		fmt.Fprint(w, "data: {\"run_id\":\"r2\",\"seq\":5,\"state\":\"aborted\"}\n\n")
		fmt.Fprint(w, "data: {\"run_id\":\"r3\",\"seq\":6,\"state\":\"error\",\"error\":\"model unavailable\"}\n\n")
		flusher.Flush()
		<-done
	}))
	defer server.Close()
	defer close(done)

	events := &capturedEvents{}
	tr := NewTransport(server.URL, "emp-1", "tab-1", staticTokens{token: "test-token"}, events.callbacks(), nil, logger.NewNop())
	defer tr.Disconnect()

	tr.Connect(context.Background())
	require.Equal(t, StateOpen, tr.State())

	require.Eventually(t, func() bool {
		events.mu.Lock()
		defer events.mu.Unlock()
		return len(events.errorTexts) == 1
	}, 2*time.Second, 10*time.Millisecond)

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, []string{"sk-1"}, events.sessionKeys)
	assert.Equal(t, []string{"Hel", "lo"}, events.deltas)
	require.Len(t, events.finals, 1)
	assert.Equal(t, model.RoleAssistant, events.finals[0].Role)
	assert.Equal(t, "Hello", events.finals[0].Content)
	assert.Equal(t, []string{"r2"}, events.aborted)
	assert.Equal(t, []string{"model unavailable"}, events.errorTexts)
	assert.Zero(t, events.disconnected, "malformed payloads are dropped without tearing the stream")
}

func TestConnectIsIdempotentWhileOpen(t *testing.T) {
	var conns int64
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&conns, 1)
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-done
	}))
	defer server.Close()
	defer close(done)

	tr := NewTransport(server.URL, "emp-1", "tab-1", staticTokens{token: "t"}, Callbacks{}, nil, logger.NewNop())
	defer tr.Disconnect()

	tr.Connect(context.Background())
	tr.Connect(context.Background())
	tr.Connect(context.Background())

	assert.Equal(t, StateOpen, tr.State())
	assert.Equal(t, int64(1), atomic.LoadInt64(&conns))
}

func TestReconnectCeiling(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	events := &capturedEvents{}
	tr := NewTransport(server.URL, "emp-1", "tab-1", staticTokens{token: "t"}, events.callbacks(), nil, logger.NewNop())
	defer tr.Disconnect()
	tr.backoff = &backoff.ZeroBackOff{} // collapse the schedule so the test runs instantly

	tr.Connect(context.Background())

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&requests) == maxReconnectAttempts && tr.State() == StateIdle
	}, 5*time.Second, 10*time.Millisecond)

	// Give any stray timer a moment to prove it does not fire.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(maxReconnectAttempts), atomic.LoadInt64(&requests))
	assert.Equal(t, StateIdle, tr.State())

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, maxReconnectAttempts, events.disconnected, "every failed attempt surfaces a disconnect")
}

func TestSuccessfulConnectResetsAttemptCounter(t *testing.T) {
	var requests int64
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&requests, 1)
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-done
	}))
	defer server.Close()
	defer close(done)

	tr := NewTransport(server.URL, "emp-1", "tab-1", staticTokens{token: "t"}, Callbacks{}, nil, logger.NewNop())
	defer tr.Disconnect()
	tr.backoff = &backoff.ZeroBackOff{}

	tr.Connect(context.Background())

	require.Eventually(t, func() bool {
		return tr.State() == StateOpen
	}, 5*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	attempts := tr.attempts
	tr.mu.Unlock()
	assert.Zero(t, attempts, "a live connection clears the failure streak")
}

func TestConnectDuringReconnectWaitOwnsTheConnection(t *testing.T) {
	var total, live, maxLive int64
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&total, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		n := atomic.AddInt64(&live, 1)
		defer atomic.AddInt64(&live, -1)
		for {
			m := atomic.LoadInt64(&maxLive)
			if n <= m || atomic.CompareAndSwapInt64(&maxLive, m, n) {
				break
			}
		}
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-done
	}))
	defer server.Close()
	defer close(done)

	tr := NewTransport(server.URL, "emp-1", "tab-1", staticTokens{token: "t"}, Callbacks{}, nil, logger.NewNop())
	defer tr.Disconnect()

	// First attempt fails and schedules a reconnect roughly a second out.
	tr.Connect(context.Background())
	require.Equal(t, StateReconnecting, tr.State())

	// A manual connect during the wait takes over.
	tr.Connect(context.Background())
	require.Equal(t, StateOpen, tr.State())

	// Outlive the scheduled reconnect delay (1s +/-30% jitter): the stale
	// timer must not open a second connection.
	time.Sleep(1600 * time.Millisecond)

	assert.Equal(t, StateOpen, tr.State())
	assert.Equal(t, int64(2), atomic.LoadInt64(&total), "the stale timer must not dial again")
	assert.Equal(t, int64(1), atomic.LoadInt64(&maxLive), "at most one live connection per conversation")
}

func TestDisconnectDuringOpenIsCallbackSilent(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
	}))
	defer server.Close()

	events := &capturedEvents{}
	tr := NewTransport(server.URL, "emp-1", "tab-1", staticTokens{token: "t"}, events.callbacks(), nil, logger.NewNop())

	connected := make(chan struct{})
	go func() {
		tr.Connect(context.Background())
		close(connected)
	}()

	<-entered
	tr.Disconnect()
	close(release)
	<-connected

	assert.Equal(t, StateIdle, tr.State())
	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Zero(t, events.disconnected, "teardown must not surface as a disconnect")
}

func TestDisconnectDuringCredentialWait(t *testing.T) {
	var requests int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&requests, 1)
	}))
	defer server.Close()

	tokens := newBlockingTokens()
	tr := NewTransport(server.URL, "emp-1", "tab-1", tokens, Callbacks{}, nil, logger.NewNop())

	connected := make(chan struct{})
	go func() {
		tr.Connect(context.Background())
		close(connected)
	}()

	<-tokens.entered
	tr.Disconnect()
	close(tokens.release)
	<-connected

	assert.Equal(t, StateIdle, tr.State())
	assert.Zero(t, atomic.LoadInt64(&requests), "no connection is opened after teardown")
}

func TestDisconnectIsIdempotent(t *testing.T) {
	tr := NewTransport("http://unused", "emp-1", "tab-1", staticTokens{token: "t"}, Callbacks{}, nil, logger.NewNop())
	tr.Disconnect()
	tr.Disconnect()
	assert.Equal(t, StateIdle, tr.State())

	tr.Connect(context.Background())
	assert.Equal(t, StateIdle, tr.State(), "connect after teardown is a no-op")
}

func TestCredentialFailureSurfacesDisconnect(t *testing.T) {
	events := &capturedEvents{}
	tr := NewTransport("http://unused", "emp-1", "tab-1",
		staticTokens{err: fmt.Errorf("no session")}, events.callbacks(), nil, logger.NewNop())
	defer tr.Disconnect()

	tr.Connect(context.Background())

	assert.Equal(t, StateIdle, tr.State())
	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, 1, events.disconnected)
}
