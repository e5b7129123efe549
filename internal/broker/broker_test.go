package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	m := NewMemory(logger.NewNop())
	defer m.Close()

	ch, unsubscribe, err := m.Subscribe(context.Background(), "t1", "emp-1")
	require.NoError(t, err)
	defer unsubscribe()

	ev := model.ChatEvent{RunID: "r1", State: model.RunStateDelta, Content: "tok"}
	require.NoError(t, m.Publish(context.Background(), "t1", "emp-1", ev))

	select {
	case got := <-ch:
		assert.Equal(t, ev, got)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMemoryConversationIsolation(t *testing.T) {
	m := NewMemory(logger.NewNop())
	defer m.Close()

	ch1, unsub1, err := m.Subscribe(context.Background(), "t1", "emp-1")
	require.NoError(t, err)
	defer unsub1()

	ch2, unsub2, err := m.Subscribe(context.Background(), "t2", "emp-1")
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, m.Publish(context.Background(), "t1", "emp-1",
		model.ChatEvent{RunID: "r1", State: model.RunStateDelta}))

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("subscriber of the published conversation got nothing")
	}

	select {
	case ev := <-ch2:
		t.Fatalf("event for tenant t1 leaked to tenant t2: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryFanOutToDuplicateTabs(t *testing.T) {
	m := NewMemory(logger.NewNop())
	defer m.Close()

	ch1, unsub1, err := m.Subscribe(context.Background(), "t1", "emp-1")
	require.NoError(t, err)
	defer unsub1()
	ch2, unsub2, err := m.Subscribe(context.Background(), "t1", "emp-1")
	require.NoError(t, err)
	defer unsub2()

	require.NoError(t, m.Publish(context.Background(), "t1", "emp-1",
		model.ChatEvent{RunID: "r1", State: model.RunStateFinal}))

	for i, ch := range []<-chan model.ChatEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "r1", ev.RunID)
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestMemoryUnsubscribe(t *testing.T) {
	m := NewMemory(logger.NewNop())
	defer m.Close()

	ch, unsubscribe, err := m.Subscribe(context.Background(), "t1", "emp-1")
	require.NoError(t, err)

	unsubscribe()
	unsubscribe() // idempotent

	_, open := <-ch
	assert.False(t, open, "channel is closed on unsubscribe")

	// Publishing to a conversation with no subscribers is not an error.
	assert.NoError(t, m.Publish(context.Background(), "t1", "emp-1",
		model.ChatEvent{State: model.RunStateDelta}))
}

func TestGuardedChanCloseRacesSends(t *testing.T) {
	gc := newGuardedChan()

	// Hammer sends from several goroutines while the channel gets closed
	// mid-flight; a send landing after close must be dropped, never panic.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				gc.send(model.ChatEvent{State: model.RunStateDelta})
			}
		}()
	}

	time.Sleep(time.Millisecond)
	gc.close()
	gc.close() // idempotent
	wg.Wait()

	assert.False(t, gc.send(model.ChatEvent{State: model.RunStateDelta}),
		"sends after close are rejected")

	// Drain to the closed end without blocking.
	for range gc.ch {
	}
}

func TestGuardedChanDropsWhenFull(t *testing.T) {
	gc := newGuardedChan()
	defer gc.close()

	for i := 0; i < subscriberBuffer; i++ {
		require.True(t, gc.send(model.ChatEvent{State: model.RunStateDelta}))
	}
	assert.False(t, gc.send(model.ChatEvent{State: model.RunStateDelta}),
		"overflow is dropped, not queued")
	assert.Len(t, gc.ch, subscriberBuffer)
}

func TestMemorySlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	m := NewMemory(logger.NewNop())
	defer m.Close()

	ch, unsubscribe, err := m.Subscribe(context.Background(), "t1", "emp-1")
	require.NoError(t, err)
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			_ = m.Publish(context.Background(), "t1", "emp-1",
				model.ChatEvent{State: model.RunStateDelta})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	assert.Len(t, ch, subscriberBuffer, "overflow is dropped, not queued")
}
