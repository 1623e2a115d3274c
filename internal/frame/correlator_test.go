package frame

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelator_WaitThenPush(t *testing.T) {
	c := NewCorrelator(nil)
	done := make(chan Envelope, 1)

	go func() {
		e, err := c.WaitFor(context.Background(), TypeInitReceived, Any, time.Second)
		require.NoError(t, err)
		done <- e
	}()

	time.Sleep(20 * time.Millisecond) // let WaitFor register
	c.Push(Envelope{Type: TypeInitReceived, MessageID: "m1", Timestamp: 1, ClientID: "c1"})

	select {
	case e := <-done:
		assert.Equal(t, "m1", e.MessageID)
	case <-time.After(time.Second):
		t.Fatal("WaitFor did not resolve")
	}
}

func TestCorrelator_PushThenWaitSatisfiesFromQueue(t *testing.T) {
	c := NewCorrelator(nil)
	c.Push(Envelope{Type: TypeClientHeartbeat, MessageID: "m2", Timestamp: 1, ClientID: "c1"})

	e, err := c.WaitFor(context.Background(), TypeClientHeartbeat, Any, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "m2", e.MessageID)

	// Queue should now be empty — a second wait without a new push must time out.
	_, err = c.WaitFor(context.Background(), TypeClientHeartbeat, Any, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestCorrelator_FilterSelectsMatchingFrame(t *testing.T) {
	c := NewCorrelator(nil)
	c.Push(Envelope{Type: TypeInitReceived, MessageID: "wrong-table", Timestamp: 1, ClientID: "c1",
		Data: mustJSON(t, InitReceivedData{Table: "projects", Chunk: 1})})
	c.Push(Envelope{Type: TypeInitReceived, MessageID: "right-table", Timestamp: 2, ClientID: "c1",
		Data: mustJSON(t, InitReceivedData{Table: "users", Chunk: 1})})

	filter := func(e Envelope) bool {
		d, err := Decode[InitReceivedData](e)
		return err == nil && d.Table == "users" && d.Chunk == 1
	}

	e, err := c.WaitFor(context.Background(), TypeInitReceived, filter, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "right-table", e.MessageID)
}

func TestCorrelator_TimesOut(t *testing.T) {
	c := NewCorrelator(nil)
	_, err := c.WaitFor(context.Background(), TypeInitComplete, Any, 20*time.Millisecond)
	assert.Error(t, err)
}

func TestCorrelator_CancelAllUnblocksWaiters(t *testing.T) {
	c := NewCorrelator(nil)
	errCh := make(chan error, 1)
	go func() {
		_, err := c.WaitFor(context.Background(), TypeHeartbeat, Any, 5*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	c.CancelAll()

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("CancelAll did not unblock waiter")
	}
}

func TestCorrelator_OverflowDropsOldest(t *testing.T) {
	c := NewCorrelator(nil)
	for i := 0; i < maxQueuedPerType+10; i++ {
		c.Push(Envelope{Type: TypeClientHeartbeat, MessageID: "m", Timestamp: int64(i), ClientID: "c1"})
	}
	c.mu.Lock()
	n := len(c.queues[TypeClientHeartbeat])
	oldestTimestamp := c.queues[TypeClientHeartbeat][0].Timestamp
	c.mu.Unlock()
	assert.Equal(t, maxQueuedPerType, n)
	assert.Equal(t, int64(10), oldestTimestamp)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	e, err := New(TypeInitReceived, "c1", v)
	require.NoError(t, err)
	return e.Data
}
