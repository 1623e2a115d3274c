package syncsession

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rowsync/internal/frame"
	"github.com/codeready-toolchain/rowsync/internal/lsn"
)

// TestActorSerializesConcurrentOutboundSends exercises the scenario from the
// review: handleClientChanges dispatches on its own goroutine (OnFrame) at
// the same time runWorkflow's feeder is pushing srv_send_changes frames.
// Every frame recorded by fakeTransport must be a complete, well-formed
// envelope — a torn or interleaved write would show up as a frame missing
// its Type or MessageID.
func TestActorSerializesConcurrentOutboundSends(t *testing.T) {
	transport := &fakeTransport{}
	feed := &fakeChangeFeed{current: lsn.LSN("0/1")}
	deps := Deps{
		Registry: newFakeClientRegistry(),
		Store:    newFakeProgressStore(),
		Tables:   &fakeDomainTables{},
		Feed:     feed,
		Apply:    &fakeApplyEngine{},

		ChunkAckTimeout: 50 * time.Millisecond,

		FeederChunkSize:  10,
		FeederAckTimeout: 50 * time.Millisecond,
		LiveIdleTick:     5 * time.Millisecond,
		ApplyConfig:      ApplyConfig{RowTimeout: time.Second, BatchInsertTimeout: time.Second},
	}

	a := NewActor("client-race", transport, nil, deps)
	require.NoError(t, a.Accept(context.Background(), lsn.Zero.String()))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			e, err := frame.New(frame.TypeSendClientChanges, a.ClientID, frame.SendClientChangesData{
				Changes: []frame.ChangeWire{{Table: "users", Op: "insert", Data: map[string]any{"id": "u"}, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}},
			})
			require.NoError(t, err)
			a.OnFrame(context.Background(), e)
		}(i)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		for _, e := range transport.snapshot() {
			if e.Type == frame.TypeChangesApplied {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "at least one clt_send_changes should have been applied and acknowledged")

	for _, e := range transport.snapshot() {
		assert.NotEmpty(t, e.Type, "every recorded frame must be a complete envelope, not a torn concurrent write")
		assert.NotEmpty(t, e.MessageID)
	}
}
