package syncsession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rowsync/internal/frame"
	"github.com/codeready-toolchain/rowsync/internal/lsn"
)

func TestInitialSyncDriver_EmptyDB(t *testing.T) {
	// Scenario 1 from spec §8: fresh client, empty DB.
	transport := &fakeTransport{}
	conn := &Conn{ClientID: "c1", Transport: transport, Correlator: frame.NewCorrelator(nil)}
	store := newFakeProgressStore()
	tables := &fakeDomainTables{
		tables: []TableMeta{{Name: "user", HierarchyLevel: 0}},
		rows:   map[string][]TableRow{},
	}
	feed := &fakeChangeFeed{current: lsn.LSN("0/16")}
	driver := &InitialSyncDriver{Tables: tables, Feed: feed, Store: store, DBPageSize: 1000, WireChunkSize: 2000, ChunkAckTimeout: time.Second}

	done := make(chan Phase, 1)
	errCh := make(chan error, 1)
	go func() {
		phase, err := driver.Run(context.Background(), conn)
		if err != nil {
			errCh <- err
			return
		}
		done <- phase
	}()

	// Driver should send init_start then init_complete without any chunks,
	// then wait for clt_init_processed.
	waitForSent(t, transport, 2)
	conn.Correlator.Push(mustEnvelope(t, frame.TypeInitProcessed, "c1", struct{}{}))

	select {
	case err := <-errCh:
		t.Fatalf("driver failed: %v", err)
	case phase := <-done:
		assert.Equal(t, PhaseLive, phase)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not finish")
	}

	sent := transport.snapshot()
	require.Len(t, sent, 4) // init_start, init_complete, lsn_update, state_change
	assert.Equal(t, frame.TypeInitStart, sent[0].Type)
	start, err := frame.Decode[frame.InitStartData](sent[0])
	require.NoError(t, err)
	assert.Equal(t, "0/16", start.ServerLSN)
	assert.Equal(t, frame.TypeInitComplete, sent[1].Type)
}

func TestInitialSyncDriver_OneRow(t *testing.T) {
	// Scenario 2 from spec §8: fresh client, one user row, no project/task rows.
	transport := &fakeTransport{}
	conn := &Conn{ClientID: "c1", Transport: transport, Correlator: frame.NewCorrelator(nil)}
	store := newFakeProgressStore()
	updatedAt, _ := time.Parse(time.RFC3339, "2024-01-01T00:00:00Z")
	tables := &fakeDomainTables{
		tables: []TableMeta{
			{Name: "user", HierarchyLevel: 0},
			{Name: "project", HierarchyLevel: 1},
			{Name: "task", HierarchyLevel: 2},
		},
		rows: map[string][]TableRow{
			"user": {{ID: "u1", Data: map[string]any{"id": "u1"}, UpdatedAt: updatedAt}},
		},
	}
	feed := &fakeChangeFeed{current: lsn.LSN("0/16")}
	driver := &InitialSyncDriver{Tables: tables, Feed: feed, Store: store, DBPageSize: 1000, WireChunkSize: 2000, ChunkAckTimeout: time.Second}

	errCh := make(chan error, 1)
	doneCh := make(chan Phase, 1)
	go func() {
		phase, err := driver.Run(context.Background(), conn)
		if err != nil {
			errCh <- err
			return
		}
		doneCh <- phase
	}()

	waitForSent(t, transport, 2) // init_start, init_changes(user)
	sent := transport.snapshot()
	require.Len(t, sent, 2)
	changesData, err := frame.Decode[frame.InitChangesData](sent[1])
	require.NoError(t, err)
	assert.Equal(t, "user", changesData.Sequence.Table)
	assert.Equal(t, 1, changesData.Sequence.Chunk)
	assert.Equal(t, 1, changesData.Sequence.Total)
	require.Len(t, changesData.Changes, 1)
	assert.Equal(t, "u1", changesData.Changes[0].Data["id"])

	conn.Correlator.Push(mustEnvelope(t, frame.TypeInitReceived, "c1", frame.InitReceivedData{Table: "user", Chunk: 1}))
	waitForSent(t, transport, 3) // + init_complete
	conn.Correlator.Push(mustEnvelope(t, frame.TypeInitProcessed, "c1", struct{}{}))

	select {
	case err := <-errCh:
		t.Fatalf("driver failed: %v", err)
	case phase := <-doneCh:
		assert.Equal(t, PhaseLive, phase)
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not finish")
	}
}

func TestInitialSyncDriver_ResumeMidTable(t *testing.T) {
	// Scenario 5 from spec §8: reconnect mid-initial-sync.
	store := newFakeProgressStore()
	startLSN := lsn.LSN("0/20")
	_ = store.PutInitialSyncProgress(context.Background(), "c1", InitialSyncProgress{
		StartLSN:        startLSN,
		CompletedTables: []string{"user"},
		CurrentTable:    "project",
		LastAckedChunk:  1,
		LastAfterID:     "p-mid",
		Status:          InitialSyncInProgress,
	})

	updatedAt := time.Now()
	tables := &fakeDomainTables{
		tables: []TableMeta{
			{Name: "user", HierarchyLevel: 0},
			{Name: "project", HierarchyLevel: 1},
		},
		rows: map[string][]TableRow{
			"project": {{ID: "p-tail", Data: map[string]any{"id": "p-tail"}, UpdatedAt: updatedAt}},
		},
	}
	feed := &fakeChangeFeed{current: startLSN}
	transport := &fakeTransport{}
	conn := &Conn{ClientID: "c1", Transport: transport, Correlator: frame.NewCorrelator(nil)}
	driver := &InitialSyncDriver{Tables: tables, Feed: feed, Store: store, DBPageSize: 1000, WireChunkSize: 2000, ChunkAckTimeout: time.Second}

	errCh := make(chan error, 1)
	doneCh := make(chan Phase, 1)
	go func() {
		phase, err := driver.Run(context.Background(), conn)
		if err != nil {
			errCh <- err
			return
		}
		doneCh <- phase
	}()

	waitForSent(t, transport, 2) // init_start (resuming), init_changes(project chunk 2)
	sent := transport.snapshot()
	changesData, err := frame.Decode[frame.InitChangesData](sent[1])
	require.NoError(t, err)
	assert.Equal(t, "project", changesData.Sequence.Table)
	assert.Equal(t, 2, changesData.Sequence.Chunk, "resumes at chunk 2, not re-shipping chunk 1")

	conn.Correlator.Push(mustEnvelope(t, frame.TypeInitReceived, "c1", frame.InitReceivedData{Table: "project", Chunk: 2}))
	waitForSent(t, transport, 3)
	conn.Correlator.Push(mustEnvelope(t, frame.TypeInitProcessed, "c1", struct{}{}))

	select {
	case err := <-errCh:
		t.Fatalf("driver failed: %v", err)
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("driver did not finish")
	}
}

func waitForSent(t *testing.T, transport *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(transport.snapshot()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent frames, got %d", n, len(transport.snapshot()))
}

func mustEnvelope(t *testing.T, typ frame.Type, clientID string, data any) frame.Envelope {
	t.Helper()
	e, err := frame.New(typ, clientID, data)
	require.NoError(t, err)
	return e
}
