package actorhub

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rowsync/internal/frame"
	"github.com/codeready-toolchain/rowsync/internal/lsn"
	"github.com/codeready-toolchain/rowsync/internal/syncsession"
)

// fakeTransport records Send/Close calls. Send never blocks: it records the
// frame and returns nil, and Close only sets a flag the tests can poll.
type fakeTransport struct {
	mu     sync.Mutex
	closed bool
	sent   []frame.Envelope
}

func (t *fakeTransport) Send(_ context.Context, e frame.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, e)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// fakeRegistry/fakeStore/fakeTables/fakeFeed/fakeApply are the minimum
// no-op implementations needed so Actor.runWorkflow can run without a real
// database. Every test attaches with an empty LSN, so the workflow enters
// INITIAL; testDeps leaves ChunkAckTimeout at zero, so the wait for
// clt_init_processed times out at once and the actor closes its transport.
// These tests exercise only Hub's registration bookkeeping.
type fakeRegistry struct{}

func (fakeRegistry) Upsert(context.Context, syncsession.ClientRegistration) error { return nil }
func (fakeRegistry) MarkActive(context.Context, string, bool) error               { return nil }
func (fakeRegistry) Get(context.Context, string) (syncsession.ClientRegistration, bool, error) {
	return syncsession.ClientRegistration{}, false, nil
}

type fakeStore struct {
	mu  sync.Mutex
	lsn lsn.LSN
}

func (s *fakeStore) PutLSN(_ context.Context, _ string, l lsn.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lsn = l
	return nil
}
func (s *fakeStore) GetLSN(context.Context, string) (lsn.LSN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsn, nil
}
func (fakeStore) PutPhase(context.Context, string, syncsession.Phase) error { return nil }
func (fakeStore) GetPhase(context.Context, string) (syncsession.Phase, error) {
	return syncsession.PhaseLive, nil
}
func (fakeStore) PutInitialSyncProgress(context.Context, string, syncsession.InitialSyncProgress) error {
	return nil
}
func (fakeStore) GetInitialSyncProgress(context.Context, string) (syncsession.InitialSyncProgress, bool, error) {
	return syncsession.InitialSyncProgress{}, false, nil
}
func (fakeStore) PutLastWakeTime(context.Context, string, int64) error     { return nil }
func (fakeStore) PutCurrentClientID(context.Context, string) error        { return nil }
func (fakeStore) GetCurrentClientID(context.Context) (string, bool, error) { return "", false, nil }

type fakeTables struct{}

func (fakeTables) ListTables(context.Context) ([]syncsession.TableMeta, error) { return nil, nil }
func (fakeTables) Page(context.Context, string, string, int) ([]syncsession.TableRow, string, bool, error) {
	return nil, "", false, nil
}

type fakeFeed struct{}

func (fakeFeed) ChangesSince(context.Context, lsn.LSN, int) ([]syncsession.TableChange, bool, error) {
	return nil, false, nil
}
func (fakeFeed) CurrentServerLSN(context.Context) (lsn.LSN, error) { return lsn.Zero, nil }

type fakeApply struct{}

func (fakeApply) Apply(context.Context, []syncsession.TableChange, syncsession.ApplyConfig) syncsession.ApplyResult {
	return syncsession.ApplyResult{Success: true}
}

func testDeps() syncsession.Deps {
	return syncsession.Deps{
		Registry:         fakeRegistry{},
		Store:            &fakeStore{},
		Tables:           fakeTables{},
		Feed:             fakeFeed{},
		Apply:            fakeApply{},
		LiveIdleTick:     50 * time.Millisecond,
		FeederAckTimeout: time.Second,
		FeederChunkSize:  10,
	}
}

func testFactory() Factory {
	deps := testDeps()
	return func(clientID string, transport syncsession.Transport, log *slog.Logger) *syncsession.Actor {
		return syncsession.NewActor(clientID, transport, log, deps)
	}
}

func TestHubAttachRegistersActor(t *testing.T) {
	hub := New(testFactory(), slog.Default())
	t1 := &fakeTransport{}

	actor, err := hub.Attach(context.Background(), "client-1", t1, "")
	require.NoError(t, err)
	require.NotNil(t, actor)

	got, ok := hub.Lookup("client-1")
	assert.True(t, ok)
	assert.Same(t, actor, got)
	assert.Equal(t, 1, hub.Count())
}

func TestHubAttachSupersedesPriorActorForSameClient(t *testing.T) {
	hub := New(testFactory(), slog.Default())
	t1 := &fakeTransport{}
	t2 := &fakeTransport{}

	first, err := hub.Attach(context.Background(), "client-1", t1, "")
	require.NoError(t, err)

	second, err := hub.Attach(context.Background(), "client-1", t2, "")
	require.NoError(t, err)

	assert.NotSame(t, first, second)
	assert.Eventually(t, t1.isClosed, time.Second, 10*time.Millisecond, "superseded transport should be closed")

	got, ok := hub.Lookup("client-1")
	assert.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, hub.Count(), "only the latest actor stays registered")
}

func TestHubDetachIgnoresStaleActor(t *testing.T) {
	hub := New(testFactory(), slog.Default())
	t1 := &fakeTransport{}
	t2 := &fakeTransport{}

	first, err := hub.Attach(context.Background(), "client-1", t1, "")
	require.NoError(t, err)
	second, err := hub.Attach(context.Background(), "client-1", t2, "")
	require.NoError(t, err)

	// A stale Detach for the superseded actor must not evict the newer one.
	hub.Detach("client-1", first)
	got, ok := hub.Lookup("client-1")
	assert.True(t, ok)
	assert.Same(t, second, got)

	hub.Detach("client-1", second)
	_, ok = hub.Lookup("client-1")
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Count())
}

func TestHubPushServerNotificationFansOutToEveryActor(t *testing.T) {
	hub := New(testFactory(), slog.Default())
	a1, err := hub.Attach(context.Background(), "client-1", &fakeTransport{}, "")
	require.NoError(t, err)
	a2, err := hub.Attach(context.Background(), "client-2", &fakeTransport{}, "")
	require.NoError(t, err)

	// PushServerNotification is a non-blocking best-effort wake; this only
	// verifies it doesn't panic or deadlock across multiple actors.
	hub.PushServerNotification(lsn.LSN("0/10"))
	_ = a1
	_ = a2
}
