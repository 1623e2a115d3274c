package syncsession

import (
	"context"
	"sort"
	"sync"

	"github.com/codeready-toolchain/rowsync/internal/frame"
	"github.com/codeready-toolchain/rowsync/internal/lsn"
)

// fakeApplyEngine, fakeTransport, fakeDomainTables, fakeChangeFeed,
// fakeProgressStore, and fakeClientRegistry below satisfy syncsession's
// interfaces purely in memory, so initialsync_test.go / feeder_test.go /
// actor_test.go can exercise the real orchestration
// code without a database or network connection.

// fakeTransport is an in-memory Transport that records sent frames and lets
// a test feed them into a Correlator to simulate client replies.
type fakeTransport struct {
	mu   sync.Mutex
	sent []frame.Envelope
}

func (f *fakeTransport) Send(_ context.Context, e frame.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) snapshot() []frame.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]frame.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeDomainTables serves an in-memory table set, paginated by sorted id.
type fakeDomainTables struct {
	tables []TableMeta
	rows   map[string][]TableRow // table -> rows sorted by ID
}

func (f *fakeDomainTables) ListTables(context.Context) ([]TableMeta, error) {
	out := make([]TableMeta, len(f.tables))
	copy(out, f.tables)
	sort.Slice(out, func(i, j int) bool { return out[i].HierarchyLevel < out[j].HierarchyLevel })
	return out, nil
}

func (f *fakeDomainTables) Page(_ context.Context, table, afterID string, limit int) ([]TableRow, string, bool, error) {
	rows := f.rows[table]
	start := 0
	if afterID != "" {
		for i, r := range rows {
			if r.ID > afterID {
				start = i
				goto found
			}
		}
		start = len(rows)
	found:
	}
	end := start + limit
	if end > len(rows) {
		end = len(rows)
	}
	page := rows[start:end]
	hasMore := end < len(rows)
	next := afterID
	if len(page) > 0 {
		next = page[len(page)-1].ID
	}
	return page, next, hasMore, nil
}

// fakeChangeFeed serves a fixed, ordered list of changes.
type fakeChangeFeed struct {
	mu      sync.Mutex
	changes []TableChange
	current lsn.LSN
}

func (f *fakeChangeFeed) ChangesSince(_ context.Context, since lsn.LSN, limit int) ([]TableChange, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []TableChange
	for _, c := range f.changes {
		if c.LSN.Compare(since) > 0 {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LSN.Less(out[j].LSN) })
	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	return out, hasMore, nil
}

func (f *fakeChangeFeed) CurrentServerLSN(context.Context) (lsn.LSN, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

// fakeProgressStore is an in-memory ProgressStore.
type fakeProgressStore struct {
	mu       sync.Mutex
	lsns     map[string]lsn.LSN
	phases   map[string]Phase
	progress map[string]InitialSyncProgress
}

func newFakeProgressStore() *fakeProgressStore {
	return &fakeProgressStore{
		lsns:     map[string]lsn.LSN{},
		phases:   map[string]Phase{},
		progress: map[string]InitialSyncProgress{},
	}
}

func (s *fakeProgressStore) PutLSN(_ context.Context, clientID string, l lsn.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lsns[clientID] = l
	return nil
}

func (s *fakeProgressStore) GetLSN(_ context.Context, clientID string) (lsn.LSN, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsns[clientID], nil
}

func (s *fakeProgressStore) PutPhase(_ context.Context, clientID string, phase Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases[clientID] = phase
	return nil
}

func (s *fakeProgressStore) GetPhase(_ context.Context, clientID string) (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phases[clientID], nil
}

func (s *fakeProgressStore) PutInitialSyncProgress(_ context.Context, clientID string, p InitialSyncProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress[clientID] = p
	return nil
}

func (s *fakeProgressStore) GetInitialSyncProgress(_ context.Context, clientID string) (InitialSyncProgress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[clientID]
	return p, ok, nil
}

func (s *fakeProgressStore) PutLastWakeTime(context.Context, string, int64) error { return nil }

func (s *fakeProgressStore) PutCurrentClientID(context.Context, string) error { return nil }

func (s *fakeProgressStore) GetCurrentClientID(context.Context) (string, bool, error) {
	return "", false, nil
}

// fakeClientRegistry is an in-memory ClientRegistry.
type fakeClientRegistry struct {
	mu   sync.Mutex
	regs map[string]ClientRegistration
}

func newFakeClientRegistry() *fakeClientRegistry {
	return &fakeClientRegistry{regs: map[string]ClientRegistration{}}
}

func (r *fakeClientRegistry) Upsert(_ context.Context, reg ClientRegistration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[reg.ClientID] = reg
	return nil
}

func (r *fakeClientRegistry) MarkActive(_ context.Context, clientID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.regs[clientID]
	reg.Active = active
	r.regs[clientID] = reg
	return nil
}

func (r *fakeClientRegistry) Get(_ context.Context, clientID string) (ClientRegistration, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[clientID]
	return reg, ok, nil
}

// fakeApplyEngine returns a scripted ApplyResult, and records what it was
// called with for assertions.
type fakeApplyEngine struct {
	result  ApplyResult
	applied []TableChange
}

func (e *fakeApplyEngine) Apply(_ context.Context, changes []TableChange, _ ApplyConfig) ApplyResult {
	e.applied = changes
	if e.result.AppliedIDs == nil {
		ids := make([]string, len(changes))
		for i, c := range changes {
			ids[i] = c.ID()
		}
		return ApplyResult{AppliedIDs: ids, Success: true}
	}
	return e.result
}

