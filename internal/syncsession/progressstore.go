package syncsession

import (
	"context"

	"github.com/codeready-toolchain/rowsync/internal/lsn"
)

// ProgressStore is the durable, per-client key-value namespace from spec
// §4.6. All writes are read-your-writes consistent. Implemented against
// Postgres in internal/storepg.
type ProgressStore interface {
	// PutLSN persists client:<id>:lsn. Callers are responsible for only ever
	// advancing it (Invariant 1); the store itself does not enforce
	// monotonicity.
	PutLSN(ctx context.Context, clientID string, l lsn.LSN) error
	GetLSN(ctx context.Context, clientID string) (lsn.LSN, error)

	// PutPhase/GetPhase persist client:<id>:syncState.
	PutPhase(ctx context.Context, clientID string, phase Phase) error
	GetPhase(ctx context.Context, clientID string) (Phase, error)

	// PutInitialSyncProgress/GetInitialSyncProgress persist
	// initial_sync_state. GetInitialSyncProgress's second return is false
	// when no record exists yet.
	PutInitialSyncProgress(ctx context.Context, clientID string, p InitialSyncProgress) error
	GetInitialSyncProgress(ctx context.Context, clientID string) (InitialSyncProgress, bool, error)

	// PutLastWakeTime persists lastWakeTime, a diagnostic only.
	PutLastWakeTime(ctx context.Context, clientID string, millis int64) error

	// PutCurrentClientID/GetCurrentClientID persist current_client_id (§5
	// "Hibernation"). Nothing in this module calls them: actors receive
	// their clientID at construction and never read it back from the store.
	PutCurrentClientID(ctx context.Context, clientID string) error
	GetCurrentClientID(ctx context.Context) (string, bool, error)
}

// ClientRegistry is the auxiliary, advisory shared registry from spec §4.6:
// "maps clientId -> {active, lastSeen, lastLSN, syncState} for operator
// visibility... MUST NOT be trusted for correctness."
type ClientRegistry interface {
	Upsert(ctx context.Context, reg ClientRegistration) error
	MarkActive(ctx context.Context, clientID string, active bool) error
	Get(ctx context.Context, clientID string) (ClientRegistration, bool, error)
}
