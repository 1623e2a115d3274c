package storepg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/rowsync/internal/lsn"
	"github.com/codeready-toolchain/rowsync/internal/syncsession"
)

const currentClientIDKey = "current_client_id"

func lsnKey(clientID string) string      { return fmt.Sprintf("client:%s:lsn", clientID) }
func phaseKey(clientID string) string    { return fmt.Sprintf("client:%s:syncState", clientID) }
func wakeKey(clientID string) string     { return fmt.Sprintf("client:%s:lastWakeTime", clientID) }
func initSyncKey(clientID string) string { return fmt.Sprintf("client:%s:initial_sync_state", clientID) }

// ProgressStore implements syncsession.ProgressStore against a single
// generic sync_progress(key, value) table (§4.6). put/get map onto a plain
// upsert and point lookup; there is no list-by-prefix operation.
// Read-your-writes consistency falls out of every call using the pool
// directly rather than caching anything locally.
type ProgressStore struct {
	Pool *pgxpool.Pool
}

var _ syncsession.ProgressStore = (*ProgressStore)(nil)

func (s *ProgressStore) put(ctx context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storepg: marshal %s: %w", key, err)
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO sync_progress (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at
	`, key, raw)
	if err != nil {
		return fmt.Errorf("storepg: put %s: %w", key, err)
	}
	return nil
}

func (s *ProgressStore) get(ctx context.Context, key string, dest any) (bool, error) {
	var raw []byte
	err := s.Pool.QueryRow(ctx, `SELECT value FROM sync_progress WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storepg: get %s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("storepg: unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *ProgressStore) PutLSN(ctx context.Context, clientID string, l lsn.LSN) error {
	return s.put(ctx, lsnKey(clientID), l.String())
}

func (s *ProgressStore) GetLSN(ctx context.Context, clientID string) (lsn.LSN, error) {
	var raw string
	ok, err := s.get(ctx, lsnKey(clientID), &raw)
	if err != nil {
		return "", err
	}
	if !ok {
		return lsn.Zero, nil
	}
	return lsn.LSN(raw), nil
}

func (s *ProgressStore) PutPhase(ctx context.Context, clientID string, phase syncsession.Phase) error {
	return s.put(ctx, phaseKey(clientID), phase)
}

func (s *ProgressStore) GetPhase(ctx context.Context, clientID string) (syncsession.Phase, error) {
	var raw syncsession.Phase
	ok, err := s.get(ctx, phaseKey(clientID), &raw)
	if err != nil {
		return "", err
	}
	if !ok {
		return syncsession.PhaseInitial, nil
	}
	return raw, nil
}

func (s *ProgressStore) PutInitialSyncProgress(ctx context.Context, clientID string, p syncsession.InitialSyncProgress) error {
	return s.put(ctx, initSyncKey(clientID), p)
}

func (s *ProgressStore) GetInitialSyncProgress(ctx context.Context, clientID string) (syncsession.InitialSyncProgress, bool, error) {
	var p syncsession.InitialSyncProgress
	ok, err := s.get(ctx, initSyncKey(clientID), &p)
	if err != nil {
		return syncsession.InitialSyncProgress{}, false, err
	}
	return p, ok, nil
}

func (s *ProgressStore) PutLastWakeTime(ctx context.Context, clientID string, millis int64) error {
	return s.put(ctx, wakeKey(clientID), millis)
}

func (s *ProgressStore) PutCurrentClientID(ctx context.Context, clientID string) error {
	return s.put(ctx, currentClientIDKey, clientID)
}

func (s *ProgressStore) GetCurrentClientID(ctx context.Context) (string, bool, error) {
	var raw string
	ok, err := s.get(ctx, currentClientIDKey, &raw)
	return raw, ok, err
}

// ClientRegistry implements syncsession.ClientRegistry (§4.6's advisory
// shared registry) against client_registry.
type ClientRegistry struct {
	Pool *pgxpool.Pool
}

var _ syncsession.ClientRegistry = (*ClientRegistry)(nil)

func (r *ClientRegistry) Upsert(ctx context.Context, reg syncsession.ClientRegistration) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO client_registry (client_id, active, last_seen_millis, last_acked_lsn, sync_phase)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (client_id) DO UPDATE SET
			active = EXCLUDED.active,
			last_seen_millis = EXCLUDED.last_seen_millis,
			last_acked_lsn = EXCLUDED.last_acked_lsn,
			sync_phase = EXCLUDED.sync_phase
	`, reg.ClientID, reg.Active, reg.LastSeenMillis, reg.LastAckedLSN.String(), string(reg.SyncPhase))
	if err != nil {
		return fmt.Errorf("storepg: upsert client_registry: %w", err)
	}
	return nil
}

func (r *ClientRegistry) MarkActive(ctx context.Context, clientID string, active bool) error {
	_, err := r.Pool.Exec(ctx, `
		INSERT INTO client_registry (client_id, active)
		VALUES ($1, $2)
		ON CONFLICT (client_id) DO UPDATE SET active = EXCLUDED.active
	`, clientID, active)
	if err != nil {
		return fmt.Errorf("storepg: mark active: %w", err)
	}
	return nil
}

func (r *ClientRegistry) Get(ctx context.Context, clientID string) (syncsession.ClientRegistration, bool, error) {
	var reg syncsession.ClientRegistration
	var lastLSN, phase string
	err := r.Pool.QueryRow(ctx, `
		SELECT client_id, active, last_seen_millis, last_acked_lsn, sync_phase
		FROM client_registry WHERE client_id = $1
	`, clientID).Scan(&reg.ClientID, &reg.Active, &reg.LastSeenMillis, &lastLSN, &phase)
	if errors.Is(err, pgx.ErrNoRows) {
		return syncsession.ClientRegistration{}, false, nil
	}
	if err != nil {
		return syncsession.ClientRegistration{}, false, fmt.Errorf("storepg: get client_registry: %w", err)
	}
	reg.LastAckedLSN = lsn.LSN(lastLSN)
	reg.SyncPhase = syncsession.Phase(phase)
	return reg, true, nil
}

// SweepInactive implements the §3 "destroyed only by administrative sweep"
// lifecycle rule (supplemented in SPEC_FULL §12): an explicitly-invoked
// operation, not a background scheduler, since the spec names no cadence.
func (r *ClientRegistry) SweepInactive(ctx context.Context, olderThanMillis int64) (int64, error) {
	tag, err := r.Pool.Exec(ctx, `
		DELETE FROM client_registry
		WHERE active = false AND last_seen_millis < $1
	`, olderThanMillis)
	if err != nil {
		return 0, fmt.Errorf("storepg: sweep inactive: %w", err)
	}
	return tag.RowsAffected(), nil
}
