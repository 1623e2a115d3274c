package storepg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/rowsync/internal/syncsession"
)

// ApplyEngine implements syncsession.ApplyEngine, the SQL half of spec §4.5:
// grouped-by-(table,op) insert/update/delete against the generic
// (id, data, updated_at) domain table shape, delegating CRDT rejection to
// the enforce_crdt_update trigger for insert/update and to the WHERE-clause
// guard for delete. update is a plain UPDATE ... WHERE id = $1, not an
// upsert — it must never create the row, or a client replaying a stale
// update against an already-deleted id would resurrect it.
type ApplyEngine struct {
	Pool *pgxpool.Pool
	Log  *slog.Logger
}

var _ syncsession.ApplyEngine = (*ApplyEngine)(nil)

type group struct {
	table string
	op    syncsession.Op
	rows  []syncsession.TableChange
}

// querier is the subset of *pgxpool.Pool / *pgxpool.Conn this file needs,
// letting batchUpsert/applyPerRow/applyOneRow run against either a pool-wide
// statement or the single dedicated connection Apply acquires to carry a
// session-level statement_timeout.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (e *ApplyEngine) Apply(ctx context.Context, changes []syncsession.TableChange, cfg syncsession.ApplyConfig) syncsession.ApplyResult {
	log := e.Log
	if log == nil {
		log = slog.Default()
	}

	result := syncsession.ApplyResult{Success: true}
	groups := groupChanges(changes)
	if len(groups) == 0 {
		return result
	}

	// One dedicated connection for the whole batch so the session-level
	// statement_timeout (§4.5 step 3) actually governs every statement this
	// call issues, not just whichever connection the pool happens to hand
	// out per query.
	conn, err := e.Pool.Acquire(ctx)
	if err != nil {
		result.Success = false
		result.Error = fmt.Sprintf("storepg: acquire connection: %v", err)
		return result
	}
	defer conn.Release()

	if err := setStatementTimeout(ctx, conn, cfg.StatementTimeout); err != nil {
		result.Success = false
		result.Error = fmt.Sprintf("storepg: set statement_timeout: %v", err)
		return result
	}

	for _, g := range groups {
		if !tableAllowed(g.table) {
			result.Success = false
			if result.Error == "" {
				result.Error = fmt.Sprintf("unknown domain table %q", g.table)
			}
			continue
		}

		var applied, skipped []string
		var err error
		if g.op == syncsession.OpInsert {
			// insert is the only batchable op (§4.5 step 4); update/delete
			// go straight to per-row.
			batchCtx, cancel := context.WithTimeout(ctx, cfg.BatchInsertTimeout)
			applied, skipped, err = e.batchUpsert(batchCtx, conn, g)
			cancel()
			if err != nil {
				log.Warn("batch upsert failed, falling back to per-row", "table", g.table, "error", err)
			}
		} else {
			err = errNotBatchable
		}

		if err != nil {
			applied, skipped, err = e.applyPerRow(ctx, conn, g, cfg.RowTimeout)
		}

		result.AppliedIDs = append(result.AppliedIDs, applied...)
		result.AppliedIDs = append(result.AppliedIDs, skipped...)
		if err != nil {
			result.Success = false
			if result.Error == "" {
				result.Error = err.Error()
			}
			log.Error("apply group failed after per-row fallback", "table", g.table, "op", g.op, "error", err)
		}
	}
	return result
}

// setStatementTimeout applies §4.5 step 3's "session statement timeout,
// default 20s, at the connection level" to conn. SET doesn't accept a bind
// parameter, so the duration is formatted as a millisecond integer literal
// rather than passed as a query argument.
func setStatementTimeout(ctx context.Context, conn *pgxpool.Conn, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	_, err := conn.Exec(ctx, fmt.Sprintf("SET statement_timeout = %d", d.Milliseconds()))
	return err
}

// groupChanges groups by (table, op) per §4.5 step 2, preserving arrival
// order within each group (§5: "the order of arrival after deduplication").
func groupChanges(changes []syncsession.TableChange) []group {
	index := map[string]int{}
	var groups []group
	for _, c := range changes {
		key := c.Table + "\x00" + string(c.Op)
		if i, ok := index[key]; ok {
			groups[i].rows = append(groups[i].rows, c)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, group{table: c.Table, op: c.Op, rows: []syncsession.TableChange{c}})
	}
	return groups
}

// errNotBatchable signals that a group's op (update/delete) has no
// single-statement batch path and must go straight to applyPerRow
// (§4.5 step 4: "update: single-statement-per-row").
var errNotBatchable = errors.New("storepg: op is not batchable, use per-row path")

// batchUpsert performs INSERT ... ON CONFLICT (id) DO UPDATE for every row
// in g in one statement, per §4.5 step 4 "insert". Rows rejected by the
// CRDT trigger simply don't appear in RETURNING — they are the
// skipped-due-to-conflict set (§4.5 step 6), not errors.
func (e *ApplyEngine) batchUpsert(ctx context.Context, db querier, g group) (applied, skipped []string, err error) {
	ids := make([]string, 0, len(g.rows))
	values := make([]any, 0, len(g.rows)*3)
	placeholders := make([]string, 0, len(g.rows))
	for i, r := range g.rows {
		id := r.ID()
		ids = append(ids, id)
		data, merr := marshalRow(id, r.Data)
		if merr != nil {
			return nil, nil, merr
		}
		base := i * 3
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d, $%d)", base+1, base+2, base+3))
		values = append(values, id, data, r.UpdatedAt)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, data, updated_at)
		VALUES %s
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		RETURNING id
	`, pgxIdent(g.table), joinPlaceholders(placeholders))

	rows, err := db.Query(ctx, query, values...)
	if err != nil {
		return nil, nil, fmt.Errorf("storepg: batch upsert %s: %w", g.table, err)
	}
	defer rows.Close()

	returned := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, nil, fmt.Errorf("storepg: scan upsert result %s: %w", g.table, err)
		}
		returned[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("storepg: batch upsert %s: %w", g.table, err)
	}

	for _, id := range ids {
		if returned[id] {
			applied = append(applied, id)
		} else {
			skipped = append(skipped, id)
		}
	}
	return applied, skipped, nil
}

// applyPerRow handles update and delete (always) and insert (on
// batch-statement failure), one row at a time with its own timeout,
// per §4.5 step 5 and §5's per-row timeout guard.
func (e *ApplyEngine) applyPerRow(ctx context.Context, db querier, g group, rowTimeout time.Duration) (applied, skipped []string, err error) {
	var firstErr error
	for _, r := range g.rows {
		id := r.ID()
		rowCtx, cancel := context.WithTimeout(ctx, rowTimeout)
		ok, rowErr := e.applyOneRow(rowCtx, db, g.table, g.op, id, r)
		cancel()

		switch {
		case rowErr != nil:
			if firstErr == nil {
				firstErr = fmt.Errorf("storepg: %s %s %s: %w", g.op, g.table, id, rowErr)
			}
		case ok:
			applied = append(applied, id)
		default:
			skipped = append(skipped, id) // CRDT/guard rejection: skipped, not an error
		}
	}
	return applied, skipped, firstErr
}

// applyOneRow applies a single row and reports whether the statement's
// RETURNING clause produced a row. No RETURNING row means either the CRDT
// trigger rejected an insert/update, the row didn't exist for an update, or
// the updated_at guard rejected a delete — all are the skipped-due-to-conflict
// outcome (§4.5 steps 4, 6), signalled here as (false, nil) rather than an
// error.
func (e *ApplyEngine) applyOneRow(ctx context.Context, db querier, table string, op syncsession.Op, id string, r syncsession.TableChange) (applied bool, err error) {
	var query string
	var args []any
	switch op {
	case syncsession.OpInsert:
		data, merr := marshalRow(id, r.Data)
		if merr != nil {
			return false, merr
		}
		query = fmt.Sprintf(`
			INSERT INTO %s (id, data, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
			RETURNING id
		`, pgxIdent(table))
		args = []any{id, data, r.UpdatedAt}
	case syncsession.OpUpdate:
		// A plain UPDATE, not an upsert: a row that no longer exists (already
		// deleted, or never created) must match zero rows rather than being
		// resurrected by an ON CONFLICT insert (§4.5 step 4).
		data, merr := marshalRow(id, r.Data)
		if merr != nil {
			return false, merr
		}
		query = fmt.Sprintf(`
			UPDATE %s SET data = $2, updated_at = $3 WHERE id = $1
			RETURNING id
		`, pgxIdent(table))
		args = []any{id, data, r.UpdatedAt}
	case syncsession.OpDelete:
		query = fmt.Sprintf(`DELETE FROM %s WHERE id = $1 AND updated_at <= $2 RETURNING id`, pgxIdent(table))
		args = []any{id, r.UpdatedAt}
	default:
		return false, fmt.Errorf("unknown op %q", op)
	}

	var returnedID string
	err = db.QueryRow(ctx, query, args...).Scan(&returnedID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// marshalRow serializes a change's Data payload as the table's jsonb blob,
// making sure "id" is present so a later ChangeFeed read can recover the
// primary key from the blob alone.
func marshalRow(id string, data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	data["id"] = id
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("storepg: marshal row %s: %w", id, err)
	}
	return raw, nil
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += ", " + p
	}
	return out
}
