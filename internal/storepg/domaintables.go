package storepg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeready-toolchain/rowsync/internal/syncsession"
)

// demoTables fixes the hierarchy order from spec §8 scenario 2's example
// ("Tables [user, project, task]"): users have no parent, projects
// reference a user, tasks reference a project. See SPEC_FULL §12.
var demoTables = []syncsession.TableMeta{
	{Name: "users", HierarchyLevel: 0},
	{Name: "projects", HierarchyLevel: 1},
	{Name: "tasks", HierarchyLevel: 2},
}

// tableAllowed reports whether name is one of the configured domain tables.
// Every package in this file interpolates a table name into SQL text
// (pgx has no identifier placeholder), so every call site validates against
// this allow-list first instead of trusting a caller-supplied string.
func tableAllowed(name string) bool {
	for _, t := range demoTables {
		if t.Name == name {
			return true
		}
	}
	return false
}

// DomainTables implements syncsession.DomainTables (spec §6) against the
// generic (id, data, updated_at) shape every demo table shares.
type DomainTables struct {
	Pool *pgxpool.Pool
}

var _ syncsession.DomainTables = (*DomainTables)(nil)

func (d *DomainTables) ListTables(context.Context) ([]syncsession.TableMeta, error) {
	out := make([]syncsession.TableMeta, len(demoTables))
	copy(out, demoTables)
	return out, nil
}

// Page implements keyset pagination by primary key ascending, per §4.3
// step 3. afterID == "" starts from the beginning.
func (d *DomainTables) Page(ctx context.Context, table, afterID string, limit int) ([]syncsession.TableRow, string, bool, error) {
	if !tableAllowed(table) {
		return nil, "", false, fmt.Errorf("storepg: unknown domain table %q", table)
	}

	// Fetch one extra row to cheaply detect "more remain" without a
	// separate COUNT query.
	query := fmt.Sprintf(`
		SELECT id, data, updated_at FROM %s
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`, pgxIdent(table))
	rows, err := d.Pool.Query(ctx, query, afterID, limit+1)
	if err != nil {
		return nil, "", false, fmt.Errorf("storepg: page %s: %w", table, err)
	}
	defer rows.Close()

	var out []syncsession.TableRow
	for rows.Next() {
		var r syncsession.TableRow
		var raw []byte
		if err := rows.Scan(&r.ID, &raw, &r.UpdatedAt); err != nil {
			return nil, "", false, fmt.Errorf("storepg: scan %s row: %w", table, err)
		}
		if err := json.Unmarshal(raw, &r.Data); err != nil {
			return nil, "", false, fmt.Errorf("storepg: unmarshal %s row: %w", table, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", false, fmt.Errorf("storepg: page %s: %w", table, err)
	}

	hasMore := len(out) > limit
	if hasMore {
		out = out[:limit]
	}
	nextAfterID := afterID
	if len(out) > 0 {
		nextAfterID = out[len(out)-1].ID
	}
	return out, nextAfterID, hasMore, nil
}

// pgxIdent quotes table as a SQL identifier. Only ever called with a name
// already checked by tableAllowed.
func pgxIdent(table string) string {
	return `"` + table + `"`
}
