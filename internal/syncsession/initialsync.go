package syncsession

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/rowsync/internal/frame"
	"github.com/codeready-toolchain/rowsync/internal/syncerr"
)

// InitialSyncDriver implements §4.3: walk domain tables in hierarchy order,
// streaming cursor-paginated snapshots as acknowledged chunks.
type InitialSyncDriver struct {
	Tables DomainTables
	Feed   ChangeFeed
	Store  ProgressStore

	DBPageSize      int
	WireChunkSize   int
	ChunkAckTimeout time.Duration
}

// Run drives a client through INITIAL to completion, returning the phase the
// session should continue in (LIVE, or CATCHUP if the server has moved on
// since startLSN was captured — §4.3 step 6).
func (d *InitialSyncDriver) Run(ctx context.Context, conn *Conn) (Phase, error) {
	progress, exists, err := d.Store.GetInitialSyncProgress(ctx, conn.ClientID)
	if err != nil {
		return "", fmt.Errorf("initialsync: load progress: %w", err)
	}

	if !exists || progress.Status == InitialSyncComplete {
		startLSN, err := d.Feed.CurrentServerLSN(ctx)
		if err != nil {
			return "", fmt.Errorf("initialsync: read serverLSN: %w", err)
		}
		progress = InitialSyncProgress{
			StartLSN:        startLSN,
			StartedAtMillis: frame.NowMillis(),
			Status:          InitialSyncInProgress,
		}
		if err := d.Store.PutInitialSyncProgress(ctx, conn.ClientID, progress); err != nil {
			return "", fmt.Errorf("initialsync: persist new progress: %w", err)
		}
	}

	if err := conn.Send(ctx, frame.TypeInitStart, frame.InitStartData{ServerLSN: progress.StartLSN.String()}); err != nil {
		return "", fmt.Errorf("initialsync: send init_start: %w", syncerr.ErrTransientTransport)
	}

	tables, err := d.Tables.ListTables(ctx)
	if err != nil {
		return "", fmt.Errorf("initialsync: list tables: %w", err)
	}

	for _, t := range tables {
		if progress.IsCompleted(t.Name) {
			continue
		}
		if err := d.syncTable(ctx, conn, &progress, t); err != nil {
			return "", err
		}
	}

	if err := conn.Send(ctx, frame.TypeInitComplete, frame.InitCompleteData{ServerLSN: progress.StartLSN.String()}); err != nil {
		return "", fmt.Errorf("initialsync: send init_complete: %w", syncerr.ErrTransientTransport)
	}
	if _, err := conn.WaitFor(ctx, frame.TypeInitProcessed, frame.Any, d.ChunkAckTimeout); err != nil {
		return "", fmt.Errorf("initialsync: await init_processed: %w", syncerr.ErrAckTimeout)
	}

	serverLSN, err := d.Feed.CurrentServerLSN(ctx)
	if err != nil {
		return "", fmt.Errorf("initialsync: re-read serverLSN: %w", err)
	}
	phase := PhaseLive
	if serverLSN.Compare(progress.StartLSN) != 0 {
		phase = PhaseCatchup
	}
	if err := d.Store.PutLSN(ctx, conn.ClientID, serverLSN); err != nil {
		return "", fmt.Errorf("initialsync: persist lastAckedLSN: %w", err)
	}
	if err := d.Store.PutPhase(ctx, conn.ClientID, phase); err != nil {
		return "", fmt.Errorf("initialsync: persist phase: %w", err)
	}
	progress.Status = InitialSyncComplete
	if err := d.Store.PutInitialSyncProgress(ctx, conn.ClientID, progress); err != nil {
		return "", fmt.Errorf("initialsync: persist completed progress: %w", err)
	}

	if err := conn.Send(ctx, frame.TypeLSNUpdate, frame.LSNUpdateData{LSN: serverLSN.String()}); err != nil {
		return "", fmt.Errorf("initialsync: send lsn_update: %w", syncerr.ErrTransientTransport)
	}
	if err := conn.Send(ctx, frame.TypeStateChange, frame.StateChangeData{State: string(phase), LSN: serverLSN.String()}); err != nil {
		return "", fmt.Errorf("initialsync: send state_change: %w", syncerr.ErrTransientTransport)
	}
	return phase, nil
}

// syncTable ships one table's remaining pages, one acknowledged wire chunk
// at a time, resuming from progress's cursor if it names this table.
func (d *InitialSyncDriver) syncTable(ctx context.Context, conn *Conn, progress *InitialSyncProgress, t TableMeta) error {
	chunk := 0
	afterID := ""
	if progress.CurrentTable == t.Name {
		chunk = progress.LastAckedChunk
		afterID = progress.LastAfterID
	} else {
		progress.CumulativeSent = 0
	}

	for {
		rows, nextAfterID, reachedEnd, err := d.collectWireChunk(ctx, t.Name, afterID)
		if err != nil {
			return fmt.Errorf("initialsync: page %s: %w", t.Name, err)
		}
		afterID = nextAfterID

		if len(rows) == 0 {
			if !reachedEnd {
				continue // empty page but more to come; keep pulling
			}
			progress.CompletedTables = append(progress.CompletedTables, t.Name)
			progress.CurrentTable = ""
			progress.LastAckedChunk = 0
			progress.LastAfterID = ""
			progress.CumulativeSent = 0
			return d.Store.PutInitialSyncProgress(ctx, conn.ClientID, *progress)
		}

		chunk++
		progress.CumulativeSent += len(rows)

		wireRows := make([]frame.ChangeWire, len(rows))
		for i, r := range rows {
			wireRows[i] = frame.ChangeWire{
				Table:     t.Name,
				Op:        "insert-or-update",
				Data:      r.Data,
				UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339),
			}
		}
		data := frame.InitChangesData{
			Changes: wireRows,
			Sequence: frame.SequenceInfo{
				Table: t.Name,
				Chunk: chunk,
				Total: progress.CumulativeSent,
			},
		}
		if err := conn.Send(ctx, frame.TypeInitChanges, data); err != nil {
			return fmt.Errorf("initialsync: send chunk %s#%d: %w", t.Name, chunk, syncerr.ErrTransientTransport)
		}

		wantChunk := chunk
		filter := func(e frame.Envelope) bool {
			ack, err := frame.Decode[frame.InitReceivedData](e)
			return err == nil && ack.Table == t.Name && ack.Chunk == wantChunk
		}
		if _, err := conn.WaitFor(ctx, frame.TypeInitReceived, filter, d.ChunkAckTimeout); err != nil {
			return fmt.Errorf("initialsync: await ack %s#%d: %w", t.Name, chunk, syncerr.ErrAckTimeout)
		}

		progress.CurrentTable = t.Name
		progress.LastAckedChunk = chunk
		progress.LastAfterID = afterID
		if err := d.Store.PutInitialSyncProgress(ctx, conn.ClientID, *progress); err != nil {
			return fmt.Errorf("initialsync: persist chunk ack %s#%d: %w", t.Name, chunk, err)
		}

		if reachedEnd {
			progress.CompletedTables = append(progress.CompletedTables, t.Name)
			progress.CurrentTable = ""
			progress.LastAckedChunk = 0
			progress.LastAfterID = ""
			progress.CumulativeSent = 0
			return d.Store.PutInitialSyncProgress(ctx, conn.ClientID, *progress)
		}
	}
}

// collectWireChunk pulls DB-page-sized pages until the wire chunk size is
// reached or the table is exhausted (§4.3 step 3: "N default 1000 for the DB
// cursor, 2000 for the wire chunk").
func (d *InitialSyncDriver) collectWireChunk(ctx context.Context, table, afterID string) (rows []TableRow, nextAfterID string, reachedEnd bool, err error) {
	for len(rows) < d.WireChunkSize {
		page, next, hasMore, err := d.Tables.Page(ctx, table, afterID, d.DBPageSize)
		if err != nil {
			return nil, "", false, err
		}
		rows = append(rows, page...)
		afterID = next
		if !hasMore {
			return rows, afterID, true, nil
		}
		if len(page) == 0 {
			return rows, afterID, true, nil
		}
	}
	return rows, afterID, false, nil
}
