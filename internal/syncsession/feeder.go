package syncsession

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/codeready-toolchain/rowsync/internal/frame"
	"github.com/codeready-toolchain/rowsync/internal/lsn"
	"github.com/codeready-toolchain/rowsync/internal/syncerr"
)

// Feeder implements §4.4: the Catchup/Live Feeder that delivers changes
// with lsn > clientLSN in order, transitioning CATCHUP -> LIVE once the tail
// is reached and idling in LIVE for a push notification or a tick.
type Feeder struct {
	Tables DomainTables
	Feed   ChangeFeed
	Store  ProgressStore

	ChunkSize  int
	AckTimeout time.Duration
	IdleTick   time.Duration
}

// Run drives the feeder starting in startPhase (CATCHUP or LIVE) until ctx
// is cancelled (transport close). wake is pulsed by pushServerNotification;
// a nil or unbuffered channel is fine, Run only ever selects on it.
func (f *Feeder) Run(ctx context.Context, conn *Conn, startPhase Phase, wake <-chan struct{}) error {
	levelOf, err := f.hierarchyLevels(ctx)
	if err != nil {
		return fmt.Errorf("feeder: load table hierarchy: %w", err)
	}

	phase := startPhase
	for {
		clientLSN, err := f.Store.GetLSN(ctx, conn.ClientID)
		if err != nil {
			return fmt.Errorf("feeder: read clientLSN: %w", err)
		}

		items, hasMore, err := f.Feed.ChangesSince(ctx, clientLSN, f.ChunkSize)
		if err != nil {
			return fmt.Errorf("feeder: changesSince: %w", err)
		}

		if len(items) == 0 {
			if phase == PhaseCatchup {
				phase = PhaseLive
				if err := f.Store.PutPhase(ctx, conn.ClientID, phase); err != nil {
					return fmt.Errorf("feeder: persist LIVE transition: %w", err)
				}
				serverLSN, err := f.Feed.CurrentServerLSN(ctx)
				if err == nil {
					_ = conn.Send(ctx, frame.TypeStateChange, frame.StateChangeData{State: string(phase), LSN: serverLSN.String()})
				}
				continue
			}
			if err := f.idle(ctx, wake); err != nil {
				return err
			}
			continue
		}

		batch := reorderChanges(dedupeLatest(items), levelOf)
		lastLSN := maxLSN(batch)

		wire := make([]frame.ChangeWire, len(batch))
		for i, c := range batch {
			wire[i] = frame.ChangeWire{
				Table:     c.Table,
				Op:        string(c.Op),
				Data:      c.Data,
				UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339),
				LSN:       c.LSN.String(),
			}
		}
		if err := conn.Send(ctx, frame.TypeSendChanges, frame.SendChangesData{
			Changes: wire,
			LastLSN: lastLSN.String(),
		}); err != nil {
			return fmt.Errorf("feeder: send_changes: %w", syncerr.ErrTransientTransport)
		}

		ack, err := conn.WaitFor(ctx, frame.TypeClientChangesReceived, frame.Any, f.AckTimeout)
		if err != nil {
			return fmt.Errorf("feeder: await changes_received: %w", syncerr.ErrAckTimeout)
		}
		ackData, err := frame.Decode[frame.ClientChangesReceivedData](ack)
		if err != nil {
			return fmt.Errorf("feeder: decode changes_received: %w", err)
		}
		ackedLSN, err := lsn.Normalize(ackData.LastLSN)
		if err != nil {
			ackedLSN = lastLSN
		}
		if err := f.Store.PutLSN(ctx, conn.ClientID, ackedLSN); err != nil {
			return fmt.Errorf("feeder: persist lastAckedLSN: %w", err)
		}

		if !hasMore {
			if phase == PhaseCatchup {
				phase = PhaseLive
				if err := f.Store.PutPhase(ctx, conn.ClientID, phase); err != nil {
					return fmt.Errorf("feeder: persist LIVE transition: %w", err)
				}
				_ = conn.Send(ctx, frame.TypeStateChange, frame.StateChangeData{State: string(phase), LSN: ackedLSN.String()})
			}
			if err := f.idle(ctx, wake); err != nil {
				return err
			}
		}
	}
}

func (f *Feeder) idle(ctx context.Context, wake <-chan struct{}) error {
	timer := time.NewTimer(f.IdleTick)
	defer timer.Stop()
	select {
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Feeder) hierarchyLevels(ctx context.Context) (map[string]int, error) {
	tables, err := f.Tables.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	levels := make(map[string]int, len(tables))
	for _, t := range tables {
		levels[t.Name] = t.HierarchyLevel
	}
	return levels, nil
}

// dedupeLatest keeps, per (table, id), the record with the greatest
// UpdatedAt (§4.4 step 3 / §4.5 step 1 share this rule).
func dedupeLatest(changes []TableChange) []TableChange {
	type key struct {
		table, id string
	}
	best := make(map[key]TableChange, len(changes))
	order := make([]key, 0, len(changes))
	for _, c := range changes {
		k := key{c.Table, c.ID()}
		existing, ok := best[k]
		if !ok {
			order = append(order, k)
			best[k] = c
			continue
		}
		if c.UpdatedAt.After(existing.UpdatedAt) {
			best[k] = c
		}
	}
	out := make([]TableChange, 0, len(order))
	for _, k := range order {
		out = append(out, best[k])
	}
	return out
}

// reorderChanges applies the ordering law from §4.4 step 3 / §8: non-deletes
// ascending hierarchy level, deletes descending hierarchy level, non-deletes
// before deletes, stable within each group.
func reorderChanges(changes []TableChange, levelOf map[string]int) []TableChange {
	nonDeletes := make([]TableChange, 0, len(changes))
	deletes := make([]TableChange, 0, len(changes))
	for _, c := range changes {
		if c.Op == OpDelete {
			deletes = append(deletes, c)
		} else {
			nonDeletes = append(nonDeletes, c)
		}
	}
	sort.SliceStable(nonDeletes, func(i, j int) bool {
		return levelOf[nonDeletes[i].Table] < levelOf[nonDeletes[j].Table]
	})
	sort.SliceStable(deletes, func(i, j int) bool {
		return levelOf[deletes[i].Table] > levelOf[deletes[j].Table]
	})
	return append(nonDeletes, deletes...)
}

func maxLSN(changes []TableChange) lsn.LSN {
	highest := lsn.Zero
	for _, c := range changes {
		if c.LSN.Compare(highest) > 0 {
			highest = c.LSN
		}
	}
	return highest
}
