package syncsession

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/rowsync/internal/frame"
	"github.com/codeready-toolchain/rowsync/internal/syncerr"
)

// ApplyOrchestrator implements §4.5's framing around whatever ApplyEngine
// does the actual SQL: deduplicate a CLIENT_CHANGES batch, acknowledge it
// immediately, then report the apply outcome once it's known.
type ApplyOrchestrator struct {
	Engine ApplyEngine
	Cfg    ApplyConfig
}

// Handle processes one clt_send_changes batch end to end.
func (o *ApplyOrchestrator) Handle(ctx context.Context, conn *Conn, changes []TableChange) error {
	deduped := dedupeLatest(changes)
	ids := make([]string, len(deduped))
	for i, c := range deduped {
		ids[i] = c.ID()
	}

	if err := conn.Send(ctx, frame.TypeChangesReceived, frame.ChangesReceivedData{ChangeIDs: ids}); err != nil {
		return fmt.Errorf("applyengine: send changes_received: %w", syncerr.ErrTransientTransport)
	}

	result := o.Engine.Apply(ctx, deduped, o.Cfg)

	if err := conn.Send(ctx, frame.TypeChangesApplied, frame.ChangesAppliedData{
		AppliedChanges: result.AppliedIDs,
		Success:        result.Success,
		Error:          result.Error,
	}); err != nil {
		return fmt.Errorf("applyengine: send changes_applied: %w", syncerr.ErrTransientTransport)
	}
	return nil
}
