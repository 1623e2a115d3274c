package syncsession

import (
	"context"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/rowsync/internal/frame"
)

// Conn bundles the per-session send/wait surface that every driver
// (initial sync, feeder, apply orchestrator) needs: building and sending an
// envelope, and blocking for a correlated reply. It is the thing that sits
// between a driver and the Transport+Correlator pair the actor owns.
type Conn struct {
	ClientID   string
	Transport  Transport
	Correlator *frame.Correlator
	Log        *slog.Logger
}

// Send builds an envelope of typ carrying data and writes it to the
// transport.
func (c *Conn) Send(ctx context.Context, typ frame.Type, data any) error {
	e, err := frame.New(typ, c.ClientID, data)
	if err != nil {
		return err
	}
	return c.Transport.Send(ctx, e)
}

// WaitFor blocks for a reply of typ matching filter, per §4.7.
func (c *Conn) WaitFor(ctx context.Context, typ frame.Type, filter frame.Filter, timeout time.Duration) (frame.Envelope, error) {
	return c.Correlator.WaitFor(ctx, typ, filter, timeout)
}
