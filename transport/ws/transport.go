// Package ws implements the bidirectional, in-order, message-oriented
// channel spec §6 describes abstractly, using github.com/coder/websocket —
// the same transport library pkg/events/manager.go and
// pkg/api/handler_ws.go use for TARSy's WebSocket surface.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"

	"github.com/codeready-toolchain/rowsync/internal/actorhub"
	"github.com/codeready-toolchain/rowsync/internal/frame"
)

// writeTimeout bounds how long a single frame send may block, mirroring
// ConnectionManager's writeTimeout in pkg/events/manager.go.
const writeTimeout = 10 * time.Second

// Transport adapts a *websocket.Conn to syncsession.Transport.
type Transport struct {
	conn *websocket.Conn
}

// Send marshals e as JSON and writes it as one text message.
func (t *Transport) Send(ctx context.Context, e frame.Envelope) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ws: marshal frame: %w", err)
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := t.conn.Write(wctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("ws: write frame: %w", err)
	}
	return nil
}

// Close closes the underlying connection with a normal closure code.
func (t *Transport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "session ended")
}

// closeFatal closes with 1011 (internal error), per §7's FatalInternal
// taxonomy entry: "closes the transport with code 1011".
func (t *Transport) closeFatal(reason string) error {
	return t.conn.Close(websocket.StatusInternalError, reason)
}

// HandleConnection drives one accepted WebSocket connection end to end:
// attach it to the Hub under clientID, then read frames until the socket
// closes, dispatching each to the actor. Modeled on
// pkg/events/manager.go's ConnectionManager.HandleConnection, generalized
// from a pub/sub fan-out to per-client frame dispatch.
func HandleConnection(ctx context.Context, conn *websocket.Conn, hub *actorhub.Hub, clientID, clientLSN string, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("client_id", clientID)
	t := &Transport{conn: conn}

	actor, err := hub.Attach(ctx, clientID, t, clientLSN)
	if err != nil {
		log.Error("attach failed", "error", err)
		_ = t.closeFatal("attach failed")
		return
	}
	defer hub.Detach(clientID, actor)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			actor.OnDisconnect(ctx, err.Error(), false)
			return
		}

		e, err := frame.DecodeEnvelope(data)
		if err != nil {
			log.Warn("dropping malformed frame", "error", err)
			continue
		}
		actor.OnFrame(ctx, e)
	}
}
