package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/rowsync/internal/frame"
)

// Client is a thin WebSocket test client speaking the frame envelope
// protocol, modeled on pkg/events/manager_test.go's connectWS/readJSON/
// writeJSON helpers, generalized from raw maps to frame.Envelope.
type Client struct {
	t    *testing.T
	conn *websocket.Conn
}

// Connect dials app's sync endpoint as clientID, resuming from clientLSN (the
// zero LSN for a brand-new client).
func Connect(t *testing.T, app *TestApp, clientID, clientLSN string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := app.WSURL + "?clientId=" + clientID + "&lsn=" + clientLSN
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	c := &Client{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return c
}

// Recv reads and decodes the next frame, failing the test if none arrives
// within the timeout.
func (c *Client) Recv(timeout time.Duration) frame.Envelope {
	c.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	_, data, err := c.conn.Read(ctx)
	require.NoError(c.t, err)

	e, err := frame.DecodeEnvelope(data)
	require.NoError(c.t, err)
	return e
}

// RecvType reads frames until one of typ arrives, failing the test if the
// timeout elapses first. Intervening frames (e.g. heartbeats) are discarded.
func (c *Client) RecvType(typ frame.Type, timeout time.Duration) frame.Envelope {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.t.Fatalf("timed out waiting for frame type %s", typ)
		}
		e := c.Recv(remaining)
		if e.Type == typ {
			return e
		}
	}
}

// Send builds and writes a client frame of typ carrying data.
func (c *Client) Send(typ frame.Type, clientID string, data any) {
	c.t.Helper()
	e, err := frame.New(typ, clientID, data)
	require.NoError(c.t, err)
	raw, err := frame.Marshal(e)
	require.NoError(c.t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(c.t, c.conn.Write(ctx, websocket.MessageText, raw))
}

// Close closes the underlying connection.
func (c *Client) Close() {
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
