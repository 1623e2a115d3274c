package storepg

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"

	"github.com/codeready-toolchain/rowsync/internal/lsn"
)

// NotifyListener owns a dedicated pgx.Conn LISTENing on the rowsync_changes
// channel the log_change_history trigger NOTIFYs on, dispatching each
// payload (an LSN) to OnNotify. Modeled on pkg/events/listener.go's
// NotifyListener: one goroutine owns the connection, reconnecting with
// backoff on loss, generalized here to a single fixed channel since every
// change (regardless of client) is broadcast the same way — pushServerNotification
// (spec §4.1/§6) fans the LSN out to whichever actors are waiting.
type NotifyListener struct {
	dsn      string
	OnNotify func(l lsn.LSN)
	Log      *slog.Logger

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

const notifyChannel = "rowsync_changes"

// NewNotifyListener constructs a listener for dsn. OnNotify must be set
// before Start is called.
func NewNotifyListener(dsn string, log *slog.Logger) *NotifyListener {
	if log == nil {
		log = slog.Default()
	}
	return &NotifyListener{dsn: dsn, Log: log}
}

// Start connects and begins the receive loop in the background. Call Stop
// to shut it down.
func (l *NotifyListener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return fmt.Errorf("storepg: notify listener connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("storepg: notify listener LISTEN: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running.Store(true)

	go func() {
		defer close(l.done)
		l.receiveLoop(loopCtx, conn)
	}()
	l.Log.Info("notify listener started", "channel", notifyChannel)
	return nil
}

func (l *NotifyListener) receiveLoop(ctx context.Context, conn *pgx.Conn) {
	for {
		if ctx.Err() != nil {
			_ = conn.Close(context.Background())
			return
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(context.Background())
				return
			}
			l.Log.Error("notify receive error, reconnecting", "error", err)
			conn = l.reconnect(ctx)
			if conn == nil {
				return // ctx cancelled during reconnect
			}
			continue
		}

		if l.OnNotify != nil {
			if v, perr := lsn.Parse(notification.Payload); perr == nil {
				l.OnNotify(v)
			} else {
				l.Log.Warn("malformed notify payload", "payload", notification.Payload, "error", perr)
			}
		}
	}
}

// reconnect retries with exponential backoff (cenkalti/backoff/v4), mirroring
// pkg/events/listener.go's hand-rolled doubling backoff but via the shared
// ecosystem library instead of a manual loop.
func (l *NotifyListener) reconnect(ctx context.Context) *pgx.Conn {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry until ctx is cancelled

	var conn *pgx.Conn
	operation := func() error {
		c, err := pgx.Connect(ctx, l.dsn)
		if err != nil {
			return err
		}
		if _, err := c.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
			_ = c.Close(ctx)
			return err
		}
		conn = c
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(bo, ctx))
	if err != nil {
		return nil // ctx cancelled
	}
	l.Log.Info("notify listener reconnected")
	return conn
}

// Stop signals the receive loop to exit and waits for it to finish.
func (l *NotifyListener) Stop() {
	if !l.running.CompareAndSwap(true, false) {
		return
	}
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
}
