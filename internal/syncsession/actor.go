package syncsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/rowsync/internal/frame"
	"github.com/codeready-toolchain/rowsync/internal/lsn"
	"github.com/codeready-toolchain/rowsync/internal/syncerr"
)

// Deps collects everything an Actor needs beyond the transport itself. One
// Deps is typically shared by every actor in the process; internal/storepg
// and transport/ws supply the concrete implementations.
type Deps struct {
	Registry ClientRegistry
	Store    ProgressStore
	Tables   DomainTables
	Feed     ChangeFeed
	Apply    ApplyEngine

	InitialSyncDBPageSize    int
	InitialSyncWireChunkSize int
	ChunkAckTimeout          time.Duration

	FeederChunkSize  int
	FeederAckTimeout time.Duration
	LiveIdleTick     time.Duration

	ApplyConfig ApplyConfig
}

// Actor is the Session Actor from spec §4.1: one instance per clientId,
// owning the transport, the correlator, and the durable-state handle.
type Actor struct {
	ClientID   string
	Transport  Transport
	Correlator *frame.Correlator
	Log        *slog.Logger
	Deps       Deps

	wake chan struct{}

	mu     sync.Mutex // serializes clt_send_changes handling per §5 "cooperative event loop"
	sendMu sync.Mutex // serializes outbound frames across runWorkflow and handleClientChanges (§5 "at most one ... outbound operation at a time")
}

// NewActor constructs an actor for clientID. log should already be bound
// with the client id (§9 "Global module logger... dependency-inject a
// structured logger per actor").
func NewActor(clientID string, transport Transport, log *slog.Logger, deps Deps) *Actor {
	if log == nil {
		log = slog.Default()
	}
	return &Actor{
		ClientID:   clientID,
		Transport:  transport,
		Correlator: frame.NewCorrelator(log),
		Log:        log.With("client_id", clientID),
		Deps:       deps,
		wake:       make(chan struct{}, 1),
	}
}

// Accept validates clientLSNRaw and schedules the sync workflow
// asynchronously so the transport handshake completes immediately (§4.1).
func (a *Actor) Accept(ctx context.Context, clientLSNRaw string) error {
	clientLSN, err := lsn.Normalize(clientLSNRaw)
	if err != nil {
		return fmt.Errorf("actor: %w: %v", syncerr.ErrInvalidArgument, err)
	}
	go a.runWorkflow(ctx, clientLSN)
	return nil
}

// OnFrame dispatches one inbound frame per §4.1/§4.7. Ack-bearing frame
// types feed the correlator so a blocked driver can resume; clt_send_changes
// is applied on its own goroutine, serialized with other batches by mu, and
// clt_heartbeat is handled inline.
func (a *Actor) OnFrame(ctx context.Context, e frame.Envelope) {
	if !e.Valid() {
		a.Log.Warn("dropping frame missing required envelope fields")
		return
	}
	switch e.Type {
	case frame.TypeInitReceived, frame.TypeInitProcessed,
		frame.TypeClientChangesReceived, frame.TypeCatchupReceived:
		a.Correlator.Push(e)
	case frame.TypeSendClientChanges:
		go a.handleClientChanges(ctx, e)
	case frame.TypeClientHeartbeat:
		a.handleHeartbeat(ctx, e)
	case frame.TypeClientError:
		a.Log.Warn("client reported an error frame")
	default:
		a.Log.Warn("unknown frame type", "type", e.Type)
	}
}

// OnDisconnect marks the registration inactive without discarding progress
// (§4.1) and unblocks any in-flight driver awaits (§5 "Suspension points...
// cancellable by transport close").
func (a *Actor) OnDisconnect(ctx context.Context, reason string, clean bool) {
	a.Log.Info("client disconnected", "reason", reason, "clean", clean)
	a.Correlator.CancelAll()
	if err := a.Deps.Registry.MarkActive(ctx, a.ClientID, false); err != nil {
		a.Log.Warn("failed to mark registration inactive", "error", err)
	}
}

// PushServerNotification wakes a LIVE feeder blocked waiting for new
// changes (§4.1 pushServerNotification, §6 "Notification hook").
func (a *Actor) PushServerNotification(lsn.LSN) {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// SendControlFrame delivers an out-of-band server frame straight to this
// actor's transport, bypassing the workflow goroutine. Used by the HTTP
// control surface (e.g. POST /sync-stats) to push a frame to an already
// attached client without going through the correlator.
func (a *Actor) SendControlFrame(ctx context.Context, typ frame.Type, data any) error {
	e, err := frame.New(typ, a.ClientID, data)
	if err != nil {
		return fmt.Errorf("actor: build control frame: %w", err)
	}
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	return a.Transport.Send(ctx, e)
}

// conn returns the send/wait surface drivers use, with its Transport wrapped
// so that runWorkflow's driver/feeder sends and handleClientChanges's
// apply-result sends can never interleave mid-frame on the wire (§5: "at
// most one ... outbound operation at a time", server sends "observed in send
// order"). sendMu is distinct from mu: handleClientChanges already holds mu
// for the duration of one apply, and a Send from inside that call must not
// try to reacquire the same lock.
func (a *Actor) conn() *Conn {
	return &Conn{ClientID: a.ClientID, Transport: &serializedTransport{Transport: a.Transport, mu: &a.sendMu}, Correlator: a.Correlator, Log: a.Log}
}

// serializedTransport serializes Send across whichever goroutines share the
// underlying Transport. coder/websocket already guards a single Write call
// against torn frames; this additionally orders whole frames relative to
// each other when two actor goroutines send concurrently.
type serializedTransport struct {
	Transport
	mu *sync.Mutex
}

func (t *serializedTransport) Send(ctx context.Context, e frame.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Transport.Send(ctx, e)
}

func (a *Actor) runWorkflow(ctx context.Context, clientLSN lsn.LSN) {
	defer func() {
		if r := recover(); r != nil {
			a.Log.Error("workflow panic", "panic", r)
			_ = a.Transport.Close()
		}
	}()

	reg := ClientRegistration{
		ClientID:       a.ClientID,
		Active:         true,
		LastSeenMillis: frame.NowMillis(),
		LastAckedLSN:   clientLSN,
	}
	if err := a.Deps.Registry.Upsert(ctx, reg); err != nil {
		a.fail(ctx, fmt.Errorf("actor: registry upsert: %w", err))
		return
	}
	if err := a.Deps.Store.PutLSN(ctx, a.ClientID, clientLSN); err != nil {
		a.fail(ctx, fmt.Errorf("actor: persist clientLSN: %w", err))
		return
	}

	serverLSN, err := a.Deps.Feed.CurrentServerLSN(ctx)
	if err != nil {
		a.fail(ctx, fmt.Errorf("actor: read serverLSN: %w", err))
		return
	}
	phase := SelectStrategy(clientLSN, serverLSN)
	if err := a.Deps.Store.PutPhase(ctx, a.ClientID, phase); err != nil {
		a.fail(ctx, fmt.Errorf("actor: persist phase: %w", err))
		return
	}

	conn := a.conn()

	if phase == PhaseInitial {
		driver := &InitialSyncDriver{
			Tables:          a.Deps.Tables,
			Feed:            a.Deps.Feed,
			Store:           a.Deps.Store,
			DBPageSize:      a.Deps.InitialSyncDBPageSize,
			WireChunkSize:   a.Deps.InitialSyncWireChunkSize,
			ChunkAckTimeout: a.Deps.ChunkAckTimeout,
		}
		next, err := driver.Run(ctx, conn)
		if err != nil {
			a.fail(ctx, fmt.Errorf("actor: initial sync: %w", err))
			return
		}
		phase = next
	}

	if phase == PhaseCatchup || phase == PhaseLive {
		feeder := &Feeder{
			Tables:     a.Deps.Tables,
			Feed:       a.Deps.Feed,
			Store:      a.Deps.Store,
			ChunkSize:  a.Deps.FeederChunkSize,
			AckTimeout: a.Deps.FeederAckTimeout,
			IdleTick:   a.Deps.LiveIdleTick,
		}
		if err := feeder.Run(ctx, conn, phase, a.wake); err != nil {
			a.Log.Info("feeder ended", "error", err)
		}
	}
}

// fail implements the failure policy in §4.1: log, close the transport,
// leave durable progress intact. Transport.Close takes no close code, so the
// ws transport closes with its normal-closure code, not a server-error code.
func (a *Actor) fail(ctx context.Context, err error) {
	a.Log.Error("session workflow failed", "error", err)
	_ = a.Transport.Close()
}

func (a *Actor) handleClientChanges(ctx context.Context, e frame.Envelope) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := frame.Decode[frame.SendClientChangesData](e)
	if err != nil {
		a.Log.Warn("malformed clt_send_changes", "error", err)
		return
	}
	changes := make([]TableChange, 0, len(data.Changes))
	for _, w := range data.Changes {
		updatedAt, err := time.Parse(time.RFC3339, w.UpdatedAt)
		if err != nil {
			a.Log.Warn("malformed updated_at in client change, skipping", "table", w.Table, "error", err)
			continue
		}
		changes = append(changes, TableChange{
			Table:     w.Table,
			Op:        Op(w.Op),
			Data:      w.Data,
			UpdatedAt: updatedAt,
		})
	}

	orchestrator := &ApplyOrchestrator{Engine: a.Deps.Apply, Cfg: a.Deps.ApplyConfig}
	if err := orchestrator.Handle(ctx, a.conn(), changes); err != nil {
		a.Log.Warn("apply orchestrator failed", "error", err)
	}
}

func (a *Actor) handleHeartbeat(ctx context.Context, e frame.Envelope) {
	data, err := frame.Decode[frame.ClientHeartbeatData](e)
	if err != nil {
		a.Log.Warn("malformed clt_heartbeat", "error", err)
		return
	}
	if err := a.Deps.Registry.MarkActive(ctx, a.ClientID, data.Active); err != nil {
		a.Log.Warn("heartbeat: mark active failed", "error", err)
	}
	if err := a.Deps.Store.PutLastWakeTime(ctx, a.ClientID, frame.NowMillis()); err != nil {
		a.Log.Warn("heartbeat: persist lastWakeTime failed", "error", err)
	}
}
