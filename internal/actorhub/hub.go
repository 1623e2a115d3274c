// Package actorhub satisfies Invariant 4 from spec §3 ("No two concurrent
// session actors exist for the same clientId; the runtime MUST serialize
// them"): a reconnect supersedes and closes the previous actor for the same
// clientId. It does not evict idle actors or reinstantiate them, and it does
// not read clientId back from the Progress Store. It is modeled
// on pkg/queue/pool.go's WorkerPool: a registry keyed by ID, generalized
// here to actors instead of cancel functions, with singleflight collapsing
// concurrent create-for-the-same-clientId races onto one winner.
package actorhub

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/codeready-toolchain/rowsync/internal/lsn"
	"github.com/codeready-toolchain/rowsync/internal/syncsession"
)

// Factory constructs a fresh Actor for clientID. Supplied once at Hub
// construction; internal/storepg and transport/ws furnish the real
// dependencies it closes over.
type Factory func(clientID string, transport syncsession.Transport, log *slog.Logger) *syncsession.Actor

// Hub is the process-wide registry of live Session Actors. One Hub per
// process; every inbound connection goes through Attach.
type Hub struct {
	factory Factory
	log     *slog.Logger

	mu     sync.Mutex
	actors map[string]*syncsession.Actor

	group singleflight.Group
}

// New constructs a Hub. log is the base logger each actor's per-client
// logger is derived from (§9 "dependency-inject a structured logger per
// actor").
func New(factory Factory, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		factory: factory,
		log:     log,
		actors:  make(map[string]*syncsession.Actor),
	}
}

// Attach accepts a transport for clientID, evicting and replacing any prior
// actor for the same clientID (a reconnect supersedes the old transport —
// the old one is closed, which cancels its in-flight awaits per §5). The
// registry swap happens under the hub lock; the old actor is disconnected
// and its transport closed after the lock is released. A singleflight call
// collapses two near-simultaneous Attach calls for the same clientID onto a
// single actor-construction so neither races the other into the map
// (Invariant 4).
func (h *Hub) Attach(ctx context.Context, clientID string, transport syncsession.Transport, clientLSNRaw string) (*syncsession.Actor, error) {
	actorAny, err, _ := h.group.Do(clientID, func() (any, error) {
		h.mu.Lock()
		old, existed := h.actors[clientID]
		log := h.log.With("client_id", clientID)
		a := h.factory(clientID, transport, log)
		h.actors[clientID] = a
		h.mu.Unlock()

		if existed {
			log.Info("superseding existing session for reconnect")
			old.OnDisconnect(ctx, "superseded by new connection", false)
			_ = old.Transport.Close()
		}

		if err := a.Accept(ctx, clientLSNRaw); err != nil {
			h.mu.Lock()
			if h.actors[clientID] == a {
				delete(h.actors, clientID)
			}
			h.mu.Unlock()
			return nil, err
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return actorAny.(*syncsession.Actor), nil
}

// Detach removes clientID's actor from the registry if a is still the
// current one for it — a stale Detach from an already-superseded actor is a
// no-op, preserving the newer actor's registration.
func (h *Hub) Detach(clientID string, a *syncsession.Actor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.actors[clientID] == a {
		delete(h.actors, clientID)
	}
}

// Lookup returns the currently-registered actor for clientID, if any. Used
// by handlers that route an inbound frame to an already-attached session
// (the common case after the initial Attach) and by the notification hook.
func (h *Hub) Lookup(clientID string) (*syncsession.Actor, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.actors[clientID]
	return a, ok
}

// PushServerNotification wakes every currently-attached actor, per §6's
// "Notification hook": notify(clientId, serverLSN) causes the target actor
// to wake. Our NotifyListener has no per-client routing (one broadcast
// channel for all committed changes, §12), so the hub fans the LSN out to
// every live actor; an actor not waiting on it is a harmless no-op wakeup.
func (h *Hub) PushServerNotification(l lsn.LSN) {
	h.mu.Lock()
	actors := make([]*syncsession.Actor, 0, len(h.actors))
	for _, a := range h.actors {
		actors = append(actors, a)
	}
	h.mu.Unlock()

	for _, a := range actors {
		a.PushServerNotification(l)
	}
}

// Count reports the number of currently-attached sessions, for /metrics.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.actors)
}
