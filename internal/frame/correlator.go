package frame

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// maxQueuedPerType bounds the per-type backlog the correlator will retain for
// frames nobody is waiting on yet. Oldest entries are dropped on overflow,
// per §4.7 step 1 ("bounded by memory budget; oldest dropped on overflow
// with a logged warning").
const maxQueuedPerType = 256

// Filter reports whether an envelope satisfies a pending wait.
type Filter func(Envelope) bool

// Any matches every frame of the waited-on type.
func Any(Envelope) bool { return true }

type waiter struct {
	filter Filter
	result chan Envelope
}

// Correlator implements the frame codec's waiter map: it queues inbound
// frames by type and lets callers block for the next frame of a given type
// matching a filter, with a deadline. One Correlator belongs to exactly one
// session actor.
type Correlator struct {
	log *slog.Logger

	mu      sync.Mutex
	queues  map[Type][]Envelope
	waiters map[Type][]*waiter
}

// NewCorrelator creates an empty correlator. log may be nil, in which case
// a discard logger is used.
func NewCorrelator(log *slog.Logger) *Correlator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Correlator{
		log:     log,
		queues:  make(map[Type][]Envelope),
		waiters: make(map[Type][]*waiter),
	}
}

// Push dispatches an inbound frame, per §4.7:
//  1. evaluate pending waiters for that type, resolving the first match and
//     removing that waiter (the frame is then not queued);
//  2. otherwise append it to the type-keyed queue (dropping the oldest on
//     overflow) so a future WaitFor can pick it up synchronously.
func (c *Correlator) Push(e Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.waiters[e.Type]
	for i, w := range ws {
		if w.filter(e) {
			c.waiters[e.Type] = append(ws[:i:i], ws[i+1:]...)
			w.result <- e
			close(w.result)
			return
		}
	}

	q := c.queues[e.Type]
	q = append(q, e)
	if len(q) > maxQueuedPerType {
		dropped := q[0]
		q = q[1:]
		c.log.Warn("correlator: dropping oldest queued frame on overflow",
			"type", e.Type, "dropped_message_id", dropped.MessageID)
	}
	c.queues[e.Type] = q
}

// WaitFor blocks until a frame of typ matching filter arrives, ctx is
// cancelled, or timeout elapses — whichever comes first. If a matching frame
// is already queued, it resolves synchronously (§4.7 step 3) and is removed
// from the queue.
func (c *Correlator) WaitFor(ctx context.Context, typ Type, filter Filter, timeout time.Duration) (Envelope, error) {
	if filter == nil {
		filter = Any
	}

	c.mu.Lock()
	q := c.queues[typ]
	for i, e := range q {
		if filter(e) {
			c.queues[typ] = append(q[:i:i], q[i+1:]...)
			c.mu.Unlock()
			return e, nil
		}
	}

	w := &waiter{filter: filter, result: make(chan Envelope, 1)}
	c.waiters[typ] = append(c.waiters[typ], w)
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e, ok := <-w.result:
		if !ok {
			return Envelope{}, fmt.Errorf("frame: wait for %s cancelled", typ)
		}
		return e, nil
	case <-timer.C:
		c.removeWaiter(typ, w)
		return Envelope{}, fmt.Errorf("frame: %w: no %s frame within %s", ErrTimeout, typ, timeout)
	case <-ctx.Done():
		c.removeWaiter(typ, w)
		return Envelope{}, ctx.Err()
	}
}

func (c *Correlator) removeWaiter(typ Type, target *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.waiters[typ]
	for i, w := range ws {
		if w == target {
			c.waiters[typ] = append(ws[:i:i], ws[i+1:]...)
			return
		}
	}
}

// CancelAll unblocks every pending waiter with an error, used when the
// transport closes and all suspension points must unwind (§5 "Suspension
// points... All three are cancellable by transport close").
func (c *Correlator) CancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for typ, ws := range c.waiters {
		for _, w := range ws {
			close(w.result)
		}
		delete(c.waiters, typ)
	}
}

// ErrTimeout is wrapped into the error WaitFor returns on deadline expiry.
var ErrTimeout = fmt.Errorf("timeout")
