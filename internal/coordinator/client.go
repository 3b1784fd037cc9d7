package coordinator

import (
	"context"
	"time"

	"github.com/letterloop/letterloop-server/internal/store"
)

// OutputKind discriminates what a ClientSession pushes to its transport.
type OutputKind int

const (
	// OutputEvent carries one game event from the session stream.
	OutputEvent OutputKind = iota
	// OutputSnapshot carries a full session snapshot for reconciliation.
	OutputSnapshot
)

// Output is one message pushed to a connected client.
type Output struct {
	Kind     OutputKind
	Event    *store.Event
	Snapshot *Snapshot
}

// ClientSession is the server end of one connected client: a push
// subscription on the event stream plus a defensive reconciliation loop that
// re-pushes the snapshot in case a change notification was missed. It owns no
// game state; closing it only tears the loops down and never touches the
// shared session.
type ClientSession struct {
	SessionID string
	PlayerID  string
	Outputs   <-chan Output

	cancel context.CancelFunc
}

// Attach opens a client session: an immediate snapshot, then events since the
// given cursor interleaved with periodic snapshot reconciliation. The Outputs
// channel closes when the session ends (Close, ctx cancellation, or a
// subscription drop); the transport should then resync and re-attach.
func (c *Coordinator) Attach(ctx context.Context, sessionID, playerID string, since time.Time) (*ClientSession, error) {
	ctx, cancel := context.WithCancel(ctx)

	events, cancelSub, err := c.events.Subscribe(ctx, sessionID, since)
	if err != nil {
		cancel()
		return nil, err
	}
	changes, cancelChanges := c.store.SubscribeChanges(sessionID)

	out := make(chan Output, 32)
	cs := &ClientSession{
		SessionID: sessionID,
		PlayerID:  playerID,
		Outputs:   out,
		cancel:    cancel,
	}

	go c.pumpClient(ctx, cs, out, events, changes, func() {
		cancelSub()
		cancelChanges()
	})
	return cs, nil
}

// Close tears down the client's loops. Fire-and-forget; it does not leave the
// session on the player's behalf.
func (cs *ClientSession) Close() {
	cs.cancel()
}

func (c *Coordinator) pumpClient(ctx context.Context, cs *ClientSession, out chan<- Output, events <-chan *store.Event, changes <-chan store.Change, release func()) {
	defer close(out)
	defer release()

	send := func(o Output) bool {
		select {
		case out <- o:
			return true
		case <-ctx.Done():
			return false
		}
	}

	pushSnapshot := func() bool {
		snap, err := c.Snapshot(ctx, cs.SessionID)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			c.log.Warn().Err(err).Str("session_id", cs.SessionID).Msg("snapshot fetch failed")
			return true
		}
		return send(Output{Kind: OutputSnapshot, Snapshot: snap})
	}

	if !pushSnapshot() {
		return
	}

	interval := c.cfg.ReconcileInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	reconcile := time.NewTicker(interval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				// Subscription dropped (slow consumer); force a resync cycle.
				return
			}
			if !send(Output{Kind: OutputEvent, Event: ev}) {
				return
			}
		case ch := <-changes:
			// Game state and membership changes push a fresh snapshot; event
			// rows already arrive through the subscription.
			if ch.Table == store.TableEvents {
				continue
			}
			if !pushSnapshot() {
				return
			}
		case <-reconcile.C:
			if !pushSnapshot() {
				return
			}
		}
	}
}
