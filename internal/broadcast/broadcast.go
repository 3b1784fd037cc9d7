package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/store"
)

// ErrStaleCursor is returned when a consumer's cursor predates the event
// log's retention window. The consumer must re-fetch the full session
// snapshot instead of replaying history.
var ErrStaleCursor = errors.New("stale cursor")

// Broadcaster appends events to the session's bounded log and fans them out
// to subscribers. Delivery is at-least-once: a subscriber observes events in
// non-decreasing timestamp order, may see duplicates across resubscribes, and
// there is no cross-client total order. Consumers dedup by event id.
type Broadcaster struct {
	store        store.Store
	pollInterval time.Duration
	log          *zerolog.Logger
}

// New builds a broadcaster. pollInterval bounds staleness for subscribers
// whose change notifications were dropped.
func New(st store.Store, pollInterval time.Duration, logger *zerolog.Logger) *Broadcaster {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Broadcaster{
		store:        st,
		pollInterval: pollInterval,
		log:          logger,
	}
}

// Publish appends the event with a server-assigned id. The timestamp is
// assigned by the store at commit so it never decreases with append order.
// Fan-out happens through the store's change notification, so poll and push
// consumers observe the same log.
func (b *Broadcaster) Publish(ctx context.Context, ev *store.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if err := b.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	b.log.Debug().Str("session_id", ev.SessionID).Str("type", string(ev.Type)).Msg("event published")
	return nil
}

// ListSince is the poll fallback: retained events at or after since. The
// cursor is inclusive because timestamps have millisecond resolution; the
// boundary event comes back again and clients dedup it by id. Returns
// ErrStaleCursor when since predates the retention window of a full log,
// meaning history between the cursor and the oldest retained event has been
// dropped.
func (b *Broadcaster) ListSince(ctx context.Context, sessionID string, since time.Time) ([]*store.Event, error) {
	if err := b.checkCursor(ctx, sessionID, since); err != nil {
		return nil, err
	}
	return b.store.ListEventsSince(ctx, sessionID, since)
}

// Subscribe returns a long-lived push channel. Events at or after since are
// replayed first (inclusive, like ListSince), then live events as they are
// published; a zero since replays everything still retained. The channel is closed when ctx ends,
// when cancel is called, or when the subscriber is too slow to keep up —
// a dropped subscriber must resubscribe and reconcile against the snapshot.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string, since time.Time) (<-chan *store.Event, func(), error) {
	if err := b.checkCursor(ctx, sessionID, since); err != nil {
		return nil, nil, err
	}

	out := make(chan *store.Event, 32)
	changes, cancelChanges := b.store.SubscribeChanges(sessionID)
	ctx, cancel := context.WithCancel(ctx)

	go b.pump(ctx, sessionID, since, out, changes, cancelChanges)

	return out, cancel, nil
}

func (b *Broadcaster) pump(ctx context.Context, sessionID string, since time.Time, out chan *store.Event, changes <-chan store.Change, cancelChanges func()) {
	defer close(out)
	defer cancelChanges()

	var cursor int64
	deliver := func(events []*store.Event) bool {
		for _, ev := range events {
			select {
			case out <- ev:
				cursor = ev.Seq
			default:
				// Slow consumer: drop the subscription rather than block
				// publishers. The client resubscribes and resyncs.
				b.log.Warn().Str("session_id", sessionID).Msg("dropping slow event subscriber")
				return false
			}
		}
		return true
	}

	initial, err := b.store.ListEventsSince(ctx, sessionID, since)
	if err != nil {
		b.log.Warn().Err(err).Str("session_id", sessionID).Msg("event replay failed")
		return
	}
	if !deliver(initial) {
		return
	}

	// Poll ticker backstops dropped change notifications.
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-changes:
			if ch.Table != store.TableEvents {
				continue
			}
		case <-ticker.C:
		}

		events, err := b.store.ListEventsAfterSeq(ctx, sessionID, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.log.Warn().Err(err).Str("session_id", sessionID).Msg("event fetch failed")
			continue
		}
		if !deliver(events) {
			return
		}
	}
}

func (b *Broadcaster) checkCursor(ctx context.Context, sessionID string, since time.Time) error {
	if since.IsZero() {
		return nil
	}
	oldest, full, err := b.store.EventRetention(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("event retention: %w", err)
	}
	if full && since.Before(oldest) {
		return ErrStaleCursor
	}
	return nil
}
