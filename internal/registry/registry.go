package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/store"
	"github.com/letterloop/letterloop-server/internal/utils"
)

var (
	// ErrSessionFull is returned when every seat is held by an online player.
	ErrSessionFull = errors.New("session full")
	// ErrConflict is returned when join retries against racing clients are exhausted.
	ErrConflict = errors.New("join conflict")
)

// Publisher is the slice of the broadcaster the registry needs.
type Publisher interface {
	Publish(ctx context.Context, ev *store.Event) error
}

// Registry assigns seats and elects hosts over a session's player set.
// The store is the only shared state; concurrent joins are resolved by
// re-reading occupancy before commit and retrying on slot collisions.
type Registry struct {
	store      store.Store
	events     Publisher
	maxPlayers int
	attempts   int
	log        *zerolog.Logger
}

// New builds a registry. attempts bounds slot-collision retries.
func New(st store.Store, events Publisher, maxPlayers, attempts int, logger *zerolog.Logger) *Registry {
	if maxPlayers <= 0 {
		maxPlayers = 6
	}
	if attempts <= 0 {
		attempts = 5
	}
	return &Registry{
		store:      st,
		events:     events,
		maxPlayers: maxPlayers,
		attempts:   attempts,
		log:        logger,
	}
}

// Join seats a client in the session. Rejoin by the same client identity while
// online is idempotent and returns the existing player unchanged. A returning
// offline client keeps its row (and loss counter) but is reseated on the
// lowest free slot. The first online joiner becomes host.
func (r *Registry) Join(ctx context.Context, sessionID, clientID, displayName string) (*store.Player, error) {
	if _, err := r.store.EnsureSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}

	existing, err := r.store.GetPlayerByClient(ctx, sessionID, clientID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("lookup client: %w", err)
	}
	if existing != nil && existing.Online {
		return existing, nil
	}

	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			if err := sleepJitter(ctx, attempt); err != nil {
				return nil, err
			}
		}

		// The check-then-insert below is not atomic against the store, so
		// occupancy is re-read immediately before each commit attempt.
		online, err := r.store.ListPlayers(ctx, sessionID, true)
		if err != nil {
			return nil, fmt.Errorf("list players: %w", err)
		}
		slot, ok := lowestFreeSlot(online, r.maxPlayers)
		if !ok {
			return nil, ErrSessionFull
		}
		isHost := len(online) == 0

		var player *store.Player
		if existing != nil {
			err = r.store.ReseatPlayer(ctx, sessionID, existing.ID, slot, isHost)
		} else {
			player = &store.Player{
				ID:          utils.NewID(),
				SessionID:   sessionID,
				ClientID:    clientID,
				Slot:        slot,
				DisplayName: displayName,
				IsHost:      isHost,
				JoinedAt:    time.Now().UTC(),
				LastSeenAt:  time.Now().UTC(),
			}
			err = r.store.CreatePlayer(ctx, player)
		}
		if errors.Is(err, store.ErrSlotTaken) {
			// Another client committed the same slot first.
			r.log.Debug().Str("session_id", sessionID).Int("slot", slot).Int("attempt", attempt).
				Msg("slot collision, retrying join")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("seat player: %w", err)
		}

		if existing != nil {
			player, err = r.store.GetPlayer(ctx, sessionID, existing.ID)
			if err != nil {
				return nil, fmt.Errorf("reload player: %w", err)
			}
		}
		if isHost {
			if err := r.setSessionHost(ctx, sessionID, player.ID); err != nil {
				return nil, err
			}
		}
		r.log.Info().Str("session_id", sessionID).Str("player_id", player.ID).
			Int("slot", player.Slot).Bool("is_host", player.IsHost).Msg("player joined")
		return player, nil
	}

	return nil, ErrConflict
}

// Leave marks the player offline. The row is kept so a returning client is
// recognizable and its loss counter survives. Re-elects the host if needed and
// publishes a PLAYER_DISCONNECT once per online-to-offline transition.
func (r *Registry) Leave(ctx context.Context, sessionID, playerID string) error {
	wasOnline, err := r.store.SetPlayerOffline(ctx, sessionID, playerID)
	if err != nil {
		return fmt.Errorf("set offline: %w", err)
	}
	if !wasOnline {
		return nil
	}

	if r.events != nil {
		if err := r.events.Publish(ctx, &store.Event{
			SessionID:      sessionID,
			Type:           store.EventPlayerDisconnect,
			OriginPlayerID: playerID,
			Payload:        []byte(`{"reason":"leave"}`),
		}); err != nil {
			r.log.Warn().Err(err).Str("player_id", playerID).Msg("failed to publish disconnect")
		}
	}

	if _, err := r.ElectHost(ctx, sessionID); err != nil {
		return fmt.Errorf("elect host: %w", err)
	}
	r.log.Info().Str("session_id", sessionID).Str("player_id", playerID).Msg("player left")
	return nil
}

// ElectHost ensures exactly one online player holds the host flag: the one
// with the earliest joinedAt (ties broken by slot, which ListPlayers orders
// by). Returns the host, or nil when the session has no online players.
func (r *Registry) ElectHost(ctx context.Context, sessionID string) (*store.Player, error) {
	online, err := r.store.ListPlayers(ctx, sessionID, true)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	if len(online) == 0 {
		if err := r.setSessionHost(ctx, sessionID, ""); err != nil {
			return nil, err
		}
		return nil, nil
	}

	for _, p := range online {
		if p.IsHost {
			if err := r.setSessionHost(ctx, sessionID, p.ID); err != nil {
				return nil, err
			}
			return p, nil
		}
	}

	host := online[0]
	for _, p := range online[1:] {
		if p.JoinedAt.Before(host.JoinedAt) {
			host = p
		}
	}
	if err := r.store.SetPlayerHost(ctx, sessionID, host.ID, true); err != nil {
		return nil, fmt.Errorf("promote host: %w", err)
	}
	host.IsHost = true
	if err := r.setSessionHost(ctx, sessionID, host.ID); err != nil {
		return nil, err
	}
	r.log.Info().Str("session_id", sessionID).Str("player_id", host.ID).Msg("host elected")
	return host, nil
}

// setSessionHost mirrors the host id onto the session row through the
// versioned write path.
func (r *Registry) setSessionHost(ctx context.Context, sessionID, hostID string) error {
	for attempt := 0; attempt < r.attempts; attempt++ {
		sess, err := r.store.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		if sess.HostID == hostID {
			return nil
		}
		sess.HostID = hostID
		err = r.store.CompareAndSwapSession(ctx, sess, sess.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("write host id: %w", err)
		}
		return nil
	}
	return ErrConflict
}

func lowestFreeSlot(online []*store.Player, maxPlayers int) (int, bool) {
	used := make(map[int]bool, len(online))
	for _, p := range online {
		used[p.Slot] = true
	}
	for slot := 1; slot <= maxPlayers; slot++ {
		if !used[slot] {
			return slot, true
		}
	}
	return 0, false
}

func sleepJitter(ctx context.Context, attempt int) error {
	base := time.Duration(attempt) * 25 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(25 * time.Millisecond)))
	select {
	case <-time.After(base + jitter):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
