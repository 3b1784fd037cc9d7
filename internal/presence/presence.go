package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/store"
)

// Publisher is the slice of the broadcaster the tracker needs.
type Publisher interface {
	Publish(ctx context.Context, ev *store.Event) error
}

// HostElector re-elects a session host after the current one goes offline.
type HostElector interface {
	ElectHost(ctx context.Context, sessionID string) (*store.Player, error)
}

// Tracker ingests heartbeats and sweeps stale players. "Online" is a liveness
// estimate: a player is online iff a heartbeat was observed within the timeout
// window. The graceful-leave signal is best-effort; the sweep is the
// authoritative fallback.
type Tracker struct {
	store   store.Store
	events  Publisher
	elector HostElector
	timeout time.Duration
	log     *zerolog.Logger
}

// New builds a tracker. timeout is the staleness window after which an online
// player is demoted.
func New(st store.Store, events Publisher, elector HostElector, timeout time.Duration, logger *zerolog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Tracker{
		store:   st,
		events:  events,
		elector: elector,
		timeout: timeout,
		log:     logger,
	}
}

// Heartbeat records a liveness signal from a connected client.
func (t *Tracker) Heartbeat(ctx context.Context, sessionID, playerID string) error {
	if err := t.store.TouchPlayer(ctx, sessionID, playerID, time.Now().UTC()); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Sweep demotes online players whose last heartbeat lapsed past the timeout.
// Each online-to-offline transition publishes exactly one PLAYER_DISCONNECT;
// players already offline are skipped. Re-elects the host afterwards when any
// demotion happened.
func (t *Tracker) Sweep(ctx context.Context, sessionID string) error {
	online, err := t.store.ListPlayers(ctx, sessionID, true)
	if err != nil {
		return fmt.Errorf("list players: %w", err)
	}

	cutoff := time.Now().UTC().Add(-t.timeout)
	demoted := 0
	for _, p := range online {
		if p.LastSeenAt.After(cutoff) {
			continue
		}
		// SetPlayerOffline is conditional on online=1, so a concurrent sweep
		// or explicit leave cannot produce a second disconnect event.
		wasOnline, err := t.store.SetPlayerOffline(ctx, sessionID, p.ID)
		if err != nil {
			return fmt.Errorf("demote player: %w", err)
		}
		if !wasOnline {
			continue
		}
		demoted++
		t.log.Info().Str("session_id", sessionID).Str("player_id", p.ID).
			Time("last_seen", p.LastSeenAt).Msg("player timed out")

		if t.events != nil {
			if err := t.events.Publish(ctx, &store.Event{
				SessionID:      sessionID,
				Type:           store.EventPlayerDisconnect,
				OriginPlayerID: p.ID,
				Payload:        []byte(`{"reason":"timeout"}`),
			}); err != nil {
				t.log.Warn().Err(err).Str("player_id", p.ID).Msg("failed to publish disconnect")
			}
		}
	}

	if demoted > 0 && t.elector != nil {
		if _, err := t.elector.ElectHost(ctx, sessionID); err != nil {
			return fmt.Errorf("elect host: %w", err)
		}
	}
	return nil
}

// Timeout exposes the staleness window.
func (t *Tracker) Timeout() time.Duration {
	return t.timeout
}
