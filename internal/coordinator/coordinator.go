package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/broadcast"
	"github.com/letterloop/letterloop-server/internal/config"
	"github.com/letterloop/letterloop-server/internal/game"
	"github.com/letterloop/letterloop-server/internal/identity"
	"github.com/letterloop/letterloop-server/internal/presence"
	"github.com/letterloop/letterloop-server/internal/registry"
	"github.com/letterloop/letterloop-server/internal/store"
)

// ErrUnknownAction is returned for action types the coordinator does not know.
var ErrUnknownAction = errors.New("unknown action")

// ActionType names a game command a client can issue.
type ActionType string

const (
	ActionStartRound   ActionType = "start_round"
	ActionSelectLetter ActionType = "select_letter"
	ActionTimeout      ActionType = "timeout"
	ActionResetGame    ActionType = "reset_game"
)

// Action is a client-issued game command.
type Action struct {
	Type   ActionType
	Letter string
}

// Snapshot is the authoritative view of a session: the versioned game state
// plus the full player list. Consumers reconcile against it whenever the
// event stream alone is not enough.
type Snapshot struct {
	Session *store.Session
	Players []*store.Player
}

// Coordinator is the composition root: it wires the registry, presence
// tracker, state machine and broadcaster over the shared store, and exposes
// join/act/leave to the transport layer. A single client's failure only ever
// affects that client's own player row.
type Coordinator struct {
	store    store.Store
	registry *registry.Registry
	presence *presence.Tracker
	game     *game.Machine
	events   *broadcast.Broadcaster
	cfg      config.Game
	log      *zerolog.Logger
}

// New wires the coordinator's components over a shared store.
func New(st store.Store, cfg config.Game, logger *zerolog.Logger) *Coordinator {
	events := broadcast.New(st, cfg.ReconcileInterval, logger)
	reg := registry.New(st, events, cfg.MaxPlayers, cfg.JoinAttempts, logger)
	return &Coordinator{
		store:    st,
		registry: reg,
		presence: presence.New(st, events, reg, cfg.PresenceTimeout, logger),
		game:     game.New(st, events, cfg.Categories, cfg.JoinAttempts, logger),
		events:   events,
		cfg:      cfg,
		log:      logger,
	}
}

// Join seats the identified client in the session.
func (c *Coordinator) Join(ctx context.Context, sessionID string, id identity.Identity) (*store.Player, error) {
	return c.registry.Join(ctx, sessionID, id.ClientID, id.DisplayName)
}

// Heartbeat records client liveness.
func (c *Coordinator) Heartbeat(ctx context.Context, sessionID, playerID string) error {
	return c.presence.Heartbeat(ctx, sessionID, playerID)
}

// Leave marks the player offline. Callers treat this as fire-and-forget: the
// presence sweep is the authoritative fallback when the signal never arrives.
func (c *Coordinator) Leave(ctx context.Context, sessionID, playerID string) error {
	return c.registry.Leave(ctx, sessionID, playerID)
}

// Act dispatches a game command and returns the resulting snapshot.
func (c *Coordinator) Act(ctx context.Context, sessionID, playerID string, act Action) (*Snapshot, error) {
	var err error
	switch act.Type {
	case ActionStartRound:
		_, err = c.game.StartRound(ctx, sessionID, playerID)
	case ActionSelectLetter:
		_, err = c.game.SelectLetter(ctx, sessionID, playerID, act.Letter)
	case ActionTimeout:
		_, err = c.game.OnTimeout(ctx, sessionID, playerID)
	case ActionResetGame:
		_, err = c.game.ResetGame(ctx, sessionID, playerID)
	default:
		return nil, ErrUnknownAction
	}
	if err != nil {
		return nil, err
	}
	return c.Snapshot(ctx, sessionID)
}

// Player retrieves a single player row, used by transports to validate that
// an addressed player belongs to the calling client identity.
func (c *Coordinator) Player(ctx context.Context, sessionID, playerID string) (*store.Player, error) {
	return c.store.GetPlayer(ctx, sessionID, playerID)
}

// Snapshot returns the authoritative session view, the resync path for
// consumers that fell behind the event log's retention window.
func (c *Coordinator) Snapshot(ctx context.Context, sessionID string) (*Snapshot, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	players, err := c.store.ListPlayers(ctx, sessionID, false)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	return &Snapshot{Session: sess, Players: players}, nil
}

// Events is the poll fallback for event delivery.
func (c *Coordinator) Events(ctx context.Context, sessionID string, since time.Time) ([]*store.Event, error) {
	return c.events.ListSince(ctx, sessionID, since)
}

// Subscribe opens a push subscription on the session's event stream.
func (c *Coordinator) Subscribe(ctx context.Context, sessionID string, since time.Time) (<-chan *store.Event, func(), error) {
	return c.events.Subscribe(ctx, sessionID, since)
}

// TurnTimeout is advertised to clients for their local turn timers; only the
// current player's own client may declare the timeout back to the server.
func (c *Coordinator) TurnTimeout() time.Duration {
	return c.cfg.TurnTimeout
}

// HeartbeatInterval is the cadence clients are expected to heartbeat at. The
// WebSocket transport pings on it so idle connections stay alive.
func (c *Coordinator) HeartbeatInterval() time.Duration {
	if c.cfg.HeartbeatInterval <= 0 {
		return 15 * time.Second
	}
	return c.cfg.HeartbeatInterval
}

// Run drives the periodic staleness sweep across all sessions with online
// players, until ctx is cancelled. The sweep is the only mechanism presence
// correctness can rely on.
func (c *Coordinator) Run(ctx context.Context) {
	interval := c.cfg.SweepInterval
	if interval <= 0 {
		interval = 90 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info().Dur("interval", interval).Msg("presence sweep started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepAll(ctx)
		}
	}
}

func (c *Coordinator) sweepAll(ctx context.Context) {
	sessions, err := c.store.ListActiveSessions(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to list sessions for sweep")
		return
	}
	for _, sessionID := range sessions {
		if err := c.presence.Sweep(ctx, sessionID); err != nil {
			c.log.Warn().Err(err).Str("session_id", sessionID).Msg("sweep failed")
		}
	}
}

// SweepNow runs one immediate sweep of a single session.
func (c *Coordinator) SweepNow(ctx context.Context, sessionID string) error {
	return c.presence.Sweep(ctx, sessionID)
}
