package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/letterloop/letterloop-server/internal/store"
)

var (
	// ErrNotHost is returned when a non-host calls a host-only operation.
	ErrNotHost = errors.New("not host")
	// ErrNotYourTurn is returned when a player acts out of turn.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrLetterUsed is returned when the letter was already selected this round.
	ErrLetterUsed = errors.New("letter already used")
	// ErrRoundActive is returned when starting a round that is already running.
	ErrRoundActive = errors.New("round already active")
	// ErrRoundNotActive is returned when acting outside an active round.
	ErrRoundNotActive = errors.New("round not active")
	// ErrInvalidLetter is returned for anything but a single A-Z letter.
	ErrInvalidLetter = errors.New("invalid letter")
	// ErrNoPlayers is returned when the session has no online players.
	ErrNoPlayers = errors.New("no online players")
	// ErrConflict is returned when version-conflict retries are exhausted.
	ErrConflict = errors.New("state conflict")
)

// Publisher is the slice of the broadcaster the state machine needs.
type Publisher interface {
	Publish(ctx context.Context, ev *store.Event) error
}

// Machine drives the round lifecycle: Idle -> RoundActive -> Idle. All
// mutations go through the store's versioned compare-and-swap; a stale read
// is re-read and retried a bounded number of times. Validation failures never
// mutate state.
type Machine struct {
	store      store.Store
	events     Publisher
	categories []string
	attempts   int
	log        *zerolog.Logger
}

// New builds a state machine. categories may be nil to use the built-in
// catalog; attempts bounds version-conflict retries.
func New(st store.Store, events Publisher, categories []string, attempts int, logger *zerolog.Logger) *Machine {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	if attempts <= 0 {
		attempts = 5
	}
	return &Machine{
		store:      st,
		events:     events,
		categories: categories,
		attempts:   attempts,
		log:        logger,
	}
}

type roundStartPayload struct {
	Category string `json:"category"`
	Round    int    `json:"round"`
}

type letterPayload struct {
	Letter    string `json:"letter"`
	NextIndex int    `json:"next_index"`
}

type timeoutPayload struct {
	PlayerID string `json:"player_id"`
	Round    int    `json:"round"`
}

// StartRound begins a new round. Host only, and only from the idle state.
func (m *Machine) StartRound(ctx context.Context, sessionID, callerID string) (*store.Session, error) {
	var started *store.Session
	err := m.mutate(ctx, sessionID, func(sess *store.Session, online []*store.Player) (*store.Event, error) {
		if err := m.requireHost(online, callerID); err != nil {
			return nil, err
		}
		if sess.IsActive {
			return nil, ErrRoundActive
		}
		sess.CurrentCategory = pickCategory(m.categories, sess.CurrentCategory)
		sess.UsedLetters = ""
		sess.CurrentPlayerIndex = 0
		sess.IsActive = true
		sess.RoundNumber++
		started = sess

		payload, _ := json.Marshal(roundStartPayload{Category: sess.CurrentCategory, Round: sess.RoundNumber})
		return &store.Event{
			SessionID:      sessionID,
			Type:           store.EventRoundStart,
			OriginPlayerID: callerID,
			Payload:        payload,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info().Str("session_id", sessionID).Str("category", started.CurrentCategory).
		Int("round", started.RoundNumber).Msg("round started")
	return started, nil
}

// SelectLetter consumes a letter for the current player and passes the turn.
func (m *Machine) SelectLetter(ctx context.Context, sessionID, callerID, letter string) (*store.Session, error) {
	letter, ok := normalizeLetter(letter)
	if !ok {
		return nil, ErrInvalidLetter
	}

	var updated *store.Session
	err := m.mutate(ctx, sessionID, func(sess *store.Session, online []*store.Player) (*store.Event, error) {
		if !sess.IsActive {
			return nil, ErrRoundNotActive
		}
		current, err := currentPlayer(sess, online)
		if err != nil {
			return nil, err
		}
		if current.ID != callerID {
			return nil, ErrNotYourTurn
		}
		if sess.HasLetter(letter) {
			return nil, ErrLetterUsed
		}
		sess.UsedLetters += letter
		sess.CurrentPlayerIndex = (sess.CurrentPlayerIndex + 1) % len(online)
		updated = sess

		payload, _ := json.Marshal(letterPayload{Letter: letter, NextIndex: sess.CurrentPlayerIndex})
		return &store.Event{
			SessionID:      sessionID,
			Type:           store.EventLetterSelected,
			OriginPlayerID: callerID,
			Payload:        payload,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// OnTimeout ends the round, attributing the loss to the stalled player.
// Only the current player's own client may declare its timeout; the server
// validates origin but does not run its own round timer.
func (m *Machine) OnTimeout(ctx context.Context, sessionID, callerID string) (*store.Session, error) {
	var ended *store.Session
	err := m.mutate(ctx, sessionID, func(sess *store.Session, online []*store.Player) (*store.Event, error) {
		if !sess.IsActive {
			return nil, ErrRoundNotActive
		}
		current, err := currentPlayer(sess, online)
		if err != nil {
			return nil, err
		}
		if current.ID != callerID {
			return nil, ErrNotYourTurn
		}
		sess.IsActive = false
		ended = sess

		payload, _ := json.Marshal(timeoutPayload{PlayerID: callerID, Round: sess.RoundNumber})
		return &store.Event{
			SessionID:      sessionID,
			Type:           store.EventRoundTimeout,
			OriginPlayerID: callerID,
			Payload:        payload,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.IncrementLosses(ctx, sessionID, callerID); err != nil {
		return nil, fmt.Errorf("record loss: %w", err)
	}
	m.log.Info().Str("session_id", sessionID).Str("player_id", callerID).
		Int("round", ended.RoundNumber).Msg("round timed out")
	return ended, nil
}

// ResetGame returns the session to a fresh idle state. Host only, valid from
// any state. Loss counters are cleared alongside the board.
func (m *Machine) ResetGame(ctx context.Context, sessionID, callerID string) (*store.Session, error) {
	var reset *store.Session
	err := m.mutate(ctx, sessionID, func(sess *store.Session, online []*store.Player) (*store.Event, error) {
		if err := m.requireHost(online, callerID); err != nil {
			return nil, err
		}
		sess.UsedLetters = ""
		sess.IsActive = false
		sess.CurrentPlayerIndex = 0
		sess.RoundNumber = 1
		reset = sess

		return &store.Event{
			SessionID:      sessionID,
			Type:           store.EventGameReset,
			OriginPlayerID: callerID,
			Payload:        []byte(`{}`),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := m.store.ResetLosses(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("reset losses: %w", err)
	}
	m.log.Info().Str("session_id", sessionID).Msg("game reset")
	return reset, nil
}

// mutate runs apply against a fresh read of the session and commits through
// the versioned write, retrying on conflicts. The event returned by apply is
// published only after a successful commit.
func (m *Machine) mutate(ctx context.Context, sessionID string, apply func(*store.Session, []*store.Player) (*store.Event, error)) error {
	for attempt := 0; attempt < m.attempts; attempt++ {
		sess, err := m.store.GetSession(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		online, err := m.store.ListPlayers(ctx, sessionID, true)
		if err != nil {
			return fmt.Errorf("list players: %w", err)
		}

		fromVersion := sess.Version
		ev, err := apply(sess, online)
		if err != nil {
			return err
		}

		err = m.store.CompareAndSwapSession(ctx, sess, fromVersion)
		if errors.Is(err, store.ErrVersionConflict) {
			m.log.Debug().Str("session_id", sessionID).Int("attempt", attempt).
				Msg("session version conflict, retrying")
			continue
		}
		if err != nil {
			return fmt.Errorf("write session: %w", err)
		}

		if ev != nil && m.events != nil {
			if err := m.events.Publish(ctx, ev); err != nil {
				m.log.Warn().Err(err).Str("session_id", sessionID).Msg("failed to publish game event")
			}
		}
		return nil
	}
	return ErrConflict
}

func (m *Machine) requireHost(online []*store.Player, callerID string) error {
	for _, p := range online {
		if p.ID == callerID {
			if !p.IsHost {
				return ErrNotHost
			}
			return nil
		}
	}
	return ErrNotHost
}

// currentPlayer resolves players[currentPlayerIndex] over the online list,
// which ListPlayers orders by slot. The index is taken modulo the list length
// so it stays valid as players come and go.
func currentPlayer(sess *store.Session, online []*store.Player) (*store.Player, error) {
	if len(online) == 0 {
		return nil, ErrNoPlayers
	}
	return online[sess.CurrentPlayerIndex%len(online)], nil
}

func normalizeLetter(letter string) (string, bool) {
	if len(letter) != 1 {
		return "", false
	}
	c := letter[0]
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	if c < 'A' || c > 'Z' {
		return "", false
	}
	return string(c), true
}
