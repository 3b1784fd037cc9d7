package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrSlotTaken is returned when an insert collides with an online player's slot.
	ErrSlotTaken = errors.New("slot taken")
	// ErrVersionConflict is returned when a session write races a newer version.
	ErrVersionConflict = errors.New("version conflict")
)

// Player is one seat in a session. A row survives the player going offline so
// that host re-election can distinguish "gone for now" from "never existed".
type Player struct {
	ID          string
	SessionID   string
	ClientID    string
	Slot        int
	DisplayName string
	IsHost      bool
	Online      bool
	Losses      int
	JoinedAt    time.Time
	LastSeenAt  time.Time
}

// Session is the shared game state row. Version increases monotonically on
// every write; writers must go through CompareAndSwapSession.
type Session struct {
	ID                 string
	Version            int64
	CurrentCategory    string
	UsedLetters        string // concatenated uppercase letters, insertion order
	IsActive           bool
	CurrentPlayerIndex int
	RoundNumber        int
	HostID             string
	UpdatedAt          time.Time
}

// HasLetter reports whether the letter was already used this round.
func (s *Session) HasLetter(letter string) bool {
	return strings.Contains(s.UsedLetters, letter)
}

// EventType enumerates game events published to the session's event log.
type EventType string

const (
	EventRoundStart       EventType = "ROUND_START"
	EventLetterSelected   EventType = "LETTER_SELECTED"
	EventRoundTimeout     EventType = "ROUND_TIMEOUT"
	EventGameReset        EventType = "GAME_RESET"
	EventPlayerDisconnect EventType = "PLAYER_DISCONNECT"
)

// Event is an immutable entry in a session's bounded event log.
// Seq is assigned by the store and orders events within one session.
type Event struct {
	ID             string
	Seq            int64
	SessionID      string
	Type           EventType
	Payload        json.RawMessage
	OriginPlayerID string
	Timestamp      time.Time
}

// Table names a logical table for change notifications.
type Table string

const (
	TablePlayers Table = "players"
	TableGame    Table = "game_state"
	TableEvents  Table = "game_events"
)

// Change describes a committed write, delivered to notification subscribers.
type Change struct {
	Table     Table
	SessionID string
}

// PlayerStore handles player persistence.
type PlayerStore interface {
	// CreatePlayer inserts a new player row. Returns ErrSlotTaken when another
	// online player already holds the slot.
	CreatePlayer(ctx context.Context, p *Player) error

	// GetPlayer retrieves a player by id.
	GetPlayer(ctx context.Context, sessionID, playerID string) (*Player, error)

	// GetPlayerByClient retrieves a player by its opaque client identity.
	GetPlayerByClient(ctx context.Context, sessionID, clientID string) (*Player, error)

	// ListPlayers lists all players of a session ordered by slot.
	// onlineOnly restricts the result to currently online players.
	ListPlayers(ctx context.Context, sessionID string, onlineOnly bool) ([]*Player, error)

	// ReseatPlayer brings an existing (offline) player back online on a new
	// slot. Returns ErrSlotTaken on collision with an online player.
	ReseatPlayer(ctx context.Context, sessionID, playerID string, slot int, isHost bool) error

	// SetPlayerOffline marks a player offline. Returns true when the player
	// was online before the call, false when this was a no-op.
	SetPlayerOffline(ctx context.Context, sessionID, playerID string) (bool, error)

	// SetPlayerHost updates the host flag of a single player.
	SetPlayerHost(ctx context.Context, sessionID, playerID string, isHost bool) error

	// TouchPlayer updates lastSeenAt for a heartbeat.
	TouchPlayer(ctx context.Context, sessionID, playerID string, seen time.Time) error

	// IncrementLosses bumps the per-player loss counter.
	IncrementLosses(ctx context.Context, sessionID, playerID string) error

	// ResetLosses clears loss counters for the whole session.
	ResetLosses(ctx context.Context, sessionID string) error
}

// SessionStore handles game state persistence.
type SessionStore interface {
	// EnsureSession creates the session row if missing and returns it.
	EnsureSession(ctx context.Context, sessionID string) (*Session, error)

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// CompareAndSwapSession writes s only if the stored version still equals
	// fromVersion, bumping Version by one. Returns ErrVersionConflict when a
	// concurrent writer got there first.
	CompareAndSwapSession(ctx context.Context, s *Session, fromVersion int64) error

	// ListActiveSessions lists ids of sessions with at least one online player.
	ListActiveSessions(ctx context.Context) ([]string, error)
}

// EventStore handles the bounded per-session event log.
type EventStore interface {
	// AppendEvent persists an event and assigns Seq and Timestamp; the
	// timestamp never decreases with Seq within a session. Prunes the oldest
	// rows once the session's log exceeds its cap.
	AppendEvent(ctx context.Context, ev *Event) error

	// ListEventsSince lists retained events with Timestamp at or after since
	// (inclusive; same-millisecond events at the cursor are redelivered and
	// deduped by id), ordered by Seq.
	ListEventsSince(ctx context.Context, sessionID string, since time.Time) ([]*Event, error)

	// ListEventsAfterSeq lists retained events with Seq strictly greater than
	// seq, ordered by Seq.
	ListEventsAfterSeq(ctx context.Context, sessionID string, seq int64) ([]*Event, error)

	// EventRetention reports the oldest retained event timestamp and whether
	// the log is at capacity (meaning older history may have been pruned).
	EventRetention(ctx context.Context, sessionID string) (oldest time.Time, full bool, err error)
}

// Notifier is the store's change-notification channel: a per-table, per-session
// subscription fired after committed writes. Backends with a native channel
// (LISTEN/NOTIFY and the like) implement this directly; the sqlite backend
// fans out in-process.
type Notifier interface {
	// SubscribeChanges registers for committed changes scoped to a session.
	// The returned cancel func must be called to release the subscription.
	// Slow subscribers may miss notifications; consumers reconcile by re-reading.
	SubscribeChanges(sessionID string) (<-chan Change, func())
}

// Store aggregates all storage interfaces.
type Store interface {
	PlayerStore
	SessionStore
	EventStore
	Notifier

	// Close closes the underlying database connection.
	Close() error
}
