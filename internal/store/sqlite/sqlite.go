package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/letterloop/letterloop-server/internal/store"
)

// DefaultEventCap bounds each session's event log when no cap is configured.
const DefaultEventCap = 50

const schema = `
CREATE TABLE IF NOT EXISTS players (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	client_id    TEXT NOT NULL,
	slot         INTEGER NOT NULL,
	display_name TEXT NOT NULL,
	is_host      BOOLEAN NOT NULL DEFAULT 0,
	online       BOOLEAN NOT NULL DEFAULT 1,
	losses       INTEGER NOT NULL DEFAULT 0,
	joined_at    INTEGER NOT NULL,
	last_seen_at INTEGER NOT NULL,
	UNIQUE (session_id, client_id)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_players_online_slot
	ON players(session_id, slot) WHERE online = 1;
CREATE INDEX IF NOT EXISTS idx_players_session ON players(session_id);

CREATE TABLE IF NOT EXISTS game_state (
	session_id           TEXT PRIMARY KEY,
	version              INTEGER NOT NULL DEFAULT 1,
	current_category     TEXT NOT NULL DEFAULT '',
	used_letters         TEXT NOT NULL DEFAULT '',
	is_active            BOOLEAN NOT NULL DEFAULT 0,
	current_player_index INTEGER NOT NULL DEFAULT 0,
	round_number         INTEGER NOT NULL DEFAULT 0,
	host_id              TEXT NOT NULL DEFAULT '',
	updated_at           INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS game_events (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	session_id       TEXT NOT NULL,
	type             TEXT NOT NULL,
	payload          TEXT NOT NULL DEFAULT '{}',
	origin_player_id TEXT NOT NULL DEFAULT '',
	ts               INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON game_events(session_id, seq);
`

// Store implements store.Store for SQLite. Change notifications are fanned out
// in-process after each committed write.
type Store struct {
	db       *sql.DB
	eventCap int

	mu   sync.Mutex
	subs map[string]map[chan store.Change]struct{}
}

// New opens (or creates) the database at dbPath and applies the schema.
// eventCap bounds each session's event log; zero means DefaultEventCap.
func New(dbPath string, eventCap int) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if eventCap <= 0 {
		eventCap = DefaultEventCap
	}

	return &Store{
		db:       db,
		eventCap: eventCap,
		subs:     make(map[string]map[chan store.Change]struct{}),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ==== PlayerStore ====

func (s *Store) CreatePlayer(ctx context.Context, p *store.Player) error {
	query := `
		INSERT INTO players (id, session_id, client_id, slot, display_name, is_host, online, losses, joined_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, 1, 0, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		p.ID, p.SessionID, p.ClientID, p.Slot, p.DisplayName, p.IsHost,
		toMillis(p.JoinedAt), toMillis(p.LastSeenAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrSlotTaken
		}
		return fmt.Errorf("insert player: %w", err)
	}
	p.Online = true
	s.notify(store.TablePlayers, p.SessionID)
	return nil
}

func (s *Store) GetPlayer(ctx context.Context, sessionID, playerID string) (*store.Player, error) {
	return s.queryPlayer(ctx, `WHERE session_id = ? AND id = ?`, sessionID, playerID)
}

func (s *Store) GetPlayerByClient(ctx context.Context, sessionID, clientID string) (*store.Player, error) {
	return s.queryPlayer(ctx, `WHERE session_id = ? AND client_id = ?`, sessionID, clientID)
}

func (s *Store) queryPlayer(ctx context.Context, where string, args ...any) (*store.Player, error) {
	query := `
		SELECT id, session_id, client_id, slot, display_name, is_host, online, losses, joined_at, last_seen_at
		FROM players ` + where
	var p store.Player
	var joined, seen int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&p.ID, &p.SessionID, &p.ClientID, &p.Slot, &p.DisplayName,
		&p.IsHost, &p.Online, &p.Losses, &joined, &seen,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query player: %w", err)
	}
	p.JoinedAt = fromMillis(joined)
	p.LastSeenAt = fromMillis(seen)
	return &p, nil
}

func (s *Store) ListPlayers(ctx context.Context, sessionID string, onlineOnly bool) ([]*store.Player, error) {
	query := `
		SELECT id, session_id, client_id, slot, display_name, is_host, online, losses, joined_at, last_seen_at
		FROM players
		WHERE session_id = ?
	`
	if onlineOnly {
		query += ` AND online = 1`
	}
	query += ` ORDER BY slot`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var players []*store.Player
	for rows.Next() {
		var p store.Player
		var joined, seen int64
		if err := rows.Scan(
			&p.ID, &p.SessionID, &p.ClientID, &p.Slot, &p.DisplayName,
			&p.IsHost, &p.Online, &p.Losses, &joined, &seen,
		); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		p.JoinedAt = fromMillis(joined)
		p.LastSeenAt = fromMillis(seen)
		players = append(players, &p)
	}
	return players, rows.Err()
}

func (s *Store) ReseatPlayer(ctx context.Context, sessionID, playerID string, slot int, isHost bool) error {
	query := `
		UPDATE players
		SET slot = ?, is_host = ?, online = 1, last_seen_at = ?
		WHERE session_id = ? AND id = ?
	`
	res, err := s.db.ExecContext(ctx, query, slot, isHost, toMillis(time.Now()), sessionID, playerID)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrSlotTaken
		}
		return fmt.Errorf("reseat player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	s.notify(store.TablePlayers, sessionID)
	return nil
}

func (s *Store) SetPlayerOffline(ctx context.Context, sessionID, playerID string) (bool, error) {
	query := `
		UPDATE players
		SET online = 0, is_host = 0
		WHERE session_id = ? AND id = ? AND online = 1
	`
	res, err := s.db.ExecContext(ctx, query, sessionID, playerID)
	if err != nil {
		return false, fmt.Errorf("set player offline: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		s.notify(store.TablePlayers, sessionID)
	}
	return n > 0, nil
}

func (s *Store) SetPlayerHost(ctx context.Context, sessionID, playerID string, isHost bool) error {
	query := `UPDATE players SET is_host = ? WHERE session_id = ? AND id = ?`
	res, err := s.db.ExecContext(ctx, query, isHost, sessionID, playerID)
	if err != nil {
		return fmt.Errorf("set player host: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	s.notify(store.TablePlayers, sessionID)
	return nil
}

func (s *Store) TouchPlayer(ctx context.Context, sessionID, playerID string, seen time.Time) error {
	query := `UPDATE players SET last_seen_at = ? WHERE session_id = ? AND id = ?`
	res, err := s.db.ExecContext(ctx, query, toMillis(seen), sessionID, playerID)
	if err != nil {
		return fmt.Errorf("touch player: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IncrementLosses(ctx context.Context, sessionID, playerID string) error {
	query := `UPDATE players SET losses = losses + 1 WHERE session_id = ? AND id = ?`
	if _, err := s.db.ExecContext(ctx, query, sessionID, playerID); err != nil {
		return fmt.Errorf("increment losses: %w", err)
	}
	s.notify(store.TablePlayers, sessionID)
	return nil
}

func (s *Store) ResetLosses(ctx context.Context, sessionID string) error {
	query := `UPDATE players SET losses = 0 WHERE session_id = ?`
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("reset losses: %w", err)
	}
	s.notify(store.TablePlayers, sessionID)
	return nil
}

// ==== SessionStore ====

func (s *Store) EnsureSession(ctx context.Context, sessionID string) (*store.Session, error) {
	query := `
		INSERT INTO game_state (session_id, version, round_number, updated_at)
		VALUES (?, 1, 0, ?)
		ON CONFLICT (session_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, sessionID, toMillis(time.Now())); err != nil {
		return nil, fmt.Errorf("ensure session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	query := `
		SELECT session_id, version, current_category, used_letters, is_active,
		       current_player_index, round_number, host_id, updated_at
		FROM game_state
		WHERE session_id = ?
	`
	var sess store.Session
	var updated int64
	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&sess.ID, &sess.Version, &sess.CurrentCategory, &sess.UsedLetters,
		&sess.IsActive, &sess.CurrentPlayerIndex, &sess.RoundNumber, &sess.HostID, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	sess.UpdatedAt = fromMillis(updated)
	return &sess, nil
}

func (s *Store) CompareAndSwapSession(ctx context.Context, sess *store.Session, fromVersion int64) error {
	query := `
		UPDATE game_state
		SET version = version + 1, current_category = ?, used_letters = ?, is_active = ?,
		    current_player_index = ?, round_number = ?, host_id = ?, updated_at = ?
		WHERE session_id = ? AND version = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		sess.CurrentCategory, sess.UsedLetters, sess.IsActive,
		sess.CurrentPlayerIndex, sess.RoundNumber, sess.HostID, toMillis(time.Now()),
		sess.ID, fromVersion,
	)
	if err != nil {
		return fmt.Errorf("cas session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return store.ErrVersionConflict
	}
	sess.Version = fromVersion + 1
	s.notify(store.TableGame, sess.ID)
	return nil
}

func (s *Store) ListActiveSessions(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT session_id FROM players WHERE online = 1`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ==== EventStore ====

func (s *Store) AppendEvent(ctx context.Context, ev *store.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	// The timestamp is resolved inside the transaction and clamped to the
	// session's newest event, so timestamps never decrease with seq even when
	// racing publishers commit out of capture order.
	ts := toMillis(time.Now())
	if !ev.Timestamp.IsZero() {
		ts = toMillis(ev.Timestamp)
	}
	var prev sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM game_events WHERE session_id = ?`, ev.SessionID,
	).Scan(&prev); err != nil {
		return fmt.Errorf("query newest event: %w", err)
	}
	if prev.Valid && prev.Int64 > ts {
		ts = prev.Int64
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO game_events (id, session_id, type, payload, origin_player_id, ts)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.SessionID, ev.Type, string(payload), ev.OriginPlayerID, ts)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("event seq: %w", err)
	}

	// Ring buffer: drop the oldest rows past the per-session cap.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM game_events
		WHERE session_id = ?
		  AND seq NOT IN (
			SELECT seq FROM game_events WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		  )
	`, ev.SessionID, ev.SessionID, s.eventCap); err != nil {
		return fmt.Errorf("prune events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	ev.Seq = seq
	ev.Timestamp = fromMillis(ts)
	s.notify(store.TableEvents, ev.SessionID)
	return nil
}

// ListEventsSince is inclusive of since: timestamps have millisecond
// resolution, so a strictly-greater comparison would lose events sharing the
// cursor's millisecond. Consumers dedup the redelivered boundary event by id.
func (s *Store) ListEventsSince(ctx context.Context, sessionID string, since time.Time) ([]*store.Event, error) {
	return s.queryEvents(ctx, `WHERE session_id = ? AND ts >= ? ORDER BY seq`, sessionID, toMillis(since))
}

func (s *Store) ListEventsAfterSeq(ctx context.Context, sessionID string, seq int64) ([]*store.Event, error) {
	return s.queryEvents(ctx, `WHERE session_id = ? AND seq > ? ORDER BY seq`, sessionID, seq)
}

func (s *Store) queryEvents(ctx context.Context, where string, args ...any) ([]*store.Event, error) {
	query := `
		SELECT seq, id, session_id, type, payload, origin_player_id, ts
		FROM game_events ` + where
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*store.Event
	for rows.Next() {
		var ev store.Event
		var payload string
		var ts int64
		if err := rows.Scan(&ev.Seq, &ev.ID, &ev.SessionID, &ev.Type, &payload, &ev.OriginPlayerID, &ts); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Payload = []byte(payload)
		ev.Timestamp = fromMillis(ts)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (s *Store) EventRetention(ctx context.Context, sessionID string) (time.Time, bool, error) {
	query := `SELECT COUNT(*), COALESCE(MIN(ts), 0) FROM game_events WHERE session_id = ?`
	var count int
	var oldest int64
	if err := s.db.QueryRowContext(ctx, query, sessionID).Scan(&count, &oldest); err != nil {
		return time.Time{}, false, fmt.Errorf("event retention: %w", err)
	}
	return fromMillis(oldest), count >= s.eventCap, nil
}

// ==== Notifier ====

func (s *Store) SubscribeChanges(sessionID string) (<-chan store.Change, func()) {
	ch := make(chan store.Change, 16)

	s.mu.Lock()
	if s.subs[sessionID] == nil {
		s.subs[sessionID] = make(map[chan store.Change]struct{})
	}
	s.subs[sessionID][ch] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if set, ok := s.subs[sessionID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(s.subs, sessionID)
			}
		}
		s.mu.Unlock()
	}
	return ch, cancel
}

func (s *Store) notify(table store.Table, sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs[sessionID] {
		select {
		case ch <- store.Change{Table: table, SessionID: sessionID}:
		default:
			// Drop for slow subscribers; they reconcile by re-reading.
		}
	}
}
