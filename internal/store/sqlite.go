package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourorg/vidlens/pkg/types"
)

// SQLiteStore keeps sessions in an embedded SQLite database in WAL mode.
// Timestamps are stored as unix nanoseconds so rehydrated sessions are
// identical to the saved ones.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Writes are serialized on one connection; sub-millisecond saves make
	// this cheaper than handling SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			description TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			last_active_at INTEGER NOT NULL,
			turn_count INTEGER NOT NULL DEFAULT 0,
			max_turns INTEGER NOT NULL,
			source_kind TEXT NOT NULL,
			source_ref TEXT NOT NULL,
			content_id TEXT NOT NULL,
			mime_type TEXT NOT NULL DEFAULT '',
			cache_status TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS session_turns (
			session_id TEXT NOT NULL,
			turn_index INTEGER NOT NULL,
			parts TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			PRIMARY KEY(session_id, turn_index)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession upserts the session row and replaces its stored history with
// sess.History in one transaction.
func (s *SQLiteStore) SaveSession(sess *types.Session) error {
	if sess == nil {
		return errors.New("session is nil")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO sessions(id,description,created_at,last_active_at,turn_count,max_turns,source_kind,source_ref,content_id,mime_type,cache_status)
	VALUES(?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(id) DO UPDATE SET description=excluded.description,last_active_at=excluded.last_active_at,turn_count=excluded.turn_count,max_turns=excluded.max_turns,cache_status=excluded.cache_status`,
		sess.ID, sess.Description, sess.CreatedAt.UnixNano(), sess.LastActiveAt.UnixNano(), sess.TurnCount, sess.MaxTurns,
		string(sess.Source.Kind), sess.Source.Ref, sess.Source.ContentID, sess.Source.MIMEType, string(sess.CacheStatus))
	if err != nil {
		return err
	}

	// Drop trimmed turns, then upsert what is still in history.
	minIndex := sess.TurnCount
	if len(sess.History) > 0 {
		minIndex = sess.History[0].Index
	}
	if _, err := tx.Exec(`DELETE FROM session_turns WHERE session_id=? AND turn_index<?`, sess.ID, minIndex); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO session_turns(session_id,turn_index,parts,timestamp) VALUES(?,?,?,?)
	ON CONFLICT(session_id,turn_index) DO UPDATE SET parts=excluded.parts,timestamp=excluded.timestamp`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, t := range sess.History {
		parts, err := json.Marshal(t.Parts)
		if err != nil {
			return fmt.Errorf("encode turn %d: %w", t.Index, err)
		}
		if _, err := stmt.Exec(sess.ID, t.Index, string(parts), t.Timestamp.UnixNano()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadSession(id string) (*types.Session, error) {
	row := s.db.QueryRow(`SELECT id,description,created_at,last_active_at,turn_count,max_turns,source_kind,source_ref,content_id,mime_type,cache_status FROM sessions WHERE id=?`, id)
	var (
		out                   types.Session
		createdAt, lastActive int64
		kind, cacheStatus     string
	)
	err := row.Scan(&out.ID, &out.Description, &createdAt, &lastActive, &out.TurnCount, &out.MaxTurns,
		&kind, &out.Source.Ref, &out.Source.ContentID, &out.Source.MIMEType, &cacheStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out.CreatedAt = fromNanos(createdAt)
	out.LastActiveAt = fromNanos(lastActive)
	out.Source.Kind = types.SourceKind(kind)
	out.CacheStatus = types.CacheStatus(cacheStatus)

	history, err := s.loadTurns(id)
	if err != nil {
		return nil, err
	}
	out.History = history
	return &out, nil
}

func (s *SQLiteStore) loadTurns(sessionID string) ([]types.Turn, error) {
	rows, err := s.db.Query(`SELECT turn_index,parts,timestamp FROM session_turns WHERE session_id=? ORDER BY turn_index ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.Turn, 0)
	for rows.Next() {
		var (
			t     types.Turn
			parts string
			ts    int64
		)
		if err := rows.Scan(&t.Index, &parts, &ts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(parts), &t.Parts); err != nil {
			return nil, fmt.Errorf("decode turn %d: %w", t.Index, err)
		}
		t.Timestamp = fromNanos(ts)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM session_turns WHERE session_id=?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListSessions() ([]Summary, error) {
	rows, err := s.db.Query(`SELECT id,description,source_kind,source_ref,turn_count,cache_status,created_at,last_active_at FROM sessions ORDER BY last_active_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Summary, 0)
	for rows.Next() {
		var (
			s1                    Summary
			kind, cacheStatus     string
			createdAt, lastActive int64
		)
		if err := rows.Scan(&s1.ID, &s1.Description, &kind, &s1.SourceRef, &s1.TurnCount, &cacheStatus, &createdAt, &lastActive); err != nil {
			return nil, err
		}
		s1.CreatedAt = fromNanos(createdAt)
		s1.LastActiveAt = fromNanos(lastActive)
		s1.SourceKind = types.SourceKind(kind)
		s1.CacheStatus = types.CacheStatus(cacheStatus)
		out = append(out, s1)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
