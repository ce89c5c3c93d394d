// Package store persists user config and last-known session snapshots in
// sqlite so they survive daemon restarts.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/nblistener/backend/internal/logging"
	"github.com/nblistener/backend/internal/session"
	"github.com/rs/zerolog"
)

// Config keys.
const (
	KeyActiveNotebook = "active_notebook"
)

// Record is a persisted snapshot.
type Record struct {
	Notebook   session.NotebookID   `json:"notebook"`
	Path       string               `json:"path"`
	SessionID  string               `json:"sessionId,omitempty"`
	Status     session.KernelStatus `json:"status"`
	CapturedAt time.Time            `json:"capturedAt"`
	Expiry     time.Time            `json:"expiry"`
}

type Store struct {
	db  *sql.DB
	log *zerolog.Logger
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies
// migrations.
func Open(path string) (*Store, error) {
	log := logging.Component("store")
	if err := ensureDatabaseDirectory(path); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// sqlite allows one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", path, err)
	}
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &Store{db: db, log: log, now: time.Now}, nil
}

func ensureDatabaseDirectory(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PutConfig stores value under key, replacing any previous value.
func (s *Store) PutConfig(key, value string) error {
	_, err := s.db.Exec(`INSERT INTO user_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("put config %s: %w", key, err)
	}
	return nil
}

// GetConfig returns the value for key and whether it was set.
func (s *Store) GetConfig(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM user_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get config %s: %w", key, err)
	}
	return value, true, nil
}

// SetActiveNotebook records the last active notebook. An empty id clears it.
func (s *Store) SetActiveNotebook(id session.NotebookID) error {
	if id == "" {
		_, err := s.db.Exec(`DELETE FROM user_config WHERE key = ?`, KeyActiveNotebook)
		if err != nil {
			return fmt.Errorf("clear active notebook: %w", err)
		}
		return nil
	}
	return s.PutConfig(KeyActiveNotebook, string(id))
}

func (s *Store) ActiveNotebook() (session.NotebookID, error) {
	v, _, err := s.GetConfig(KeyActiveNotebook)
	return session.NotebookID(v), err
}

// SaveChange upserts the snapshot carried by c, expiring after ttl.
func (s *Store) SaveChange(c session.Change, ttl time.Duration) error {
	captured := c.Snapshot.CapturedAt
	if captured.IsZero() {
		captured = s.now()
	}
	expiry := s.now().Add(ttl)
	_, err := s.db.Exec(`INSERT INTO snapshots (notebook_id, path, session_id, status, captured_at, expiry)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(notebook_id) DO UPDATE SET
			path = excluded.path,
			session_id = excluded.session_id,
			status = excluded.status,
			captured_at = excluded.captured_at,
			expiry = excluded.expiry`,
		string(c.Notebook), c.Path, c.Snapshot.SessionID, c.Snapshot.Status.String(),
		captured.UnixMilli(), expiry.UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", c.Notebook, err)
	}
	return nil
}

// LastKnown returns unexpired snapshots ordered by notebook id.
func (s *Store) LastKnown() ([]Record, error) {
	rows, err := s.db.Query(`SELECT notebook_id, path, session_id, status, captured_at, expiry
		FROM snapshots WHERE expiry > ? ORDER BY notebook_id`, s.now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r                 Record
			id, status        string
			captured, expires int64
		)
		if err := rows.Scan(&id, &r.Path, &r.SessionID, &status, &captured, &expires); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		r.Notebook = session.NotebookID(id)
		r.Status = session.ParseKernelStatus(status)
		r.CapturedAt = time.UnixMilli(captured)
		r.Expiry = time.UnixMilli(expires)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Prune deletes expired snapshots and returns how many were removed.
func (s *Store) Prune() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM snapshots WHERE expiry <= ?`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug().Int64("removed", n).Msg("pruned expired snapshots")
	}
	return n, nil
}
