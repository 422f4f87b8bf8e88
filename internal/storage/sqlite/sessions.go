package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/arlov/voxnote/pkg/logger"
)

// ErrNotFound indicates no record exists for the requested session id
var ErrNotFound = errors.New("record not found")

// SessionStorage handles persistence of recording session records
type SessionStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewSessionStorage creates a new SQLite session storage
func NewSessionStorage(db *sql.DB, log *logger.Logger) *SessionStorage {
	storage := &SessionStorage{
		db:     db,
		logger: log.Named("sqlite-sessions"),
	}

	if err := storage.initDB(); err != nil {
		storage.logger.Error("Failed to initialize session storage", logger.Error(err))
	}

	return storage
}

// initDB initializes the database tables
func (s *SessionStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			audio_bytes INTEGER NOT NULL DEFAULT 0,
			started_at TIMESTAMP NOT NULL,
			ended_at TIMESTAMP,
			last_error TEXT,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create sessions table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state)`)
	if err != nil {
		return fmt.Errorf("failed to create session index: %w", err)
	}

	return nil
}

// SaveSession writes the current state of a session record, inserting or
// replacing the row for its id
func (s *SessionStorage) SaveSession(record *SessionRecord) error {
	var endedAt interface{}
	if !record.EndedAt.IsZero() {
		endedAt = record.EndedAt.Format(time.RFC3339)
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (id, state, audio_bytes, started_at, ended_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			audio_bytes = excluded.audio_bytes,
			ended_at = excluded.ended_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		record.ID,
		record.State,
		record.AudioBytes,
		record.StartedAt.Format(time.RFC3339),
		endedAt,
		record.LastError,
		record.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	return nil
}

// GetSession returns the persisted record for a session id
func (s *SessionStorage) GetSession(id string) (*SessionRecord, error) {
	row := s.db.QueryRow(
		`SELECT id, state, audio_bytes, started_at, ended_at, last_error, updated_at
		FROM sessions
		WHERE id = ?`,
		id,
	)

	var record SessionRecord
	var startedAt, updatedAt string
	var endedAt, lastError sql.NullString

	if err := row.Scan(
		&record.ID,
		&record.State,
		&record.AudioBytes,
		&startedAt,
		&endedAt,
		&lastError,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	var err error
	record.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	record.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	if endedAt.Valid && endedAt.String != "" {
		record.EndedAt, err = time.Parse(time.RFC3339, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse ended_at: %w", err)
		}
	}
	if lastError.Valid {
		record.LastError = lastError.String
	}

	return &record, nil
}

// DeleteSession removes the persisted record for a session id
func (s *SessionStorage) DeleteSession(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
