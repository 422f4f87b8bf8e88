package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arlov/voxnote/internal/postprocess"
	"github.com/arlov/voxnote/pkg/logger"
)

// ResultStorage handles persistence of processed results, keyed by session id
type ResultStorage struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewResultStorage creates a new SQLite result storage
func NewResultStorage(db *sql.DB, log *logger.Logger) *ResultStorage {
	storage := &ResultStorage{
		db:     db,
		logger: log.Named("sqlite-results"),
	}

	if err := storage.initDB(); err != nil {
		storage.logger.Error("Failed to initialize result storage", logger.Error(err))
	}

	return storage
}

// initDB initializes the database tables
func (s *ResultStorage) initDB() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS results (
			session_id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create results table: %w", err)
	}
	return nil
}

// StoreResult persists the processed result for a session. Results are
// immutable: a second write for the same session id is rejected.
func (s *ResultStorage) StoreResult(sessionID string, result *postprocess.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO results (session_id, payload, created_at) VALUES (?, ?, ?)`,
		sessionID,
		string(payload),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}

	s.logger.Debug("Stored processed result", logger.String("session_id", sessionID))
	return nil
}

// GetResult returns the processed result for a session id
func (s *ResultStorage) GetResult(sessionID string) (*postprocess.Result, error) {
	row := s.db.QueryRow(`SELECT payload FROM results WHERE session_id = ?`, sessionID)

	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan result: %w", err)
	}

	var result postprocess.Result
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}

	return &result, nil
}
