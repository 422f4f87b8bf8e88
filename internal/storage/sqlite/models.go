package sqlite

import "time"

// SessionRecord is the persisted status of one recording session
type SessionRecord struct {
	ID         string    `json:"id"`
	State      string    `json:"state"`
	AudioBytes int64     `json:"audio_bytes"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}
