package session

import "errors"

var (
	// ErrSessionClosed indicates input arrived after the session reached a
	// terminal state
	ErrSessionClosed = errors.New("session closed")
	// ErrEmptyTranscript indicates finalization produced no usable text
	ErrEmptyTranscript = errors.New("transcript is empty")
	// ErrDuplicateID indicates a session with the same id is already registered
	ErrDuplicateID = errors.New("session id already registered")

	// errIdleTimeout fails sessions that went quiet without finalizing
	errIdleTimeout = errors.New("session idle timeout")
)
