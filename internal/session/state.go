package session

// State is the lifecycle state of a recording session. State is monotonic:
// a session never transitions backward, except that StateFailed is reachable
// from any non-terminal state.
type State int

const (
	// StateCreated is the initial state before any client message arrived
	StateCreated State = iota
	// StateConfiguring means configuration was received and the provider
	// link is being established
	StateConfiguring
	// StateStreaming means audio is flowing to the provider
	StateStreaming
	// StateFinalizing means the close/confirm handshake is in progress
	StateFinalizing
	// StateProcessing means the post-processing pipeline is running
	StateProcessing
	// StateCompleted is terminal: the processed result is available
	StateCompleted
	// StateFailed is terminal: the session ended with an error
	StateFailed
)

// String returns the lowercase name of the state
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state accepts no further input
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
