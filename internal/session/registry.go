package session

import (
	"context"
	"sync"
	"time"

	"github.com/arlov/voxnote/pkg/logger"
)

// RegistryConfig represents session registry lifecycle configuration
type RegistryConfig struct {
	// IdleTimeout fails sessions with no audio and no finalize request
	IdleTimeout time.Duration
	// GracePeriod keeps terminal sessions resolvable before eviction
	GracePeriod time.Duration
	// SweepInterval is how often the janitor scans for evictable sessions
	SweepInterval time.Duration
}

// Registry is the process-wide map from session id to live session. It is
// the only cross-session shared mutable structure; sessions themselves are
// independent. Constructed at process start and torn down at shutdown.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	config RegistryConfig
	logger *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a new session registry
func NewRegistry(ctx context.Context, config RegistryConfig, log *logger.Logger) *Registry {
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = 2 * time.Minute
	}
	if config.GracePeriod <= 0 {
		config.GracePeriod = 5 * time.Minute
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 30 * time.Second
	}

	regCtx, regCancel := context.WithCancel(ctx)
	return &Registry{
		sessions: make(map[string]*Session),
		config:   config,
		logger:   log.Named("registry"),
		ctx:      regCtx,
		cancel:   regCancel,
	}
}

// Add registers a session. Fails if the id is already registered.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[s.ID]; exists {
		return ErrDuplicateID
	}
	r.sessions[s.ID] = s

	r.logger.Debug("Session registered",
		logger.String("session_id", s.ID),
		logger.Int("active_sessions", len(r.sessions)))
	return nil
}

// Get returns the session for an id
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove evicts a session from the registry
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[id]; exists {
		delete(r.sessions, id)
		r.logger.Debug("Session evicted", logger.String("session_id", id))
	}
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Start starts the janitor loop that evicts idle and expired sessions
func (r *Registry) Start() error {
	r.logger.Info("Starting session janitor",
		logger.Duration("idle_timeout", r.config.IdleTimeout),
		logger.Duration("grace_period", r.config.GracePeriod),
		logger.Duration("sweep_interval", r.config.SweepInterval))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.ctx.Done():
				r.logger.Info("Session janitor stopped")
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
	return nil
}

// Stop stops the janitor loop
func (r *Registry) Stop() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

// sweep evicts terminal sessions past the grace period and fails sessions
// that went idle without finalizing
func (r *Registry) sweep() {
	now := time.Now().UTC()

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		state := s.State()
		switch {
		case state.Terminal():
			if now.Sub(s.TerminalSince()) > r.config.GracePeriod {
				r.logger.Info("Evicting expired session",
					logger.String("session_id", s.ID),
					logger.String("state", state.String()))
				r.Remove(s.ID)
			}
		case state == StateFinalizing || state == StateProcessing:
			// Finalization runs to completion on its own timeouts; it must
			// not lose the race against the idle sweep
		case now.Sub(s.LastActivity()) > r.config.IdleTimeout:
			r.logger.Warn("Failing idle session",
				logger.String("session_id", s.ID),
				logger.String("state", state.String()),
				logger.Time("last_activity", s.LastActivity()))
			s.Fail(errIdleTimeout)
			r.Remove(s.ID)
		}
	}
}
