package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/arlov/voxnote/internal/config"
	"github.com/arlov/voxnote/internal/session"
	"github.com/arlov/voxnote/internal/storage/sqlite"
	"github.com/arlov/voxnote/internal/upstream"
	"github.com/arlov/voxnote/pkg/logger"
)

// Handler contains the API request handlers
type Handler struct {
	registry       *session.Registry
	coordinator    *session.Coordinator
	opener         session.Opener
	sessionStorage *sqlite.SessionStorage
	resultStorage  *sqlite.ResultStorage
	store          session.Store
	config         *config.Config
	logger         *logger.Logger
	upgrader       websocket.Upgrader
	startedAt      time.Time
}

// NewHandler creates a new API handler
func NewHandler(
	registry *session.Registry,
	coordinator *session.Coordinator,
	dialer *upstream.Dialer,
	sessionStorage *sqlite.SessionStorage,
	resultStorage *sqlite.ResultStorage,
	cfg *config.Config,
	log *logger.Logger,
) *Handler {
	return &Handler{
		registry:       registry,
		coordinator:    coordinator,
		opener:         linkOpener{dialer: dialer},
		sessionStorage: sessionStorage,
		resultStorage:  resultStorage,
		store:          &sessionStore{sessions: sessionStorage, results: resultStorage},
		config:         cfg,
		logger:         log.Named("api-handler"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 8 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		startedAt: time.Now().UTC(),
	}
}

// GetSession returns the current status of a session
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s, ok := h.registry.Get(id); ok {
		h.respondJSON(w, http.StatusOK, s.Snapshot())
		return
	}

	// Evicted sessions remain resolvable through the persisted record
	record, err := h.sessionStorage.GetSession(id)
	if err != nil {
		if errors.Is(err, sqlite.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error("Failed to load session record", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	h.respondJSON(w, http.StatusOK, record)
}

// FinalizeSession drives a session to its terminal state and returns the
// processed result. Idempotent: repeated calls return the same outcome
// without re-running the handshake.
func (h *Handler) FinalizeSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s, ok := h.registry.Get(id)
	if !ok {
		// Already evicted: a persisted result still satisfies the caller
		if result, err := h.resultStorage.GetResult(id); err == nil {
			h.respondJSON(w, http.StatusOK, result)
			return
		}
		h.respondError(w, http.StatusNotFound, "session not found")
		return
	}

	result, err := h.coordinator.Finalize(r.Context(), s)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrEmptyTranscript):
			h.respondError(w, http.StatusUnprocessableEntity, "transcript is empty")
		case errors.Is(err, r.Context().Err()):
			h.respondError(w, http.StatusGatewayTimeout, "finalization still in progress")
		default:
			h.logger.Error("Finalization failed",
				logger.String("session_id", id),
				logger.Error(err))
			h.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	h.respondJSON(w, http.StatusOK, result)
}

// GetResult returns the processed result for a completed session
func (h *Handler) GetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.resultStorage.GetResult(id)
	if err == nil {
		h.respondJSON(w, http.StatusOK, result)
		return
	}
	if !errors.Is(err, sqlite.ErrNotFound) {
		h.logger.Error("Failed to load result", logger.Error(err))
		h.respondError(w, http.StatusInternalServerError, "failed to load result")
		return
	}

	// No result yet: distinguish an in-flight session from an unknown id
	if s, ok := h.registry.Get(id); ok {
		h.respondJSON(w, http.StatusConflict, map[string]string{
			"error": "session not completed",
			"state": s.State().String(),
		})
		return
	}
	h.respondError(w, http.StatusNotFound, "result not found")
}

// GetHealth returns the server health status
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(h.startedAt).Seconds()),
		"active_sessions": h.registry.Len(),
	})
}

// GetConfig returns the sanitized runtime configuration
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"upstream": map[string]interface{}{
			"encoding":    h.config.Upstream.Encoding,
			"sample_rate": h.config.Upstream.SampleRate,
			"channels":    h.config.Upstream.Channels,
			"chunk_ms":    h.config.Upstream.ChunkMs,
		},
		"sessions": map[string]interface{}{
			"idle_timeout_seconds": h.config.Sessions.IdleTimeoutSeconds,
			"grace_period_seconds": h.config.Sessions.GracePeriodSeconds,
			"live_captions":        h.config.Sessions.LiveCaptions,
		},
	})
}

// respondJSON writes a JSON response
func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

// respondError writes a JSON error response
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
