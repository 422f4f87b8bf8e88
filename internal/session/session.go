package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arlov/voxnote/internal/audio"
	"github.com/arlov/voxnote/internal/postprocess"
	"github.com/arlov/voxnote/internal/storage/sqlite"
	"github.com/arlov/voxnote/internal/transcript"
	"github.com/arlov/voxnote/internal/upstream"
	"github.com/arlov/voxnote/pkg/logger"
)

// Link is the duplex connection to the streaming transcription provider, as
// seen by a session
type Link interface {
	SendAudio(p []byte) error
	Events() <-chan upstream.Event
	RequestClose() error
	ForceClose() error
}

// Opener establishes a provider link for a session
type Opener interface {
	Open(ctx context.Context, sessionID string, format upstream.AudioFormat) (Link, error)
}

// Store is the write-through persistence boundary for session status and
// processed results
type Store interface {
	SaveSession(record *sqlite.SessionRecord) error
	SaveResult(sessionID string, result *postprocess.Result) error
}

// Notifier delivers server-to-client notifications. Implementations must
// tolerate concurrent calls. A nil Notifier disables all notifications.
type Notifier interface {
	NotifyReady()
	NotifyCaption(ev transcript.Event, runningTranscript string)
	NotifyError(err error)
}

// Config represents per-session behavior configuration
type Config struct {
	DefaultFormat upstream.AudioFormat
	ChunkMs       int
	LiveCaptions  bool
}

// Session owns the lifecycle of one client's recording: it wires client audio
// to the provider link, appends recognition results to its event log, and
// carries the state machine from Created through Completed or Failed. All
// state transitions are serialized through the session's mutex; the session
// object is the lock domain, not the storage layer.
type Session struct {
	ID string

	opener   Opener
	store    Store
	notifier Notifier
	config   Config
	logger   *logger.Logger

	mu               sync.Mutex
	state            State
	link             Link
	chunker          *audio.Chunker
	audioBytes       int64
	startedAt        time.Time
	endedAt          time.Time
	lastActivity     time.Time
	terminalAt       time.Time
	lastErr          error
	providerDuration float64
	result           *postprocess.Result

	log *transcript.EventLog

	// confirmed is created at construction so the finalization waiter is
	// registered before any close request can go out
	confirmed   chan struct{}
	confirmOnce sync.Once

	done     chan struct{}
	doneOnce sync.Once

	finalizeOnce sync.Once

	eventWG sync.WaitGroup
}

// New creates a session in StateCreated
func New(id string, opener Opener, store Store, notifier Notifier, config Config, log *logger.Logger) *Session {
	if config.ChunkMs <= 0 {
		config.ChunkMs = 100
	}
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		opener:       opener,
		store:        store,
		notifier:     notifier,
		config:       config,
		logger:       log.Named("session").With(logger.String("session_id", id)),
		state:        StateCreated,
		startedAt:    now,
		lastActivity: now,
		log:          transcript.NewEventLog(),
		confirmed:    make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// HandleConfig applies a client configuration message and opens the provider
// link. Only valid as the first message of a session.
func (s *Session) HandleConfig(ctx context.Context, format upstream.AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.state.Terminal():
		return ErrSessionClosed
	case s.state != StateCreated:
		return fmt.Errorf("configuration rejected in state %s", s.state)
	}

	s.setStateLocked(StateConfiguring)

	if err := s.openLinkLocked(ctx, format); err != nil {
		return err
	}

	s.setStateLocked(StateStreaming)
	if s.notifier != nil {
		s.notifier.NotifyReady()
	}
	return nil
}

// HandleAudio forwards one client audio frame upstream. If it is the first
// message of the session, default configuration is applied and the session
// goes straight to streaming. Chunks are forwarded in arrival order.
func (s *Session) HandleAudio(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateCreated:
		// Audio-first: auto-select default configuration
		if err := s.openLinkLocked(ctx, s.config.DefaultFormat); err != nil {
			return err
		}
		s.setStateLocked(StateStreaming)
		if s.notifier != nil {
			s.notifier.NotifyReady()
		}
	case StateStreaming:
		// fall through to forwarding
	case StateFinalizing, StateProcessing:
		// Ordering error on the client's part: reject the frame, keep the
		// session alive
		return upstream.ErrLinkClosed
	case StateCompleted, StateFailed:
		return ErrSessionClosed
	default:
		return fmt.Errorf("audio rejected in state %s", s.state)
	}

	s.lastActivity = time.Now().UTC()
	s.audioBytes += int64(len(data))

	chunks, err := s.chunker.Push(data)
	if err != nil {
		return fmt.Errorf("failed to buffer audio: %w", err)
	}
	for _, chunk := range chunks {
		if err := s.link.SendAudio(chunk); err != nil {
			if errors.Is(err, upstream.ErrLinkClosed) {
				return err
			}
			// Transport failure mid-stream is unrecoverable
			s.failLocked(err)
			return err
		}
	}
	return nil
}

// openLinkLocked fills format defaults, dials the provider, and starts the
// upstream event loop. Caller holds s.mu.
func (s *Session) openLinkLocked(ctx context.Context, format upstream.AudioFormat) error {
	if format.Encoding == "" {
		format.Encoding = s.config.DefaultFormat.Encoding
	}
	if format.SampleRate <= 0 {
		format.SampleRate = s.config.DefaultFormat.SampleRate
	}
	if format.Channels <= 0 {
		format.Channels = s.config.DefaultFormat.Channels
	}

	link, err := s.opener.Open(ctx, s.ID, format)
	if err != nil {
		s.failLocked(err)
		return err
	}

	s.link = link
	s.chunker = audio.NewChunker(format.SampleRate, format.Channels, s.config.ChunkMs)

	s.eventWG.Add(1)
	go s.eventLoop(link.Events())

	s.logger.Info("Provider link established",
		logger.String("encoding", format.Encoding),
		logger.Int("sample_rate", format.SampleRate),
		logger.Int("channels", format.Channels))
	return nil
}

// flushTailLocked forwards any partial chunk still buffered to the provider,
// so the end of the recording is not lost at finalize. Caller holds s.mu.
func (s *Session) flushTailLocked() {
	if s.chunker == nil || s.link == nil {
		return
	}
	rest := s.chunker.Flush()
	if len(rest) == 0 {
		return
	}
	if err := s.link.SendAudio(rest); err != nil && !errors.Is(err, upstream.ErrLinkClosed) {
		s.logger.Warn("Failed to flush buffered tail audio",
			logger.Int("bytes", len(rest)),
			logger.Error(err))
	}
}

// eventLoop is the single consumer of provider-pushed events for this
// session, and the only writer to its event log
func (s *Session) eventLoop(events <-chan upstream.Event) {
	defer s.eventWG.Done()

	for ev := range events {
		switch ev.Type {
		case upstream.EventRecognition:
			tev := ev.RecognitionEvent(time.Now().UTC())
			s.log.Append(tev)

			s.mu.Lock()
			s.lastActivity = tev.ReceivedAt
			s.mu.Unlock()

			s.logger.Debug("Recognition event",
				logger.Float64("range_start", tev.RangeStart),
				logger.Float64("range_end", tev.RangeEnd),
				logger.Bool("is_final", tev.IsFinal),
				logger.Float64("confidence", tev.Confidence))

			if s.config.LiveCaptions && s.notifier != nil {
				s.notifier.NotifyCaption(tev, s.log.ComputeTranscript())
			}

		case upstream.EventClosed:
			s.mu.Lock()
			s.providerDuration = ev.AudioDurationSeconds
			s.mu.Unlock()
			s.confirmOnce.Do(func() { close(s.confirmed) })

		case upstream.EventError:
			s.mu.Lock()
			streaming := !s.state.Terminal() && s.state != StateFinalizing && s.state != StateProcessing
			s.mu.Unlock()

			if streaming {
				s.Fail(ev.Err)
			} else {
				// During finalization the provider going away is expected;
				// the handshake timeout covers a missing confirmation
				s.logger.Warn("Link error after streaming ended", logger.Error(ev.Err))
			}
		}
	}
}

// Fail transitions the session to StateFailed from any non-terminal state
func (s *Session) Fail(err error) {
	s.mu.Lock()
	s.failLocked(err)
	s.mu.Unlock()
}

// failLocked marks the session failed and persists the terminal status.
// Caller holds s.mu.
func (s *Session) failLocked(err error) {
	if s.state.Terminal() {
		return
	}

	now := time.Now().UTC()
	s.state = StateFailed
	s.lastErr = err
	s.endedAt = now
	s.terminalAt = now
	s.persistLocked()

	s.logger.Error("Session failed", logger.Error(err))

	if s.link != nil {
		s.link.ForceClose()
	}
	if s.notifier != nil {
		s.notifier.NotifyError(err)
	}
	s.doneOnce.Do(func() { close(s.done) })
}

// complete records the processed result and transitions to StateCompleted
func (s *Session) complete(result *postprocess.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return
	}

	now := time.Now().UTC()
	s.state = StateCompleted
	s.result = result
	s.terminalAt = now
	s.persistLocked()

	if s.store != nil {
		if err := s.store.SaveResult(s.ID, result); err != nil {
			s.logger.Error("Failed to persist processed result", logger.Error(err))
		}
	}

	s.logger.Info("Session completed",
		logger.Int64("audio_bytes", s.audioBytes),
		logger.Float64("duration_seconds", result.DurationSeconds))

	s.doneOnce.Do(func() { close(s.done) })
}

// setStateLocked applies a forward state transition and persists it.
// Caller holds s.mu.
func (s *Session) setStateLocked(next State) {
	s.logger.Debug("State transition",
		logger.String("from", s.state.String()),
		logger.String("to", next.String()))
	s.state = next
	s.persistLocked()
}

// persistLocked write-through persists the current session status.
// Persistence failures are logged, not propagated: the in-memory session is
// the source of truth. Caller holds s.mu.
func (s *Session) persistLocked() {
	if s.store == nil {
		return
	}

	record := &sqlite.SessionRecord{
		ID:         s.ID,
		State:      s.state.String(),
		AudioBytes: s.audioBytes,
		StartedAt:  s.startedAt,
		EndedAt:    s.endedAt,
		UpdatedAt:  time.Now().UTC(),
	}
	if s.lastErr != nil {
		record.LastError = s.lastErr.Error()
	}

	if err := s.store.SaveSession(record); err != nil {
		s.logger.Error("Failed to persist session status", logger.Error(err))
	}
}

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done returns a channel closed when the session reaches a terminal state
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Outcome returns the processed result, or the terminal error for failed
// sessions. Only meaningful once Done is closed.
func (s *Session) Outcome() (*postprocess.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.result != nil {
		return s.result, nil
	}
	if s.lastErr != nil {
		return nil, s.lastErr
	}
	return nil, ErrSessionClosed
}

// LastActivity returns the time of the last audio frame or recognition event
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// TerminalSince returns when the session reached a terminal state, or the
// zero time if it has not
func (s *Session) TerminalSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalAt
}

// Snapshot returns the current persisted-shape status of the session
func (s *Session) Snapshot() *sqlite.SessionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := &sqlite.SessionRecord{
		ID:         s.ID,
		State:      s.state.String(),
		AudioBytes: s.audioBytes,
		StartedAt:  s.startedAt,
		EndedAt:    s.endedAt,
		UpdatedAt:  time.Now().UTC(),
	}
	if s.lastErr != nil {
		record.LastError = s.lastErr.Error()
	}
	return record
}

// durationSeconds prefers provider-reported duration over wall clock
func (s *Session) durationSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.providerDuration > 0 {
		return s.providerDuration
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.startedAt).Seconds()
	}
	return 0
}
