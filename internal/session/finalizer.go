package session

import (
	"context"
	"errors"
	"time"

	"github.com/arlov/voxnote/internal/postprocess"
	"github.com/arlov/voxnote/internal/upstream"
	"github.com/arlov/voxnote/pkg/logger"
)

// Coordinator drives the close/confirm handshake with the provider and hands
// the final transcript to the post-processing pipeline. A stuck provider is a
// degraded-but-complete outcome: finalization never hangs past its timeout.
type Coordinator struct {
	orchestrator *postprocess.Orchestrator
	timeout      time.Duration
	logger       *logger.Logger
}

// NewCoordinator creates a finalization coordinator. timeout bounds the wait
// for the provider's close confirmation; zero selects the 30 second default.
func NewCoordinator(orchestrator *postprocess.Orchestrator, timeout time.Duration, log *logger.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Coordinator{
		orchestrator: orchestrator,
		timeout:      timeout,
		logger:       log.Named("finalizer"),
	}
}

// Finalize drives the session to a terminal state and returns its outcome.
// It is idempotent: the handshake and post-processing run once, and every
// caller - including callers arriving after completion - observes the same
// result or terminal error. ctx bounds only this caller's wait, never the
// handshake or the post-processing run.
func (c *Coordinator) Finalize(ctx context.Context, s *Session) (*postprocess.Result, error) {
	s.finalizeOnce.Do(func() {
		go c.run(s)
	})

	select {
	case <-s.Done():
		return s.Outcome()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// run executes the finalization protocol for one session
func (c *Coordinator) run(s *Session) {
	log := c.logger.With(logger.String("session_id", s.ID))

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateFinalizing)
	s.endedAt = time.Now().UTC()
	// Any partial chunk goes out before the end-of-stream signal
	s.flushTailLocked()
	link := s.link
	s.mu.Unlock()

	if link != nil {
		// The confirmation waiter (s.confirmed) has existed since session
		// construction, so interest is registered before the close request
		// goes out: a confirmation arriving faster than this goroutine can
		// reach the select below is not lost. This ordering is required, not
		// incidental.
		if err := link.RequestClose(); err != nil && !errors.Is(err, upstream.ErrLinkClosed) {
			log.Warn("Close request failed, proceeding to teardown", logger.Error(err))
		}

		select {
		case <-s.confirmed:
			log.Debug("Provider confirmed close")
		case <-time.After(c.timeout):
			log.Warn("Close confirmation timed out, proceeding with received events",
				logger.Duration("timeout", c.timeout),
				logger.Int("events", s.log.Len()))
		}

		link.ForceClose()
		// Drain the event loop so late-flushed recognition results are in
		// the log before the transcript is computed
		s.eventWG.Wait()
	}

	text := s.log.ComputeTranscript()
	if text == "" {
		log.Warn("Finalization produced no usable text",
			logger.Int("events", s.log.Len()),
			logger.Int("final_events", s.log.FinalCount()))
		s.Fail(ErrEmptyTranscript)
		return
	}

	s.mu.Lock()
	s.setStateLocked(StateProcessing)
	s.mu.Unlock()

	// Post-processing runs to completion once started; it is bounded by the
	// orchestrator's own timeout, not by any caller's context
	result, err := c.orchestrator.Process(context.Background(), text, s.durationSeconds())
	if err != nil {
		s.Fail(err)
		return
	}

	s.complete(result)
}
