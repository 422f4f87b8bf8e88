package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arlov/voxnote/internal/transcript"
	"github.com/arlov/voxnote/pkg/logger"
)

var (
	// ErrUpstreamUnavailable indicates the provider could not be reached or
	// did not report ready at open time
	ErrUpstreamUnavailable = errors.New("upstream transcription provider unavailable")
	// ErrLinkClosed indicates audio was sent after the link was closed or a
	// close was already requested
	ErrLinkClosed = errors.New("transcription link closed")
)

// Config represents the provider connection configuration
type Config struct {
	URL          string
	APIKey       string
	ReadyTimeout time.Duration
}

// Dialer establishes duplex connections to the streaming transcription
// provider, one per recording session
type Dialer struct {
	config Config
	logger *logger.Logger
}

// NewDialer creates a new provider dialer
func NewDialer(config Config, logger *logger.Logger) *Dialer {
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 10 * time.Second
	}
	return &Dialer{
		config: config,
		logger: logger.Named("upstream-dialer"),
	}
}

// Dial opens a duplex connection for the given session and blocks until the
// provider reports ready. Any failure before ready is ErrUpstreamUnavailable.
func (d *Dialer) Dial(ctx context.Context, sessionID string, format AudioFormat) (*Link, error) {
	header := http.Header{}
	if d.config.APIKey != "" {
		header.Set("Authorization", "Bearer "+d.config.APIKey)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: d.config.ReadyTimeout,
	}

	d.logger.Debug("Dialing transcription provider",
		logger.String("session_id", sessionID),
		logger.String("url", d.config.URL))

	conn, resp, err := dialer.DialContext(ctx, d.config.URL, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		d.logger.Error("Failed to dial transcription provider",
			logger.String("session_id", sessionID),
			logger.Int("status_code", status),
			logger.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}

	link := &Link{
		conn:      conn,
		sessionID: sessionID,
		events:    make(chan Event, 64),
		logger:    d.logger.Named("upstream-link").With(logger.String("session_id", sessionID)),
	}

	// Announce the session before the provider will accept audio
	start := startMessage{
		Type:       msgTypeStart,
		SessionID:  sessionID,
		Encoding:   format.Encoding,
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
	}
	if err := link.writeJSON(start); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: failed to send start message: %v", ErrUpstreamUnavailable, err)
	}

	if err := link.awaitReady(d.config.ReadyTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	go link.readLoop()

	link.logger.Info("Transcription link ready")
	return link, nil
}

// Link is one duplex connection to the streaming transcription provider.
// Audio flows in via SendAudio; recognition results, the single
// close-confirmation event, and transport errors flow out on Events, each on
// the provider's own schedule.
type Link struct {
	conn      *websocket.Conn
	sessionID string
	events    chan Event
	logger    *logger.Logger

	writeMu        sync.Mutex
	closeRequested bool
	closed         bool
}

// awaitReady reads until the provider's begin message or the ready timeout
func (l *Link) awaitReady(timeout time.Duration) error {
	l.conn.SetReadDeadline(time.Now().Add(timeout))
	defer l.conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: no ready signal: %v", ErrUpstreamUnavailable, err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("Discarding unparseable provider message before ready", logger.Error(err))
			continue
		}

		switch msg.Type {
		case msgTypeBegin:
			return nil
		case msgTypeError:
			return fmt.Errorf("%w: provider error: %s", ErrUpstreamUnavailable, msg.Message)
		default:
			// Anything else before ready is unexpected but harmless
			l.logger.Debug("Ignoring provider message before ready", logger.String("type", msg.Type))
		}
	}
}

// Events returns the channel on which provider-pushed events are delivered.
// The channel is closed when the connection is torn down.
func (l *Link) Events() <-chan Event {
	return l.events
}

// SendAudio forwards one audio chunk to the provider. It fails with
// ErrLinkClosed once a close was requested or the link was torn down.
func (l *Link) SendAudio(p []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed || l.closeRequested {
		return ErrLinkClosed
	}

	if err := l.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return fmt.Errorf("failed to send audio chunk: %w", err)
	}
	return nil
}

// RequestClose sends the end-of-stream signal without tearing down the
// socket. The provider is expected to flush remaining recognition results and
// then emit exactly one close-confirmation event on Events.
func (l *Link) RequestClose() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed {
		return ErrLinkClosed
	}
	if l.closeRequested {
		return nil
	}
	l.closeRequested = true

	l.logger.Debug("Requesting provider close")
	if err := l.conn.WriteJSON(terminateMessage{Type: msgTypeTerminate}); err != nil {
		return fmt.Errorf("failed to send close request: %w", err)
	}
	return nil
}

// ForceClose tears down the connection unconditionally
func (l *Link) ForceClose() error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.closeRequested = true

	l.logger.Debug("Force-closing transcription link")
	return l.conn.Close()
}

// writeJSON sends a JSON control message under the write lock
func (l *Link) writeJSON(v interface{}) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.conn.WriteJSON(v)
}

// readLoop pumps provider messages into the event channel until the
// connection drops. Runs as the single producer for the channel.
func (l *Link) readLoop() {
	defer close(l.events)

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.writeMu.Lock()
			wasClosed := l.closed
			l.closed = true
			l.writeMu.Unlock()

			// A read error after ForceClose is just the local teardown
			if !wasClosed {
				l.logger.Warn("Transcription link read failed", logger.Error(err))
				l.events <- Event{Type: EventError, Err: fmt.Errorf("link read failed: %w", err)}
			}
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("Discarding unparseable provider message", logger.Error(err))
			continue
		}

		switch msg.Type {
		case msgTypeTurn:
			l.events <- Event{
				Type:       EventRecognition,
				Text:       msg.Text,
				RangeStart: msg.Start,
				RangeEnd:   msg.End,
				Confidence: msg.Confidence,
				IsFinal:    msg.IsFinal,
			}
		case msgTypeTermination:
			l.logger.Debug("Provider confirmed close",
				logger.Float64("audio_duration_seconds", msg.AudioDurationSeconds))
			l.events <- Event{
				Type:                 EventClosed,
				AudioDurationSeconds: msg.AudioDurationSeconds,
			}
		case msgTypeError:
			l.events <- Event{Type: EventError, Err: fmt.Errorf("provider error: %s", msg.Message)}
		default:
			l.logger.Debug("Ignoring unknown provider message", logger.String("type", msg.Type))
		}
	}
}

// RecognitionEvent converts a recognition event into a transcript event
// stamped with the given receipt time
func (e Event) RecognitionEvent(receivedAt time.Time) transcript.Event {
	return transcript.Event{
		RangeStart: e.RangeStart,
		RangeEnd:   e.RangeEnd,
		Text:       e.Text,
		Confidence: e.Confidence,
		IsFinal:    e.IsFinal,
		ReceivedAt: receivedAt,
	}
}
