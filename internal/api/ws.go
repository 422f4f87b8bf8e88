package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arlov/voxnote/internal/session"
	"github.com/arlov/voxnote/internal/transcript"
	"github.com/arlov/voxnote/internal/upstream"
	"github.com/arlov/voxnote/pkg/logger"
)

// clientMessage is a JSON control message from the client. Binary websocket
// messages carry raw audio and bypass this envelope entirely.
type clientMessage struct {
	Type       string `json:"type"` // "config" or "finalize"
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// HandleSessionWebSocket owns one client connection: it creates the
// recording session, pumps inbound messages into it, and finalizes on an
// explicit request or on disconnect
func (h *Handler) HandleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", logger.Error(err))
		return
	}
	defer conn.Close()

	id := r.URL.Query().Get("id")
	if id == "" {
		id = uuid.NewString()
	}

	notifier := newWSNotifier(conn, time.Duration(h.config.Sessions.ClientWriteTimeoutMs)*time.Millisecond, h.logger)

	sess := session.New(id, h.opener, h.store, notifier, session.Config{
		DefaultFormat: upstream.AudioFormat{
			Encoding:   h.config.Upstream.Encoding,
			SampleRate: h.config.Upstream.SampleRate,
			Channels:   h.config.Upstream.Channels,
		},
		ChunkMs:      h.config.Upstream.ChunkMs,
		LiveCaptions: h.config.Sessions.LiveCaptions,
	}, h.logger)

	if err := h.registry.Add(sess); err != nil {
		h.logger.Warn("Rejecting connection", logger.String("session_id", id), logger.Error(err))
		notifier.NotifyError(err)
		return
	}

	log := h.logger.With(logger.String("session_id", id))
	log.Info("Client connected", logger.String("remote_addr", r.RemoteAddr))

	// Session id goes out first so the client can finalize or poll over HTTP
	notifier.send(map[string]string{"type": "session", "id": id})

	if interval := time.Duration(h.config.Sessions.ClientPingIntervalSec) * time.Second; interval > 0 {
		stopPings := notifier.startPings(interval)
		defer stopPings()
	}

	readTimeout := time.Duration(h.config.Sessions.ClientReadTimeoutSec) * time.Second
	finalized := h.readLoop(r.Context(), conn, sess, notifier, readTimeout, log)

	// A disconnect without an explicit finalize drives the same transition,
	// unless the session already ended
	if !finalized && h.config.Sessions.FinalizeOnDisconnect && !sess.State().Terminal() {
		log.Info("Client disconnected, finalizing session")
		if _, err := h.coordinator.Finalize(context.Background(), sess); err != nil {
			log.Warn("Finalization after disconnect failed", logger.Error(err))
		}
	}

	log.Info("Client connection closed", logger.String("state", sess.State().String()))
}

// readLoop pumps client messages into the session until the connection drops
// or the client finalizes. Returns whether an explicit finalize was handled.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Session, notifier *wsNotifier, readTimeout time.Duration, log *logger.Logger) bool {
	maxFrame := int64(h.config.Sessions.MaxAudioFrameBytes)
	if maxFrame > 0 {
		conn.SetReadLimit(maxFrame)
	}
	conn.SetPongHandler(func(string) error {
		if readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
		return nil
	})

	for {
		if readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Client read ended", logger.Error(err))
			}
			return false
		}

		switch msgType {
		case websocket.BinaryMessage:
			if err := sess.HandleAudio(ctx, data); err != nil {
				switch {
				case errors.Is(err, upstream.ErrLinkClosed):
					// Ordering error: drop the frame, keep the connection
					log.Warn("Dropping audio frame received after finalize started")
				case errors.Is(err, session.ErrSessionClosed):
					notifier.NotifyError(err)
					return false
				default:
					// Session already failed itself and notified the client
					return false
				}
			}

		case websocket.TextMessage:
			var msg clientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				log.Warn("Discarding unparseable client message", logger.Error(err))
				continue
			}

			switch msg.Type {
			case "config":
				format := upstream.AudioFormat{
					Encoding:   msg.Encoding,
					SampleRate: msg.SampleRate,
					Channels:   msg.Channels,
				}
				if err := sess.HandleConfig(ctx, format); err != nil {
					if sess.State().Terminal() {
						// The session already delivered its terminal error
						return false
					}
					notifier.NotifyError(err)
				}
			case "finalize":
				result, err := h.coordinator.Finalize(context.Background(), sess)
				if err != nil {
					notifier.NotifyError(err)
					return true
				}
				notifier.send(map[string]interface{}{"type": "result", "result": result})
				return true
			default:
				log.Warn("Ignoring unknown client message", logger.String("type", msg.Type))
			}
		}
	}
}

// wsNotifier delivers server-to-client notifications over the websocket.
// Writes are serialized: the session's event loop and the read loop may both
// notify concurrently.
type wsNotifier struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *logger.Logger
	mu           sync.Mutex
}

func newWSNotifier(conn *websocket.Conn, writeTimeout time.Duration, log *logger.Logger) *wsNotifier {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &wsNotifier{
		conn:         conn,
		writeTimeout: writeTimeout,
		logger:       log.Named("ws-notifier"),
	}
}

// NotifyReady tells the client streaming may begin
func (n *wsNotifier) NotifyReady() {
	n.send(map[string]string{"type": "ready"})
}

// NotifyCaption delivers one live interim/final caption along with the
// running canonical transcript
func (n *wsNotifier) NotifyCaption(ev transcript.Event, runningTranscript string) {
	n.send(map[string]interface{}{
		"type":        "caption",
		"text":        ev.Text,
		"range_start": ev.RangeStart,
		"range_end":   ev.RangeEnd,
		"confidence":  ev.Confidence,
		"is_final":    ev.IsFinal,
		"transcript":  runningTranscript,
	})
}

// startPings keeps idle connections alive past the read deadline; the
// client's pongs reset it. The returned func stops the ping loop.
func (n *wsNotifier) startPings(interval time.Duration) func() {
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				n.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(n.writeTimeout))
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

// NotifyError delivers a terminal error notification
func (n *wsNotifier) NotifyError(err error) {
	n.send(map[string]string{"type": "error", "error": err.Error()})
}

func (n *wsNotifier) send(v interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.conn.SetWriteDeadline(time.Now().Add(n.writeTimeout))
	if err := n.conn.WriteJSON(v); err != nil {
		n.logger.Debug("Client notification failed", logger.Error(err))
	}
}
