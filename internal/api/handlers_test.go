package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arlov/voxnote/internal/config"
	"github.com/arlov/voxnote/internal/postprocess"
	"github.com/arlov/voxnote/internal/session"
	"github.com/arlov/voxnote/internal/storage/sqlite"
	"github.com/arlov/voxnote/internal/upstream"
	"github.com/arlov/voxnote/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type stubAIClient struct{}

func (stubAIClient) BulletSummary(ctx context.Context, transcript string) ([]string, error) {
	return []string{"point"}, nil
}

func (stubAIClient) Diagram(ctx context.Context, transcript string) (postprocess.Diagram, error) {
	return postprocess.Diagram{Title: "t", Description: "d", Content: "c"}, nil
}

func (stubAIClient) LightlyEditedTranscript(ctx context.Context, transcript string) (string, error) {
	return transcript, nil
}

func (stubAIClient) ThoughtProvokingQuestions(ctx context.Context, transcript string) ([]string, error) {
	return []string{"why?"}, nil
}

// newTestServer wires a router against in-memory storage and an unreachable
// provider. The websocket surface is not exercised here.
func newTestServer(t *testing.T) (*httptest.Server, *session.Registry, *sqlite.SessionStorage, *sqlite.ResultStorage) {
	t.Helper()
	log := testLogger(t)

	db, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessionStorage := sqlite.NewSessionStorage(db, log)
	resultStorage := sqlite.NewResultStorage(db, log)

	dialer := upstream.NewDialer(upstream.Config{URL: "ws://127.0.0.1:1/v1/listen"}, log)
	orch := postprocess.NewOrchestrator(stubAIClient{}, postprocess.Config{TimeoutSeconds: 5}, log)
	coordinator := session.NewCoordinator(orch, time.Second, log)
	registry := session.NewRegistry(context.Background(), session.RegistryConfig{}, log)

	cfg := config.DefaultConfig()
	router := NewRouter(registry, coordinator, dialer, sessionStorage, resultStorage, cfg, log)

	srv := httptest.NewServer(router.Routes())
	t.Cleanup(srv.Close)
	return srv, registry, sessionStorage, resultStorage
}

func getJSON(t *testing.T, url string, wantStatus int) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("expected status %d, got %d", wantStatus, resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func TestGetHealth(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	body := getJSON(t, srv.URL+"/api/v1/health", http.StatusOK)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	if _, ok := body["active_sessions"]; !ok {
		t.Error("expected active_sessions in health response")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	getJSON(t, srv.URL+"/api/v1/sessions/nope", http.StatusNotFound)
}

func TestGetSessionFromRegistry(t *testing.T) {
	srv, registry, _, _ := newTestServer(t)

	s := session.New("live-1", nil, nil, nil, session.Config{}, testLogger(t))
	if err := registry.Add(s); err != nil {
		t.Fatalf("failed to add session: %v", err)
	}

	body := getJSON(t, srv.URL+"/api/v1/sessions/live-1", http.StatusOK)
	if body["id"] != "live-1" {
		t.Errorf("expected id live-1, got %v", body["id"])
	}
	if body["state"] != "created" {
		t.Errorf("expected state created, got %v", body["state"])
	}
}

func TestGetSessionFromStorage(t *testing.T) {
	srv, _, sessionStorage, _ := newTestServer(t)

	record := &sqlite.SessionRecord{
		ID:        "old-1",
		State:     "completed",
		StartedAt: time.Now().UTC().Add(-time.Hour),
		UpdatedAt: time.Now().UTC(),
	}
	if err := sessionStorage.SaveSession(record); err != nil {
		t.Fatalf("failed to save session: %v", err)
	}

	body := getJSON(t, srv.URL+"/api/v1/sessions/old-1", http.StatusOK)
	if body["state"] != "completed" {
		t.Errorf("expected state completed, got %v", body["state"])
	}
}

func TestGetResultStates(t *testing.T) {
	srv, registry, _, resultStorage := newTestServer(t)

	// Unknown id
	getJSON(t, srv.URL+"/api/v1/sessions/nope/result", http.StatusNotFound)

	// In-flight session without a result
	s := session.New("live-2", nil, nil, nil, session.Config{}, testLogger(t))
	if err := registry.Add(s); err != nil {
		t.Fatalf("failed to add session: %v", err)
	}
	body := getJSON(t, srv.URL+"/api/v1/sessions/live-2/result", http.StatusConflict)
	if body["state"] != "created" {
		t.Errorf("expected state created in conflict response, got %v", body["state"])
	}

	// Persisted result
	result := &postprocess.Result{
		Transcript:      "hello world",
		BulletSummary:   []string{"greeting"},
		DurationSeconds: 3.5,
	}
	if err := resultStorage.StoreResult("done-1", result); err != nil {
		t.Fatalf("failed to store result: %v", err)
	}
	body = getJSON(t, srv.URL+"/api/v1/sessions/done-1/result", http.StatusOK)
	if body["transcript"] != "hello world" {
		t.Errorf("expected transcript in result, got %v", body["transcript"])
	}
}

func TestFinalizeEvictedSessionReturnsPersistedResult(t *testing.T) {
	srv, _, _, resultStorage := newTestServer(t)

	result := &postprocess.Result{Transcript: "done already", DurationSeconds: 1}
	if err := resultStorage.StoreResult("gone-1", result); err != nil {
		t.Fatalf("failed to store result: %v", err)
	}

	resp, err := http.Post(srv.URL+"/api/v1/sessions/gone-1/finalize", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["transcript"] != "done already" {
		t.Errorf("expected persisted transcript, got %v", body["transcript"])
	}
}

func TestFinalizeUnknownSession(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/v1/sessions/nope/finalize", "application/json", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", resp.StatusCode)
	}
}

// A config message the session cannot honor must produce exactly one error
// notification, whether the session failed itself or merely rejected it.
func TestConfigFailureSendsSingleErrorNotification(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/sessions/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]interface{}{"type": "config", "encoding": "pcm16"}); err != nil {
		t.Fatalf("failed to send config: %v", err)
	}

	// The provider is unreachable, so the session fails itself and the server
	// closes the connection. Count the error notifications until then.
	errorCount := 0
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg map[string]interface{}
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}
		switch msg["type"] {
		case "session":
		case "error":
			errorCount++
		default:
			t.Fatalf("unexpected message type %v", msg["type"])
		}
	}
	if errorCount != 1 {
		t.Fatalf("expected exactly one error notification, got %d", errorCount)
	}
}

func TestGetConfigOmitsSecrets(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	body := getJSON(t, srv.URL+"/api/v1/config", http.StatusOK)
	upstreamCfg, ok := body["upstream"].(map[string]interface{})
	if !ok {
		t.Fatal("expected upstream section in config response")
	}
	if _, leaked := upstreamCfg["api_key"]; leaked {
		t.Error("config response must not expose the upstream api key")
	}
	if upstreamCfg["encoding"] != "pcm16" {
		t.Errorf("expected default encoding pcm16, got %v", upstreamCfg["encoding"])
	}
}
