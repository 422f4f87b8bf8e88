package sqlite

import (
	"errors"
	"testing"
	"time"

	"github.com/arlov/voxnote/internal/postprocess"
	"github.com/arlov/voxnote/pkg/logger"
)

func testStorage(t *testing.T) (*SessionStorage, *ResultStorage) {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewSessionStorage(db, log), NewResultStorage(db, log)
}

func TestSessionRoundTrip(t *testing.T) {
	sessions, _ := testStorage(t)

	started := time.Now().UTC().Truncate(time.Second)
	record := &SessionRecord{
		ID:         "sess-1",
		State:      "streaming",
		AudioBytes: 4096,
		StartedAt:  started,
		UpdatedAt:  started,
	}
	if err := sessions.SaveSession(record); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, err := sessions.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.State != "streaming" || got.AudioBytes != 4096 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Fatalf("started_at changed: %v vs %v", got.StartedAt, started)
	}
	if !got.EndedAt.IsZero() {
		t.Fatalf("expected zero ended_at, got %v", got.EndedAt)
	}

	// Write-through updates replace the row
	record.State = "completed"
	record.EndedAt = started.Add(30 * time.Second)
	record.UpdatedAt = record.EndedAt
	if err := sessions.SaveSession(record); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	got, err = sessions.GetSession("sess-1")
	if err != nil {
		t.Fatalf("get after update failed: %v", err)
	}
	if got.State != "completed" || got.EndedAt.IsZero() {
		t.Fatalf("update not applied: %+v", got)
	}
}

func TestSessionNotFound(t *testing.T) {
	sessions, _ := testStorage(t)
	if _, err := sessions.GetSession("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionDelete(t *testing.T) {
	sessions, _ := testStorage(t)
	now := time.Now().UTC()
	if err := sessions.SaveSession(&SessionRecord{ID: "sess-1", State: "failed", StartedAt: now, UpdatedAt: now, LastError: "empty transcript"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := sessions.DeleteSession("sess-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := sessions.GetSession("sess-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestResultRoundTripAndImmutability(t *testing.T) {
	_, results := testStorage(t)

	result := &postprocess.Result{
		Transcript:              "hello world",
		LightlyEditedTranscript: "hello world",
		DurationSeconds:         4.2,
		BulletSummary:           []string{"a", "b", "c"},
		Diagram: postprocess.Diagram{
			Title:       "Flow",
			Description: "desc",
			Content:     "graph TD; A-->B",
		},
		ThoughtProvokingQuestions: []string{},
	}
	if err := results.StoreResult("sess-1", result); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, err := results.GetResult("sess-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Transcript != result.Transcript || got.DurationSeconds != result.DurationSeconds {
		t.Fatalf("unexpected result: %+v", got)
	}
	if len(got.BulletSummary) != 3 || got.Diagram.Content != result.Diagram.Content {
		t.Fatalf("unexpected result payload: %+v", got)
	}

	// Results are immutable once written
	if err := results.StoreResult("sess-1", result); err == nil {
		t.Fatalf("expected second write for the same session to fail")
	}

	if _, err := results.GetResult("other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown session, got %v", err)
	}
}
