package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func testRegistry(t *testing.T, config RegistryConfig) *Registry {
	t.Helper()
	r := NewRegistry(context.Background(), config, testLogger(t))
	t.Cleanup(func() { r.Stop() })
	return r
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := testRegistry(t, RegistryConfig{})

	s := New("sess-1", &fakeOpener{link: newFakeLink(true)}, nil, nil, testConfig(), testLogger(t))
	if err := r.Add(s); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := r.Add(s); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	got, ok := r.Get("sess-1")
	if !ok || got != s {
		t.Fatalf("lookup failed")
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("expected miss for unknown id")
	}

	r.Remove("sess-1")
	if _, ok := r.Get("sess-1"); ok {
		t.Fatalf("expected session evicted")
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := testRegistry(t, RegistryConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("sess-%d", n)
			s := New(id, &fakeOpener{link: newFakeLink(true)}, nil, nil, testConfig(), testLogger(t))
			if err := r.Add(s); err != nil {
				t.Errorf("add %s failed: %v", id, err)
				return
			}
			if _, ok := r.Get(id); !ok {
				t.Errorf("get %s failed", id)
			}
			r.Remove(id)
		}(i)
	}
	wg.Wait()

	if r.Len() != 0 {
		t.Fatalf("expected empty registry after concurrent churn, got %d", r.Len())
	}
}

func TestRegistryEvictsTerminalSessionsAfterGrace(t *testing.T) {
	r := testRegistry(t, RegistryConfig{
		GracePeriod:   50 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
		IdleTimeout:   time.Hour,
	})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	s := New("sess-1", &fakeOpener{link: newFakeLink(true)}, nil, nil, testConfig(), testLogger(t))
	if err := r.Add(s); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	s.Fail(errors.New("test failure"))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("sess-1"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("terminal session never evicted")
}

func TestRegistryFailsIdleSessions(t *testing.T) {
	r := testRegistry(t, RegistryConfig{
		GracePeriod:   time.Hour,
		SweepInterval: 10 * time.Millisecond,
		IdleTimeout:   50 * time.Millisecond,
	})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	s := New("sess-1", &fakeOpener{link: newFakeLink(true)}, nil, nil, testConfig(), testLogger(t))
	if err := r.Add(s); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get("sess-1"); !ok {
			if s.State() != StateFailed {
				t.Fatalf("idle session evicted without failing, state %s", s.State())
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("idle session never evicted")
}

// A stale session that is finalizing or processing is not idle: the sweep
// must leave it alone and let finalization run out its own timeouts.
func TestSweepSparesFinalizingSessions(t *testing.T) {
	r := testRegistry(t, RegistryConfig{
		GracePeriod:   time.Hour,
		SweepInterval: time.Hour,
		IdleTimeout:   50 * time.Millisecond,
	})

	for _, state := range []State{StateFinalizing, StateProcessing} {
		id := "sess-" + state.String()
		s := New(id, &fakeOpener{link: newFakeLink(true)}, nil, nil, testConfig(), testLogger(t))
		s.mu.Lock()
		s.state = state
		s.lastActivity = time.Now().UTC().Add(-time.Hour)
		s.mu.Unlock()
		if err := r.Add(s); err != nil {
			t.Fatalf("add failed: %v", err)
		}

		r.sweep()

		if _, ok := r.Get(id); !ok {
			t.Fatalf("%s session evicted by idle sweep", state)
		}
		if s.State() != state {
			t.Fatalf("%s session failed by idle sweep, now %s", state, s.State())
		}
	}
}

// A finalize in flight must win against the idle janitor: even when the
// provider never confirms and the handshake runs past the idle timeout, the
// caller gets the degraded result, not an idle-timeout failure.
func TestFinalizeCompletesUnderAggressiveJanitor(t *testing.T) {
	r := testRegistry(t, RegistryConfig{
		GracePeriod:   time.Hour,
		SweepInterval: 10 * time.Millisecond,
		IdleTimeout:   50 * time.Millisecond,
	})
	if err := r.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	link := newFakeLink(false) // never confirms: finalize waits out its timeout
	s := New("sess-1", &fakeOpener{link: link}, nil, nil, testConfig(), testLogger(t))
	if err := r.Add(s); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	if err := s.HandleAudio(context.Background(), make([]byte, 320)); err != nil {
		t.Fatalf("audio failed: %v", err)
	}
	link.pushTurn(0, 1, "hello", true)

	coord := newCoordinator(t, &countingAIClient{}, 300*time.Millisecond)
	result, err := coord.Finalize(context.Background(), s)
	if err != nil {
		t.Fatalf("finalize failed under janitor pressure: %v", err)
	}
	if result.Transcript != "hello" {
		t.Fatalf("unexpected transcript: %q", result.Transcript)
	}
	if s.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", s.State())
	}
}

// Events appended to one session must never leak into another's transcript.
func TestRegistrySessionsAreIsolated(t *testing.T) {
	r := testRegistry(t, RegistryConfig{})

	linkA := newFakeLink(true)
	linkB := newFakeLink(true)
	a := New("A", &fakeOpener{link: linkA}, nil, nil, testConfig(), testLogger(t))
	b := New("B", &fakeOpener{link: linkB}, nil, nil, testConfig(), testLogger(t))
	if err := r.Add(a); err != nil {
		t.Fatalf("add A failed: %v", err)
	}
	if err := r.Add(b); err != nil {
		t.Fatalf("add B failed: %v", err)
	}

	if err := a.HandleAudio(context.Background(), make([]byte, 320)); err != nil {
		t.Fatalf("audio A failed: %v", err)
	}
	if err := b.HandleAudio(context.Background(), make([]byte, 320)); err != nil {
		t.Fatalf("audio B failed: %v", err)
	}
	linkA.pushTurn(0, 1, "alpha", true)
	linkB.pushTurn(0, 1, "bravo", true)

	coord := newCoordinator(t, &countingAIClient{}, time.Second)

	resA, err := coord.Finalize(context.Background(), a)
	if err != nil {
		t.Fatalf("finalize A failed: %v", err)
	}
	resB, err := coord.Finalize(context.Background(), b)
	if err != nil {
		t.Fatalf("finalize B failed: %v", err)
	}

	if resA.Transcript != "alpha" {
		t.Fatalf("session A transcript polluted: %q", resA.Transcript)
	}
	if resB.Transcript != "bravo" {
		t.Fatalf("session B transcript polluted: %q", resB.Transcript)
	}
}
