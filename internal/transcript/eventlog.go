package transcript

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Event represents one recognition result for a sub-range of the audio
// timeline. Events are immutable once appended.
type Event struct {
	RangeStart float64   `json:"range_start"` // seconds into the audio
	RangeEnd   float64   `json:"range_end"`   // seconds into the audio
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	IsFinal    bool      `json:"is_final"`
	ReceivedAt time.Time `json:"received_at"` // diagnostics only, never used for ordering
}

// EventLog is the append-only store of recognition results for one session.
// The canonical transcript is a pure function of the final events it holds:
// arrival order carries no meaning, only the (RangeStart, RangeEnd) sort does.
//
// Duplicate events are kept as-is. The log never dedupes, so inserting the
// same event twice contributes its text twice, every time.
type EventLog struct {
	mu     sync.RWMutex
	events []Event
}

// NewEventLog creates an empty event log
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Append stores an event. It never rejects and never rewrites prior events.
func (l *EventLog) Append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

// Len returns the number of stored events
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// FinalCount returns the number of stored final events
func (l *EventLog) FinalCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, ev := range l.events {
		if ev.IsFinal {
			n++
		}
	}
	return n
}

// Events returns a copy of all stored events in receipt order
func (l *EventLog) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// ComputeTranscript returns the canonical transcript: final events sorted by
// RangeStart, ties broken by RangeEnd, then by receipt order, with text fields
// joined by a single space. Interim events are never incorporated, even when
// no final event ever covers their range. Repeated calls with no new events
// return byte-identical output.
func (l *EventLog) ComputeTranscript() string {
	l.mu.RLock()
	finals := make([]Event, 0, len(l.events))
	for _, ev := range l.events {
		if ev.IsFinal {
			finals = append(finals, ev)
		}
	}
	l.mu.RUnlock()

	// Stable sort preserves receipt order as the last tie-breaker
	sort.SliceStable(finals, func(i, j int) bool {
		if finals[i].RangeStart != finals[j].RangeStart {
			return finals[i].RangeStart < finals[j].RangeStart
		}
		return finals[i].RangeEnd < finals[j].RangeEnd
	})

	parts := make([]string, 0, len(finals))
	for _, ev := range finals {
		if text := strings.TrimSpace(ev.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.TrimSpace(strings.Join(parts, " "))
}
