package upstream

// AudioFormat describes the audio the client will stream. Zero-value fields
// are filled with server defaults before the link opens.
type AudioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// EventType identifies the kind of event delivered by the link
type EventType int

const (
	// EventRecognition is a recognition result (interim or final)
	EventRecognition EventType = iota
	// EventClosed is the single close-confirmation the provider emits after a
	// close request has been honored
	EventClosed
	// EventError is a provider or transport error
	EventError
)

// Event is one provider-pushed event delivered on the link's event channel
type Event struct {
	Type EventType

	// Recognition fields (EventRecognition)
	Text       string
	RangeStart float64
	RangeEnd   float64
	Confidence float64
	IsFinal    bool

	// Close-confirmation metadata (EventClosed)
	AudioDurationSeconds float64

	// Error detail (EventError)
	Err error
}

// startMessage opens a streaming recognition session on the provider
type startMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// terminateMessage asks the provider to flush remaining results and confirm
type terminateMessage struct {
	Type string `json:"type"`
}

// serverMessage is the union of everything the provider sends back
type serverMessage struct {
	Type string `json:"type"`

	// "begin"
	ID string `json:"id,omitempty"`

	// "turn" recognition results
	Text       string  `json:"text,omitempty"`
	Start      float64 `json:"start,omitempty"`
	End        float64 `json:"end,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	IsFinal    bool    `json:"is_final,omitempty"`

	// "termination" close confirmation
	AudioDurationSeconds float64 `json:"audio_duration_seconds,omitempty"`

	// "error"
	Message string `json:"message,omitempty"`
}

const (
	msgTypeStart       = "start"
	msgTypeTerminate   = "terminate"
	msgTypeBegin       = "begin"
	msgTypeTurn        = "turn"
	msgTypeTermination = "termination"
	msgTypeError       = "error"
)
