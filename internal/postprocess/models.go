package postprocess

// Diagram is a free-form structured visualization artifact
type Diagram struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Content     string `json:"content"`
}

// Result is the structured output of the post-processing pipeline for one
// completed session. Immutable after creation; persisted keyed by session id.
type Result struct {
	Transcript                string   `json:"transcript"`
	LightlyEditedTranscript   string   `json:"lightlyEditedTranscript"`
	DurationSeconds           float64  `json:"durationSeconds"`
	BulletSummary             []string `json:"bulletSummary"`
	Diagram                   Diagram  `json:"diagram"`
	ThoughtProvokingQuestions []string `json:"thoughtProvokingQuestions"`
}

// Fallback values substituted when an individual sub-task fails. A degraded
// artifact is still delivered to the client; sub-task failures never abort
// the aggregate.
var (
	fallbackSummary = []string{"Failed to generate summary"}

	fallbackDiagram = Diagram{
		Title:       "Visualization",
		Description: "Unable to generate diagram",
		Content:     "[Diagram generation failed]",
	}
)
