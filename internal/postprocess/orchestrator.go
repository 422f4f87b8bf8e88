package postprocess

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/arlov/voxnote/pkg/logger"
)

// Client is the boundary to the downstream AI provider. Each method is one
// independent request/response call taking the full transcript text.
type Client interface {
	BulletSummary(ctx context.Context, transcript string) ([]string, error)
	Diagram(ctx context.Context, transcript string) (Diagram, error)
	LightlyEditedTranscript(ctx context.Context, transcript string) (string, error)
	ThoughtProvokingQuestions(ctx context.Context, transcript string) ([]string, error)
}

// Config represents orchestrator configuration
type Config struct {
	TimeoutSeconds int
}

// Orchestrator runs the post-processing sub-tasks concurrently over a final
// transcript and assembles the structured result. No sub-task failure aborts
// the others: each failed sub-task is replaced by its fixed fallback value and
// logged. The orchestrator itself only fails when every sub-task failed.
type Orchestrator struct {
	client  Client
	timeout time.Duration
	logger  *logger.Logger
}

// NewOrchestrator creates a new post-processing orchestrator
func NewOrchestrator(client Client, config Config, logger *logger.Logger) *Orchestrator {
	timeout := time.Duration(config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Orchestrator{
		client:  client,
		timeout: timeout,
		logger:  logger.Named("post-processor"),
	}
}

// Process produces a Result for the given transcript. All four sub-tasks run
// concurrently; Process waits for all of them, substituting fallbacks for any
// that fail. durationSeconds is carried through from session metadata.
func (o *Orchestrator) Process(ctx context.Context, transcript string, durationSeconds float64) (*Result, error) {
	if transcript == "" {
		return nil, errors.New("transcript is empty")
	}

	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	o.logger.Info("Starting post-processing",
		logger.Int("transcript_chars", len(transcript)),
		logger.Float64("duration_seconds", durationSeconds))

	result := &Result{
		Transcript:      transcript,
		DurationSeconds: durationSeconds,
	}

	// Wait for all sub-tasks, collecting each result or its fallback. This is
	// deliberately not a fail-fast join: a partially degraded result is more
	// useful than none.
	var wg sync.WaitGroup
	failures := make([]bool, 4)

	wg.Add(4)
	go func() {
		defer wg.Done()
		summary, err := o.client.BulletSummary(ctx, transcript)
		if err != nil {
			o.logger.Warn("Summary generation failed, using fallback", logger.Error(err))
			result.BulletSummary = fallbackSummary
			failures[0] = true
			return
		}
		result.BulletSummary = summary
	}()
	go func() {
		defer wg.Done()
		diagram, err := o.client.Diagram(ctx, transcript)
		if err != nil {
			o.logger.Warn("Diagram generation failed, using fallback", logger.Error(err))
			result.Diagram = fallbackDiagram
			failures[1] = true
			return
		}
		result.Diagram = diagram
	}()
	go func() {
		defer wg.Done()
		edited, err := o.client.LightlyEditedTranscript(ctx, transcript)
		if err != nil || edited == "" {
			if err != nil {
				o.logger.Warn("Transcript editing failed, falling back to verbatim", logger.Error(err))
				failures[2] = true
			}
			result.LightlyEditedTranscript = transcript
			return
		}
		result.LightlyEditedTranscript = edited
	}()
	go func() {
		defer wg.Done()
		questions, err := o.client.ThoughtProvokingQuestions(ctx, transcript)
		if err != nil {
			o.logger.Warn("Question generation failed, using fallback", logger.Error(err))
			result.ThoughtProvokingQuestions = []string{}
			failures[3] = true
			return
		}
		result.ThoughtProvokingQuestions = questions
	}()
	wg.Wait()

	failed := 0
	for _, f := range failures {
		if f {
			failed++
		}
	}
	if failed == len(failures) {
		return nil, errors.New("all post-processing sub-tasks failed")
	}

	if result.ThoughtProvokingQuestions == nil {
		result.ThoughtProvokingQuestions = []string{}
	}

	o.logger.Info("Post-processing complete",
		logger.Int("failed_sub_tasks", failed),
		logger.Int("summary_bullets", len(result.BulletSummary)),
		logger.Int("questions", len(result.ThoughtProvokingQuestions)))

	return result, nil
}
