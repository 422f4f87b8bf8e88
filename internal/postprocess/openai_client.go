package postprocess

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/arlov/voxnote/pkg/logger"
)

const (
	summaryPrompt = "You summarize voice note transcripts. Respond with JSON only: " +
		`{"bullets": ["...", "..."]}. Produce 3-6 short bullet points capturing the key ideas.`

	diagramPrompt = "You turn voice note transcripts into a single simple diagram. Respond with JSON only: " +
		`{"title": "...", "description": "...", "content": "..."}. ` +
		"The content field holds a mermaid diagram capturing the main structure of the ideas."

	editPrompt = "You lightly edit voice note transcripts. Remove filler words and false starts, " +
		"fix obvious recognition mistakes, and keep the speaker's wording otherwise intact. " +
		"Respond with the edited transcript text only, no commentary."

	questionsPrompt = "You read voice note transcripts and pose thought-provoking follow-up questions. " +
		`Respond with JSON only: {"questions": ["...", "..."]}. Produce up to 3 questions; ` +
		"an empty list is acceptable when the transcript offers nothing to probe."
)

// OpenAIClient implements the post-processing Client boundary against the
// OpenAI chat completions API
type OpenAIClient struct {
	client openai.Client
	model  string
	logger *logger.Logger
}

// NewOpenAIClient creates a new OpenAI-backed post-processing client
func NewOpenAIClient(apiKey, model string, logger *logger.Logger) *OpenAIClient {
	if apiKey == "" {
		logger.Warn("OpenAI API key is empty - post-processing calls will fail")
	}
	return &OpenAIClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		logger: logger.Named("openai-client"),
	}
}

// BulletSummary produces 3-6 short bullet points for the transcript
func (c *OpenAIClient) BulletSummary(ctx context.Context, transcript string) ([]string, error) {
	content, err := c.complete(ctx, summaryPrompt, transcript)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Bullets []string `json:"bullets"`
	}
	if err := json.Unmarshal([]byte(stripCodeFences(content)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse summary response: %w", err)
	}
	if len(parsed.Bullets) == 0 {
		return nil, fmt.Errorf("summary response contained no bullets")
	}
	return parsed.Bullets, nil
}

// Diagram produces a structured diagram artifact for the transcript
func (c *OpenAIClient) Diagram(ctx context.Context, transcript string) (Diagram, error) {
	content, err := c.complete(ctx, diagramPrompt, transcript)
	if err != nil {
		return Diagram{}, err
	}

	var parsed Diagram
	if err := json.Unmarshal([]byte(stripCodeFences(content)), &parsed); err != nil {
		return Diagram{}, fmt.Errorf("failed to parse diagram response: %w", err)
	}
	if parsed.Content == "" {
		return Diagram{}, fmt.Errorf("diagram response contained no content")
	}
	return parsed, nil
}

// LightlyEditedTranscript produces a filler-word-reduced transcript
func (c *OpenAIClient) LightlyEditedTranscript(ctx context.Context, transcript string) (string, error) {
	content, err := c.complete(ctx, editPrompt, transcript)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(content), nil
}

// ThoughtProvokingQuestions produces follow-up questions, possibly none
func (c *OpenAIClient) ThoughtProvokingQuestions(ctx context.Context, transcript string) ([]string, error) {
	content, err := c.complete(ctx, questionsPrompt, transcript)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Questions []string `json:"questions"`
	}
	if err := json.Unmarshal([]byte(stripCodeFences(content)), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse questions response: %w", err)
	}
	if parsed.Questions == nil {
		parsed.Questions = []string{}
	}
	return parsed.Questions, nil
}

// complete runs one chat completion with the given system prompt
func (c *OpenAIClient) complete(ctx context.Context, systemPrompt, userInput string) (string, error) {
	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userInput),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// stripCodeFences removes a surrounding markdown code fence, which some
// models wrap around JSON responses
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
