// Package assessment turns a finished live talk transcript into a
// proficiency assessment using a language model.
//
// The [Service] renders the transcript, asks the model for a JSON object
// with an estimated OPIc level, a feedback paragraph and three suggestions,
// and rejects replies that leave any of them out. Assessment runs after the
// session has ended and never on the audio path.
package assessment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/livetalk/internal/language"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/pkg/provider/llm"
	"github.com/MrWong99/livetalk/pkg/transcript"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTemperature is the sampling temperature used unless overridden.
const DefaultTemperature = 0.3

var (
	// ErrEmptyTranscript is returned when there is nothing to assess.
	ErrEmptyTranscript = errors.New("assessment: empty transcript")

	// ErrInvalidResponse is returned when the model reply is not a complete
	// assessment object.
	ErrInvalidResponse = errors.New("assessment: invalid assessment format")
)

// Assessment is the model's evaluation of one conversation.
type Assessment struct {
	EstimatedLevel string   `json:"estimatedLevel"`
	Feedback       string   `json:"feedback"`
	Suggestions    []string `json:"suggestions"`
}

const promptTemplate = `You are a friendly and encouraging language conversation partner. Your goal is to provide supportive feedback to help the user improve and gain confidence. A user has just completed a free-form conversation in %[1]s.

Here is the full transcript:
---
%[2]s
---

Based on the user's performance, please provide a positive and constructive evaluation in %[1]s. Focus on their communicative ability and fluency. The evaluation must be formatted as a JSON object and include:
1.  An "estimatedLevel": Your best, slightly generous estimate of the user's conversational OPIc level (e.g., "Intermediate Mid", "Advanced Low").
2.  A "feedback" paragraph of about 200 words. Start by highlighting their strengths, then gently suggest areas for improvement regarding fluency, coherence, grammar, and vocabulary.
3.  An array of 3 specific, actionable "suggestions" for improvement. One of these suggestions **must** focus on how the user can better develop their ideas and expand on topics in a conversation.

Respond with ONLY the JSON object (no markdown, no prose):
{"estimatedLevel": "<level>", "feedback": "<paragraph>", "suggestions": ["<one>", "<two>", "<three>"]}`

// Option configures a [Service].
type Option func(*Service)

// WithTemperature overrides the sampling temperature. Default: 0.3.
func WithTemperature(t float64) Option {
	return func(s *Service) { s.temperature = t }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.log = l }
}

// Service produces assessments. It is safe for concurrent use.
type Service struct {
	llm         llm.Provider
	temperature float64
	metrics     *observe.Metrics
	log         *slog.Logger
}

// New returns a Service backed by provider. The model is whatever provider
// was constructed with.
func New(provider llm.Provider, opts ...Option) *Service {
	s := &Service{llm: provider, temperature: DefaultTemperature}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With("component", "assessment")
	return s
}

// Assess evaluates the conversation in entries, which took place in lang.
func (s *Service) Assess(ctx context.Context, entries []transcript.Entry, lang language.Code) (result *Assessment, err error) {
	if len(entries) == 0 {
		return nil, ErrEmptyTranscript
	}

	ctx, span := observe.StartSpan(ctx, "assessment.assess",
		trace.WithAttributes(
			attribute.String("language", string(lang)),
			attribute.Int("entries", len(entries)),
		),
	)
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		s.metrics.RecordAssessment(ctx, time.Since(start).Seconds(), string(lang), status)
		observe.EndSpan(span, err)
	}()

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		Temperature: s.temperature,
		Messages: []llm.Message{
			{Role: "user", Content: BuildPrompt(entries, lang)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("assessment: complete: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: no response", ErrInvalidResponse)
	}

	a, err := parseResponse(resp.Content)
	if err != nil {
		s.log.Warn("unusable assessment reply", "err", err, "bytes", len(resp.Content))
		return nil, err
	}
	s.log.Info("assessment complete",
		"language", string(lang),
		"level", a.EstimatedLevel,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return a, nil
}

// BuildPrompt renders the assessment prompt for entries in lang.
func BuildPrompt(entries []transcript.Entry, lang language.Code) string {
	return fmt.Sprintf(promptTemplate, lang.Name(), RenderTranscript(entries))
}

// RenderTranscript formats entries one per line as "User: …" or "AI: …".
func RenderTranscript(entries []transcript.Entry) string {
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		if e.Speaker == transcript.SpeakerUser {
			sb.WriteString("User: ")
		} else {
			sb.WriteString("AI: ")
		}
		sb.WriteString(e.Text)
	}
	return sb.String()
}

func parseResponse(content string) (*Assessment, error) {
	var a Assessment
	if err := json.Unmarshal([]byte(stripMarkdown(content)), &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	var missing []string
	if strings.TrimSpace(a.EstimatedLevel) == "" {
		missing = append(missing, "estimatedLevel")
	}
	if strings.TrimSpace(a.Feedback) == "" {
		missing = append(missing, "feedback")
	}
	if len(a.Suggestions) == 0 {
		missing = append(missing, "suggestions")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidResponse, strings.Join(missing, ", "))
	}
	return &a, nil
}

// stripMarkdown removes ```json fences some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
