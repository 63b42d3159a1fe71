package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultSummaryModel is used when no model is configured.
const DefaultSummaryModel = "claude-sonnet-4-5"

// Summary is the result of a summarization stage.
type Summary struct {
	Text string
	Path string
}

// messageCreator is the part of the Anthropic client used here.
type messageCreator interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// SummarizerConfig parameterizes the Anthropic summarizer.
type SummarizerConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	Templates Templates
}

// Summarizer turns a transcript into a markdown summary with the Anthropic
// Messages API.
type Summarizer struct {
	messages  messageCreator
	model     string
	maxTokens int64
	templates Templates
	writeFile func(name string, data []byte, perm os.FileMode) error
}

func NewSummarizer(cfg SummarizerConfig) (*Summarizer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))
	return newSummarizer(&client.Messages, cfg), nil
}

func newSummarizer(m messageCreator, cfg SummarizerConfig) *Summarizer {
	if cfg.Model == "" {
		cfg.Model = DefaultSummaryModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	if cfg.Templates == nil {
		cfg.Templates, _ = LoadTemplates("")
	}
	return &Summarizer{
		messages:  m,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		templates: cfg.Templates,
		writeFile: os.WriteFile,
	}
}

// Summarize writes outDir/summary.md for the transcript text of job jobID.
func (s *Summarizer) Summarize(ctx context.Context, text, jobID, templateKey, outDir string) (Summary, error) {
	if strings.TrimSpace(text) == "" {
		return Summary{}, &StageError{Stage: "summarizing", Message: "transcript is empty"}
	}

	msg, err := s.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: s.templates.System(templateKey)}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(text)),
		},
	})
	if err != nil {
		return Summary{}, &StageError{Stage: "summarizing", Message: "anthropic request failed for job " + jobID, Err: err}
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	summary := stripCodeFences(sb.String())
	if summary == "" {
		return Summary{}, &StageError{Stage: "summarizing", Message: "model returned no text"}
	}

	path := filepath.Join(outDir, "summary.md")
	if err := s.writeFile(path, []byte(summary+"\n"), 0o644); err != nil {
		return Summary{}, &StageError{Stage: "summarizing", Message: "cannot write summary file", Err: err}
	}
	return Summary{Text: summary, Path: path}, nil
}

// stripCodeFences removes a code fence wrapping the whole reply, which models
// sometimes add around markdown.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if strings.HasSuffix(s, "```") {
			s = s[:len(s)-3]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
