// Package summarize provides the summarization and note-generation
// collaborators backed by the Gemini API.
package summarize

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/lumenhealth/scribe/domain/repositories"
)

// maxSummaryChars bounds the running summary carried between calls.
const maxSummaryChars = 1200

// Gemini implements repositories.Summarizer and repositories.NoteGenerator.
type Gemini struct {
	client *genai.Client
	logger *zap.Logger
	model  string
}

// NewGemini creates a Gemini-backed summarizer.
func NewGemini(ctx context.Context, apiKey string, logger *zap.Logger) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		logger: logger,
		model:  "gemini-2.0-flash",
	}, nil
}

// Summarize produces the next running summary from the previous one and the
// new transcript delta. Callers treat failures as best-effort.
func (g *Gemini) Summarize(ctx context.Context, req repositories.SummaryRequest) (string, error) {
	var prompt strings.Builder
	prompt.WriteString("You maintain a running clinical summary of an in-progress dictation.\n")
	prompt.WriteString("Rewrite the summary to incorporate the new transcript text. ")
	fmt.Fprintf(&prompt, "Keep it under %d characters, factual, and free of speculation.\n\n", maxSummaryChars)
	if req.RunningSummary != "" {
		fmt.Fprintf(&prompt, "Current summary:\n%s\n\n", req.RunningSummary)
	}
	fmt.Fprintf(&prompt, "New transcript text:\n%s\n", req.TranscriptDelta)
	for key, value := range req.Preferences {
		fmt.Fprintf(&prompt, "\nPreference %s: %s", key, value)
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt.String()), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(0.2)),
		MaxOutputTokens: 512,
	})
	if err != nil {
		return "", fmt.Errorf("summary generation failed: %w", err)
	}

	summary := strings.TrimSpace(resp.Text())
	if summary == "" {
		return "", fmt.Errorf("summary generation returned no text")
	}
	if len(summary) > maxSummaryChars {
		summary = summary[:maxSummaryChars]
	}
	return summary, nil
}

// Generate produces note text from a full transcript and caller context.
func (g *Gemini) Generate(ctx context.Context, transcript string, noteContext string) (string, error) {
	var prompt strings.Builder
	prompt.WriteString("Write a clinical note from the dictated transcript below.\n")
	if noteContext != "" {
		fmt.Fprintf(&prompt, "Context:\n%s\n\n", noteContext)
	}
	fmt.Fprintf(&prompt, "Transcript:\n%s\n", transcript)

	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt.String()), &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(0.3)),
	})
	if err != nil {
		return "", fmt.Errorf("note generation failed: %w", err)
	}

	note := strings.TrimSpace(resp.Text())
	if note == "" {
		return "", fmt.Errorf("note generation returned no text")
	}
	return note, nil
}
