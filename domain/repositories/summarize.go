package repositories

import "context"

// SummaryRequest carries the inputs of one running-summary update. The
// previous running summary is the only context carried between calls.
type SummaryRequest struct {
	TranscriptDelta string            `json:"transcript_delta"`
	RunningSummary  string            `json:"running_summary"`
	Preferences     map[string]string `json:"preferences,omitempty"`
}

// Summarizer abstracts the summarization collaborator. Implementations are
// best-effort: failures must never be treated as session-fatal by callers.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (runningSummary string, err error)
}

// NoteGenerator abstracts the note-generation collaborator.
type NoteGenerator interface {
	Generate(ctx context.Context, transcript string, noteContext string) (string, error)
}
