package entities

// Alternative is one hypothesis for a span of audio.
type Alternative struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

// TranscriptFragment is a single decoded recognition result. Final fragments
// are idempotent by ResultID: a given id must be committed at most once.
type TranscriptFragment struct {
	ResultID     string        `json:"result_id"`
	IsFinal      bool          `json:"is_final"`
	SpeechFinal  bool          `json:"speech_final"`
	Start        float64       `json:"start"`
	End          float64       `json:"end"`
	Alternatives []Alternative `json:"alternatives"`
}

// Text returns the best hypothesis, or "" when the engine produced none.
func (f TranscriptFragment) Text() string {
	if len(f.Alternatives) == 0 {
		return ""
	}
	return f.Alternatives[0].Text
}
