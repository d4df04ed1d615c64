package repositories

import (
	"context"

	"github.com/lumenhealth/scribe/domain/entities"
)

// EngineConfig represents the fixed audio configuration sent to a speech
// engine when a stream is opened.
type EngineConfig struct {
	SampleRate     int    `json:"sample_rate"`
	Encoding       string `json:"encoding"`
	Language       string `json:"language"`
	Punctuate      bool   `json:"punctuate"`
	SmartFormat    bool   `json:"smart_format"`
	InterimResults bool   `json:"interim_results"`
}

// ResultKind classifies a decoded engine message.
type ResultKind int

const (
	ResultPartial ResultKind = iota
	ResultFinal
	ResultUtteranceEnd
	ResultMetadata
)

// Result is one event received from a recognizer stream. Metadata results
// carry no fragment; they are logged by the consumer and never forwarded.
type Result struct {
	Kind     ResultKind
	Fragment *entities.TranscriptFragment
}

// StreamingRecognizer abstracts a streaming speech-recognition engine.
type StreamingRecognizer interface {
	// Open establishes one upstream stream with the given configuration.
	Open(ctx context.Context, config EngineConfig) (RecognizerStream, error)
}

// RecognizerStream is one live engine connection. Send and Results may be
// used concurrently; Close releases the connection and ends Results.
type RecognizerStream interface {
	// Send forwards one frame of raw PCM16 audio byte-for-byte.
	Send(pcm []byte) error
	// CloseStream signals end of audio so the engine can flush trailing
	// final results; Results stays open until the engine is done.
	CloseStream() error
	// Results yields decoded engine events until the stream ends. A stream
	// that fails mid-session closes the channel after delivering what it can.
	Results() <-chan Result
	// Err reports the terminal stream error, if any, once Results is closed.
	Err() error
	// Close tears the connection down.
	Close() error
}
