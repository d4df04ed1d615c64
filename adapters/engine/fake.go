package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/lumenhealth/scribe/domain/entities"
	"github.com/lumenhealth/scribe/domain/repositories"
)

// Fake is a scripted recognizer for tests: it emits one partial per audio
// frame and one final per scripted text when the stream is closed.
type Fake struct {
	// Finals are the final fragments emitted, in order, after CloseStream.
	Finals []string
	// PartialText is the text attached to every per-frame partial.
	PartialText string
	// OpenErr, when set, fails Open.
	OpenErr error
	// SendErr, when set, fails every Send.
	SendErr error

	mu      sync.Mutex
	streams []*FakeStream
}

// Open returns a scripted stream.
func (f *Fake) Open(_ context.Context, _ repositories.EngineConfig) (repositories.RecognizerStream, error) {
	if f.OpenErr != nil {
		return nil, f.OpenErr
	}
	s := &FakeStream{
		fake:    f,
		results: make(chan repositories.Result, 64),
	}
	f.mu.Lock()
	f.streams = append(f.streams, s)
	f.mu.Unlock()
	return s, nil
}

// Streams returns every stream opened so far.
func (f *Fake) Streams() []*FakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeStream(nil), f.streams...)
}

// FakeStream records sent audio and plays back scripted results.
type FakeStream struct {
	fake *Fake

	mu        sync.Mutex
	sent      [][]byte
	sentBytes int
	closed    bool
	seq       int

	results chan repositories.Result
}

func (s *FakeStream) Send(pcm []byte) error {
	if s.fake.SendErr != nil {
		return s.fake.SendErr
	}
	s.mu.Lock()
	frame := append([]byte(nil), pcm...)
	s.sent = append(s.sent, frame)
	s.sentBytes += len(pcm)
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	s.results <- repositories.Result{
		Kind: repositories.ResultPartial,
		Fragment: &entities.TranscriptFragment{
			ResultID:     fmt.Sprintf("p-%d", seq),
			Alternatives: []entities.Alternative{{Text: s.fake.PartialText}},
		},
	}
	return nil
}

func (s *FakeStream) CloseStream() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	for i, text := range s.fake.Finals {
		s.results <- repositories.Result{
			Kind: repositories.ResultFinal,
			Fragment: &entities.TranscriptFragment{
				ResultID:     fmt.Sprintf("f-%d", i),
				IsFinal:      true,
				SpeechFinal:  i == len(s.fake.Finals)-1,
				Alternatives: []entities.Alternative{{Text: text}},
			},
		}
	}
	s.results <- repositories.Result{Kind: repositories.ResultMetadata}
	close(s.results)
	return nil
}

func (s *FakeStream) Results() <-chan repositories.Result { return s.results }

func (s *FakeStream) Err() error { return nil }

func (s *FakeStream) Close() error { return nil }

// SentBytes reports the cumulative audio bytes received.
func (s *FakeStream) SentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentBytes
}

// SentFrames reports the number of audio frames received.
func (s *FakeStream) SentFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}
