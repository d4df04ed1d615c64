package engine

import (
	"context"
	"fmt"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"

	"github.com/lumenhealth/scribe/domain/entities"
	"github.com/lumenhealth/scribe/domain/repositories"
)

// GoogleSpeech is an alternate upstream engine using Google Cloud
// Speech-to-Text streaming recognition over gRPC. Credentials come from the
// ambient service account, never from the client.
type GoogleSpeech struct{}

// NewGoogleSpeech creates the adapter.
func NewGoogleSpeech() *GoogleSpeech {
	return &GoogleSpeech{}
}

// Open establishes one streaming-recognize session with the fixed engine
// configuration. The caller's context only bounds setup; the stream itself is
// bound to an independent context that lives until Close, so a dial-scoped
// cancel cannot tear down a healthy session.
func (g *GoogleSpeech) Open(ctx context.Context, config repositories.EngineConfig) (repositories.RecognizerStream, error) {
	client, err := speech.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech client: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to create streaming recognize: %w", err)
	}

	encoding, err := audioEncoding(config.Encoding)
	if err != nil {
		stream.CloseSend()
		cancel()
		client.Close()
		return nil, err
	}

	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:                   encoding,
					SampleRateHertz:            int32(config.SampleRate),
					LanguageCode:               config.Language,
					EnableAutomaticPunctuation: config.Punctuate,
				},
				InterimResults: config.InterimResults,
			},
		},
	}); err != nil {
		stream.CloseSend()
		cancel()
		client.Close()
		return nil, fmt.Errorf("failed to send streaming config: %w", err)
	}

	s := &googleStream{
		client:  client,
		stream:  stream,
		cancel:  cancel,
		results: make(chan repositories.Result, 32),
	}
	go s.receiveResults()
	return s, nil
}

type googleStream struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc

	results chan repositories.Result

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	seq       int
}

func (s *googleStream) Send(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	if err := s.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: pcm,
		},
	}); err != nil {
		return fmt.Errorf("failed to send audio data: %w", err)
	}
	return nil
}

func (s *googleStream) CloseStream() error {
	return s.stream.CloseSend()
}

func (s *googleStream) Results() <-chan repositories.Result {
	return s.results
}

func (s *googleStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *googleStream) Close() error {
	s.closeOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.client != nil {
			s.client.Close()
		}
	})
	return nil
}

func (s *googleStream) receiveResults() {
	defer close(s.results)

	for {
		resp, err := s.stream.Recv()
		if err == io.EOF {
			return
		}
		if err != nil {
			s.errMu.Lock()
			s.err = fmt.Errorf("failed to receive response: %w", err)
			s.errMu.Unlock()
			return
		}

		for _, result := range resp.Results {
			if len(result.Alternatives) == 0 {
				continue
			}
			s.seq++
			fragment := &entities.TranscriptFragment{
				ResultID: fmt.Sprintf("g-%d", s.seq),
				IsFinal:  result.IsFinal,
				End:      result.ResultEndTime.AsDuration().Seconds(),
			}
			for _, alt := range result.Alternatives {
				fragment.Alternatives = append(fragment.Alternatives, entities.Alternative{
					Text:       alt.Transcript,
					Confidence: float64(alt.Confidence),
				})
			}
			kind := repositories.ResultPartial
			if result.IsFinal {
				kind = repositories.ResultFinal
			}
			s.results <- repositories.Result{Kind: kind, Fragment: fragment}
		}
	}
}

// audioEncoding converts the configured encoding name to the API enum.
func audioEncoding(encoding string) (speechpb.RecognitionConfig_AudioEncoding, error) {
	switch encoding {
	case "LINEAR16", "linear16":
		return speechpb.RecognitionConfig_LINEAR16, nil
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC, nil
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW, nil
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS, nil
	default:
		return speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, fmt.Errorf("unsupported audio encoding: %s", encoding)
	}
}
