// Package engine provides streaming speech-engine adapters behind the
// repositories.StreamingRecognizer interface.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/domain/entities"
	"github.com/lumenhealth/scribe/domain/repositories"
)

const upstreamWriteWait = 10 * time.Second

// Deepgram streams audio to the Deepgram live-transcription websocket API.
type Deepgram struct {
	apiKey  string
	baseURL string
	model   string
	logger  *zap.Logger
}

// NewDeepgram creates the adapter. The API key is the server-held secret and
// never crosses the client leg.
func NewDeepgram(apiKey, baseURL, model string, logger *zap.Logger) *Deepgram {
	return &Deepgram{apiKey: apiKey, baseURL: baseURL, model: model, logger: logger}
}

// deepgramResponse is the subset of the live API response the relay uses.
type deepgramResponse struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// Open dials the live endpoint with the fixed engine configuration.
func (d *Deepgram) Open(ctx context.Context, config repositories.EngineConfig) (repositories.RecognizerStream, error) {
	endpoint, err := url.Parse(d.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid engine url: %w", err)
	}

	q := endpoint.Query()
	q.Set("model", d.model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(config.SampleRate))
	q.Set("channels", "1")
	q.Set("language", config.Language)
	q.Set("punctuate", strconv.FormatBool(config.Punctuate))
	q.Set("smart_format", strconv.FormatBool(config.SmartFormat))
	q.Set("interim_results", strconv.FormatBool(config.InterimResults))
	endpoint.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.apiKey)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("engine dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("engine dial failed: %w", err)
	}

	s := &deepgramStream{
		conn:    conn,
		logger:  d.logger,
		results: make(chan repositories.Result, 32),
	}
	go s.receiveResults()
	return s, nil
}

type deepgramStream struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	results chan repositories.Result

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
}

func (s *deepgramStream) Send(pcm []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(upstreamWriteWait))
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

// CloseStream signals end of audio so trailing final results can drain.
func (s *deepgramStream) CloseStream() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(upstreamWriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (s *deepgramStream) Results() <-chan repositories.Result {
	return s.results
}

func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// receiveResults decodes engine messages until the connection ends, then
// closes the results channel. A normal closure after CloseStream leaves Err
// nil; anything else is recorded for the supervisor.
func (s *deepgramStream) receiveResults() {
	defer close(s.results)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.errMu.Lock()
				s.err = err
				s.errMu.Unlock()
			}
			return
		}

		res, ok := classify(data)
		if !ok {
			// Malformed frames are discarded, not fatal.
			s.logger.Warn("discarding unparseable engine frame", zap.Int("size", len(data)))
			continue
		}
		s.results <- res
	}
}

// classify maps a raw engine message onto the relay's result taxonomy.
func classify(data []byte) (repositories.Result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return repositories.Result{}, false
	}

	switch resp.Type {
	case "Results":
		fragment := &entities.TranscriptFragment{
			// The engine does not number results; the audio span is stable
			// per result and serves as the idempotency key.
			ResultID:    fmt.Sprintf("%.3f-%.3f", resp.Start, resp.Start+resp.Duration),
			IsFinal:     resp.IsFinal,
			SpeechFinal: resp.SpeechFinal,
			Start:       resp.Start,
			End:         resp.Start + resp.Duration,
		}
		for _, alt := range resp.Channel.Alternatives {
			fragment.Alternatives = append(fragment.Alternatives, entities.Alternative{
				Text:       alt.Transcript,
				Confidence: alt.Confidence,
			})
		}
		kind := repositories.ResultPartial
		if resp.IsFinal {
			kind = repositories.ResultFinal
		}
		return repositories.Result{Kind: kind, Fragment: fragment}, true

	case "UtteranceEnd":
		return repositories.Result{Kind: repositories.ResultUtteranceEnd}, true

	case "Metadata":
		return repositories.Result{Kind: repositories.ResultMetadata}, true

	default:
		return repositories.Result{}, false
	}
}
