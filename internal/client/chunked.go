package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/internal/wire"
)

const (
	chunkUploadTimeout = 15 * time.Second
	chunkUploadRetries = 2
)

// ChunkUploader is the periodic-chunk fallback engine: accumulated PCM is
// framed as event-stream messages and posted to the speech endpoint, which
// answers with event-stream transcript events.
type ChunkUploader struct {
	endpoint   string
	httpClient *http.Client
	codec      *wire.Codec
	logger     *zap.Logger
}

// NewChunkUploader creates an uploader for the given endpoint.
func NewChunkUploader(endpoint string, logger *zap.Logger) *ChunkUploader {
	return &ChunkUploader{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: chunkUploadTimeout},
		codec:      &wire.Codec{},
		logger:     logger,
	}
}

// transcriptEvent is the payload of a TranscriptEvent frame.
type transcriptEvent struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"is_final"`
}

// Upload posts one audio chunk and returns the final transcript texts it
// produced. Transient HTTP failures are retried with backoff; captured
// speech is only reported lost after the last attempt fails.
func (u *ChunkUploader) Upload(ctx context.Context, pcm []byte) ([]string, error) {
	if len(pcm) == 0 {
		return nil, nil
	}
	body := u.codec.Encode(wire.AudioEventHeaders(), pcm)

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt <= chunkUploadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		texts, err := u.post(ctx, body)
		if err == nil {
			return texts, nil
		}
		lastErr = err
		u.logger.Warn("chunk upload attempt failed",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return nil, fmt.Errorf("client: chunk upload failed: %w", lastErr)
}

func (u *ChunkUploader) post(ctx context.Context, body []byte) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/vnd.amazon.eventstream")

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	messages, _, err := u.codec.DecodeStream(data)
	if err != nil {
		// A malformed frame discards itself, not the whole response.
		u.logger.Warn("discarding malformed event frame", zap.Error(err))
	}

	var texts []string
	for _, msg := range messages {
		if msg.Header(":event-type") != "TranscriptEvent" {
			continue
		}
		var ev transcriptEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			continue
		}
		if ev.IsFinal && ev.Transcript != "" {
			texts = append(texts, ev.Transcript)
		}
	}
	return texts, nil
}
