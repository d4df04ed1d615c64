// Command scribe-client is a terminal dictation client: it captures the
// microphone, streams audio to the relay (falling back to chunked uploads
// when the relay is unusable), and prints the reconciled transcript.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/adapters/summarize"
	"github.com/lumenhealth/scribe/internal/audio"
	"github.com/lumenhealth/scribe/internal/client"
	"github.com/lumenhealth/scribe/internal/selector"
	"github.com/lumenhealth/scribe/internal/summary"
)

const (
	streamFlushInterval  = 100 * time.Millisecond
	chunkedFlushInterval = 5 * time.Second
	targetSampleRate     = 16000
)

// alwaysFocused satisfies the target check for a terminal client, where
// stdout is the only output target and is always available.
type alwaysFocused struct{}

func (alwaysFocused) HasFocusedTarget() bool { return true }

func main() {
	var (
		relayURL    = flag.String("url", os.Getenv("RELAY_URL"), "relay websocket URL (ws://host/ws)")
		token       = flag.String("token", os.Getenv("ACCESS_TOKEN"), "access token for the relay")
		chunkURL    = flag.String("chunk-url", os.Getenv("CHUNK_URL"), "chunked-upload endpoint for fallback")
		forceEngine = flag.String("engine", "", "pin the engine: relay, native or chunked")
		summaries   = flag.Bool("summaries", false, "maintain a running summary (needs GEMINI_API_KEY)")
	)
	godotenv.Load()
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	sel := selector.New()
	var relayFailed atomic.Bool
	signals := func() selector.Signals {
		return selector.Signals{
			Forced:          selector.Engine(*forceEngine),
			RelayConfigured: *relayURL != "",
			RelayErroring:   relayFailed.Load(),
			NativeAvailable: false,
		}
	}

	var throttler *summary.Throttler
	if *summaries {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		gemini, err := summarize.NewGemini(ctx, os.Getenv("GEMINI_API_KEY"), logger)
		cancel()
		if err != nil {
			logger.Fatal("summarizer unavailable", zap.Error(err))
		}
		throttler = summary.NewThrottler(gemini, logger)
		defer throttler.Stop()
	}

	recorder := audio.NewManager(logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	state := sel.Evaluate(signals())
	if state.Fallback {
		fmt.Printf("engine %s unavailable, using %s: %s\n",
			state.Preferred, state.Active, state.FallbackReason)
	}

	switch state.Active {
	case selector.EngineRelay:
		err := runRelay(recorder, *relayURL, *token, throttler, logger, quit)
		if err == nil {
			break
		}
		relayFailed.Store(true)
		state = sel.Evaluate(signals())
		if state.Active != selector.EngineChunked || *chunkURL == "" {
			logger.Fatal("dictation failed", zap.Error(err))
		}
		fmt.Printf("falling back to chunked uploads: %v\n", err)
		fallthrough
	case selector.EngineChunked:
		if *chunkURL == "" {
			logger.Fatal("no chunked-upload endpoint configured")
		}
		if err := runChunked(recorder, *chunkURL, throttler, logger, quit); err != nil {
			logger.Fatal("dictation failed", zap.Error(err))
		}
	default:
		logger.Fatal("engine not supported by this client",
			zap.String("engine", string(state.Active)))
	}

	if throttler != nil {
		if s := throttler.RunningSummary(); s != "" {
			fmt.Printf("\n--- summary ---\n%s\n", s)
		}
	}
}

// runRelay streams live audio to the relay until interrupted.
func runRelay(recorder *audio.Manager, url, token string, throttler *summary.Throttler, logger *zap.Logger, quit <-chan os.Signal) error {
	sessionErr := make(chan error, 1)

	var capture *audio.Capture
	session := client.New(client.Config{
		URL:         url,
		AccessToken: token,
		Target:      alwaysFocused{},
		ReleaseMic: func() {
			if capture != nil {
				capture.Stop()
			}
		},
		Logger: logger,
	}, client.Callbacks{
		OnPartial: func(text string) {
			fmt.Printf("\r… %s", text)
		},
		OnFinal: func(appended, full string) {
			fmt.Printf("\r%s\n", appended)
			if throttler != nil {
				throttler.OnTranscriptDelta(full)
			}
		},
		OnError: func(err error) {
			select {
			case sessionErr <- err:
			default:
			}
		},
	})

	var err error
	capture, err = recorder.Start(audio.CaptureConfig{
		TargetRate:    targetSampleRate,
		FlushInterval: streamFlushInterval,
	}, session.EnqueueFrame)
	if err != nil {
		return fmt.Errorf("microphone unavailable: %w", err)
	}

	if err := session.Start(context.Background()); err != nil {
		capture.Stop()
		return err
	}
	fmt.Println("listening, Ctrl+C to stop")

	select {
	case <-quit:
		session.Stop()
		return nil
	case err := <-sessionErr:
		session.Stop()
		return err
	}
}

// runChunked accumulates audio into multi-second chunks and uploads each one,
// reconciling the returned finals locally.
func runChunked(recorder *audio.Manager, endpoint string, throttler *summary.Throttler, logger *zap.Logger, quit <-chan os.Signal) error {
	uploader := client.NewChunkUploader(endpoint, logger)
	reconciler := client.NewReconciler()

	capture, err := recorder.Start(audio.CaptureConfig{
		TargetRate:    targetSampleRate,
		FlushInterval: chunkedFlushInterval,
	}, func(pcm []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		texts, err := uploader.Upload(ctx, pcm)
		if err != nil {
			logger.Warn("chunk lost", zap.Error(err))
			return
		}
		for _, text := range texts {
			if appended, ok := reconciler.CommitText(text); ok {
				fmt.Println(appended)
				if throttler != nil {
					throttler.OnTranscriptDelta(reconciler.Transcript())
				}
			}
		}
	})
	if err != nil {
		return fmt.Errorf("microphone unavailable: %w", err)
	}

	fmt.Println("listening (chunked), Ctrl+C to stop")
	<-quit
	capture.Stop()
	return nil
}
