// Package summary drives the running clinical summary from transcript
// deltas, throttled so it can never block or destabilize the audio path.
package summary

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/domain/repositories"
)

const (
	// defaultMinDelta is the minimum new transcript growth before another
	// summary call is considered.
	defaultMinDelta = 100
	// defaultMinInterval is the debounce floor between summary calls.
	defaultMinInterval = 45 * time.Second
	// callTimeout bounds one summarization call.
	callTimeout = 30 * time.Second
)

// Throttler schedules at most one in-flight summarization call, requiring a
// minimum content delta and a minimum interval between calls. Calls arriving
// during the debounce window reschedule the single pending timer in place.
type Throttler struct {
	summarizer  repositories.Summarizer
	logger      *zap.Logger
	minDelta    int
	minInterval time.Duration
	preferences map[string]string

	mu             sync.Mutex
	inFlight       bool
	lastCall       time.Time
	summarizedLen  int
	latest         string
	running        string
	pending        *time.Timer
	lastFailure    error
}

// Option tunes a Throttler.
type Option func(*Throttler)

// WithMinDelta overrides the minimum content delta.
func WithMinDelta(chars int) Option {
	return func(t *Throttler) { t.minDelta = chars }
}

// WithMinInterval overrides the debounce interval.
func WithMinInterval(d time.Duration) Option {
	return func(t *Throttler) { t.minInterval = d }
}

// WithPreferences sets the preferences forwarded on every call.
func WithPreferences(prefs map[string]string) Option {
	return func(t *Throttler) { t.preferences = prefs }
}

// NewThrottler creates a throttler around the summarization collaborator.
func NewThrottler(summarizer repositories.Summarizer, logger *zap.Logger, opts ...Option) *Throttler {
	t := &Throttler{
		summarizer:  summarizer,
		logger:      logger,
		minDelta:    defaultMinDelta,
		minInterval: defaultMinInterval,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// OnTranscriptDelta records the latest full transcript and schedules a
// summary update when the throttle allows one. It never blocks on the
// summarization call itself.
func (t *Throttler) OnTranscriptDelta(fullTranscript string) {
	t.mu.Lock()
	t.latest = fullTranscript
	t.mu.Unlock()
	t.maybeFire()
}

// RunningSummary returns the most recent successful summary.
func (t *Throttler) RunningSummary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// LastFailure returns the most recent call failure, for diagnostics only.
func (t *Throttler) LastFailure() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFailure
}

// Stop cancels any pending deferred call.
func (t *Throttler) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
}

func (t *Throttler) maybeFire() {
	t.mu.Lock()

	if t.inFlight {
		// Completion re-checks, so the delta is deferred, not dropped.
		t.mu.Unlock()
		return
	}
	if len(t.latest)-t.summarizedLen < t.minDelta {
		t.mu.Unlock()
		return
	}
	if wait := t.minInterval - time.Since(t.lastCall); !t.lastCall.IsZero() && wait > 0 {
		// Reschedule the single pending timer in place; a new delta during
		// the wait must not create a second parallel timer.
		if t.pending == nil {
			t.pending = time.AfterFunc(wait, t.maybeFire)
		} else {
			t.pending.Reset(wait)
		}
		t.mu.Unlock()
		return
	}

	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.inFlight = true
	t.lastCall = time.Now()
	transcript := t.latest
	previous := t.running
	prefs := t.preferences
	t.mu.Unlock()

	go t.call(transcript, previous, prefs)
}

func (t *Throttler) call(transcript, previous string, prefs map[string]string) {
	// The in-flight flag is released on every exit path; one failed call
	// must never wedge the throttle.
	defer func() {
		t.mu.Lock()
		t.inFlight = false
		t.mu.Unlock()
		t.maybeFire()
	}()

	delta := transcript
	t.mu.Lock()
	if t.summarizedLen > 0 && t.summarizedLen <= len(transcript) {
		delta = transcript[t.summarizedLen:]
	}
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	summary, err := t.summarizer.Summarize(ctx, repositories.SummaryRequest{
		TranscriptDelta: delta,
		RunningSummary:  previous,
		Preferences:     prefs,
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		// Best-effort: record for diagnostics, never propagate.
		t.lastFailure = err
		t.logger.Warn("summary update failed", zap.Error(err))
		return
	}
	t.running = summary
	t.summarizedLen = len(transcript)
	t.lastFailure = nil
}
