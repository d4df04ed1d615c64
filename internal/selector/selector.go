// Package selector chooses among the available transcription strategies and
// degrades silently when the preferred one fails.
package selector

import "sync"

// Engine identifies one transcription strategy.
type Engine string

const (
	// EngineRelay is the low-latency streaming relay.
	EngineRelay Engine = "relay"
	// EngineNative is the platform's built-in recognizer.
	EngineNative Engine = "native"
	// EngineChunked is the periodic chunk-upload fallback.
	EngineChunked Engine = "chunked"
)

// rank orders engines by priority; lower is better.
var rank = map[Engine]int{
	EngineRelay:   0,
	EngineNative:  1,
	EngineChunked: 2,
}

// Status describes the selector's outcome for the UI layer.
type Status string

const (
	StatusActive   Status = "active"
	StatusFallback Status = "fallback"
)

// Signals are the live inputs to a selection decision.
type Signals struct {
	// Forced pins the engine regardless of signals (debug only).
	Forced Engine
	// RelayConfigured reports whether a relay endpoint is configured.
	RelayConfigured bool
	// RelayErroring reports live relay failures this session.
	RelayErroring bool
	// NativeAvailable reports whether the platform recognizer exists.
	NativeAvailable bool
}

// State is the computed engine selection.
type State struct {
	Preferred      Engine
	Active         Engine
	Status         Status
	Fallback       bool
	FallbackReason string
}

// Selector computes engine selection for one session. Fallback is
// one-directional: once downgraded, the selector does not re-promote until
// Reset, so a flaky network cannot flap between engines mid-session.
type Selector struct {
	mu    sync.Mutex
	floor int
}

// New creates a selector with no downgrade floor.
func New() *Selector {
	return &Selector{}
}

// Reset clears the downgrade floor; a new session re-evaluates from scratch.
func (s *Selector) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floor = 0
}

// Evaluate recomputes the engine state from the given signals.
func (s *Selector) Evaluate(sig Signals) State {
	if sig.Forced != "" {
		return State{
			Preferred: sig.Forced,
			Active:    sig.Forced,
			Status:    StatusActive,
		}
	}

	preferred := preferredEngine(sig)
	active, reason := availableEngine(sig)

	s.mu.Lock()
	if rank[active] < s.floor {
		active = engineAtRank(s.floor)
		if reason == "" {
			reason = "downgraded earlier this session"
		}
	} else {
		s.floor = rank[active]
	}
	s.mu.Unlock()

	state := State{Preferred: preferred, Active: active, Status: StatusActive}
	if active != preferred {
		state.Status = StatusFallback
		state.Fallback = true
		state.FallbackReason = reason
	}
	return state
}

func preferredEngine(sig Signals) Engine {
	if sig.RelayConfigured {
		return EngineRelay
	}
	if sig.NativeAvailable {
		return EngineNative
	}
	return EngineChunked
}

func availableEngine(sig Signals) (Engine, string) {
	switch {
	case sig.RelayConfigured && !sig.RelayErroring:
		return EngineRelay, ""
	case !sig.RelayConfigured && sig.NativeAvailable:
		return EngineNative, ""
	case sig.RelayErroring && sig.NativeAvailable:
		return EngineNative, "streaming relay is failing"
	case sig.RelayErroring:
		return EngineChunked, "streaming relay is failing"
	default:
		return EngineChunked, "no higher-priority engine available"
	}
}

func engineAtRank(r int) Engine {
	for engine, er := range rank {
		if er == r {
			return engine
		}
	}
	return EngineChunked
}
