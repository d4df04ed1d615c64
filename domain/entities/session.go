package entities

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a dictation session.
type SessionState string

const (
	SessionStateNew           SessionState = "new"
	SessionStateAwaitingAuth  SessionState = "awaiting_auth"
	SessionStateAuthenticated SessionState = "authenticated"
	SessionStateStreaming     SessionState = "streaming"
	SessionStateFinalizing    SessionState = "finalizing"
	SessionStateClosed        SessionState = "closed"
	SessionStateAuthTimeout   SessionState = "auth_timeout"
)

// ErrInvalidTransition is returned when a state change is not allowed by the
// session lifecycle.
var ErrInvalidTransition = errors.New("invalid session state transition")

// validTransitions lists the allowed next states for each state. Closed and
// AuthTimeout are terminal. An upstream error may close a session from any
// live state, so Closed appears in every live state's row.
var validTransitions = map[SessionState][]SessionState{
	SessionStateNew:           {SessionStateAwaitingAuth, SessionStateClosed},
	SessionStateAwaitingAuth:  {SessionStateAuthenticated, SessionStateAuthTimeout, SessionStateClosed},
	SessionStateAuthenticated: {SessionStateStreaming, SessionStateFinalizing, SessionStateClosed},
	SessionStateStreaming:     {SessionStateFinalizing, SessionStateClosed},
	SessionStateFinalizing:    {SessionStateClosed},
	SessionStateClosed:        {},
	SessionStateAuthTimeout:   {},
}

// SessionStats is the content-free summary reported when a session ends.
type SessionStats struct {
	DurationMs            int64 `json:"durationMs"`
	AudioBytesSent        int64 `json:"audioBytesSent"`
	PartialCount          int64 `json:"partialCount"`
	FinalCount            int64 `json:"finalCount"`
	FinalTranscriptLength int64 `json:"finalTranscriptLength"`
}

// Session is one end-to-end dictation attempt. It is owned exclusively by the
// supervisor of its connection; the mutex only guards the state value, which
// both forwarding loops of a session must observe before acting.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time

	mu    sync.Mutex
	state SessionState

	AudioBytesSent        int64
	PartialCount          int64
	FinalCount            int64
	FinalTranscriptLength int64
}

// NewSession creates a session with a server-generated opaque identifier.
func NewSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		state:     SessionStateNew,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to the given state, validating against the
// lifecycle table.
func (s *Session) Transition(next SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range validTransitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return ErrInvalidTransition
}

// Authenticated reports whether the session has passed authentication and has
// not yet terminated.
func (s *Session) Authenticated() bool {
	switch s.State() {
	case SessionStateAuthenticated, SessionStateStreaming, SessionStateFinalizing:
		return true
	}
	return false
}

// Terminal reports whether the session can make no further transitions.
func (s *Session) Terminal() bool {
	st := s.State()
	return st == SessionStateClosed || st == SessionStateAuthTimeout
}

// Stats snapshots the session counters. Counters are only mutated by the
// owning supervisor goroutines before the session closes.
func (s *Session) Stats() SessionStats {
	return SessionStats{
		DurationMs:            time.Since(s.CreatedAt).Milliseconds(),
		AudioBytesSent:        s.AudioBytesSent,
		PartialCount:          s.PartialCount,
		FinalCount:            s.FinalCount,
		FinalTranscriptLength: s.FinalTranscriptLength,
	}
}

// Validate checks the session invariants that must hold after authentication.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("session id is required")
	}
	if s.Authenticated() && s.UserID == "" {
		return errors.New("authenticated session requires a user id")
	}
	return nil
}
