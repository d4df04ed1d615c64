package entities

import (
	"errors"
	"testing"
)

func TestSessionTransitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []SessionState
		wantErr bool
	}{
		{
			"full lifecycle",
			[]SessionState{SessionStateAwaitingAuth, SessionStateAuthenticated,
				SessionStateStreaming, SessionStateFinalizing, SessionStateClosed},
			false,
		},
		{
			"auth timeout",
			[]SessionState{SessionStateAwaitingAuth, SessionStateAuthTimeout},
			false,
		},
		{
			"abort before streaming",
			[]SessionState{SessionStateAwaitingAuth, SessionStateAuthenticated, SessionStateClosed},
			false,
		},
		{
			"streaming cannot revert to auth",
			[]SessionState{SessionStateAwaitingAuth, SessionStateAuthenticated,
				SessionStateStreaming, SessionStateAuthenticated},
			true,
		},
		{
			"closed is terminal",
			[]SessionState{SessionStateAwaitingAuth, SessionStateClosed, SessionStateStreaming},
			true,
		},
		{
			"timeout is terminal",
			[]SessionState{SessionStateAwaitingAuth, SessionStateAuthTimeout, SessionStateClosed},
			true,
		},
		{
			"cannot skip authentication",
			[]SessionState{SessionStateAwaitingAuth, SessionStateStreaming},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession()
			var err error
			for _, next := range tt.path {
				if err = s.Transition(next); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Errorf("path %v error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestSessionAuthenticated(t *testing.T) {
	s := NewSession()
	if s.Authenticated() {
		t.Error("new session must not be authenticated")
	}

	s.Transition(SessionStateAwaitingAuth)
	s.Transition(SessionStateAuthenticated)
	if !s.Authenticated() {
		t.Error("session must be authenticated after transition")
	}

	s.Transition(SessionStateStreaming)
	s.Transition(SessionStateClosed)
	if s.Authenticated() {
		t.Error("closed session must not report authenticated")
	}
	if !s.Terminal() {
		t.Error("closed session must be terminal")
	}
}

func TestSessionValidate(t *testing.T) {
	s := NewSession()
	if err := s.Validate(); err != nil {
		t.Errorf("new session invalid: %v", err)
	}

	s.Transition(SessionStateAwaitingAuth)
	s.Transition(SessionStateAuthenticated)
	if err := s.Validate(); err == nil {
		t.Error("authenticated session without user id must be invalid")
	}
	s.UserID = "clinician-1"
	if err := s.Validate(); err != nil {
		t.Errorf("session invalid: %v", err)
	}
}

func TestSessionStatsSnapshot(t *testing.T) {
	s := NewSession()
	s.AudioBytesSent = 1024
	s.PartialCount = 5
	s.FinalCount = 2
	s.FinalTranscriptLength = 64

	stats := s.Stats()
	if stats.AudioBytesSent != 1024 || stats.PartialCount != 5 ||
		stats.FinalCount != 2 || stats.FinalTranscriptLength != 64 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.DurationMs < 0 {
		t.Errorf("durationMs = %d", stats.DurationMs)
	}
}
