package engine

import (
	"context"
	"testing"

	"cloud.google.com/go/speech/apiv1/speechpb"
)

func TestGoogleStreamCloseCancelsStreamContext(t *testing.T) {
	// The stream context is owned by the stream and released in Close — never
	// by the dial context, whose cancellation must not end a live session.
	ctx, cancel := context.WithCancel(context.Background())
	s := &googleStream{cancel: cancel}

	s.Close()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("close must cancel the stream context")
	}

	// Close is idempotent.
	s.Close()
}

func TestAudioEncoding(t *testing.T) {
	tests := []struct {
		in      string
		want    speechpb.RecognitionConfig_AudioEncoding
		wantErr bool
	}{
		{"linear16", speechpb.RecognitionConfig_LINEAR16, false},
		{"LINEAR16", speechpb.RecognitionConfig_LINEAR16, false},
		{"FLAC", speechpb.RecognitionConfig_FLAC, false},
		{"MULAW", speechpb.RecognitionConfig_MULAW, false},
		{"OGG_OPUS", speechpb.RecognitionConfig_OGG_OPUS, false},
		{"mp3", speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, true},
		{"", speechpb.RecognitionConfig_ENCODING_UNSPECIFIED, true},
	}
	for _, tt := range tests {
		got, err := audioEncoding(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("audioEncoding(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("audioEncoding(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
