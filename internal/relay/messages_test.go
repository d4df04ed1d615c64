package relay

import (
	"strings"
	"testing"

	"github.com/lumenhealth/scribe/domain/entities"
)

func TestParseClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"valid auth", `{"type":"auth","access_token":"tok"}`, false},
		{"valid stop", `{"type":"stop"}`, false},
		{"auth without token", `{"type":"auth"}`, true},
		{"missing type", `{"access_token":"tok"}`, true},
		{"not json", `hello`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseClientMessage(%q) error = %v, wantErr %v", tt.data, err, tt.wantErr)
			}
		})
	}
}

func TestServerMessageEncodeOmitsAbsentFields(t *testing.T) {
	encoded := string(ServerMessage{Type: MessageTypeReady}.Encode())
	if encoded != `{"type":"ready"}` {
		t.Errorf("ready message = %s", encoded)
	}

	final := string(NewFinalMessage("text", true).Encode())
	if !strings.Contains(final, `"speech_final":true`) {
		t.Errorf("final message missing speech_final: %s", final)
	}

	done := string(NewDoneMessage(entities.SessionStats{FinalCount: 2}).Encode())
	if !strings.Contains(done, `"finalCount":2`) {
		t.Errorf("done message missing stats: %s", done)
	}
}
