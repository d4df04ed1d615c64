package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/adapters/engine"
	"github.com/lumenhealth/scribe/domain/entities"
	"github.com/lumenhealth/scribe/internal/auth"
)

const testSecret = "supervisor-test-secret"

// newTestRelay starts an in-process relay endpoint backed by the scripted
// engine and returns a dialed client connection.
func newTestRelay(t *testing.T, fake *engine.Fake, opts Options) (*websocket.Conn, func()) {
	t.Helper()

	if opts.Verifier == nil {
		opts.Verifier = auth.NewVerifier(testSecret)
	}
	opts.Engine = fake
	opts.Registry = NewRegistry()
	opts.Logger = zap.NewNop()
	if opts.AuthGrace == 0 {
		opts.AuthGrace = 2 * time.Second
	}
	if opts.StopDrain == 0 {
		opts.StopDrain = 500 * time.Millisecond
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		NewSupervisor(conn, opts).Serve()
	}))

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		server.Close()
		t.Fatalf("dial failed: %v", err)
	}
	return conn, func() {
		conn.Close()
		server.Close()
	}
}

func mintTestToken(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.MintToken(testSecret, userID, time.Minute)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func sendJSON(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()
	payload, _ := json.Marshal(msg)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write %s: %v", msg.Type, err)
	}
}

// readServerMessage reads the next text frame within the deadline.
func readServerMessage(t *testing.T, conn *websocket.Conn) (ServerMessage, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg ServerMessage
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return msg, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unparseable server message %q: %v", data, err)
		}
		return msg, nil
	}
}

func expectMessage(t *testing.T, conn *websocket.Conn, want MessageType) ServerMessage {
	t.Helper()
	msg, err := readServerMessage(t, conn)
	if err != nil {
		t.Fatalf("expected %s message, connection failed: %v", want, err)
	}
	if msg.Type != want {
		t.Fatalf("expected %s message, got %s", want, msg.Type)
	}
	return msg
}

func TestAuthGraceExpiryClosesWithTimeoutCode(t *testing.T) {
	fake := &engine.Fake{}
	conn, cleanup := newTestRelay(t, fake, Options{AuthGrace: 150 * time.Millisecond})
	defer cleanup()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, CloseAuthTimeout) {
		t.Fatalf("expected close %d, got %v", CloseAuthTimeout, err)
	}

	if len(fake.Streams()) != 0 {
		t.Error("engine must not be dialed for an unauthenticated session")
	}
}

func TestInvalidTokenRefusedWithoutReady(t *testing.T) {
	fake := &engine.Fake{}
	conn, cleanup := newTestRelay(t, fake, Options{})
	defer cleanup()

	sendJSON(t, conn, ClientMessage{Type: MessageTypeAuth, AccessToken: "not-a-token"})

	msg := expectMessage(t, conn, MessageTypeError)
	if msg.Error == "" {
		t.Error("refusal must carry an error description")
	}
	if strings.Contains(msg.Error, "not-a-token") {
		t.Error("error description must not echo the presented token")
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, CloseAuthFailed) {
		t.Fatalf("expected close %d, got %v", CloseAuthFailed, err)
	}
	if len(fake.Streams()) != 0 {
		t.Error("engine must not be dialed after failed authentication")
	}
}

func TestSessionLifecycle(t *testing.T) {
	fake := &engine.Fake{
		PartialText: "patient reports",
		Finals:      []string{"patient reports mild chest pain"},
	}
	conn, cleanup := newTestRelay(t, fake, Options{})
	defer cleanup()

	sendJSON(t, conn, ClientMessage{Type: MessageTypeAuth, AccessToken: mintTestToken(t, "clinician-1")})
	expectMessage(t, conn, MessageTypeAuthenticated)
	expectMessage(t, conn, MessageTypeReady)

	frames := [][]byte{make([]byte, 320), make([]byte, 480), make([]byte, 320)}
	for _, frame := range frames {
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatalf("audio write: %v", err)
		}
	}

	// One partial per forwarded frame.
	for range frames {
		msg := expectMessage(t, conn, MessageTypePartial)
		if msg.Text != "patient reports" {
			t.Errorf("partial text = %q", msg.Text)
		}
	}

	sendJSON(t, conn, ClientMessage{Type: MessageTypeStop})

	final := expectMessage(t, conn, MessageTypeFinal)
	if final.Text != "patient reports mild chest pain" {
		t.Errorf("final text = %q", final.Text)
	}
	if !final.SpeechFinal {
		t.Error("last final must be marked speech_final")
	}

	done := expectMessage(t, conn, MessageTypeDone)
	if done.Stats == nil {
		t.Fatal("done message must carry stats")
	}
	if got, want := done.Stats.AudioBytesSent, int64(320+480+320); got != want {
		t.Errorf("audioBytesSent = %d, want %d", got, want)
	}
	if done.Stats.PartialCount != 3 {
		t.Errorf("partialCount = %d, want 3", done.Stats.PartialCount)
	}
	if done.Stats.FinalCount != 1 {
		t.Errorf("finalCount = %d, want 1", done.Stats.FinalCount)
	}
	if done.Stats.FinalTranscriptLength != int64(len(final.Text)) {
		t.Errorf("finalTranscriptLength = %d, want %d",
			done.Stats.FinalTranscriptLength, len(final.Text))
	}

	// The relay closes the socket promptly after done.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection close after done")
	}

	streams := fake.Streams()
	if len(streams) != 1 {
		t.Fatalf("expected one engine stream, got %d", len(streams))
	}
	if streams[0].SentBytes() != 320+480+320 {
		t.Errorf("engine received %d bytes", streams[0].SentBytes())
	}
	if streams[0].SentFrames() != 3 {
		t.Errorf("engine received %d frames, want 3", streams[0].SentFrames())
	}
}

func TestAudioBeforeAuthenticationIsDropped(t *testing.T) {
	fake := &engine.Fake{Finals: []string{"ok"}}
	conn, cleanup := newTestRelay(t, fake, Options{})
	defer cleanup()

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)); err != nil {
		t.Fatalf("audio write: %v", err)
	}

	sendJSON(t, conn, ClientMessage{Type: MessageTypeAuth, AccessToken: mintTestToken(t, "clinician-1")})
	expectMessage(t, conn, MessageTypeAuthenticated)
	expectMessage(t, conn, MessageTypeReady)

	sendJSON(t, conn, ClientMessage{Type: MessageTypeStop})
	expectMessage(t, conn, MessageTypeFinal)
	done := expectMessage(t, conn, MessageTypeDone)
	if done.Stats.AudioBytesSent != 0 {
		t.Errorf("pre-auth audio must not be counted, got %d bytes", done.Stats.AudioBytesSent)
	}

	streams := fake.Streams()
	if len(streams) != 1 {
		t.Fatalf("expected one engine stream, got %d", len(streams))
	}
	if streams[0].SentBytes() != 0 {
		t.Errorf("pre-auth audio must not reach the engine, got %d bytes", streams[0].SentBytes())
	}
}

func TestEngineOpenFailureSurfacesError(t *testing.T) {
	fake := &engine.Fake{OpenErr: errEngineDown}
	conn, cleanup := newTestRelay(t, fake, Options{})
	defer cleanup()

	sendJSON(t, conn, ClientMessage{Type: MessageTypeAuth, AccessToken: mintTestToken(t, "clinician-1")})
	expectMessage(t, conn, MessageTypeAuthenticated)

	msg := expectMessage(t, conn, MessageTypeError)
	if msg.Error == "" {
		t.Error("engine failure must surface an error to the client")
	}
}

func TestStopWithoutUpstreamAcknowledgesEmptyStats(t *testing.T) {
	fake := &engine.Fake{}
	conn, cleanup := newTestRelay(t, fake, Options{})
	defer cleanup()

	// Stop before ever authenticating: acknowledged with empty stats rather
	// than left hanging.
	sendJSON(t, conn, ClientMessage{Type: MessageTypeStop})

	done := expectMessage(t, conn, MessageTypeDone)
	if done.Stats == nil {
		t.Fatal("done message must carry stats")
	}
	if done.Stats.AudioBytesSent != 0 || done.Stats.FinalCount != 0 {
		t.Errorf("expected empty stats, got %+v", *done.Stats)
	}
	if len(fake.Streams()) != 0 {
		t.Error("engine must not be dialed")
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	fake := &engine.Fake{}
	conn, cleanup := newTestRelay(t, fake, Options{})
	defer cleanup()

	sendJSON(t, conn, ClientMessage{Type: MessageTypePing})
	expectMessage(t, conn, MessageTypePong)
}

func TestCloseFrameDeliveredWhenSendBufferFull(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	serverConn := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConn <- conn
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer client.Close()

	conn := <-serverConn
	defer conn.Close()

	// An unbuffered send channel with no pump stands in for a saturated
	// buffer: the close frame must reach the client anyway.
	s := &Supervisor{
		opts:    Options{Logger: zap.NewNop()},
		conn:    conn,
		session: entities.NewSession(),
		send:    make(chan WriteData),
	}
	s.enqueueClose(CloseAuthTimeout, "authentication timeout")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	if !websocket.IsCloseError(err, CloseAuthTimeout) {
		t.Fatalf("expected close %d, got %v", CloseAuthTimeout, err)
	}
}

var errEngineDown = errors.New("engine down")
