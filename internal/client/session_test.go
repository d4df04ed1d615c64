package client

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/domain/entities"
	"github.com/lumenhealth/scribe/internal/relay"
)

// scriptedRelay is a minimal in-process relay for client tests: it
// authenticates any token, echoes scripted finals for received audio, and
// acknowledges stop.
func scriptedRelay(t *testing.T, finals []string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		write := func(msg relay.ServerMessage) {
			conn.WriteMessage(websocket.TextMessage, msg.Encode())
		}

		for {
			messageType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			var msg relay.ClientMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			switch msg.Type {
			case relay.MessageTypeAuth:
				write(relay.ServerMessage{Type: relay.MessageTypeAuthenticated})
				write(relay.ServerMessage{Type: relay.MessageTypeReady})
			case relay.MessageTypeStop:
				for _, text := range finals {
					write(relay.NewFinalMessage(text, true))
				}
				write(relay.NewDoneMessage(entities.SessionStats{}))
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestStartStopLifecycle(t *testing.T) {
	server := scriptedRelay(t, []string{"assessment complete"})
	defer server.Close()

	var micReleased atomic.Bool
	finals := make(chan string, 8)

	c := New(Config{
		URL:          wsURL(server),
		AccessToken:  "tok",
		SendInterval: 10 * time.Millisecond,
		ReleaseMic:   func() { micReleased.Store(true) },
		Logger:       zap.NewNop(),
	}, Callbacks{
		OnFinal: func(appended, _ string) { finals <- appended },
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := c.State(); got != StateListening {
		t.Fatalf("state after start = %s", got)
	}

	c.EnqueueFrame(make([]byte, 320))
	time.Sleep(30 * time.Millisecond)

	c.Stop()

	if !micReleased.Load() {
		t.Error("stop must release the microphone")
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state after stop = %s", got)
	}

	select {
	case text := <-finals:
		if text != "assessment complete" {
			t.Errorf("final = %q", text)
		}
	case <-time.After(time.Second):
		t.Error("final transcript not delivered before stop returned")
	}

	if got := c.Transcript(); got != "assessment complete" {
		t.Errorf("transcript = %q", got)
	}
}

func TestStopWhileConnectingAbortsDial(t *testing.T) {
	// A listener that accepts but never completes the websocket handshake
	// keeps the client pinned in Connecting.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	var micReleased atomic.Bool
	c := New(Config{
		URL:            "ws://" + listener.Addr().String(),
		AccessToken:    "tok",
		ConnectTimeout: 5 * time.Second,
		ReleaseMic:     func() { micReleased.Store(true) },
		Logger:         zap.NewNop(),
	}, Callbacks{})

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()

	// Wait for Start to enter Connecting before stopping.
	deadline := time.Now().Add(time.Second)
	for c.State() != StateConnecting {
		if time.Now().After(deadline) {
			t.Fatal("client never entered connecting state")
		}
		time.Sleep(time.Millisecond)
	}

	stopDone := make(chan struct{})
	go func() {
		c.Stop()
		close(stopDone)
	}()

	select {
	case <-stopDone:
	case <-time.After(time.Second):
		t.Fatal("stop while connecting must return promptly, not wait out the dial")
	}

	if !micReleased.Load() {
		t.Error("stop must release the microphone even while connecting")
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state after aborted connect = %s", got)
	}

	select {
	case err := <-started:
		if err != ErrStopped {
			t.Errorf("start returned %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("start did not return after aborted dial")
	}
}

func TestStopDuringHandshakeAbortsImmediately(t *testing.T) {
	// A relay that upgrades but never answers the auth message keeps the
	// client pinned in the handshake, not the dial.
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	upgraded := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		close(upgraded)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	var micReleased atomic.Bool
	c := New(Config{
		URL:            wsURL(server),
		AccessToken:    "tok",
		ConnectTimeout: 10 * time.Second,
		ReleaseMic:     func() { micReleased.Store(true) },
		Logger:         zap.NewNop(),
	}, Callbacks{})

	started := make(chan error, 1)
	go func() { started <- c.Start(context.Background()) }()

	select {
	case <-upgraded:
	case <-time.After(2 * time.Second):
		t.Fatal("connection never upgraded")
	}
	time.Sleep(20 * time.Millisecond)

	c.Stop()

	// Start must return well before the connect deadline: the abort closes
	// the live socket instead of waiting out the handshake.
	select {
	case err := <-started:
		if err != ErrStopped {
			t.Errorf("start returned %v, want ErrStopped", err)
		}
	case <-time.After(time.Second):
		t.Fatal("start still blocked in the handshake after stop")
	}

	if !micReleased.Load() {
		t.Error("stop must release the microphone")
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state after aborted handshake = %s", got)
	}
}

func TestStartRejectsActiveSession(t *testing.T) {
	server := scriptedRelay(t, nil)
	defer server.Close()

	c := New(Config{URL: wsURL(server), AccessToken: "tok", Logger: zap.NewNop()}, Callbacks{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Stop()

	if err := c.Start(context.Background()); err != ErrNotIdle {
		t.Errorf("second start returned %v, want ErrNotIdle", err)
	}
}

func TestConnectTimeout(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	c := New(Config{
		URL:            "ws://" + listener.Addr().String(),
		AccessToken:    "tok",
		ConnectTimeout: 100 * time.Millisecond,
		Logger:         zap.NewNop(),
	}, Callbacks{})

	if err := c.Start(context.Background()); err != ErrConnectTimeout {
		t.Errorf("start returned %v, want ErrConnectTimeout", err)
	}
	if got := c.State(); got != StateIdle {
		t.Errorf("state after timeout = %s", got)
	}
}
