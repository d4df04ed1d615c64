package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/adapters/engine"
	"github.com/lumenhealth/scribe/internal/auth"
	"github.com/lumenhealth/scribe/internal/config"
	"github.com/lumenhealth/scribe/internal/relay"
)

func newTestServer(t *testing.T, cfg config.Config) *httptest.Server {
	t.Helper()

	registry := relay.NewRegistry()
	e := echo.New()
	InitRoutes(e, Deps{
		Config:   cfg,
		Registry: registry,
		Logger:   zap.NewNop(),
		Supervisor: relay.Options{
			Verifier:  auth.NewVerifier(cfg.JWTSecret),
			Engine:    &engine.Fake{},
			Registry:  registry,
			Logger:    zap.NewNop(),
			AuthGrace: 2 * time.Second,
			StopDrain: 100 * time.Millisecond,
		},
	})
	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server
}

func TestDisallowedOriginClosedWithPolicyCode(t *testing.T) {
	server := newTestServer(t, config.Config{
		AllowedOrigins: []string{"https://emr.example.com"},
		JWTSecret:      "secret",
	})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, relay.CloseOriginNotAllowed) {
		t.Fatalf("expected close %d, got %v", relay.CloseOriginNotAllowed, err)
	}
}

func TestAllowedOriginReachesSupervisor(t *testing.T) {
	server := newTestServer(t, config.Config{
		AllowedOrigins: []string{"https://emr.example.com"},
		JWTSecret:      "secret",
	})

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{"Origin": []string{"https://emr.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// The session is live: a stop is acknowledged rather than the socket
	// being shut on policy grounds.
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write stop: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg relay.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unparseable message %q: %v", data, err)
	}
	if msg.Type != relay.MessageTypeDone {
		t.Errorf("message type = %s, want done", msg.Type)
	}
}

func TestHealthReportsSessionCount(t *testing.T) {
	server := newTestServer(t, config.Config{
		AllowedOrigins: []string{"*"},
		JWTSecret:      "secret",
	})

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "healthy" {
		t.Errorf("status = %q", health.Status)
	}
	if health.Sessions != 0 {
		t.Errorf("sessions = %d, want 0", health.Sessions)
	}
}

func TestTokenMintOnlyInDevMode(t *testing.T) {
	prod := newTestServer(t, config.Config{
		AllowedOrigins: []string{"*"},
		JWTSecret:      "secret",
	})
	resp, err := http.Post(prod.URL+"/v1/token", "application/json",
		bytes.NewBufferString(`{"user_id":"clinician-1"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("mint without dev flag: status = %d, want 404", resp.StatusCode)
	}

	dev := newTestServer(t, config.Config{
		AllowedOrigins: []string{"*"},
		JWTSecret:      "secret",
		DevTokenMint:   true,
	})
	resp, err = http.Post(dev.URL+"/v1/token", "application/json",
		bytes.NewBufferString(`{"user_id":"clinician-1"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mint status = %d", resp.StatusCode)
	}

	var token TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		t.Fatalf("decode: %v", err)
	}
	userID, err := auth.NewVerifier("secret").Verify(context.Background(), token.Token)
	if err != nil {
		t.Fatalf("minted token did not verify: %v", err)
	}
	if userID != "clinician-1" {
		t.Errorf("userID = %q", userID)
	}
}
