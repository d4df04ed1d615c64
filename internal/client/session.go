// Package client implements the dictation session client: connection
// lifecycle, authentication, audio frame pacing, and transcript
// reconciliation against the relay.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/internal/relay"
)

// State is the session client's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateStopping   State = "stopping"
	StateError      State = "error"
)

// Lifecycle errors surfaced to the caller.
var (
	ErrNotIdle        = errors.New("client: session already active")
	ErrConnectTimeout = errors.New("client: relay connect timed out")
	ErrStopped        = errors.New("client: stopped while connecting")
)

// TargetProvider reports whether the UI currently has a focused input target
// for transcript text. With no target, buffered frames are dropped rather
// than queued without bound.
type TargetProvider interface {
	HasFocusedTarget() bool
}

// Callbacks deliver session events. All callbacks run on client goroutines
// and must not block.
type Callbacks struct {
	OnPartial  func(text string)
	OnFinal    func(appended, fullTranscript string)
	OnNoTarget func()
	OnError    func(err error)
}

// Config configures a session client.
type Config struct {
	URL         string
	AccessToken string

	// ConnectTimeout bounds dialing plus the auth/ready handshake.
	ConnectTimeout time.Duration
	// StopTimeout bounds the wait for the relay's done acknowledgment.
	StopTimeout time.Duration
	// SendInterval is the frame-send tick.
	SendInterval time.Duration

	Target TargetProvider
	// ReleaseMic releases the capture device; Stop invokes it synchronously
	// on every path out of a session.
	ReleaseMic func()

	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 6 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 3 * time.Second
	}
	if c.SendInterval <= 0 {
		c.SendInterval = 100 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Client owns one logical dictation session.
type Client struct {
	cfg Config
	cb  Callbacks

	mu         sync.Mutex
	state      State
	conn       *websocket.Conn
	dialCancel context.CancelFunc
	frames     [][]byte

	writeMu sync.Mutex

	reconciler *Reconciler

	doneAck  chan struct{}
	readGone chan struct{}
}

// New creates an idle client.
func New(cfg Config, cb Callbacks) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:        cfg,
		cb:         cb,
		state:      StateIdle,
		reconciler: NewReconciler(),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transcript returns the committed transcript so far.
func (c *Client) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconciler.Transcript()
}

// Start dials the relay, authenticates, and begins listening. It blocks
// until the session is live or failed. A Stop issued while connecting aborts
// the dial.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	c.state = StateConnecting
	c.reconciler = NewReconciler()
	c.doneAck = make(chan struct{})
	c.readGone = make(chan struct{})
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	c.dialCancel = cancel
	c.mu.Unlock()
	defer cancel()

	deadline := time.Now().Add(c.cfg.ConnectTimeout)

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.URL, nil)

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		// Stop won the race; a late open is discarded.
		if conn != nil {
			conn.Close()
		}
		return ErrStopped
	}
	if err != nil {
		c.state = StateIdle
		c.mu.Unlock()
		err = c.connectErr(err)
		c.surfaceError(err)
		return err
	}
	c.conn = conn
	c.mu.Unlock()

	if err := c.handshake(conn, deadline); err != nil {
		c.mu.Lock()
		stopped := c.state != StateConnecting
		c.state = StateIdle
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
		if stopped {
			// Stop aborted the handshake; the failure is ours, not the relay's.
			return ErrStopped
		}
		c.surfaceError(err)
		return err
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		conn.Close()
		return ErrStopped
	}
	c.state = StateListening
	c.mu.Unlock()

	c.cfg.Logger.Info("dictation session live")
	go c.readLoop(conn)
	go c.sendLoop(conn)
	return nil
}

// handshake authenticates and waits for the relay to report the upstream
// engine ready, all within the connect budget.
func (c *Client) handshake(conn *websocket.Conn, deadline time.Time) error {
	auth := relay.ClientMessage{Type: relay.MessageTypeAuth, AccessToken: c.cfg.AccessToken}
	payload, _ := json.Marshal(auth)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("client: auth send failed: %w", err)
	}

	authenticated := false
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return c.connectErr(err)
		}
		var msg relay.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case relay.MessageTypeAuthenticated:
			authenticated = true
		case relay.MessageTypeReady:
			if authenticated {
				conn.SetReadDeadline(time.Time{})
				return nil
			}
		case relay.MessageTypeError:
			return fmt.Errorf("client: relay refused session: %s", msg.Error)
		}
	}
}

func (c *Client) connectErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrConnectTimeout
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrConnectTimeout
	}
	return fmt.Errorf("client: relay connect failed: %w", err)
}

// EnqueueFrame buffers one captured PCM frame for the next send tick.
func (c *Client) EnqueueFrame(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateListening {
		return
	}
	c.frames = append(c.frames, pcm)
}

// sendLoop forwards buffered frames on each tick. On every tick it polls for
// a focused target; with none, the buffer is dropped and the no-target
// signal fires so the buffer cannot grow without bound.
func (c *Client) sendLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.SendInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		if c.state != StateListening {
			c.mu.Unlock()
			return
		}
		pending := c.frames
		c.frames = nil
		noTarget := c.cfg.Target != nil && !c.cfg.Target.HasFocusedTarget()
		c.mu.Unlock()

		if noTarget {
			if len(pending) > 0 && c.cb.OnNoTarget != nil {
				c.cb.OnNoTarget()
			}
			continue
		}

		if err := c.writeFrames(conn, pending); err != nil {
			c.cfg.Logger.Warn("audio frame send failed", zap.Error(err))
			return
		}
	}
}

func (c *Client) writeFrames(conn *websocket.Conn, frames [][]byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	for _, frame := range frames {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return err
		}
	}
	return nil
}

// readLoop delivers relay events until the connection ends.
func (c *Client) readLoop(conn *websocket.Conn) {
	defer close(c.readGone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.State() == StateListening {
				c.surfaceError(fmt.Errorf("client: relay connection lost: %w", err))
			}
			return
		}

		var msg relay.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case relay.MessageTypePartial:
			if c.cb.OnPartial != nil {
				c.cb.OnPartial(msg.Text)
			}

		case relay.MessageTypeFinal:
			c.commitFinal(msg.Text)

		case relay.MessageTypeDone:
			select {
			case <-c.doneAck:
			default:
				close(c.doneAck)
			}

		case relay.MessageTypeError:
			c.surfaceError(fmt.Errorf("client: relay error: %s", msg.Error))
		}
	}
}

func (c *Client) commitFinal(text string) {
	c.mu.Lock()
	appended, ok := c.reconciler.CommitText(text)
	full := c.reconciler.Transcript()
	c.mu.Unlock()

	if ok && c.cb.OnFinal != nil {
		c.cb.OnFinal(appended, full)
	}
}

// Stop ends the session from any state. While connecting it aborts the dial;
// while listening it flushes buffered audio, requests a stop, and waits a
// bounded time for the done acknowledgment before forcing cleanup. The
// microphone is released synchronously on every path.
func (c *Client) Stop() {
	if c.cfg.ReleaseMic != nil {
		c.cfg.ReleaseMic()
	}

	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		return

	case StateError:
		conn := c.conn
		c.conn = nil
		c.state = StateIdle
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return

	case StateConnecting:
		c.state = StateIdle
		if c.dialCancel != nil {
			c.dialCancel()
		}
		// The dial may already have completed: closing the conn unblocks a
		// handshake in progress so the abort is immediate.
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		c.cfg.Logger.Info("session stopped while connecting")
		return

	case StateStopping:
		c.mu.Unlock()
		return
	}

	// Listening.
	c.state = StateStopping
	conn := c.conn
	pending := c.frames
	c.frames = nil
	c.mu.Unlock()

	// Buffered audio first, then the stop control message.
	if err := c.writeFrames(conn, pending); err != nil {
		c.cfg.Logger.Warn("final frame flush failed", zap.Error(err))
	}
	stop, _ := json.Marshal(relay.ClientMessage{Type: relay.MessageTypeStop})
	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.StopTimeout))
	err := conn.WriteMessage(websocket.TextMessage, stop)
	c.writeMu.Unlock()
	if err != nil {
		c.cfg.Logger.Warn("stop send failed", zap.Error(err))
	}

	// Stop must terminate the session even if the relay never answers.
	select {
	case <-c.doneAck:
	case <-c.readGone:
	case <-time.After(c.cfg.StopTimeout):
		c.cfg.Logger.Warn("done acknowledgment timed out, forcing cleanup")
	}

	conn.Close()
	c.mu.Lock()
	c.state = StateIdle
	c.conn = nil
	c.mu.Unlock()
	c.cfg.Logger.Info("dictation session stopped")
}

func (c *Client) surfaceError(err error) {
	c.mu.Lock()
	if c.state == StateListening || c.state == StateConnecting {
		c.state = StateError
	}
	c.mu.Unlock()
	if c.cb.OnError != nil {
		c.cb.OnError(err)
	}
}
