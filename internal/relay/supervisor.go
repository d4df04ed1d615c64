package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lumenhealth/scribe/domain/entities"
	"github.com/lumenhealth/scribe/domain/repositories"
	"github.com/lumenhealth/scribe/internal/observability"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio frames

	// archiveTimeout bounds the best-effort stats write at teardown.
	archiveTimeout = 3 * time.Second
)

// WriteData is one outbound websocket write.
type WriteData struct {
	// Type is websocket.TextMessage, websocket.BinaryMessage, or
	// websocket.CloseMessage.
	Type    int
	Payload []byte
}

type inboundKind int

const (
	inboundText inboundKind = iota
	inboundBinary
)

// inboundEvent is one client-socket event. Funneling reads through a single
// channel, closed by the reader when the socket dies, keeps ordering between
// "a message arrived" and "the socket closed" deterministic for the
// state-machine loop.
type inboundEvent struct {
	kind inboundKind
	data []byte
}

// Options wires a Supervisor's collaborators.
type Options struct {
	Verifier     repositories.TokenVerifier
	Engine       repositories.StreamingRecognizer
	EngineConfig repositories.EngineConfig
	Archiver     repositories.StatsArchiver // optional
	Registry     *Registry
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	AuthGrace    time.Duration
	StopDrain    time.Duration
}

// Supervisor owns one client connection and, after authentication, exactly
// one upstream engine stream. It exclusively mutates its Session record.
type Supervisor struct {
	opts    Options
	conn    *websocket.Conn
	session *entities.Session

	send   chan WriteData
	events chan inboundEvent

	stream  repositories.RecognizerStream
	results <-chan repositories.Result
}

// NewSupervisor creates a supervisor for an upgraded connection.
func NewSupervisor(conn *websocket.Conn, opts Options) *Supervisor {
	return &Supervisor{
		opts:    opts,
		conn:    conn,
		session: entities.NewSession(),
		send:    make(chan WriteData, 256),
		events:  make(chan inboundEvent, 64),
	}
}

// Serve runs the session until the connection ends. It blocks.
func (s *Supervisor) Serve() {
	logger := s.opts.Logger.With(zap.String("sessionID", s.session.ID))
	logger.Info("client connected")

	_ = s.session.Transition(entities.SessionStateAwaitingAuth)
	s.opts.Registry.Add(s.session)
	if s.opts.Metrics != nil {
		s.opts.Metrics.SessionsActive.Inc()
	}

	go s.writePump()
	go s.readPump()

	s.run(logger)

	// run is done; keep the event channel draining so readPump never blocks
	// on a full buffer before it notices the closed socket.
	go func() {
		for range s.events {
		}
	}()

	if !s.session.Terminal() {
		_ = s.session.Transition(entities.SessionStateClosed)
	}
	s.closeUpstream(logger)
	s.opts.Registry.Remove(s.session.ID)
	if s.opts.Metrics != nil {
		s.opts.Metrics.SessionsActive.Dec()
		s.opts.Metrics.SessionsTotal.WithLabelValues(string(s.session.State())).Inc()
	}
	s.archiveStats(logger)

	// Closing send lets writePump flush, emit the close frame, and release
	// the connection. run is the only sender, so this is safe here.
	close(s.send)
	logger.Info("client disconnected", zap.Int64("audioBytes", s.session.AudioBytesSent))
}

// run drives the session state machine from the inbound event channel and
// the upstream results channel.
func (s *Supervisor) run(logger *zap.Logger) {
	authTimer := time.NewTimer(s.opts.AuthGrace)
	defer authTimer.Stop()

	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				return
			}
			switch ev.kind {
			case inboundText:
				if done := s.handleText(logger, ev.data, authTimer); done {
					return
				}
			case inboundBinary:
				if done := s.handleBinary(logger, ev.data); done {
					return
				}
			}

		case <-authTimer.C:
			if s.session.Authenticated() {
				continue
			}
			logger.Warn("authentication grace period expired")
			_ = s.session.Transition(entities.SessionStateAuthTimeout)
			s.enqueueClose(CloseAuthTimeout, "authentication timeout")
			return

		case res, ok := <-s.results:
			if !ok {
				s.handleUpstreamClosed(logger)
				return
			}
			s.forwardResult(logger, res)
		}
	}
}

func (s *Supervisor) handleText(logger *zap.Logger, data []byte, authTimer *time.Timer) bool {
	msg, err := ParseClientMessage(data)
	if err != nil {
		logger.Warn("unparseable control message", zap.Error(err))
		return false
	}

	switch msg.Type {
	case MessageTypeAuth:
		return s.handleAuth(logger, msg, authTimer)
	case MessageTypeStop:
		return s.handleStop(logger)
	case MessageTypePing:
		s.enqueue(ServerMessage{Type: MessageTypePong})
		return false
	default:
		logger.Warn("unexpected control message", zap.String("type", string(msg.Type)))
		return false
	}
}

func (s *Supervisor) handleAuth(logger *zap.Logger, msg *ClientMessage, authTimer *time.Timer) bool {
	if s.session.State() != entities.SessionStateAwaitingAuth {
		logger.Warn("auth message outside AwaitingAuth state",
			zap.String("state", string(s.session.State())))
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.AuthGrace)
	defer cancel()

	userID, err := s.opts.Verifier.Verify(ctx, msg.AccessToken)
	if err != nil {
		logger.Warn("authentication failed", zap.Error(err))
		s.enqueue(NewErrorMessage("authentication failed"))
		s.enqueueClose(CloseAuthFailed, "authentication failed")
		return true
	}

	authTimer.Stop()
	s.session.UserID = userID
	_ = s.session.Transition(entities.SessionStateAuthenticated)
	s.enqueue(ServerMessage{Type: MessageTypeAuthenticated})
	logger.Info("client authenticated")

	return s.openUpstream(logger)
}

// openUpstream dials the engine with the server-held secret and the fixed
// engine configuration. The client never sees engine credentials.
func (s *Supervisor) openUpstream(logger *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	start := time.Now()
	stream, err := s.opts.Engine.Open(ctx, s.opts.EngineConfig)
	if err != nil {
		if s.opts.Metrics != nil {
			s.opts.Metrics.UpstreamDialError.Inc()
		}
		logger.Error("upstream engine connect failed", zap.Error(err))
		s.enqueue(NewErrorMessage("transcription engine unavailable"))
		_ = s.session.Transition(entities.SessionStateClosed)
		return true
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.UpstreamDial.Observe(time.Since(start).Seconds())
	}

	s.stream = stream
	s.results = stream.Results()
	_ = s.session.Transition(entities.SessionStateStreaming)
	s.enqueue(ServerMessage{Type: MessageTypeReady})
	logger.Info("upstream engine connected",
		zap.Duration("dialTime", time.Since(start)))
	return false
}

func (s *Supervisor) handleBinary(logger *zap.Logger, data []byte) bool {
	if !s.session.Authenticated() || s.stream == nil {
		// Audio racing slightly ahead of the auth acknowledgment must not
		// abort the session.
		logger.Warn("dropping audio frame received before authentication",
			zap.Int("size", len(data)))
		return false
	}
	if s.session.State() != entities.SessionStateStreaming {
		logger.Warn("dropping audio frame outside Streaming state",
			zap.String("state", string(s.session.State())))
		return false
	}

	if err := s.stream.Send(data); err != nil {
		logger.Error("upstream audio send failed", zap.Error(err))
		s.enqueue(NewErrorMessage("transcription engine disconnected"))
		_ = s.session.Transition(entities.SessionStateClosed)
		return true
	}

	s.session.AudioBytesSent += int64(len(data))
	if s.opts.Metrics != nil {
		s.opts.Metrics.AudioBytesTotal.Add(float64(len(data)))
	}
	return false
}

// handleStop finalizes the upstream stream, drains trailing final results
// for the configured grace window, and acknowledges with session stats.
func (s *Supervisor) handleStop(logger *zap.Logger) bool {
	logger.Info("stop requested")

	if s.stream == nil || s.session.State() != entities.SessionStateStreaming {
		// Upstream never opened: acknowledge immediately with empty stats.
		s.enqueue(NewDoneMessage(entities.SessionStats{}))
		_ = s.session.Transition(entities.SessionStateClosed)
		return true
	}

	_ = s.session.Transition(entities.SessionStateFinalizing)
	if err := s.stream.CloseStream(); err != nil {
		logger.Warn("upstream close-stream failed", zap.Error(err))
	}

	drain := time.NewTimer(s.opts.StopDrain)
	defer drain.Stop()
	for s.results != nil {
		select {
		case res, ok := <-s.results:
			if !ok {
				s.results = nil
				continue
			}
			s.forwardResult(logger, res)
		case <-drain.C:
			s.results = nil
		}
	}

	s.closeUpstream(logger)
	_ = s.session.Transition(entities.SessionStateClosed)
	s.enqueue(NewDoneMessage(s.session.Stats()))
	return true
}

// forwardResult relays one upstream event to the client. Metadata is logged,
// never forwarded: it may carry engine internals. No transcript content is
// ever logged.
func (s *Supervisor) forwardResult(logger *zap.Logger, res repositories.Result) {
	switch res.Kind {
	case repositories.ResultPartial:
		s.session.PartialCount++
		if s.opts.Metrics != nil {
			s.opts.Metrics.PartialsTotal.Inc()
		}
		s.enqueue(NewPartialMessage(res.Fragment.Text()))

	case repositories.ResultFinal:
		text := res.Fragment.Text()
		s.session.FinalCount++
		s.session.FinalTranscriptLength += int64(len(text))
		if s.opts.Metrics != nil {
			s.opts.Metrics.FinalsTotal.Inc()
		}
		s.enqueue(NewFinalMessage(text, res.Fragment.SpeechFinal))

	case repositories.ResultUtteranceEnd:
		s.enqueue(ServerMessage{Type: MessageTypeUtteranceEnd})

	case repositories.ResultMetadata:
		logger.Debug("upstream metadata event")
	}
}

// handleUpstreamClosed handles the engine ending the stream while the client
// is still connected: the session ends gracefully with results preserved.
func (s *Supervisor) handleUpstreamClosed(logger *zap.Logger) {
	err := s.stream.Err()
	logger.Warn("upstream engine closed unexpectedly", zap.Error(err))
	s.results = nil
	s.closeUpstream(logger)
	_ = s.session.Transition(entities.SessionStateClosed)
	s.enqueue(NewErrorMessage("transcription engine disconnected"))
	s.enqueue(NewDoneMessage(s.session.Stats()))
}

func (s *Supervisor) closeUpstream(logger *zap.Logger) {
	if s.stream == nil {
		return
	}
	if err := s.stream.Close(); err != nil {
		logger.Debug("upstream close", zap.Error(err))
	}
	s.stream = nil
	logger.Info("upstream engine closed")
}

func (s *Supervisor) archiveStats(logger *zap.Logger) {
	if s.opts.Archiver == nil || s.session.UserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := s.opts.Archiver.Archive(ctx, s.session.ID, s.session.UserID, s.session.Stats()); err != nil {
		logger.Warn("session stats archive failed", zap.Error(err))
	}
}

func (s *Supervisor) enqueue(msg ServerMessage) {
	select {
	case s.send <- WriteData{Type: websocket.TextMessage, Payload: msg.Encode()}:
	default:
		s.opts.Logger.Warn("send buffer full, dropping message",
			zap.String("sessionID", s.session.ID),
			zap.String("type", string(msg.Type)))
	}
}

// enqueueClose sends a close frame through the write pump, falling back to a
// direct control write when the buffer is full: the close code is how the
// client learns why the session ended, so it must not be dropped.
// WriteControl is safe concurrently with the pump's writes.
func (s *Supervisor) enqueueClose(code int, reason string) {
	payload := websocket.FormatCloseMessage(code, reason)
	select {
	case s.send <- WriteData{Type: websocket.CloseMessage, Payload: payload}:
	default:
		s.opts.Logger.Warn("send buffer full, writing close frame directly",
			zap.String("sessionID", s.session.ID),
			zap.Int("code", code))
		if err := s.conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(writeWait)); err != nil {
			s.opts.Logger.Warn("close frame write failed",
				zap.String("sessionID", s.session.ID), zap.Error(err))
		}
	}
}

// readPump pumps messages from the websocket connection onto the event
// channel consumed by run.
func (s *Supervisor) readPump() {
	defer func() {
		close(s.events)
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.opts.Logger.Warn("websocket read error",
					zap.String("sessionID", s.session.ID), zap.Error(err))
			}
			return
		}

		switch messageType {
		case websocket.TextMessage:
			s.events <- inboundEvent{kind: inboundText, data: message}
		case websocket.BinaryMessage:
			s.events <- inboundEvent{kind: inboundBinary, data: message}
		}
	}
}

// writePump pumps outbound messages to the websocket connection and keeps
// the connection alive with pings.
func (s *Supervisor) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := s.conn.WriteMessage(message.Type, message.Payload); err != nil {
				s.opts.Logger.Error("failed to write message",
					zap.String("sessionID", s.session.ID), zap.Error(err))
				return
			}
			if message.Type == websocket.CloseMessage {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
