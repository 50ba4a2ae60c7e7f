package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/core/ports"
	"aetherlive/internal/core/services"
	"aetherlive/internal/protocol"
	"aetherlive/pkg/config"
	"aetherlive/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// WebSocketServer accepts relay connections: JSON control frames and
// binary media chunks on the same persistent socket per client.
type WebSocketServer struct {
	registry    *Registry
	transcoders ports.TranscoderFactory
	auth        services.AuthService // nil when auth is disabled
	metrics     ports.RelayMetrics

	pingInterval  time.Duration
	pongTimeout   time.Duration
	writeTimeout  time.Duration
	maxChunkBytes int64

	msgRate  rate.Limit
	msgBurst int

	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	registry *Registry,
	transcoders ports.TranscoderFactory,
	auth services.AuthService,
	metrics ports.RelayMetrics,
	cfg *config.Config,
	logger *zap.Logger,
) *WebSocketServer {
	s := &WebSocketServer{
		registry:      registry,
		transcoders:   transcoders,
		auth:          auth,
		metrics:       metrics,
		pingInterval:  cfg.Relay.PingInterval,
		pongTimeout:   cfg.Relay.PongTimeout,
		writeTimeout:  cfg.Relay.WriteTimeout,
		maxChunkBytes: cfg.Relay.MaxChunkBytes,
		logger:        logger.Sugar(),
	}
	if cfg.RateLimiting.Enabled {
		s.msgRate = rate.Limit(cfg.RateLimiting.WebSocket.MessagesPerSecond)
		s.msgBurst = cfg.RateLimiting.WebSocket.Burst
	}
	return s
}

// connState tracks which session a socket has joined. Nil until a valid
// join message arrives.
type connState struct {
	self *client
	sess *session
}

type frame struct {
	messageType int
	data        []byte
}

func (s *WebSocketServer) HandleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(s.maxChunkBytes)
	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if s.msgRate > 0 {
		limiter = rate.NewLimiter(s.msgRate, s.msgBurst)
	}

	state := &connState{}
	frames := make(chan frame, 16)
	errCh := make(chan error, 1)

	// readerDone unblocks the reader's channel send when the select loop
	// below exits with frames still queued; closing the connection alone
	// would strand the goroutine mid-send.
	readerDone := make(chan struct{})
	defer close(readerDone)

	go func() {
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
			select {
			case frames <- frame{messageType: mt, data: data}:
			case <-readerDone:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case f := <-frames:
			if f.messageType == websocket.BinaryMessage {
				s.handleChunk(state, f.data)
				continue
			}
			if limiter != nil && !limiter.Allow() {
				s.logger.Warnw("control message rate exceeded, dropping", "session_id", sessionIDOf(state))
				continue
			}
			if closeConn := s.handleControl(r.Context(), state, conn, f.data); closeConn {
				goto cleanup
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("ping failed", "session_id", sessionIDOf(state), "error", err)
				goto cleanup
			}

		case err := <-errCh:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "session_id", sessionIDOf(state), "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.teardown(state)
}

func sessionIDOf(state *connState) domain.SessionID {
	if state.sess == nil {
		return ""
	}
	return state.sess.id
}

// handleControl dispatches one text frame. Malformed or unknown messages
// are logged and ignored; only an authentication failure closes the
// socket. The return value reports whether to close.
func (s *WebSocketServer) handleControl(ctx context.Context, state *connState, conn *websocket.Conn, data []byte) bool {
	var msg protocol.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warnw("malformed control message ignored", "session_id", sessionIDOf(state), "error", err)
		return false
	}

	switch msg.Type {
	case protocol.TypeJoin:
		return s.handleJoin(state, conn, &msg)
	case protocol.TypeStartStream:
		return s.handleStartStream(ctx, state, &msg)
	case protocol.TypeStopStream:
		s.handleStopStream(state, &msg)
		return false
	default:
		s.logger.Debugw("unknown control message type ignored", "type", msg.Type)
		return false
	}
}

func (s *WebSocketServer) handleJoin(state *connState, conn *websocket.Conn, msg *protocol.ControlMessage) bool {
	if state.sess != nil {
		// Duplicate join on an already-joined socket.
		return false
	}
	if msg.SessionID == "" || !msg.Role.Valid() {
		s.logger.Warnw("invalid join ignored", "session_id", msg.SessionID, "role", msg.Role)
		return false
	}
	if closeConn := s.authorize(conn, msg.Token); closeConn {
		return true
	}

	c := &client{
		id:           uuid.NewString(),
		role:         msg.Role,
		conn:         conn,
		writeTimeout: s.writeTimeout,
	}

	sess, created := s.registry.getOrCreate(msg.SessionID)
	sess.addClient(c)
	state.self = c
	state.sess = sess

	if created {
		s.metrics.RecordSessionCreated()
	}
	s.metrics.RecordClientJoined(sess.id, c.role)
	s.registry.persistSnapshot(sess)

	s.logger.Infow("client joined", "session_id", sess.id, "role", c.role, "client_id", c.id)
	sess.broadcast(c.id, &protocol.ControlMessage{Type: protocol.TypePeerJoined, Role: c.role})
	return false
}

func (s *WebSocketServer) handleStartStream(ctx context.Context, state *connState, msg *protocol.ControlMessage) bool {
	if state.sess == nil {
		s.logger.Warnw("start-stream before join ignored")
		return false
	}
	// Only the host controls the transcoder; other roles are ignored,
	// not errored.
	if state.self.role != domain.RoleHost {
		return false
	}
	if s.auth != nil {
		if _, err := s.auth.ValidateToken(msg.Token); err != nil {
			state.self.send(&protocol.ControlMessage{Type: protocol.TypeError, Error: "unauthorized"})
			return true
		}
	}

	sess := state.sess

	// Duplicate start from a flaky client: ack again, never spawn twice.
	if sess.streaming() {
		state.self.send(&protocol.ControlMessage{Type: protocol.TypeStarted})
		return false
	}

	destinations := make([]string, 0, len(msg.Destinations)+1)
	if msg.StreamKey != "" {
		destinations = append(destinations, s.transcoders.IngestURL(msg.StreamKey))
	}
	destinations = append(destinations, msg.Destinations...)

	if len(destinations) == 0 {
		state.self.send(&protocol.ControlMessage{Type: protocol.TypeError, Error: domain.ErrNoDestinations.Error()})
		return false
	}

	ctx, span := tracing.StartSpan(ctx, "relay.start_stream")
	defer span.End()
	tracing.AddSpanAttributes(ctx,
		attribute.String("session_id", string(sess.id)),
		attribute.Int("destinations", len(destinations)),
	)

	var handle ports.Transcoder
	handle, err := s.transcoders.New(sess.id, destinations, func(code int) {
		s.onTranscoderExit(sess, handle, code)
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		state.self.send(&protocol.ControlMessage{Type: protocol.TypeError, Error: err.Error()})
		return false
	}

	// Register before starting. A process that dies immediately then
	// finds itself on the session, so its exit callback deregisters it
	// and broadcasts the close like any other spontaneous exit instead
	// of leaving a dead handle satisfying the duplicate-start guard.
	if !sess.setTranscoder(handle) {
		// Lost a race with another start on the same session.
		state.self.send(&protocol.ControlMessage{Type: protocol.TypeStarted})
		return false
	}

	if err := handle.Start(ctx); err != nil {
		sess.clearTranscoderIf(handle)
		tracing.RecordError(ctx, err)
		s.logger.Errorw("failed to start transcoder", "session_id", sess.id, "error", err)
		state.self.send(&protocol.ControlMessage{Type: protocol.TypeError, Error: "failed to start transcoder"})
		return false
	}

	s.metrics.RecordTranscoderSpawned()
	s.logger.Infow("stream started", "session_id", sess.id, "destinations", len(destinations))
	state.self.send(&protocol.ControlMessage{Type: protocol.TypeStarted})
	return false
}

func (s *WebSocketServer) handleStopStream(state *connState, msg *protocol.ControlMessage) {
	if state.sess == nil || state.self.role != domain.RoleHost {
		return
	}

	sess := state.sess
	if t := sess.takeTranscoder(); t != nil {
		info := sess.snapshot()
		go t.Stop()
		s.registry.recordStream(&domain.StreamRecord{
			SessionID:    sess.id,
			Destinations: t.Destinations(),
			EndedAt:      time.Now(),
			BytesRelayed: info.BytesRelayed,
		})
		s.logger.Infow("stream stopped", "session_id", sess.id)
	}
	state.self.send(&protocol.ControlMessage{Type: protocol.TypeStopped})
}

// onTranscoderExit runs on the supervisor's reaper goroutine. A
// spontaneous exit (crash) is still registered on the session and gets
// broadcast; an explicit stop already deregistered the handle.
func (s *WebSocketServer) onTranscoderExit(sess *session, handle ports.Transcoder, code int) {
	s.metrics.RecordTranscoderExited(code)

	if sess.clearTranscoderIf(handle) {
		s.logger.Warnw("transcoder exited unexpectedly", "session_id", sess.id, "exit_code", code)
		sess.broadcast("", &protocol.ControlMessage{Type: protocol.TypeFFmpegClose, Code: code})
	}
}

// handleChunk forwards one binary frame to the session's transcoder.
// Chunks from non-host roles, or outside a running stream, are dropped
// silently.
func (s *WebSocketServer) handleChunk(state *connState, chunk []byte) {
	if state.sess == nil || state.self.role != domain.RoleHost {
		return
	}
	if state.sess.forwardChunk(chunk) {
		s.metrics.RecordChunkRelayed(len(chunk))
	} else {
		s.metrics.RecordChunkDropped()
	}
}

// authorize validates the shared-secret token on join. A mismatch sends
// an error message and closes the socket.
func (s *WebSocketServer) authorize(conn *websocket.Conn, token string) bool {
	if s.auth == nil {
		return false
	}
	if _, err := s.auth.ValidateToken(token); err != nil {
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		conn.WriteJSON(&protocol.ControlMessage{Type: protocol.TypeError, Error: "unauthorized"})
		return true
	}
	return false
}

// teardown detaches the socket from its session. A host leaving in the
// Streaming state always takes the transcoder down with it; the last
// socket out destroys the session.
func (s *WebSocketServer) teardown(state *connState) {
	if state.sess == nil {
		return
	}
	sess, self := state.sess, state.self

	if self.role == domain.RoleHost {
		if t := sess.takeTranscoder(); t != nil {
			info := sess.snapshot()
			s.logger.Infow("host disconnected while streaming, stopping transcoder", "session_id", sess.id)
			go t.Stop()
			s.registry.recordStream(&domain.StreamRecord{
				SessionID:    sess.id,
				Destinations: t.Destinations(),
				EndedAt:      time.Now(),
				BytesRelayed: info.BytesRelayed,
			})
		}
	}

	remaining := sess.removeClient(self.id)
	s.metrics.RecordClientLeft(sess.id, self.role)
	s.logger.Infow("client left", "session_id", sess.id, "role", self.role, "remaining", remaining)

	if remaining == 0 {
		s.registry.remove(sess.id)
		s.metrics.RecordSessionDestroyed()
	} else {
		sess.broadcast(self.id, &protocol.ControlMessage{Type: protocol.TypePeerLeft, Role: self.role})
		s.registry.persistSnapshot(sess)
	}

	state.sess = nil
	state.self = nil
}

// HealthCheck reports liveness and the current session count.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"sessions":  s.registry.Count(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
