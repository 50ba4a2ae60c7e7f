package rendezvous

import (
	"net/http"
	"sync"
	"time"

	"aetherlive/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Server is a self-hosted rendezvous endpoint: it holds one socket per
// registered identity and routes signaling envelopes between them
// without inspecting payloads. Deployments that prefer a third-party
// rendezvous cloud simply point clients elsewhere.
type Server struct {
	mu          sync.RWMutex
	connections map[string]*registration

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

type registration struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (r *registration) send(writeTimeout time.Duration, msg *protocol.SignalMessage) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	r.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return r.conn.WriteJSON(msg)
}

func NewServer(logger *zap.Logger) *Server {
	return &Server{
		connections:  make(map[string]*registration),
		pingInterval: 30 * time.Second,
		pongTimeout:  60 * time.Second,
		writeTimeout: 10 * time.Second,
		logger:       logger.Sugar(),
	}
}

// Count reports how many identities are currently registered.
func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// HandleRendezvous upgrades the socket and serves one registration.
// The first message must be a register envelope; a held identity is
// answered with id-taken unless the client marks the attempt as a
// resume of its own lost registration.
func (s *Server) HandleRendezvous(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
	var msg protocol.SignalMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return
	}
	if msg.Type != protocol.SignalRegister || msg.ID == "" {
		s.logger.Warnw("first message was not a valid register, dropping connection")
		return
	}

	identity := msg.ID
	reg := &registration{conn: conn}

	s.mu.Lock()
	existing, held := s.connections[identity]
	if held && !msg.Resume {
		s.mu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		conn.WriteJSON(&protocol.SignalMessage{Type: protocol.SignalIDTaken})
		s.logger.Infow("identity collision rejected", "identity", identity)
		return
	}
	if held {
		// Resume after network loss replaces the stale socket.
		existing.conn.Close()
		s.logger.Infow("closing stale connection for resuming identity", "identity", identity)
	}
	s.connections[identity] = reg
	s.mu.Unlock()

	if err := reg.send(s.writeTimeout, &protocol.SignalMessage{Type: protocol.SignalRegistered}); err != nil {
		s.unregister(identity, reg)
		return
	}
	s.logger.Infow("identity registered", "identity", identity, "resume", msg.Resume)

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	messages := make(chan protocol.SignalMessage, 10)
	errCh := make(chan error, 1)

	// readerDone unblocks the reader's channel send when the select loop
	// below exits with envelopes still queued; closing the connection
	// alone would strand the goroutine mid-send.
	readerDone := make(chan struct{})
	defer close(readerDone)

	go func() {
		for {
			var m protocol.SignalMessage
			if err := conn.ReadJSON(&m); err != nil {
				errCh <- err
				return
			}
			conn.SetReadDeadline(time.Now().Add(s.pongTimeout))
			select {
			case messages <- m:
			case <-readerDone:
				return
			}
		}
	}()

	pingTicker := time.NewTicker(s.pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case m := <-messages:
			s.route(identity, reg, &m)

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("ping failed", "identity", identity, "error", err)
				goto cleanup
			}

		case err := <-errCh:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "identity", identity, "error", err)
			}
			goto cleanup
		}
	}

cleanup:
	s.unregister(identity, reg)
	s.logger.Infow("identity disconnected", "identity", identity)
}

// route forwards one envelope to its target identity. The sender field
// is always overwritten server-side so identities cannot be spoofed.
func (s *Server) route(from string, sender *registration, msg *protocol.SignalMessage) {
	switch msg.Type {
	case protocol.SignalOffer, protocol.SignalAnswer, protocol.SignalCandidate:
	default:
		s.logger.Debugw("unknown rendezvous message ignored", "type", msg.Type, "from", from)
		return
	}

	if msg.To == "" {
		sender.send(s.writeTimeout, &protocol.SignalMessage{Type: protocol.SignalError, Error: "missing target identity"})
		return
	}

	s.mu.RLock()
	target := s.connections[msg.To]
	s.mu.RUnlock()

	if target == nil {
		sender.send(s.writeTimeout, &protocol.SignalMessage{Type: protocol.SignalError, Error: "unknown target identity"})
		return
	}

	msg.From = from
	if err := target.send(s.writeTimeout, msg); err != nil {
		s.logger.Warnw("failed to forward envelope", "from", from, "to", msg.To, "error", err)
	}
}

// unregister removes the identity only if it still maps to this
// registration, so a resumed socket is never torn down by the stale
// one's cleanup.
func (s *Server) unregister(identity string, reg *registration) {
	s.mu.Lock()
	if s.connections[identity] == reg {
		delete(s.connections, identity)
	}
	s.mu.Unlock()
}
