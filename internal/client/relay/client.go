package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/protocol"
	"aetherlive/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType classifies what the relay connection reports upward to the
// session controller.
type EventType string

const (
	// EventOnline fires after every successful (re)join. A reconnect is
	// always a stream interruption, never a transparent resume.
	EventOnline  EventType = "online"
	EventOffline EventType = "offline"

	EventStarted          EventType = "started"
	EventStopped          EventType = "stopped"
	EventTranscoderClosed EventType = "transcoder-closed"
	EventError            EventType = "error"
	EventPeerJoined       EventType = "peer-joined"
	EventPeerLeft         EventType = "peer-left"
)

type Event struct {
	Type    EventType
	Role    domain.Role
	Code    int
	Message string
}

type Config struct {
	URL               string
	SessionID         domain.SessionID
	Role              domain.Role
	Token             string
	ReconnectDelay    time.Duration
	ChunkBufferSize   int
	KeepaliveInterval time.Duration
	WriteTimeout      time.Duration
}

// Client keeps one relay socket open, rejoining after every drop. Media
// chunks flow through a bounded buffer; when the buffer is full new
// chunks are dropped so memory and latency stay bounded.
type Client struct {
	cfg    Config
	logger *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	online  atomic.Bool
	dropped atomic.Int64

	chunks chan []byte
	events chan Event

	closed    chan struct{}
	closeOnce sync.Once
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.ChunkBufferSize <= 0 {
		cfg.ChunkBufferSize = 32
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		logger: logger.Sugar(),
		chunks: make(chan []byte, cfg.ChunkBufferSize),
		events: make(chan Event, 16),
		closed: make(chan struct{}),
	}
}

// Events exposes connection and stream lifecycle events to the session
// controller.
func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) Online() bool { return c.online.Load() }

// DroppedChunks reports how many chunks were discarded under
// backpressure since the client was created.
func (c *Client) DroppedChunks() int64 { return c.dropped.Load() }

// Run keeps the relay connection alive until the context is cancelled
// or the client is closed. Reconnection is unbounded with a fixed
// delay; a self-hosted relay going away briefly is normal.
func (c *Client) Run(ctx context.Context) {
	policy := retry.FixedPolicy(0, c.cfg.ReconnectDelay)
	policy.Do(ctx, func() error {
		select {
		case <-c.closed:
			return nil
		default:
		}
		return c.runOnce(ctx)
	})
}

// runOnce dials, joins, and pumps the connection until it drops.
// Returns nil only on deliberate shutdown.
func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}

	// The server holds no state across reconnects; join is mandatory
	// every time.
	join := &protocol.ControlMessage{
		Type:      protocol.TypeJoin,
		Role:      c.cfg.Role,
		SessionID: c.cfg.SessionID,
		Token:     c.cfg.Token,
	}
	if err := conn.WriteJSON(join); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send join: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.online.Store(true)
	c.emit(Event{Type: EventOnline})
	c.logger.Infow("relay connected", "session_id", c.cfg.SessionID, "role", c.cfg.Role)

	pumpDone := make(chan struct{})
	go c.writePump(conn, pumpDone)

	var readErr error
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		if mt != websocket.TextMessage {
			continue
		}
		c.handleControl(data)
	}

	c.online.Store(false)
	close(pumpDone)
	conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	select {
	case <-c.closed:
		return nil
	default:
	}

	c.emit(Event{Type: EventOffline})
	c.logger.Warnw("relay connection lost", "session_id", c.cfg.SessionID, "error", readErr)
	return readErr
}

// writePump drains the chunk buffer onto the socket and keeps the
// connection alive with periodic pings.
func (c *Client) writePump(conn *websocket.Conn, done chan struct{}) {
	interval := c.cfg.KeepaliveInterval
	if interval == 0 {
		interval = 15 * time.Second
	}
	keepalive := time.NewTicker(interval)
	defer keepalive.Stop()

	for {
		select {
		case chunk := <-c.chunks:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.BinaryMessage, chunk)
			c.writeMu.Unlock()
			if err != nil {
				return
			}

		case <-keepalive.C:
			c.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}

		case <-done:
			return
		case <-c.closed:
			return
		}
	}
}

func (c *Client) handleControl(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Warnw("malformed relay message ignored", "error", err)
		return
	}

	switch msg.Type {
	case protocol.TypeStarted:
		c.emit(Event{Type: EventStarted})
	case protocol.TypeStopped:
		c.emit(Event{Type: EventStopped})
	case protocol.TypeFFmpegClose:
		c.emit(Event{Type: EventTranscoderClosed, Code: msg.Code})
	case protocol.TypeError:
		c.emit(Event{Type: EventError, Message: msg.Error})
	case protocol.TypePeerJoined:
		c.emit(Event{Type: EventPeerJoined, Role: msg.Role})
	case protocol.TypePeerLeft:
		c.emit(Event{Type: EventPeerLeft, Role: msg.Role})
	default:
		c.logger.Debugw("unknown relay message ignored", "type", msg.Type)
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warnw("event buffer full, dropping event", "type", ev.Type)
	}
}

// SendChunk queues one media chunk for delivery. Returns false when the
// chunk was dropped: relay offline, or the buffer is full.
func (c *Client) SendChunk(chunk []byte) bool {
	if !c.online.Load() {
		return false
	}

	buf := make([]byte, len(chunk))
	copy(buf, chunk)

	select {
	case c.chunks <- buf:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// StartStream asks the relay to spawn the transcoder. The started ack
// arrives asynchronously as EventStarted.
func (c *Client) StartStream(streamKey string, destinations []string) error {
	return c.sendControl(&protocol.ControlMessage{
		Type:         protocol.TypeStartStream,
		StreamKey:    streamKey,
		Destinations: destinations,
		Token:        c.cfg.Token,
	})
}

func (c *Client) StopStream() error {
	return c.sendControl(&protocol.ControlMessage{Type: protocol.TypeStopStream})
}

func (c *Client) sendControl(msg *protocol.ControlMessage) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrRelayOffline
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteJSON(msg)
}

// Close shuts the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.mu.Unlock()
		c.online.Store(false)

		if conn != nil {
			conn.Close()
		}
	})
}
