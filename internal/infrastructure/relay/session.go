package relay

import (
	"sync"
	"time"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/core/ports"
	"aetherlive/internal/protocol"

	"github.com/gorilla/websocket"
)

// client is one socket attached to a session, tagged with its declared
// role. Writes are serialized through writeMu; gorilla connections do
// not allow concurrent writers.
type client struct {
	id   string
	role domain.Role
	conn *websocket.Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration
}

func (c *client) send(msg *protocol.ControlMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(msg)
}

// session is the registry entry for one room: its socket set, at most
// one transcoder, and diagnostic counters. All mutation goes through the
// per-session mutex; sessions never share state.
type session struct {
	id domain.SessionID

	mu            sync.Mutex
	clients       map[string]*client
	transcoder    ports.Transcoder
	bytesRelayed  int64
	chunksDropped int64
	createdAt     time.Time
	lastActivity  time.Time
}

func newSession(id domain.SessionID) *session {
	now := time.Now()
	return &session{
		id:           id,
		clients:      make(map[string]*client),
		createdAt:    now,
		lastActivity: now,
	}
}

func (s *session) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c
	s.lastActivity = time.Now()
}

// removeClient detaches a socket and reports how many remain.
func (s *session) removeClient(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, id)
	s.lastActivity = time.Now()
	return len(s.clients)
}

// setTranscoder registers a transcoder if none is running. Returns false
// when one is already registered (the at-most-one invariant).
func (s *session) setTranscoder(t ports.Transcoder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcoder != nil {
		return false
	}
	s.transcoder = t
	return true
}

// takeTranscoder deregisters and returns the current transcoder, if any.
func (s *session) takeTranscoder() ports.Transcoder {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.transcoder
	s.transcoder = nil
	return t
}

// clearTranscoderIf deregisters t only when it is still the registered
// transcoder. Returns false when t was already replaced or removed, so a
// late exit callback from an explicitly stopped process is ignored.
func (s *session) clearTranscoderIf(t ports.Transcoder) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transcoder != t {
		return false
	}
	s.transcoder = nil
	return true
}

func (s *session) streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcoder != nil
}

// forwardChunk hands one binary frame to the transcoder input. Chunks
// arriving with no transcoder registered are dropped silently; a full
// queue counts as a drop too.
func (s *session) forwardChunk(chunk []byte) bool {
	s.mu.Lock()
	t := s.transcoder
	s.mu.Unlock()

	if t == nil {
		return false
	}
	if !t.Feed(chunk) {
		s.mu.Lock()
		s.chunksDropped++
		s.mu.Unlock()
		return false
	}

	s.mu.Lock()
	s.bytesRelayed += int64(len(chunk))
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return true
}

// broadcast sends msg to every client except the one named by exceptID.
// Send failures are ignored; the failing socket's own read loop handles
// its teardown.
func (s *session) broadcast(exceptID string, msg *protocol.ControlMessage) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for id, c := range s.clients {
		if id != exceptID {
			targets = append(targets, c)
		}
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.send(msg)
	}
}

func (s *session) snapshot() *domain.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	hostConnected := false
	for _, c := range s.clients {
		if c.role == domain.RoleHost {
			hostConnected = true
			break
		}
	}

	return &domain.SessionInfo{
		ID:            s.id,
		Clients:       len(s.clients),
		HostConnected: hostConnected,
		Streaming:     s.transcoder != nil,
		BytesRelayed:  s.bytesRelayed,
		ChunksDropped: s.chunksDropped,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
	}
}
