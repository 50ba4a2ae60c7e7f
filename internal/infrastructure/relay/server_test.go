package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/core/ports"
	"aetherlive/internal/core/services"
	"aetherlive/internal/infrastructure/monitoring"
	"aetherlive/internal/protocol"
	"aetherlive/pkg/config"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTranscoder struct {
	mu           sync.Mutex
	destinations []string
	running      bool
	chunks       [][]byte
	stopCalls    int
	exitOnStart  bool
	onExit       func(code int)
}

func (f *fakeTranscoder) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.exitOnStart {
		// Process dies the instant it is spawned, firing the reaper
		// callback before Start even returns to the caller.
		onExit := f.onExit
		f.mu.Unlock()
		onExit(1)
		return nil
	}
	f.running = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTranscoder) Feed(chunk []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return false
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	f.chunks = append(f.chunks, buf)
	return true
}

func (f *fakeTranscoder) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	f.stopCalls++
	return nil
}

func (f *fakeTranscoder) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeTranscoder) Destinations() []string {
	return f.destinations
}

func (f *fakeTranscoder) chunkCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.chunks)
}

func (f *fakeTranscoder) stopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls > 0
}

// crash simulates the process dying on its own, firing the reaper
// callback the way the real supervisor does.
func (f *fakeTranscoder) crash(code int) {
	f.mu.Lock()
	f.running = false
	onExit := f.onExit
	f.mu.Unlock()
	onExit(code)
}

type fakeTranscoderFactory struct {
	mu          sync.Mutex
	spawned     []*fakeTranscoder
	exitOnStart bool
}

func (f *fakeTranscoderFactory) New(sessionID domain.SessionID, destinations []string, onExit func(code int)) (ports.Transcoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &fakeTranscoder{destinations: destinations, exitOnStart: f.exitOnStart, onExit: onExit}
	f.spawned = append(f.spawned, t)
	return t, nil
}

func (f *fakeTranscoderFactory) setExitOnStart(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitOnStart = v
}

func (f *fakeTranscoderFactory) IngestURL(streamKey string) string {
	return "rtmp://ingest.test/live/" + streamKey
}

func (f *fakeTranscoderFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.spawned)
}

func (f *fakeTranscoderFactory) last() *fakeTranscoder {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.spawned) == 0 {
		return nil
	}
	return f.spawned[len(f.spawned)-1]
}

func newTestServer(t *testing.T, auth services.AuthService) (*httptest.Server, *Registry, *fakeTranscoderFactory) {
	t.Helper()

	cfg := config.DefaultConfig()
	logger := zap.NewNop()
	registry := NewRegistry(nil, logger)
	factory := &fakeTranscoderFactory{}
	ws := NewWebSocketServer(registry, factory, auth, monitoring.NopMetrics{}, cfg, logger)

	srv := httptest.NewServer(http.HandlerFunc(ws.HandleRelay))
	t.Cleanup(srv.Close)
	return srv, registry, factory
}

func dialRelay(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendControl(t *testing.T, conn *websocket.Conn, msg *protocol.ControlMessage) {
	t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readControl(t *testing.T, conn *websocket.Conn) *protocol.ControlMessage {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg protocol.ControlMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func joinSession(t *testing.T, conn *websocket.Conn, id domain.SessionID, role domain.Role) {
	t.Helper()
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeJoin, SessionID: id, Role: role})
}

func TestJoinCreatesSession(t *testing.T) {
	srv, registry, _ := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)

	require.Eventually(t, func() bool {
		return registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)

	info, err := registry.Session("ab12")
	require.NoError(t, err)
	assert.True(t, info.HostConnected)
	assert.Equal(t, 1, info.Clients)
	assert.False(t, info.Streaming)
}

func TestStartStreamSpawnsTranscoder(t *testing.T) {
	srv, registry, factory := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream, StreamKey: "yt-key"})

	msg := readControl(t, conn)
	assert.Equal(t, protocol.TypeStarted, msg.Type)

	require.Equal(t, 1, factory.count())
	tr := factory.last()
	require.Equal(t, []string{"rtmp://ingest.test/live/yt-key"}, tr.Destinations())
	assert.True(t, tr.Running())

	info, err := registry.Session("ab12")
	require.NoError(t, err)
	assert.True(t, info.Streaming)
}

func TestStartStreamFansOutToExtraDestinations(t *testing.T) {
	srv, _, factory := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)
	sendControl(t, conn, &protocol.ControlMessage{
		Type:         protocol.TypeStartStream,
		StreamKey:    "yt-key",
		Destinations: []string{"rtmp://backup.test/live/x"},
	})

	msg := readControl(t, conn)
	require.Equal(t, protocol.TypeStarted, msg.Type)

	tr := factory.last()
	require.NotNil(t, tr)
	assert.Equal(t, []string{
		"rtmp://ingest.test/live/yt-key",
		"rtmp://backup.test/live/x",
	}, tr.Destinations())
}

func TestDuplicateStartStreamSpawnsOnce(t *testing.T) {
	srv, _, factory := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)

	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream, StreamKey: "yt-key"})
	require.Equal(t, protocol.TypeStarted, readControl(t, conn).Type)

	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream, StreamKey: "yt-key"})
	require.Equal(t, protocol.TypeStarted, readControl(t, conn).Type)

	assert.Equal(t, 1, factory.count())
}

func TestStartStreamWithoutDestinations(t *testing.T) {
	srv, _, factory := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream})

	msg := readControl(t, conn)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, domain.ErrNoDestinations.Error(), msg.Error)
	assert.Equal(t, 0, factory.count())
}

func TestStartStreamFromNonHostIgnored(t *testing.T) {
	srv, _, factory := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleClient)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream, StreamKey: "yt-key"})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, factory.count())
}

func TestChunksOutsideStreamDropped(t *testing.T) {
	srv, _, factory := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)

	// Before start-stream: dropped silently.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("early")))

	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream, StreamKey: "yt-key"})
	require.Equal(t, protocol.TypeStarted, readControl(t, conn).Type)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("frame-1")))

	tr := factory.last()
	require.Eventually(t, func() bool {
		return tr.chunkCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStopStream})
	require.Equal(t, protocol.TypeStopped, readControl(t, conn).Type)

	// After stop-stream: dropped silently again.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("late")))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, tr.chunkCount())
}

func TestStopStreamStopsTranscoder(t *testing.T) {
	srv, registry, factory := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream, StreamKey: "yt-key"})
	require.Equal(t, protocol.TypeStarted, readControl(t, conn).Type)

	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStopStream})
	require.Equal(t, protocol.TypeStopped, readControl(t, conn).Type)

	tr := factory.last()
	require.Eventually(t, tr.stopped, 2*time.Second, 10*time.Millisecond)

	info, err := registry.Session("ab12")
	require.NoError(t, err)
	assert.False(t, info.Streaming)
}

func TestStopStreamWhenIdleStillAcked(t *testing.T) {
	srv, _, factory := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStopStream})

	assert.Equal(t, protocol.TypeStopped, readControl(t, conn).Type)
	assert.Equal(t, 0, factory.count())
}

func TestHostDisconnectKillsTranscoderAndDestroysSession(t *testing.T) {
	srv, registry, factory := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream, StreamKey: "yt-key"})
	require.Equal(t, protocol.TypeStarted, readControl(t, conn).Type)

	conn.Close()

	tr := factory.last()
	require.Eventually(t, func() bool {
		return tr.stopped() && registry.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPeerPresenceBroadcasts(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	host := dialRelay(t, srv)
	joinSession(t, host, "ab12", domain.RoleHost)

	camera := dialRelay(t, srv)
	joinSession(t, camera, "ab12", domain.RoleClient)

	msg := readControl(t, host)
	assert.Equal(t, protocol.TypePeerJoined, msg.Type)
	assert.Equal(t, domain.RoleClient, msg.Role)

	camera.Close()

	msg = readControl(t, host)
	assert.Equal(t, protocol.TypePeerLeft, msg.Type)
	assert.Equal(t, domain.RoleClient, msg.Role)
}

func TestTranscoderCrashBroadcast(t *testing.T) {
	srv, registry, factory := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream, StreamKey: "yt-key"})
	require.Equal(t, protocol.TypeStarted, readControl(t, conn).Type)

	factory.last().crash(1)

	msg := readControl(t, conn)
	assert.Equal(t, protocol.TypeFFmpegClose, msg.Type)
	assert.Equal(t, 1, msg.Code)

	info, err := registry.Session("ab12")
	require.NoError(t, err)
	assert.False(t, info.Streaming)
}

func TestTranscoderExitDuringStartStillReported(t *testing.T) {
	srv, registry, factory := newTestServer(t, nil)
	factory.setExitOnStart(true)

	conn := dialRelay(t, srv)
	joinSession(t, conn, "ab12", domain.RoleHost)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream, StreamKey: "yt-key"})

	// The process dies before the start ack goes out; the ack and the
	// close notification must both arrive, in either order.
	types := []string{readControl(t, conn).Type, readControl(t, conn).Type}
	assert.Contains(t, types, protocol.TypeStarted)
	assert.Contains(t, types, protocol.TypeFFmpegClose)

	info, err := registry.Session("ab12")
	require.NoError(t, err)
	assert.False(t, info.Streaming)

	// The dead handle must not satisfy the duplicate-start guard: a
	// retry spawns a fresh transcoder.
	factory.setExitOnStart(false)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeStartStream, StreamKey: "yt-key"})
	require.Equal(t, protocol.TypeStarted, readControl(t, conn).Type)
	assert.Equal(t, 2, factory.count())
	assert.True(t, factory.last().Running())
}

func TestReaderGoroutineReleasedAfterAuthClose(t *testing.T) {
	auth := services.NewAuthService("test-secret", time.Hour)
	srv, _, _ := newTestServer(t, auth)

	before := runtime.NumGoroutine()

	for i := 0; i < 8; i++ {
		conn := dialRelay(t, srv)
		sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeJoin, SessionID: "ab12", Role: domain.RoleHost, Token: "garbage"})
		// Flood past the frame queue so the reader is mid-send when the
		// rejected join closes the connection.
		for j := 0; j < 32; j++ {
			conn.WriteMessage(websocket.BinaryMessage, []byte("chunk"))
		}
		conn.Close()
	}

	require.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+2
	}, 3*time.Second, 50*time.Millisecond)
}

func TestJoinRequiresValidToken(t *testing.T) {
	auth := services.NewAuthService("test-secret", time.Hour)
	srv, registry, _ := newTestServer(t, auth)

	conn := dialRelay(t, srv)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeJoin, SessionID: "ab12", Role: domain.RoleHost, Token: "garbage"})

	msg := readControl(t, conn)
	assert.Equal(t, protocol.TypeError, msg.Type)
	assert.Equal(t, "unauthorized", msg.Error)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, registry.Count())
}

func TestJoinWithValidToken(t *testing.T) {
	auth := services.NewAuthService("test-secret", time.Hour)
	srv, registry, _ := newTestServer(t, auth)

	token, err := auth.GenerateToken("studio-host")
	require.NoError(t, err)

	conn := dialRelay(t, srv)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeJoin, SessionID: "ab12", Role: domain.RoleHost, Token: token})

	require.Eventually(t, func() bool {
		return registry.Count() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInvalidJoinIgnored(t *testing.T) {
	srv, registry, _ := newTestServer(t, nil)

	conn := dialRelay(t, srv)
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeJoin, Role: domain.RoleHost})
	sendControl(t, conn, &protocol.ControlMessage{Type: protocol.TypeJoin, SessionID: "ab12", Role: "producer"})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, registry.Count())
}
