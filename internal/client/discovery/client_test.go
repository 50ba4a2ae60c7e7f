package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testUpgrader = websocket.Upgrader{}

// fakeRendezvous runs a scripted rendezvous endpoint. Each inbound
// register is counted and answered with the configured reply.
type fakeRendezvous struct {
	srv       *httptest.Server
	registers atomic.Int64
	reply     atomic.Value // string
}

func newFakeRendezvous(t *testing.T) *fakeRendezvous {
	t.Helper()

	f := &fakeRendezvous{}
	f.reply.Store(protocol.SignalRegistered)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var msg protocol.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != protocol.SignalRegister {
			return
		}
		f.registers.Add(1)

		conn.WriteJSON(&protocol.SignalMessage{Type: f.reply.Load().(string)})
		if f.reply.Load().(string) != protocol.SignalRegistered {
			return
		}

		// Keep the registration open until the client goes away.
		for {
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRendezvous) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func testConfig(url string) Config {
	return Config{
		ServerURL:         url,
		ReconnectDelay:    10 * time.Millisecond,
		ReconnectAttempts: 3,
	}
}

func TestOpenRegistersIdentity(t *testing.T) {
	f := newFakeRendezvous(t)

	c := NewClient("aether-studio-ab12-host", testConfig(f.url()), zap.NewNop())
	defer c.Close()

	require.NoError(t, c.Open(context.Background()))
	assert.Equal(t, int64(1), f.registers.Load())
	assert.Equal(t, "aether-studio-ab12-host", c.Identity())
}

func TestOpenIdentityTakenIsFatal(t *testing.T) {
	f := newFakeRendezvous(t)
	f.reply.Store(protocol.SignalIDTaken)

	c := NewClient("aether-studio-ab12-host", testConfig(f.url()), zap.NewNop())
	defer c.Close()

	err := c.Open(context.Background())
	require.ErrorIs(t, err, domain.ErrIdentityTaken)

	// A collision must never be retried under the same identity.
	assert.Equal(t, int64(1), f.registers.Load())
}

func TestOpenFailsWhenServerUnreachable(t *testing.T) {
	f := newFakeRendezvous(t)
	url := f.url()
	f.srv.Close()

	c := NewClient("aether-studio-ab12-host", testConfig(url), zap.NewNop())
	defer c.Close()

	err := c.Open(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrIdentityTaken)
}

func TestTerminalOfflineAfterReconnectExhaustion(t *testing.T) {
	f := newFakeRendezvous(t)

	c := NewClient("aether-studio-ab12-host", testConfig(f.url()), zap.NewNop())
	defer c.Close()

	offline := make(chan error, 1)
	c.OnOffline(func(err error) { offline <- err })

	require.NoError(t, c.Open(context.Background()))

	// Take the whole service down; resume attempts must exhaust and
	// surface a terminal cloud-offline state.
	f.srv.CloseClientConnections()
	f.srv.Close()

	select {
	case err := <-offline:
		assert.ErrorIs(t, err, domain.ErrCloudOffline)
	case <-time.After(3 * time.Second):
		t.Fatal("offline handler was not invoked")
	}
}
