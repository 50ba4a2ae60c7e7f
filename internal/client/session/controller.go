package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"aetherlive/internal/client/discovery"
	relayclient "aetherlive/internal/client/relay"
	"aetherlive/internal/core/domain"
	"aetherlive/pkg/config"

	"go.uber.org/zap"
)

// ErrTooManyRotations is returned when room-code rotation exceeds its
// bound without finding a free identity.
var ErrTooManyRotations = errors.New("room code rotation limit reached")

// Controller owns the two client transports for one studio session and
// folds their events into a single Status. The discovery channel and
// the relay socket reconnect independently; neither tears the other
// down.
type Controller struct {
	cfg    *config.Config
	token  string
	logger *zap.Logger
	log    *zap.SugaredLogger

	// persist is called whenever the room code changes, so the
	// application can store the new code for the next launch.
	persist func(code string)

	mu       sync.Mutex
	roomCode domain.RoomCode
	status   Status

	disc        *discovery.Client
	relay       *relayclient.Client
	relayCancel context.CancelFunc

	statusCh  chan Status
	closed    chan struct{}
	closeOnce sync.Once
}

func NewController(cfg *config.Config, roomCode domain.RoomCode, token string, persist func(code string), logger *zap.Logger) *Controller {
	if persist == nil {
		persist = func(string) {}
	}
	return &Controller{
		cfg:      cfg,
		token:    token,
		logger:   logger,
		log:      logger.Sugar(),
		persist:  persist,
		roomCode: roomCode,
		statusCh: make(chan Status, 16),
		closed:   make(chan struct{}),
	}
}

// RoomCode returns the currently active room code, which may differ
// from the constructor argument after a collision rotation.
func (c *Controller) RoomCode() domain.RoomCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomCode
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// StatusChanges delivers a snapshot after every transition. Slow
// consumers miss intermediate snapshots, never the latest.
func (c *Controller) StatusChanges() <-chan Status { return c.statusCh }

func (c *Controller) apply(ev EventKind) {
	c.mu.Lock()
	c.status = Apply(c.status, ev)
	snapshot := c.status
	c.mu.Unlock()

	select {
	case c.statusCh <- snapshot:
	default:
		// Drop the stale one so the latest snapshot always fits.
		select {
		case <-c.statusCh:
		default:
		}
		select {
		case c.statusCh <- snapshot:
		default:
		}
	}
}

// Start registers on the discovery channel, rotating the room code on
// identity collisions up to the configured bound, then brings the relay
// connection up. Blocks until the discovery registration settles.
func (c *Controller) Start(ctx context.Context) error {
	if c.roomCode == "" {
		return domain.ErrEmptyRoomCode
	}

	c.apply(EventCloudConnecting)

	for rotation := 0; ; rotation++ {
		identity := domain.DeriveIdentity(c.roomCode, domain.RoleHost, "")

		disc := discovery.NewClient(string(identity), discovery.Config{
			ServerURL:         c.cfg.Client.RendezvousURL,
			ReconnectDelay:    c.cfg.Client.CloudReconnectDelay,
			ReconnectAttempts: c.cfg.Client.CloudReconnectAttempts,
		}, c.logger)
		disc.OnOffline(func(error) {
			c.apply(EventCloudLost)
		})

		err := disc.Open(ctx)
		if err == nil {
			c.disc = disc
			break
		}
		disc.Close()

		if !errors.Is(err, domain.ErrIdentityTaken) {
			c.apply(EventCloudLost)
			return fmt.Errorf("failed to open discovery channel: %w", err)
		}

		// The host identity for this code is held elsewhere. Rotate to a
		// fresh code; retrying the same identity would collide forever.
		if rotation >= c.cfg.Client.MaxRoomRotations {
			c.apply(EventCloudLost)
			return fmt.Errorf("%w after %d attempts", ErrTooManyRotations, rotation+1)
		}

		newCode, err := domain.GenerateRoomCode()
		if err != nil {
			c.apply(EventCloudLost)
			return fmt.Errorf("failed to generate room code: %w", err)
		}
		c.log.Warnw("room code already in use, rotating",
			"old_code", c.roomCode, "new_code", newCode)
		c.mu.Lock()
		c.roomCode = newCode
		c.mu.Unlock()
		c.persist(string(newCode))
	}

	c.apply(EventCloudOpened)
	c.startRelay(ctx)
	return nil
}

func (c *Controller) startRelay(ctx context.Context) {
	sessionID := domain.SessionID(domain.NormalizeRoomCode(c.RoomCode()))

	c.relay = relayclient.NewClient(relayclient.Config{
		URL:               c.cfg.Client.RelayURL,
		SessionID:         sessionID,
		Role:              domain.RoleHost,
		Token:             c.token,
		ReconnectDelay:    c.cfg.Client.RelayReconnectDelay,
		ChunkBufferSize:   c.cfg.Client.ChunkBufferSize,
		KeepaliveInterval: c.cfg.Client.KeepaliveInterval,
	}, c.logger)

	relayCtx, cancel := context.WithCancel(ctx)
	c.relayCancel = cancel

	go c.relay.Run(relayCtx)
	go c.pumpRelayEvents()
}

func (c *Controller) pumpRelayEvents() {
	for {
		select {
		case ev := <-c.relay.Events():
			switch ev.Type {
			case relayclient.EventOnline:
				c.apply(EventRelayOnline)
			case relayclient.EventOffline:
				c.apply(EventRelayOffline)
			case relayclient.EventStarted:
				c.apply(EventStreamStarted)
			case relayclient.EventStopped:
				c.apply(EventStreamStopped)
			case relayclient.EventTranscoderClosed:
				c.log.Warnw("transcoder exited on relay", "exit_code", ev.Code)
				c.apply(EventTranscoderExited)
			case relayclient.EventError:
				c.log.Warnw("relay reported error", "error", ev.Message)
			case relayclient.EventPeerJoined:
				c.log.Infow("peer joined session", "role", ev.Role)
			case relayclient.EventPeerLeft:
				c.log.Infow("peer left session", "role", ev.Role)
			}
		case <-c.closed:
			return
		}
	}
}

// Discovery exposes the open discovery channel for placing calls to
// mobile cameras. Nil before Start succeeds.
func (c *Controller) Discovery() *discovery.Client { return c.disc }

// GoLive asks the relay to start the transcoder. Precondition
// violations are synchronous errors; nothing is partially started.
func (c *Controller) GoLive(streamKey string, destinations []string) error {
	status := c.Status()
	switch {
	case status.Cloud != CloudOnline:
		return domain.ErrCloudOffline
	case status.Relay != RelayOnline:
		return domain.ErrRelayOffline
	case streamKey == "" && len(destinations) == 0:
		return domain.ErrStreamKeyRequired
	case status.Stream == StreamLive:
		return domain.ErrAlreadyLive
	}
	return c.relay.StartStream(streamKey, destinations)
}

// StopLive requests a stream stop. Safe to call when not live; the
// relay acks stop-stream unconditionally.
func (c *Controller) StopLive() error {
	if c.relay == nil {
		return domain.ErrRelayOffline
	}
	return c.relay.StopStream()
}

// SendChunk pushes one outbound media chunk toward the relay. Chunks
// sent while not live are dropped client-side; the relay would drop
// them anyway.
func (c *Controller) SendChunk(chunk []byte) bool {
	if c.Status().Stream != StreamLive {
		return false
	}
	return c.relay.SendChunk(chunk)
}

// Close tears the whole session down: best-effort stop-stream when
// live, then both transports. Idempotent.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if c.relay != nil && c.Status().Stream == StreamLive {
			// Best effort; the server also stops the transcoder when the
			// host socket drops.
			c.relay.StopStream()
		}

		close(c.closed)
		if c.relayCancel != nil {
			c.relayCancel()
		}
		if c.relay != nil {
			c.relay.Close()
		}
		if c.disc != nil {
			c.disc.Close()
		}
	})
}
