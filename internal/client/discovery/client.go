package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"aetherlive/internal/core/domain"
	"aetherlive/internal/protocol"
	"aetherlive/pkg/retry"

	"github.com/gorilla/websocket"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config carries the rendezvous endpoint and reconnect schedule for one
// discovery client.
type Config struct {
	ServerURL         string
	ReconnectDelay    time.Duration
	ReconnectAttempts int
	ICEServers        []webrtc.ICEServer
	CallTimeout       time.Duration
}

// RemoteTrackHandler receives media pushed by a remote peer, such as a
// mobile camera calling into the studio.
type RemoteTrackHandler func(from string, track *webrtc.TrackRemote)

// Client holds one registration on the rendezvous service under a fixed
// peer identity and brokers WebRTC connections through it. Exactly one
// registration exists per identity; a collision is fatal for the
// identity and surfaces as domain.ErrIdentityTaken.
type Client struct {
	identity string
	cfg      Config
	logger   *zap.SugaredLogger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	peers   map[string]*webrtc.PeerConnection
	answers map[string]chan string

	onRemoteTrack RemoteTrackHandler
	onOffline     func(err error)
	onKeyframe    func(peer string)

	closed    chan struct{}
	closeOnce sync.Once
}

func NewClient(identity string, cfg Config, logger *zap.Logger) *Client {
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	return &Client{
		identity: identity,
		cfg:      cfg,
		logger:   logger.Sugar(),
		peers:    make(map[string]*webrtc.PeerConnection),
		answers:  make(map[string]chan string),
		closed:   make(chan struct{}),
	}
}

func (c *Client) Identity() string { return c.identity }

// OnRemoteTrack installs the handler for inbound media. Must be set
// before Open.
func (c *Client) OnRemoteTrack(h RemoteTrackHandler) { c.onRemoteTrack = h }

// OnOffline installs the handler fired once when the reconnect schedule
// is exhausted and the registration is terminally lost.
func (c *Client) OnOffline(h func(err error)) { c.onOffline = h }

// OnKeyframeRequest installs the handler fired when a remote viewer
// signals picture loss on a track this client is sending.
func (c *Client) OnKeyframeRequest(h func(peer string)) { c.onKeyframe = h }

// Open registers the identity and starts the read loop. An identity
// collision returns domain.ErrIdentityTaken without retrying; transient
// dial failures follow the bounded reconnect policy.
func (c *Client) Open(ctx context.Context) error {
	policy := retry.FixedPolicy(c.cfg.ReconnectAttempts, c.cfg.ReconnectDelay)
	if err := policy.Do(ctx, func() error {
		return c.register(ctx, false)
	}); err != nil {
		return err
	}

	go c.readLoop()
	return nil
}

// register dials the rendezvous service and claims the identity. resume
// marks a reconnect of an existing registration after network loss.
func (c *Client) register(ctx context.Context, resume bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial rendezvous service: %w", err)
	}

	if err := conn.WriteJSON(&protocol.SignalMessage{Type: protocol.SignalRegister, ID: c.identity, Resume: resume}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to send register: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var reply protocol.SignalMessage
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read register reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	switch reply.Type {
	case protocol.SignalRegistered:
	case protocol.SignalIDTaken:
		conn.Close()
		// Another connection holds this identity. Retrying is incorrect;
		// the caller must rotate the room code.
		return &retry.Permanent{Err: domain.ErrIdentityTaken}
	default:
		conn.Close()
		return fmt.Errorf("unexpected register reply %q", reply.Type)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Infow("registered on rendezvous service", "identity", c.identity, "resume", resume)
	return nil
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		var msg protocol.SignalMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.closed:
				return
			default:
			}
			c.logger.Warnw("rendezvous connection lost, reconnecting", "identity", c.identity, "error", err)
			if !c.reconnect() {
				return
			}
			continue
		}

		switch msg.Type {
		case protocol.SignalOffer:
			c.handleOffer(&msg)
		case protocol.SignalAnswer:
			c.handleAnswer(&msg)
		case protocol.SignalCandidate:
			c.handleCandidate(&msg)
		default:
			c.logger.Debugw("unknown rendezvous message ignored", "type", msg.Type)
		}
	}
}

// reconnect resumes the existing registration after transient network
// loss. Returns false when the schedule is exhausted or the client was
// closed; exhaustion fires the offline handler exactly once.
func (c *Client) reconnect() bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	policy := retry.FixedPolicy(c.cfg.ReconnectAttempts, c.cfg.ReconnectDelay)
	err := policy.Do(ctx, func() error {
		return c.register(ctx, true)
	})
	if err == nil {
		return true
	}

	select {
	case <-c.closed:
		return false
	default:
	}

	c.logger.Errorw("rendezvous reconnect exhausted, cloud offline", "identity", c.identity, "error", err)
	if c.onOffline != nil {
		c.onOffline(domain.ErrCloudOffline)
	}
	return false
}

func (c *Client) send(msg *protocol.SignalMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return domain.ErrCloudOffline
	}
	return conn.WriteJSON(msg)
}

// Call pushes a local track to the peer registered under destIdentity
// and blocks until the signaling handshake completes.
func (c *Client) Call(ctx context.Context, destIdentity string, track *webrtc.TrackLocalStaticRTP) error {
	pc, err := c.newPeerConnection(destIdentity)
	if err != nil {
		return err
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to add track: %w", err)
	}
	go c.readRTCP(destIdentity, sender)

	answerCh := make(chan string, 1)
	c.mu.Lock()
	c.peers[destIdentity] = pc
	c.answers[destIdentity] = answerCh
	c.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		c.dropPeer(destIdentity)
		return fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		c.dropPeer(destIdentity)
		return fmt.Errorf("failed to set local description: %w", err)
	}

	payload, _ := json.Marshal(&sdpPayload{SDP: offer.SDP})
	if err := c.send(&protocol.SignalMessage{Type: protocol.SignalOffer, From: c.identity, To: destIdentity, Payload: payload}); err != nil {
		c.dropPeer(destIdentity)
		return err
	}

	select {
	case sdp := <-answerCh:
		answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
		if err := pc.SetRemoteDescription(answer); err != nil {
			c.dropPeer(destIdentity)
			return fmt.Errorf("failed to set remote description: %w", err)
		}
		return nil
	case <-time.After(c.cfg.CallTimeout):
		c.dropPeer(destIdentity)
		return fmt.Errorf("call to %s timed out", destIdentity)
	case <-ctx.Done():
		c.dropPeer(destIdentity)
		return ctx.Err()
	case <-c.closed:
		return domain.ErrCloudOffline
	}
}

func (c *Client) newPeerConnection(peer string) (*webrtc.PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: c.cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		payload, _ := json.Marshal(&candidatePayload{Candidate: candidate.ToJSON().Candidate})
		c.send(&protocol.SignalMessage{Type: protocol.SignalCandidate, From: c.identity, To: peer, Payload: payload})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debugw("peer connection state changed", "peer", peer, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			c.dropPeer(peer)
		}
	})

	return pc, nil
}

// handleOffer answers an inbound call automatically and forwards its
// remote tracks to the installed handler.
func (c *Client) handleOffer(msg *protocol.SignalMessage) {
	var payload sdpPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Warnw("malformed offer ignored", "from", msg.From, "error", err)
		return
	}

	pc, err := c.newPeerConnection(msg.From)
	if err != nil {
		c.logger.Errorw("failed to create peer connection for inbound call", "from", msg.From, "error", err)
		return
	}

	from := msg.From
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Infow("remote track received", "from", from, "kind", track.Kind().String())
		if c.onRemoteTrack != nil {
			c.onRemoteTrack(from, track)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}); err != nil {
		c.logger.Errorw("failed to set remote offer", "from", from, "error", err)
		pc.Close()
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.logger.Errorw("failed to create answer", "from", from, "error", err)
		pc.Close()
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		c.logger.Errorw("failed to set local answer", "from", from, "error", err)
		pc.Close()
		return
	}

	c.mu.Lock()
	c.peers[from] = pc
	c.mu.Unlock()

	data, _ := json.Marshal(&sdpPayload{SDP: answer.SDP})
	c.send(&protocol.SignalMessage{Type: protocol.SignalAnswer, From: c.identity, To: from, Payload: data})
}

func (c *Client) handleAnswer(msg *protocol.SignalMessage) {
	var payload sdpPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Warnw("malformed answer ignored", "from", msg.From, "error", err)
		return
	}

	c.mu.Lock()
	ch := c.answers[msg.From]
	delete(c.answers, msg.From)
	c.mu.Unlock()

	if ch == nil {
		c.logger.Warnw("answer for unknown call ignored", "from", msg.From)
		return
	}
	ch <- payload.SDP
}

func (c *Client) handleCandidate(msg *protocol.SignalMessage) {
	var payload candidatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		c.logger.Warnw("malformed candidate ignored", "from", msg.From, "error", err)
		return
	}

	c.mu.Lock()
	pc := c.peers[msg.From]
	c.mu.Unlock()
	if pc == nil {
		return
	}

	if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: payload.Candidate}); err != nil {
		c.logger.Warnw("failed to add ICE candidate", "from", msg.From, "error", err)
	}
}

// readRTCP drains sender reports for an outbound track. Picture loss
// indications surface as keyframe requests.
func (c *Client) readRTCP(peer string, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if _, ok := packet.(*rtcp.PictureLossIndication); ok {
				c.logger.Debugw("picture loss indication received", "peer", peer)
				if c.onKeyframe != nil {
					c.onKeyframe(peer)
				}
			}
		}
	}
}

func (c *Client) dropPeer(peer string) {
	c.mu.Lock()
	pc := c.peers[peer]
	delete(c.peers, peer)
	delete(c.answers, peer)
	c.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
}

// Close tears the registration down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		peers := c.peers
		c.peers = make(map[string]*webrtc.PeerConnection)
		c.mu.Unlock()

		if conn != nil {
			conn.Close()
		}
		for _, pc := range peers {
			pc.Close()
		}
	})
}
