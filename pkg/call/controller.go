// Package call runs the presence and call-negotiation protocol on top of
// the session layer: peers announce themselves on the shared channel,
// arbitrate a single active call with offer/accept/close messages, and relay
// opaque negotiation payloads between their media engines.
package call

import (
	"encoding/json"
	"sync"
	"time"

	"peer-call/pkg/log"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

const defaultPeerTTL = 45 * time.Second

type Config struct {
	// Name is the display name announced with every presence message.
	Name string

	// AutoAnswer accepts an incoming offer immediately when idle.
	AutoAnswer bool

	PeerTTL time.Duration
	Now     func() time.Time
}

type Controller struct {
	cfg   Config
	sig   Signaler
	media Media
	dial  func(isPolite bool) (Negotiator, error)

	mu         sync.Mutex
	phase      Phase
	remoteID   string
	neg        Negotiator
	subscribed bool
	peers      map[string]*PeerInfo
	offers     map[string]*pendingOffer

	incomingHandler func(clientID, name string)
	stateHandler    func(phase Phase, remoteID string)
	peersHandler    func([]PeerInfo)
}

func New(cfg Config, sig Signaler, media Media, dial func(isPolite bool) (Negotiator, error)) *Controller {
	if cfg.PeerTTL == 0 {
		cfg.PeerTTL = defaultPeerTTL
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Controller{
		cfg:             cfg,
		sig:             sig,
		media:           media,
		dial:            dial,
		peers:           map[string]*PeerInfo{},
		offers:          map[string]*pendingOffer{},
		incomingHandler: func(clientID, name string) { log.Infof("incoming offer from %s (%s)", clientID, name) },
		stateHandler:    func(phase Phase, remoteID string) {},
		peersHandler:    func([]PeerInfo) {},
	}
}

func (c *Controller) OnIncoming(h func(clientID, name string)) {
	c.incomingHandler = h
}

func (c *Controller) OnStateChange(h func(phase Phase, remoteID string)) {
	c.stateHandler = h
}

func (c *Controller) OnPeersChanged(h func([]PeerInfo)) {
	c.peersHandler = h
}

func (c *Controller) Phase() (Phase, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.phase, c.remoteID
}

func (c *Controller) Peers() []PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	peers := make([]PeerInfo, 0, len(c.peers))

	for _, p := range c.peers {
		peers = append(peers, *p)
	}

	return peers
}

// SendOffer starts a call toward clientID: capture local media, tell the
// peer, mark ourselves unavailable. The offer is re-announced on every ping
// tick until answered, since the relay is neither reliable nor ordered.
func (c *Controller) SendOffer(clientID string) error {
	c.mu.Lock()

	if c.phase != PhaseIdle {
		phase := c.phase
		c.mu.Unlock()

		return errors.Errorf("busy: %s", phase)
	}

	c.phase = PhaseOffering
	c.remoteID = clientID

	c.mu.Unlock()
	c.notifyState()

	log.Info("offering call to ", clientID)

	// The initiating side ends up impolite once the accept arrives.
	if err := c.startCall(clientID, false); err != nil {
		c.teardown()

		return err
	}

	c.sendAction(clientID, actionOffer)
	c.publishStatus(statusUnavailable)

	return nil
}

// AcceptOffer answers a pending incoming offer as the polite side.
func (c *Controller) AcceptOffer(clientID string) error {
	c.mu.Lock()

	if c.phase != PhaseIdle {
		phase := c.phase
		c.mu.Unlock()

		return errors.Errorf("busy: %s", phase)
	}

	c.phase = PhaseConnecting
	c.remoteID = clientID
	delete(c.offers, clientID)

	c.mu.Unlock()
	c.notifyState()

	log.Info("accepting offer from ", clientID)

	if err := c.startCall(clientID, true); err != nil {
		c.sendAction(clientID, actionError)
		c.teardown()

		return err
	}

	c.sendAction(clientID, actionAccept)
	c.publishStatus(statusUnavailable)

	return c.attachTracks(clientID)
}

// IgnoreOffer drops a pending incoming offer without answering. The remote
// keeps re-announcing until it gives up or its peer record expires.
func (c *Controller) IgnoreOffer(clientID string) {
	c.mu.Lock()
	delete(c.offers, clientID)
	c.mu.Unlock()
}

// Hangup closes the active call locally and tells the remote side.
func (c *Controller) Hangup() {
	c.mu.Lock()

	if c.phase == PhaseIdle {
		c.mu.Unlock()

		return
	}

	remoteID := c.remoteID

	c.mu.Unlock()

	c.sendAction(remoteID, actionClose)
	c.teardown()
}

// Shutdown hangs up and signs off from the channel.
func (c *Controller) Shutdown() {
	c.Hangup()
	c.publishStatus(statusGone)
}

// Session-layer handlers, wired up by the owner.

// HandleSubscribed announces arrival. Peers answer the ready broadcast with
// a direct "available", so the newcomer learns about everyone even though it
// missed their earlier broadcasts.
func (c *Controller) HandleSubscribed() {
	c.mu.Lock()
	c.subscribed = true
	c.mu.Unlock()

	c.sig.Publish(presenceMsg{PeerStatus: statusReady, PeerName: c.cfg.Name}, func() {
		log.Info("announced on channel")
	}, func(err error) {
		log.Error("channel access: ", err)
	})
}

// HandlePing runs the periodic housekeeping that rides on the keepalive:
// re-announce a pending outbound offer, re-broadcast availability, and sweep
// peers and offers whose TTL lapsed.
func (c *Controller) HandlePing() {
	c.mu.Lock()
	phase := c.phase
	remoteID := c.remoteID
	c.mu.Unlock()

	switch phase {
	case PhaseOffering:
		c.sendAction(remoteID, actionOffer)
	case PhaseIdle:
		c.publishStatus(statusAvailable)
	}

	for _, clientID := range c.sweep() {
		if clientID == remoteID && phase == PhaseOffering {
			// The peer we are calling silently left the channel.
			log.Info("peer left while being offered: ", clientID)
			c.teardown()
		}
	}
}

// HandleDisconnect clears channel-derived state. An established call is
// left alone: the media path is direct and survives a signaling drop.
func (c *Controller) HandleDisconnect() {
	c.mu.Lock()
	c.subscribed = false
	c.peers = map[string]*PeerInfo{}
	c.offers = map[string]*pendingOffer{}
	c.mu.Unlock()

	c.notifyPeers()
}

// HandleEvent processes a presence broadcast from another peer.
func (c *Controller) HandleEvent(clientID string, body json.RawMessage) {
	msg := messageBody{}

	if err := json.Unmarshal(body, &msg); err != nil {
		log.Error("malformed presence event: ", err)

		return
	}

	switch msg.PeerStatus {
	case statusReady:
		c.handleReady(clientID, msg.PeerName)
	case statusAvailable:
		c.addPeer(clientID, msg.PeerName)
	case statusUnavailable:
		c.removePeer(clientID)
	case statusGone:
		c.handleGone(clientID)
	default:
		log.Errorf("unhandled presence %q from %s", msg.PeerStatus, clientID)
	}
}

// HandleMessage processes a direct message: call control, a direct
// availability nudge, or an opaque negotiation payload detected by shape.
func (c *Controller) HandleMessage(from string, body json.RawMessage) {
	msg := messageBody{}

	if err := json.Unmarshal(body, &msg); err != nil {
		log.Error("malformed message: ", err)

		return
	}

	if msg.PeerAction != "" {
		switch msg.PeerAction {
		case actionOffer:
			c.handleOffer(from, msg.PeerName)
		case actionAccept:
			c.handleAccept(from)
		case actionClose:
			c.handleClose(from)
		case actionError:
			c.handleError(from)
		default:
			log.Errorf("unhandled action %q from %s", msg.PeerAction, from)
		}

		return
	}

	if msg.PeerStatus == statusAvailable {
		c.addPeer(from, msg.PeerName)

		return
	}

	keys := map[string]json.RawMessage{}

	if err := json.Unmarshal(body, &keys); err != nil {
		log.Error("malformed message: ", err)

		return
	}

	if _, ok := keys["candidate"]; ok {
		c.handleCandidate(from, body)

		return
	}

	if _, ok := keys["sdp"]; ok {
		c.handleSDP(from, body)

		return
	}

	log.Error("unhandled message from ", from)
}

// Inbound call control.

func (c *Controller) handleOffer(from, name string) {
	c.addPeer(from, name)

	c.mu.Lock()
	phase := c.phase
	remoteID := c.remoteID
	c.mu.Unlock()

	if phase != PhaseIdle {
		if from != remoteID {
			// Busy with someone else; refuse without disturbing the
			// active call.
			c.sendAction(from, actionClose)

			return
		}

		if phase == PhaseOffering && c.sig.ClientID() < from {
			// Both sides offered at once. The smaller client ID yields
			// and accepts, so exactly one accept is sent and the roles
			// come out asymmetric.
			log.Info("offer collision with ", from)
			c.abandonOffer()

			if err := c.AcceptOffer(from); err != nil {
				log.Error("accept after collision: ", err)
			}
		}

		// Otherwise a re-announced duplicate of a known offer: no-op.
		return
	}

	c.mu.Lock()
	_, known := c.offers[from]
	c.offers[from] = &pendingOffer{name: name, receivedAt: c.cfg.Now()}
	c.mu.Unlock()

	if c.cfg.AutoAnswer {
		if err := c.AcceptOffer(from); err != nil {
			log.Error("auto answer: ", err)
		}
	} else if !known {
		c.incomingHandler(from, name)
	}
}

func (c *Controller) handleAccept(from string) {
	c.mu.Lock()

	if c.phase != PhaseOffering || from != c.remoteID {
		c.mu.Unlock()
		log.Debug("stray accept from ", from)

		return
	}

	c.phase = PhaseConnecting

	c.mu.Unlock()
	c.notifyState()

	log.Info("offer accepted by ", from)

	if err := c.attachTracks(from); err != nil {
		log.Error("attach tracks: ", err)
	}
}

func (c *Controller) handleClose(from string) {
	c.mu.Lock()
	delete(c.offers, from)
	phase := c.phase
	remoteID := c.remoteID
	c.mu.Unlock()

	if phase == PhaseIdle || from != remoteID {
		return
	}

	if phase == PhaseOffering {
		log.Info("peer rejected offer: ", from)
	} else {
		log.Info("peer closed call: ", from)
	}

	c.teardown()
}

func (c *Controller) handleError(from string) {
	c.mu.Lock()
	delete(c.offers, from)
	phase := c.phase
	remoteID := c.remoteID
	c.mu.Unlock()

	if phase == PhaseIdle || from != remoteID {
		return
	}

	log.Error("peer failed to connect: ", from)
	c.teardown()
}

func (c *Controller) handleReady(clientID, name string) {
	c.mu.Lock()
	delete(c.offers, clientID)
	idle := c.phase == PhaseIdle
	c.mu.Unlock()

	c.addPeer(clientID, name)

	if idle {
		// Broadcasts sent before the newcomer finished subscribing were
		// lost; tell it directly.
		c.sig.SendMessage(clientID, presenceMsg{
			PeerStatus: statusAvailable,
			PeerName:   c.cfg.Name,
		}, nil, func(err error) {
			log.Error("send available: ", err)
		})
	}
}

func (c *Controller) handleGone(clientID string) {
	c.removePeer(clientID)

	c.mu.Lock()
	delete(c.offers, clientID)
	active := c.phase != PhaseIdle && clientID == c.remoteID
	c.mu.Unlock()

	if active {
		log.Info("peer left channel: ", clientID)
		c.teardown()
	}
}

// Negotiation payload relay.

func (c *Controller) handleSDP(from string, body json.RawMessage) {
	neg, ok := c.activeNegotiator(from)
	if !ok {
		log.Debug("sdp from inactive peer ", from)

		return
	}

	desc := webrtc.SessionDescription{}

	if err := json.Unmarshal(body, &desc); err != nil {
		log.Error("malformed sdp: ", err)

		return
	}

	err := neg.AddRemoteDescription(desc, func(answer webrtc.SessionDescription) {
		c.sendPayload(from, answer)
	})
	if err != nil {
		log.Error("add remote sdp: ", err)
	}
}

func (c *Controller) handleCandidate(from string, body json.RawMessage) {
	neg, ok := c.activeNegotiator(from)
	if !ok {
		log.Debug("candidate from inactive peer ", from)

		return
	}

	candidate := webrtc.ICECandidateInit{}

	if err := json.Unmarshal(body, &candidate); err != nil {
		log.Error("malformed candidate: ", err)

		return
	}

	neg.AddRemoteCandidate(candidate)
}

func (c *Controller) activeNegotiator(from string) (Negotiator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.neg == nil || from != c.remoteID {
		return nil, false
	}

	return c.neg, true
}

// Call lifecycle helpers.

// startCall allocates the negotiation engine and captures local media. The
// phase slot must already be reserved by the caller.
func (c *Controller) startCall(clientID string, polite bool) error {
	neg, err := c.dial(polite)
	if err != nil {
		return errors.Wrap(err, "peer connection")
	}

	c.wireNegotiator(neg, clientID)

	if err := c.media.Start(); err != nil {
		neg.Close()

		return errors.Wrap(err, "local media")
	}

	c.mu.Lock()
	c.neg = neg
	c.mu.Unlock()

	return nil
}

func (c *Controller) wireNegotiator(neg Negotiator, clientID string) {
	neg.OnLocalSDP(func(desc webrtc.SessionDescription) {
		c.sendPayload(clientID, desc)
	})

	neg.OnCandidate(func(candidate webrtc.ICECandidateInit) {
		c.sendPayload(clientID, candidate)
	})

	neg.OnRemoteTrack(func(*webrtc.TrackRemote) {
		c.handleRemoteTrack(clientID)
	})

	neg.OnFailed(func() {
		c.mu.Lock()
		active := c.phase != PhaseIdle && clientID == c.remoteID
		c.mu.Unlock()

		if !active {
			return
		}

		log.Error("media transport failed: ", clientID)
		c.sendAction(clientID, actionError)
		c.teardown()
	})
}

func (c *Controller) attachTracks(clientID string) error {
	c.mu.Lock()
	neg := c.neg
	c.mu.Unlock()

	if neg == nil {
		return errors.New("no active negotiation")
	}

	if err := neg.AddLocalTracks(c.media.Stream()); err != nil {
		c.sendAction(clientID, actionError)
		c.teardown()

		return errors.Wrap(err, "attach tracks")
	}

	return nil
}

// handleRemoteTrack marks the call connected on the first remote track.
func (c *Controller) handleRemoteTrack(clientID string) {
	c.mu.Lock()

	connected := c.phase == PhaseConnecting && clientID == c.remoteID
	if connected {
		c.phase = PhaseConnected
	}

	c.mu.Unlock()

	if connected {
		log.Info("call connected: ", clientID)
		c.notifyState()
	}
}

// teardown releases the media and the engine on every close path and
// re-announces availability.
func (c *Controller) teardown() {
	c.mu.Lock()

	neg := c.neg
	c.neg = nil
	wasIdle := c.phase == PhaseIdle
	c.phase = PhaseIdle
	c.remoteID = ""

	c.mu.Unlock()

	if wasIdle && neg == nil {
		return
	}

	c.media.Stop()

	if neg != nil {
		neg.Close()
	}

	c.publishStatus(statusAvailable)
	c.notifyState()
}

// abandonOffer quietly releases an outbound attempt that lost a collision,
// making room to accept the remote offer instead. No messages are sent.
func (c *Controller) abandonOffer() {
	c.mu.Lock()
	neg := c.neg
	c.neg = nil
	c.phase = PhaseIdle
	c.remoteID = ""
	c.mu.Unlock()

	if neg != nil {
		neg.Close()
	}

	c.media.Stop()
}

// Presence bookkeeping.

func (c *Controller) addPeer(clientID, name string) {
	c.mu.Lock()

	p := c.peers[clientID]
	changed := p == nil || p.Name != name

	c.peers[clientID] = &PeerInfo{
		ClientID:   clientID,
		Name:       name,
		LastSeenAt: c.cfg.Now(),
	}

	c.mu.Unlock()

	if changed {
		c.notifyPeers()
	}
}

func (c *Controller) removePeer(clientID string) {
	c.mu.Lock()

	_, known := c.peers[clientID]
	delete(c.peers, clientID)

	c.mu.Unlock()

	if known {
		c.notifyPeers()
	}
}

// sweep purges peers and pending offers whose TTL lapsed, recovering from
// missed gone notifications. Returns the expired peer IDs.
func (c *Controller) sweep() []string {
	c.mu.Lock()

	now := c.cfg.Now()
	expired := []string{}

	for clientID, p := range c.peers {
		if now.Sub(p.LastSeenAt) > c.cfg.PeerTTL {
			delete(c.peers, clientID)
			expired = append(expired, clientID)
			log.Debug("expired peer ", clientID)
		}
	}

	for clientID, offer := range c.offers {
		if now.Sub(offer.receivedAt) > c.cfg.PeerTTL {
			delete(c.offers, clientID)
			log.Debug("expired offer from ", clientID)
		}
	}

	c.mu.Unlock()

	if len(expired) > 0 {
		c.notifyPeers()
	}

	return expired
}

// Outbound helpers.

func (c *Controller) sendAction(clientID, action string) {
	c.sig.SendMessage(clientID, actionMsg{
		PeerAction: action,
		PeerName:   c.cfg.Name,
	}, nil, func(err error) {
		log.Errorf("send %s to %s: %v", action, clientID, err)
	})
}

func (c *Controller) sendPayload(clientID string, payload any) {
	c.sig.SendMessage(clientID, payload, nil, func(err error) {
		log.Errorf("relay to %s: %v", clientID, err)
	})
}

func (c *Controller) publishStatus(status string) {
	c.mu.Lock()
	subscribed := c.subscribed
	c.mu.Unlock()

	if !subscribed {
		return
	}

	c.sig.Publish(presenceMsg{
		PeerStatus: status,
		PeerName:   c.cfg.Name,
	}, nil, func(err error) {
		log.Error("publish presence: ", err)
	})
}

func (c *Controller) notifyState() {
	c.mu.Lock()
	phase := c.phase
	remoteID := c.remoteID
	c.mu.Unlock()

	c.stateHandler(phase, remoteID)
}

func (c *Controller) notifyPeers() {
	c.peersHandler(c.Peers())
}
