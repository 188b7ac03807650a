// Package peer wraps one WebRTC peer connection in the "perfect
// negotiation" pattern: either side may renegotiate at any time, and
// simultaneous offers are resolved by a fixed polite/impolite role instead
// of coordination. The impolite side keeps its own offer; the polite side
// rolls its own back and yields.
package peer

import (
	"sync"
	"time"

	"peer-call/pkg/log"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// Transport is the slice of *webrtc.PeerConnection the negotiation
// algorithm needs.
type Transport interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	SignalingState() webrtc.SignalingState
	Close() error
}

type Negotiator struct {
	tr     Transport
	polite bool

	mu             sync.Mutex
	offering       bool
	ignoringOffers bool

	localSDPHandler  func(webrtc.SessionDescription)
	candidateHandler func(webrtc.ICECandidateInit)
	trackHandler     func(*webrtc.TrackRemote)
	connectedHandler func()
	failedHandler    func()
}

type Config struct {
	STUN          []string
	CodecSelector *mediadevices.CodecSelector
}

// New allocates a peer connection with the role fixed for its lifetime.
func New(cfg Config, isPolite bool) (*Negotiator, error) {
	ice := make([]webrtc.ICEServer, len(cfg.STUN))

	for i, stun := range cfg.STUN {
		ice[i] = webrtc.ICEServer{
			URLs: []string{"stun:" + stun},
		}
	}

	mediaEngine := &webrtc.MediaEngine{}

	if cfg.CodecSelector != nil {
		cfg.CodecSelector.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	settings := webrtc.SettingEngine{}
	settings.SetICETimeouts(15*time.Minute, 25*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	)

	conn, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: ice,
	})
	if err != nil {
		return nil, err
	}

	n := newNegotiator(conn, isPolite)

	conn.OnNegotiationNeeded(n.negotiate)

	conn.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate != nil {
			n.candidateHandler(candidate.ToJSON())
		}
	})

	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info("receiving remote ", track.Kind())
		n.trackHandler(track)
	})

	conn.OnConnectionStateChange(n.handleConnectionState)

	return n, nil
}

func newNegotiator(tr Transport, isPolite bool) *Negotiator {
	return &Negotiator{
		tr:               tr,
		polite:           isPolite,
		localSDPHandler:  func(webrtc.SessionDescription) {},
		candidateHandler: func(webrtc.ICECandidateInit) {},
		trackHandler:     func(*webrtc.TrackRemote) {},
		connectedHandler: func() {},
		failedHandler:    func() {},
	}
}

func (n *Negotiator) OnLocalSDP(h func(webrtc.SessionDescription)) {
	n.localSDPHandler = h
}

func (n *Negotiator) OnCandidate(h func(webrtc.ICECandidateInit)) {
	n.candidateHandler = h
}

func (n *Negotiator) OnRemoteTrack(h func(*webrtc.TrackRemote)) {
	n.trackHandler = h
}

func (n *Negotiator) OnConnected(h func()) {
	n.connectedHandler = h
}

func (n *Negotiator) OnFailed(h func()) {
	n.failedHandler = h
}

func (n *Negotiator) Close() {
	if err := n.tr.Close(); err != nil {
		log.Error("close peer connection: ", err)
	}
}

// AddLocalTracks attaches captured tracks, which kicks off renegotiation.
func (n *Negotiator) AddLocalTracks(stream mediadevices.MediaStream) error {
	for _, track := range stream.GetTracks() {
		log.Info("sending local ", track.Kind())

		if _, err := n.tr.AddTrack(track); err != nil {
			return err
		}
	}

	return nil
}

// AddRemoteCandidate forwards a relayed ICE candidate. Errors are expected
// while a colliding offer is being ignored, since a dropped offer leaves
// orphaned candidates behind; they are swallowed.
func (n *Negotiator) AddRemoteCandidate(candidate webrtc.ICECandidateInit) {
	if err := n.tr.AddICECandidate(candidate); err != nil {
		n.mu.Lock()
		ignoring := n.ignoringOffers
		n.mu.Unlock()

		if !ignoring {
			log.Error("add remote candidate: ", err)
		}
	}
}

// AddRemoteDescription runs the collision-resolution core. When the remote
// description was an offer and got accepted, the synthesized local answer is
// handed to onAnswer for relaying.
func (n *Negotiator) AddRemoteDescription(desc webrtc.SessionDescription, onAnswer func(webrtc.SessionDescription)) error {
	n.mu.Lock()

	collision := desc.Type == webrtc.SDPTypeOffer &&
		(n.offering || n.tr.SignalingState() != webrtc.SignalingStateStable)

	n.ignoringOffers = !n.polite && collision
	ignoring := n.ignoringOffers

	n.mu.Unlock()

	if ignoring {
		log.Debug("ignoring colliding remote offer")

		return nil
	}

	if collision {
		// Polite side of a collision: drop the local offer, take theirs.
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}

		if err := n.tr.SetLocalDescription(rollback); err != nil {
			log.Error("rollback: ", err)
		}
	}

	if err := n.tr.SetRemoteDescription(desc); err != nil {
		return err
	}

	if desc.Type != webrtc.SDPTypeOffer {
		return nil
	}

	answer, err := n.tr.CreateAnswer(nil)
	if err != nil {
		return err
	}

	if err := n.tr.SetLocalDescription(answer); err != nil {
		return err
	}

	if onAnswer != nil {
		onAnswer(answer)
	}

	return nil
}

// negotiate runs whenever the transport wants a new offer. Losing the race
// against a negotiation that is already in flight is not an error; the
// attempt is just abandoned.
func (n *Negotiator) negotiate() {
	n.mu.Lock()
	n.offering = true
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		n.offering = false
		n.mu.Unlock()
	}()

	offer, err := n.tr.CreateOffer(nil)
	if err != nil {
		log.Error("create offer: ", err)

		return
	}

	if n.tr.SignalingState() != webrtc.SignalingStateStable {
		log.Debug("abandoning negotiation, signaling state not stable")

		return
	}

	if err := n.tr.SetLocalDescription(offer); err != nil {
		log.Error("set local offer: ", err)

		return
	}

	n.localSDPHandler(offer)
}

func (n *Negotiator) handleConnectionState(state webrtc.PeerConnectionState) {
	log.Info("connection state changed: ", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		n.connectedHandler()
	case webrtc.PeerConnectionStateFailed:
		n.failedHandler()
	}
}
