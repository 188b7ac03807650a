package call

import (
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
)

// Signaler is the only surface the call package needs from the session
// layer: who we are, broadcast to the channel, message one peer.
type Signaler interface {
	ClientID() string
	Publish(data any, onSuccess func(), onError func(error))
	SendMessage(clientID string, data any, onSuccess func(), onError func(error))
}

// Negotiator is one perfect-negotiation engine, bound to one remote peer
// for the lifetime of a call.
type Negotiator interface {
	OnLocalSDP(func(webrtc.SessionDescription))
	OnCandidate(func(webrtc.ICECandidateInit))
	OnRemoteTrack(func(*webrtc.TrackRemote))
	OnFailed(func())

	AddLocalTracks(stream mediadevices.MediaStream) error
	AddRemoteDescription(desc webrtc.SessionDescription, onAnswer func(webrtc.SessionDescription)) error
	AddRemoteCandidate(candidate webrtc.ICECandidateInit)
	Close()
}

// Media owns the local capture devices. The active call borrows the stream
// and every close path must end in Stop.
type Media interface {
	Start() error
	Stop()
	Stream() mediadevices.MediaStream
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseOffering
	PhaseConnecting
	PhaseConnected
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseOffering:
		return "offering"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	}

	return "unknown"
}

// Presence statuses broadcast on the channel.
const (
	statusReady       = "ready"
	statusAvailable   = "available"
	statusUnavailable = "unavailable"
	statusGone        = "gone"
)

// Call-control actions sent as direct messages.
const (
	actionOffer  = "offer"
	actionAccept = "accept"
	actionClose  = "close"
	actionError  = "error"
)

type presenceMsg struct {
	PeerStatus string `json:"peerStatus"`
	PeerName   string `json:"peerName,omitempty"`
}

type actionMsg struct {
	PeerAction string `json:"peerAction"`
	PeerName   string `json:"peerName,omitempty"`
}

// messageBody is the first-pass decode of any inbound body; SDP and
// candidate payloads fall through and are detected by key presence.
type messageBody struct {
	PeerAction string `json:"peerAction"`
	PeerStatus string `json:"peerStatus"`
	PeerName   string `json:"peerName"`
}

// PeerInfo is one remote participant seen via presence.
type PeerInfo struct {
	ClientID   string
	Name       string
	LastSeenAt time.Time
}

type pendingOffer struct {
	name       string
	receivedAt time.Time
}
