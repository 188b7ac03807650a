package peer

import (
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
)

type fakeConn struct {
	state webrtc.SignalingState

	local  []webrtc.SessionDescription
	remote []webrtc.SessionDescription

	candidateErr error
	candidates   []webrtc.ICECandidateInit
	closed       bool
}

func (f *fakeConn) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (f *fakeConn) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (f *fakeConn) SetLocalDescription(desc webrtc.SessionDescription) error {
	f.local = append(f.local, desc)

	return nil
}

func (f *fakeConn) SetRemoteDescription(desc webrtc.SessionDescription) error {
	f.remote = append(f.remote, desc)

	return nil
}

func (f *fakeConn) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	if f.candidateErr != nil {
		return f.candidateErr
	}

	f.candidates = append(f.candidates, candidate)

	return nil
}

func (f *fakeConn) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return nil, nil
}

func (f *fakeConn) SignalingState() webrtc.SignalingState {
	return f.state
}

func (f *fakeConn) Close() error {
	f.closed = true

	return nil
}

func remoteOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "remote-offer"}
}

func TestOfferAnsweredWhenStable(t *testing.T) {
	conn := &fakeConn{state: webrtc.SignalingStateStable}
	n := newNegotiator(conn, false)

	var answer *webrtc.SessionDescription

	err := n.AddRemoteDescription(remoteOffer(), func(desc webrtc.SessionDescription) {
		answer = &desc
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(conn.remote) != 1 || conn.remote[0].SDP != "remote-offer" {
		t.Fatalf("remote description not applied: %v", conn.remote)
	}

	if answer == nil || answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("no answer produced: %v", answer)
	}

	if len(conn.local) != 1 || conn.local[0].Type != webrtc.SDPTypeAnswer {
		t.Fatalf("answer not set locally: %v", conn.local)
	}
}

func TestImpoliteIgnoresCollidingOffer(t *testing.T) {
	conn := &fakeConn{state: webrtc.SignalingStateStable}
	n := newNegotiator(conn, false)

	n.mu.Lock()
	n.offering = true
	n.mu.Unlock()

	answered := false

	err := n.AddRemoteDescription(remoteOffer(), func(webrtc.SessionDescription) {
		answered = true
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(conn.remote) != 0 {
		t.Fatal("colliding offer applied despite the impolite role")
	}

	if answered {
		t.Fatal("colliding offer answered despite the impolite role")
	}

	// Candidates belonging to the dropped offer produce errors; those must
	// be swallowed while ignoring.
	conn.candidateErr = errors.New("no pending remote description")
	n.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "orphan"})
}

func TestPoliteRollsBackOnCollision(t *testing.T) {
	conn := &fakeConn{state: webrtc.SignalingStateStable}
	n := newNegotiator(conn, true)

	n.mu.Lock()
	n.offering = true
	n.mu.Unlock()

	var answer *webrtc.SessionDescription

	err := n.AddRemoteDescription(remoteOffer(), func(desc webrtc.SessionDescription) {
		answer = &desc
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(conn.local) != 2 {
		t.Fatalf("expected rollback and answer, got %v", conn.local)
	}

	if conn.local[0].Type != webrtc.SDPTypeRollback {
		t.Fatalf("expected a rollback first, got %s", conn.local[0].Type)
	}

	if len(conn.remote) != 1 || conn.remote[0].SDP != "remote-offer" {
		t.Fatal("remote offer not applied after the rollback")
	}

	if answer == nil || conn.local[1].Type != webrtc.SDPTypeAnswer {
		t.Fatal("no answer after yielding")
	}
}

func TestUnstableStateCountsAsCollision(t *testing.T) {
	conn := &fakeConn{state: webrtc.SignalingStateHaveLocalOffer}
	n := newNegotiator(conn, false)

	if err := n.AddRemoteDescription(remoteOffer(), nil); err != nil {
		t.Fatal(err)
	}

	if len(conn.remote) != 0 {
		t.Fatal("offer applied while a local offer was outstanding")
	}
}

func TestCollisionRolesAreComplementary(t *testing.T) {
	// Both sides offering at once: exactly one side applies the remote
	// offer, so the pair cannot deadlock or double-answer.
	applied := 0

	for _, polite := range []bool{true, false} {
		conn := &fakeConn{state: webrtc.SignalingStateStable}
		n := newNegotiator(conn, polite)

		n.mu.Lock()
		n.offering = true
		n.mu.Unlock()

		if err := n.AddRemoteDescription(remoteOffer(), nil); err != nil {
			t.Fatal(err)
		}

		applied += len(conn.remote)
	}

	if applied != 1 {
		t.Fatalf("expected exactly one side to yield, %d did", applied)
	}
}

func TestAnswerAppliedDirectly(t *testing.T) {
	conn := &fakeConn{state: webrtc.SignalingStateHaveLocalOffer}
	n := newNegotiator(conn, false)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "remote-answer"}

	called := false

	err := n.AddRemoteDescription(answer, func(webrtc.SessionDescription) {
		called = true
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(conn.remote) != 1 || conn.remote[0].SDP != "remote-answer" {
		t.Fatal("remote answer not applied")
	}

	if called || len(conn.local) != 0 {
		t.Fatal("an answer must not produce a counter-answer")
	}
}

func TestNegotiateEmitsOffer(t *testing.T) {
	conn := &fakeConn{state: webrtc.SignalingStateStable}
	n := newNegotiator(conn, false)

	var sent *webrtc.SessionDescription

	n.OnLocalSDP(func(desc webrtc.SessionDescription) {
		sent = &desc
	})

	n.negotiate()

	if len(conn.local) != 1 || conn.local[0].Type != webrtc.SDPTypeOffer {
		t.Fatalf("offer not set locally: %v", conn.local)
	}

	if sent == nil || sent.SDP != "local-offer" {
		t.Fatal("offer not handed to the relay")
	}

	n.mu.Lock()
	offering := n.offering
	n.mu.Unlock()

	if offering {
		t.Fatal("offering flag stuck after negotiation")
	}
}

func TestNegotiateAbandonedWhenNotStable(t *testing.T) {
	conn := &fakeConn{state: webrtc.SignalingStateHaveRemoteOffer}
	n := newNegotiator(conn, false)

	sent := false

	n.OnLocalSDP(func(webrtc.SessionDescription) {
		sent = true
	})

	n.negotiate()

	if len(conn.local) != 0 || sent {
		t.Fatal("negotiation not abandoned in an unstable state")
	}
}

func TestCandidateErrorLoggedWhenNotIgnoring(t *testing.T) {
	conn := &fakeConn{state: webrtc.SignalingStateStable}
	n := newNegotiator(conn, false)

	n.AddRemoteCandidate(webrtc.ICECandidateInit{Candidate: "host 127.0.0.1"})

	if len(conn.candidates) != 1 {
		t.Fatal("candidate not forwarded")
	}
}

func TestCloseClosesTransport(t *testing.T) {
	conn := &fakeConn{state: webrtc.SignalingStateStable}
	n := newNegotiator(conn, true)

	n.Close()

	if !conn.closed {
		t.Fatal("transport left open")
	}
}
