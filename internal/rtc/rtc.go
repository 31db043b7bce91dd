// Package rtc wraps the native WebRTC engine behind narrow interfaces so the
// negotiation layer can be driven without real media hardware in tests.
package rtc

import "peercall-backend/internal/domain"

// SignalingState is the subset of the peer connection state machine the
// negotiation layer gates on.
type SignalingState int

const (
	SignalingStateStable SignalingState = iota
	SignalingStateHaveLocalOffer
	SignalingStateHaveRemoteOffer
	SignalingStateClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStateStable:
		return "stable"
	case SignalingStateHaveLocalOffer:
		return "have-local-offer"
	case SignalingStateHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStateClosed:
		return "closed"
	}
	return "unknown"
}

// RemoteTrack describes an inbound media track surfaced by the engine
type RemoteTrack struct {
	ID   string
	Kind string // "audio" or "video"
}

// MediaStream is a handle on captured local media
type MediaStream interface {
	ID() string
	Close()
}

// PeerConnection is the contract the negotiation layer drives. Description
// failures are fatal to a session; AddICECandidate fails independently per
// candidate and callers must treat that as non-fatal.
type PeerConnection interface {
	CreateOffer() (domain.SessionDescription, error)
	CreateAnswer() (domain.SessionDescription, error)
	SetLocalDescription(desc domain.SessionDescription) error
	SetRemoteDescription(desc domain.SessionDescription) error
	AddICECandidate(cand domain.ICECandidate) error
	SignalingState() SignalingState
	OnICECandidate(fn func(domain.ICECandidate))
	OnTrack(fn func(RemoteTrack))
	Close() error
}

// Engine creates local media streams and peer connections
type Engine interface {
	// CaptureMedia acquires the microphone and, when video is set, the
	// camera. A single attempt; fallback policy belongs to the caller.
	CaptureMedia(video bool) (MediaStream, error)
	NewPeerConnection(media MediaStream) (PeerConnection, error)
}
