package rtc

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"

	"peercall-backend/internal/domain"
)

// PionEngine implements Engine on pion/webrtc with pion/mediadevices capture
type PionEngine struct {
	config        webrtc.Configuration
	codecSelector *mediadevices.CodecSelector
}

// NewPionEngine builds an engine with a STUN-only ICE configuration
func NewPionEngine(stunServers []string) (*PionEngine, error) {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}

	selector, err := newCodecSelector()
	if err != nil {
		return nil, fmt.Errorf("failed to build codec selector: %w", err)
	}

	return &PionEngine{
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{
				{URLs: stunServers},
			},
		},
		codecSelector: selector,
	}, nil
}

// NewPeerConnection creates a peer connection with the engine's codecs
// registered and every track of media attached as sendrecv.
func (e *PionEngine) NewPeerConnection(media MediaStream) (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	e.codecSelector.Populate(mediaEngine)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))

	pc, err := api.NewPeerConnection(e.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	if ms, ok := media.(*pionMediaStream); ok {
		for _, track := range ms.stream.GetTracks() {
			_, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendrecv,
			})
			if err != nil {
				pc.Close()
				return nil, fmt.Errorf("failed to attach track %s: %w", track.ID(), err)
			}
		}
	}

	return &pionPeerConnection{pc: pc}, nil
}

type pionPeerConnection struct {
	pc *webrtc.PeerConnection
}

func (p *pionPeerConnection) CreateOffer() (domain.SessionDescription, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(offer), nil
}

func (p *pionPeerConnection) CreateAnswer() (domain.SessionDescription, error) {
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPionDescription(answer), nil
}

func (p *pionPeerConnection) SetLocalDescription(desc domain.SessionDescription) error {
	return p.pc.SetLocalDescription(toPionDescription(desc))
}

func (p *pionPeerConnection) SetRemoteDescription(desc domain.SessionDescription) error {
	return p.pc.SetRemoteDescription(toPionDescription(desc))
}

func (p *pionPeerConnection) AddICECandidate(cand domain.ICECandidate) error {
	return p.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (p *pionPeerConnection) SignalingState() SignalingState {
	switch p.pc.SignalingState() {
	case webrtc.SignalingStateHaveLocalOffer, webrtc.SignalingStateHaveLocalPranswer:
		return SignalingStateHaveLocalOffer
	case webrtc.SignalingStateHaveRemoteOffer, webrtc.SignalingStateHaveRemotePranswer:
		return SignalingStateHaveRemoteOffer
	case webrtc.SignalingStateClosed:
		return SignalingStateClosed
	}
	return SignalingStateStable
}

func (p *pionPeerConnection) OnICECandidate(fn func(domain.ICECandidate)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering, not a candidate
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.ICECandidate{
			Candidate:        init.Candidate,
			SDPMid:           init.SDPMid,
			SDPMLineIndex:    init.SDPMLineIndex,
			UsernameFragment: init.UsernameFragment,
		})
	})
}

func (p *pionPeerConnection) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{
			ID:   track.ID(),
			Kind: track.Kind().String(),
		})
	})
}

func (p *pionPeerConnection) Close() error {
	return p.pc.Close()
}

func toPionDescription(d domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
}

func fromPionDescription(d webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{
		Type: d.Type.String(),
		SDP:  d.SDP,
	}
}
