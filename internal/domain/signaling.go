package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SignalType tags the payload variant carried by a Signal
type SignalType string

const (
	SignalOffer     SignalType = "offer"
	SignalAnswer    SignalType = "answer"
	SignalCandidate SignalType = "ice-candidate"
	SignalHangup    SignalType = "hangup"
)

// SessionDescription is an SDP blob plus its type. Descriptions are plain
// values so they cross the serialization boundary by copy, never by
// reference into engine-owned state.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate mirrors the RTCIceCandidateInit dictionary
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal is one entry of the per-call append-only signaling log. Exactly one
// of Description or Candidate is set, keyed by Type; hangup carries neither.
type Signal struct {
	ID          string              `json:"id"`
	CallID      string              `json:"call_id"`
	Type        SignalType          `json:"type"`
	From        uuid.UUID           `json:"from"`
	To          uuid.UUID           `json:"to"`
	Description *SessionDescription `json:"description,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
	Timestamp   time.Time           `json:"timestamp"` // server-assigned commit time
}

// NewSignalID builds a collision-resistant log key from the call ID, the
// wall-clock milliseconds and a short random suffix. Delivery order still
// comes from the server timestamp, never from the key.
func NewSignalID(callID string) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return fmt.Sprintf("%s_%d_%s", callID, time.Now().UnixMilli(), suffix)
}
