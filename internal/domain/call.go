package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CallType distinguishes voice-only calls from video calls
type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

// CallStatus is the lifecycle state of a call record.
// ringing -> answered -> ended is the normal path; rejected, missed and a
// direct ringing -> ended (caller cancel) are the short paths. Terminal
// states are absorbing.
type CallStatus string

const (
	CallStatusRinging  CallStatus = "ringing"
	CallStatusAnswered CallStatus = "answered"
	CallStatusRejected CallStatus = "rejected"
	CallStatusEnded    CallStatus = "ended"
	CallStatusMissed   CallStatus = "missed"
)

// Terminal reports whether the status admits no further transitions
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusRejected, CallStatusEnded, CallStatusMissed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is a legal lifecycle step
func (s CallStatus) CanTransition(next CallStatus) bool {
	switch s {
	case CallStatusRinging:
		return next == CallStatusAnswered || next == CallStatusRejected ||
			next == CallStatusEnded || next == CallStatusMissed
	case CallStatusAnswered:
		return next == CallStatusEnded
	}
	return false
}

// Call is the shared call record, one per call attempt. It is the single
// source of truth for both parties: every mutation is a merge-patch and
// terminal records are retained for history.
type Call struct {
	ID         string     `json:"id"`
	CallerID   uuid.UUID  `json:"caller_id"`
	CallerName string     `json:"caller_name"`
	ReceiverID uuid.UUID  `json:"receiver_id"`
	Type       CallType   `json:"call_type"`
	Status     CallStatus `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Duration   int        `json:"duration"` // seconds, only set for answered calls
}

// NewCallID builds a caller-derived call identifier. The millisecond prefix
// keeps record IDs roughly sortable by creation time.
func NewCallID(callerID uuid.UUID) string {
	return fmt.Sprintf("%d_%s", time.Now().UnixMilli(), callerID)
}
