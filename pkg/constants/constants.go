// Package constants defines application-wide constants for timeouts, limits, and durations.
package constants

import "time"

// Time-related constants
const (
	// DefaultTimeout is the default timeout for most operations
	DefaultTimeout = 30 * time.Second

	// WriteTimeout bounds background writes to the call record store
	WriteTimeout = 10 * time.Second

	// WebSocketPingInterval is the interval for WebSocket ping/pong
	WebSocketPingInterval = 54 * time.Second

	// WebSocketWriteTimeout bounds a single WebSocket write
	WebSocketWriteTimeout = 10 * time.Second

	// GracefulShutdownTimeout is the timeout for graceful server shutdown
	GracefulShutdownTimeout = 30 * time.Second
)

// Call lifecycle constants
const (
	// RingTimeout is how long a call may stay ringing before either party
	// drives it to missed. Both sides arm this timer independently.
	RingTimeout = 45 * time.Second

	// TerminalGraceDelay keeps a finished call's outcome visible to UI
	// layers before local call state is cleared.
	TerminalGraceDelay = 3 * time.Second

	// MaxCallDuration is the maximum allowed call duration (24 hours)
	MaxCallDuration = 24 * time.Hour
)

// Signaling constants
const (
	// SignalDrainPause is the pause between applying consecutive signaling
	// messages to the peer connection. A throttle, not a correctness
	// requirement.
	SignalDrainPause = 50 * time.Millisecond
)

// JWT-related constants
const (
	// AccessTokenExpiry is the default access token lifetime
	AccessTokenExpiry = 15 * time.Minute

	// RefreshTokenExpiry is the default refresh token lifetime
	RefreshTokenExpiry = 24 * time.Hour
)

// Push notification constants
const (
	// PushTokenExpiry is the validity period for push notification tokens
	PushTokenExpiry = 30 * 24 * time.Hour // 30 days
)

// Pagination constants
const (
	// DefaultHistoryLimit is the default number of call history entries returned
	DefaultHistoryLimit = 20

	// MaxHistoryLimit is the maximum number of call history entries returned
	MaxHistoryLimit = 100
)
