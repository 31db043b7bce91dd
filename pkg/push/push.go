package push

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal, low
	Sound    string            `json:"sound,omitempty"`
	Badge    *int              `json:"badge,omitempty"`
	Category string            `json:"category,omitempty"`
}

// CallAlert carries the call fields embedded in call-related notifications.
// The data payload is what wakes the receiving app into its ringing UI.
type CallAlert struct {
	CallID     string    `json:"call_id"`
	CallerID   uuid.UUID `json:"caller_id"`
	CallerName string    `json:"caller_name"`
	CallType   string    `json:"call_type"`
}

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

// Token represents a push notification token for a user
type Token struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	Platform  string    `json:"platform,omitempty"` // ios, android
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID uuid.UUID) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	Delete(ctx context.Context, tokenValue string) error
	Deactivate(ctx context.Context, tokenValue string) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
	}
}

// RegisterToken registers a new push notification token for a user
func (s *Service) RegisterToken(ctx context.Context, token *Token) error {
	// Re-registration of a known token just refreshes it
	existing, err := s.repo.GetByToken(ctx, token.Token)
	if err == nil && existing != nil {
		existing.Active = true
		existing.UpdatedAt = token.UpdatedAt
		existing.Platform = token.Platform
		return s.repo.Update(ctx, existing)
	}

	return s.repo.Store(ctx, token)
}

// UnregisterToken removes a push notification token
func (s *Service) UnregisterToken(ctx context.Context, tokenValue string) error {
	return s.repo.Delete(ctx, tokenValue)
}

// SendCallOffer notifies the receiver about an incoming call. The high
// priority and INCOMING_CALL category are what let a backgrounded app ring.
func (s *Service) SendCallOffer(ctx context.Context, alert *CallAlert, receiverID uuid.UUID) error {
	notification := &Notification{
		Title:    "Incoming Call",
		Body:     fmt.Sprintf("%s is calling you", alert.CallerName),
		Priority: "high",
		Sound:    "default",
		Category: "INCOMING_CALL",
		Data: map[string]string{
			"type":        "call_offer",
			"call_id":     alert.CallID,
			"caller_id":   alert.CallerID.String(),
			"caller_name": alert.CallerName,
			"call_type":   alert.CallType,
		},
	}

	return s.send(ctx, notification, alert.CallID, receiverID)
}

// SendMissedCall notifies the receiver that a ringing call timed out
func (s *Service) SendMissedCall(ctx context.Context, alert *CallAlert, receiverID uuid.UUID) error {
	notification := &Notification{
		Title:    "Missed Call",
		Body:     fmt.Sprintf("You missed a call from %s", alert.CallerName),
		Priority: "normal",
		Sound:    "default",
		Data: map[string]string{
			"type":        "missed_call",
			"call_id":     alert.CallID,
			"caller_id":   alert.CallerID.String(),
			"caller_name": alert.CallerName,
		},
	}

	return s.send(ctx, notification, alert.CallID, receiverID)
}

func (s *Service) send(ctx context.Context, notification *Notification, callID string, receiverID uuid.UUID) error {
	tokens, err := s.repo.GetByUserID(ctx, receiverID)
	if err != nil {
		metrics.PushSendTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to load push tokens: %w", err)
	}

	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}

	if len(active) == 0 {
		logger.Info("No active push tokens for receiver",
			zap.String("call_id", callID),
			zap.String("receiver_id", receiverID.String()))
		metrics.PushSendTotal.WithLabelValues("no_tokens").Inc()
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		metrics.PushSendTotal.WithLabelValues("error").Inc()
		logger.Error("Failed to send push notification",
			zap.String("call_id", callID),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	metrics.PushSendTotal.WithLabelValues("ok").Inc()
	logger.Info("Push notification sent",
		zap.String("call_id", callID),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}

	return nil
}

// handleInvalidTokens marks tokens the provider reported as dead
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		if err := s.repo.Deactivate(ctx, tokenStr); err != nil {
			logger.Warn("Failed to deactivate invalid push token", zap.Error(err))
		}
	}
}

// MockProvider is a mock implementation for development/testing
type MockProvider struct {
	NotificationsSent int
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.NotificationsSent++

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{
		SuccessCount: len(tokens),
	}, nil
}
