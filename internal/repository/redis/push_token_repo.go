package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis.
// Tokens are stored by value (push:token:{value}) with a per-user set
// (push:user:{id}:tokens) so receiver lookup is a single SMEMBERS.
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{
		client: client,
	}
}

func tokenKey(tokenValue string) string {
	return fmt.Sprintf("push:token:%s", tokenValue)
}

func userTokensKey(userID uuid.UUID) string {
	return fmt.Sprintf("push:user:%s:tokens", userID)
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}

	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey(token.Token), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	if err := r.client.SAdd(ctx, userTokensKey(token.UserID), token.Token).Err(); err != nil {
		return fmt.Errorf("failed to add token to user set: %w", err)
	}

	// Token sets age out unless the device keeps re-registering
	if err := r.client.Expire(ctx, userTokensKey(token.UserID), constants.PushTokenExpiry).Err(); err != nil {
		logger.Warn("Failed to set expiration on user tokens set",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	logger.Debug("Push token stored",
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByToken retrieves a token by its value. Returns (nil, nil) when unknown.
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenValue string) (*push.Token, error) {
	data, err := r.client.Get(ctx, tokenKey(tokenValue)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// GetByUserID retrieves all tokens for a user
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	values, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenValue := range values {
		token, err := r.GetByToken(ctx, tokenValue)
		if err != nil {
			logger.Warn("Failed to load token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		if token != nil {
			result = append(result, token)
		}
	}

	return result, nil
}

// Update updates an existing token
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now().Unix()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := r.client.Set(ctx, tokenKey(token.Token), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	return nil
}

// Delete removes a token by its value
func (r *PushTokenRepository) Delete(ctx context.Context, tokenValue string) error {
	token, err := r.GetByToken(ctx, tokenValue)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	if err := r.client.SRem(ctx, userTokensKey(token.UserID), token.Token).Err(); err != nil {
		logger.Warn("Failed to remove token from user set",
			zap.String("user_id", token.UserID.String()),
			zap.Error(err))
	}

	if err := r.client.Del(ctx, tokenKey(tokenValue)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	logger.Debug("Push token deleted",
		zap.String("user_id", token.UserID.String()))

	return nil
}

// Deactivate marks a token as inactive so sends skip it until the device
// re-registers
func (r *PushTokenRepository) Deactivate(ctx context.Context, tokenValue string) error {
	token, err := r.GetByToken(ctx, tokenValue)
	if err != nil {
		return err
	}
	if token == nil {
		return nil
	}

	token.Active = false
	return r.Update(ctx, token)
}
