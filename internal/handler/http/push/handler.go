package push

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/push"
	"peercall-backend/pkg/response"
)

// Handler handles push token HTTP requests
type Handler struct {
	pushService *push.Service
}

// NewHandler creates a new push token handler
func NewHandler(pushService *push.Service) *Handler {
	return &Handler{
		pushService: pushService,
	}
}

// RegisterTokenRequest represents a request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android"`
}

// RegisterToken registers a push token for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	now := time.Now().Unix()
	token := &push.Token{
		ID:        uuid.New(),
		UserID:    userID,
		Token:     req.Token,
		Type:      req.Type,
		Platform:  req.Platform,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		logger.Error("Failed to register push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to register token")
		return
	}

	logger.Info("Push token registered",
		zap.String("user_id", userID.String()),
		zap.String("token_type", string(req.Type)))

	response.Success(c, http.StatusOK, gin.H{
		"message": "Token registered",
	})
}

// UnregisterTokenRequest represents a request to remove a push token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// UnregisterToken removes a push token
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), req.Token); err != nil {
		logger.Error("Failed to unregister push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to unregister token")
		return
	}

	logger.Info("Push token unregistered",
		zap.String("user_id", userID.String()))

	response.Success(c, http.StatusOK, gin.H{
		"message": "Token unregistered",
	})
}
