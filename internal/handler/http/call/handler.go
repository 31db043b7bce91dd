package call

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"peercall-backend/internal/domain"
	callsvc "peercall-backend/internal/service/call"
	"peercall-backend/pkg/constants"
	"peercall-backend/pkg/response"
)

// Handler handles call lifecycle HTTP requests
type Handler struct {
	callService *callsvc.Service
}

// NewHandler creates a new call handler
func NewHandler(callService *callsvc.Service) *Handler {
	return &Handler{
		callService: callService,
	}
}

// InitiateCallRequest represents a call initiation request
type InitiateCallRequest struct {
	ReceiverID string `json:"receiver_id" binding:"required,uuid"`
	CallType   string `json:"call_type" binding:"required,oneof=voice video"`
}

// InitiateCall starts ringing a new outbound call
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		response.ValidationError(c, "Invalid receiver ID")
		return
	}

	callerName := ""
	if name, exists := c.Get("username"); exists {
		callerName, _ = name.(string)
	}

	call, err := h.callService.Initiate(c.Request.Context(), receiverID, domain.CallType(req.CallType), callerName)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, call)
}

// AcceptCall answers a ringing inbound call
// POST /v1/calls/:id/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	callID := c.Param("id")

	if err := h.callService.Accept(c.Request.Context(), callID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call accepted",
		"call_id": callID,
	})
}

// RejectCall declines a ringing inbound call
// POST /v1/calls/:id/reject
func (h *Handler) RejectCall(c *gin.Context) {
	callID := c.Param("id")

	if err := h.callService.Reject(c.Request.Context(), callID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call rejected",
		"call_id": callID,
	})
}

// EndCall terminates a call from either side
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID := c.Param("id")

	if err := h.callService.End(c.Request.Context(), callID); err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"message": "Call ended",
		"call_id": callID,
	})
}

// GetCall retrieves one call record
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID := c.Param("id")

	call, err := h.callService.Get(c.Request.Context(), callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetHistory lists recent calls involving the local user, newest first
// GET /v1/calls/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := constants.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.ValidationError(c, "Invalid limit")
			return
		}
		limit = parsed
	}

	calls, err := h.callService.History(c.Request.Context(), limit)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}
