package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/payrail/payrail/internal/money"
	"github.com/payrail/payrail/internal/order"
)

// Handler provides HTTP endpoints for dispute resolution.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:disputeId", h.Get)
}

// RegisterProtectedRoutes sets up mutating dispute routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Open)
	r.POST("/disputes/:disputeId/assign", h.Assign)
	r.POST("/disputes/:disputeId/resolve", h.Resolve)
}

// Get handles GET /v1/disputes/:disputeId
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("disputeId"))
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Open handles POST /v1/disputes
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	d, err := h.service.Open(c.Request.Context(), req)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

type assignRequest struct {
	Reviewer string `json:"reviewer" binding:"required"`
}

// Assign handles POST /v1/disputes/:disputeId/assign
func (h *Handler) Assign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	d, err := h.service.Assign(c.Request.Context(), c.Param("disputeId"), req.Reviewer)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/disputes/:disputeId/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("disputeId"), req)
	if err != nil {
		respondDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

func respondDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
	case errors.Is(err, order.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, ErrActiveDispute):
		c.JSON(http.StatusConflict, gin.H{"error": "active_dispute", "message": "Order already has an active dispute"})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": "Dispute already resolved"})
	case errors.Is(err, ErrNotUnderReview):
		c.JSON(http.StatusConflict, gin.H{"error": "not_under_review", "message": "Dispute must be assigned before resolving"})
	case errors.Is(err, ErrInvalidDecision), errors.Is(err, ErrSplitAmountsEmpty):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_decision", "message": err.Error()})
	case errors.Is(err, order.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state_transition", "message": err.Error()})
	case errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Split amounts must be valid and sum to the order amount"})
	default:
		var perr *order.ProviderError
		if errors.As(err, &perr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "message": "Escrow provider call failed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Dispute operation failed"})
	}
}
