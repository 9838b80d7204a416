package order

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/payrail/payrail/internal/money"
)

// Handler provides HTTP endpoints for order orchestration.
type Handler struct {
	service *Service
}

// NewHandler creates a new order handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/orders/:orderId", h.Get)
	r.GET("/orders", h.List)
}

// RegisterProtectedRoutes sets up mutating order routes. The caller is
// expected to have wrapped the group with auth and idempotency middleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Create)
	r.POST("/orders/:orderId/reserve", h.ReserveFunds)
	r.POST("/orders/:orderId/cancel", h.Cancel)
	r.POST("/orders/:orderId/escrow", h.CreateEscrow)
	r.POST("/orders/:orderId/escrow/fund", h.FundEscrow)
	r.POST("/orders/:orderId/milestones/:ref/complete", h.CompleteMilestone)
	r.POST("/orders/:orderId/release", h.RequestRelease)
	r.POST("/orders/:orderId/refund", h.RequestRefund)
}

// RegisterWebhookRoutes sets up the provider callback intake. These carry
// provider-reported state through the same transition validation as the
// API paths.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/escrow", h.EscrowWebhook)
}

// Get handles GET /v1/orders/:orderId
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// List handles GET /v1/orders?user=u1
func (h *Handler) List(c *gin.Context) {
	user := c.Query("user")
	if user == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "user query parameter required"})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	orders, err := h.service.ListByUser(c.Request.Context(), user, limit)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	if orders == nil {
		orders = []*Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// Create handles POST /v1/orders
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// ReserveFunds handles POST /v1/orders/:orderId/reserve
func (h *Handler) ReserveFunds(c *gin.Context) {
	h.mutate(c, h.service.ReserveFunds)
}

// Cancel handles POST /v1/orders/:orderId/cancel
func (h *Handler) Cancel(c *gin.Context) {
	h.mutate(c, h.service.Cancel)
}

// CreateEscrow handles POST /v1/orders/:orderId/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	h.mutate(c, h.service.CreateEscrow)
}

// FundEscrow handles POST /v1/orders/:orderId/escrow/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	h.mutate(c, h.service.FundEscrow)
}

// RequestRelease handles POST /v1/orders/:orderId/release
func (h *Handler) RequestRelease(c *gin.Context) {
	h.mutate(c, h.service.RequestRelease)
}

// RequestRefund handles POST /v1/orders/:orderId/refund
func (h *Handler) RequestRefund(c *gin.Context) {
	h.mutate(c, h.service.RequestRefund)
}

// CompleteMilestone handles POST /v1/orders/:orderId/milestones/:ref/complete
func (h *Handler) CompleteMilestone(c *gin.Context) {
	o, err := h.service.CompleteMilestone(c.Request.Context(), c.Param("orderId"), c.Param("ref"))
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

type escrowWebhookRequest struct {
	OrderID string `json:"orderId" binding:"required"`
	Status  string `json:"status" binding:"required"`
}

// EscrowWebhook handles POST /v1/webhooks/escrow
func (h *Handler) EscrowWebhook(c *gin.Context) {
	var req escrowWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid webhook payload"})
		return
	}
	o, applied, err := h.service.ApplyProviderState(c.Request.Context(), req.OrderID, ProviderStatus(req.Status))
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o, "applied": applied})
}

// mutate runs one status-changing operation keyed by the orderId param.
func (h *Handler) mutate(c *gin.Context, op func(ctx context.Context, orderID string) (*Order, error)) {
	o, err := op(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		respondOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

func respondOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Order not found"})
	case errors.Is(err, ErrMilestoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "milestone_not_found", "message": "Milestone not found"})
	case errors.Is(err, ErrMilestoneCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": "milestone_completed", "message": "Milestone already completed"})
	case errors.Is(err, ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state_transition", "message": err.Error()})
	case errors.Is(err, ErrMilestonesIncomplete):
		c.JSON(http.StatusConflict, gin.H{"error": "milestones_incomplete", "message": "All milestones must be completed before release"})
	case errors.Is(err, ErrSameParty):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Buyer and seller must differ"})
	case errors.Is(err, ErrMilestoneSum):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_milestones", "message": "Milestone amounts must sum to the order amount"})
	case errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a positive decimal with two fractional digits"})
	case errors.Is(err, ErrEscrowExists):
		c.JSON(http.StatusConflict, gin.H{"error": "escrow_exists", "message": "Order already has an escrow"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Order was modified concurrently, retry"})
	default:
		var perr *ProviderError
		if errors.As(err, &perr) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "message": "Escrow provider call failed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Order operation failed"})
	}
}
