package transfers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/payrail/payrail/internal/ledger"
	"github.com/payrail/payrail/internal/metrics"
	"github.com/payrail/payrail/internal/money"
)

// Handler provides HTTP endpoints for top-ups and withdrawals.
type Handler struct {
	service *Service
}

// NewHandler creates a new transfers handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only transfer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/topups/:topupId", h.GetTopUp)
	r.GET("/withdrawals/:withdrawalId", h.GetWithdrawal)
}

// RegisterProtectedRoutes sets up mutating transfer routes. The caller is
// expected to have wrapped the group with auth and idempotency middleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/topups", h.InitiateTopUp)
	r.POST("/withdrawals", h.CreateWithdrawal)
}

// RegisterWebhookRoutes sets up the custodial provider callback intake.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/custodial", h.CustodialWebhook)
}

// GetTopUp handles GET /v1/topups/:topupId
func (h *Handler) GetTopUp(c *gin.Context) {
	t, err := h.service.GetTopUp(c.Request.Context(), c.Param("topupId"))
	if err != nil {
		respondTransferError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"topup": t})
}

// GetWithdrawal handles GET /v1/withdrawals/:withdrawalId
func (h *Handler) GetWithdrawal(c *gin.Context) {
	w, err := h.service.GetWithdrawal(c.Request.Context(), c.Param("withdrawalId"))
	if err != nil {
		respondTransferError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// InitiateTopUp handles POST /v1/topups
func (h *Handler) InitiateTopUp(c *gin.Context) {
	var req TopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	t, err := h.service.InitiateTopUp(c.Request.Context(), req)
	if err != nil {
		respondTransferError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"topup": t})
}

// CreateWithdrawal handles POST /v1/withdrawals
func (h *Handler) CreateWithdrawal(c *gin.Context) {
	var req WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	w, err := h.service.CreateWithdrawal(c.Request.Context(), req)
	if err != nil {
		respondTransferError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"withdrawal": w})
}

type custodialWebhookRequest struct {
	Reference string `json:"reference" binding:"required"`
	Status    string `json:"status" binding:"required"`
}

// CustodialWebhook handles POST /v1/webhooks/custodial. The reference is
// matched against top-ups first, then withdrawals.
func (h *Handler) CustodialWebhook(c *gin.Context) {
	var req custodialWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		metrics.WebhookIntakeTotal.WithLabelValues("custodial", "invalid").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid webhook payload"})
		return
	}

	status := TransferStatus(req.Status)
	t, applied, err := h.service.ApplyTopUpStatus(c.Request.Context(), req.Reference, status)
	if err == nil {
		metrics.WebhookIntakeTotal.WithLabelValues("custodial", webhookResult(applied)).Inc()
		c.JSON(http.StatusOK, gin.H{"topup": t, "applied": applied})
		return
	}
	if !errors.Is(err, ErrTopUpNotFound) {
		metrics.WebhookIntakeTotal.WithLabelValues("custodial", "error").Inc()
		respondTransferError(c, err)
		return
	}

	w, err := h.service.store.GetWithdrawalByRef(c.Request.Context(), req.Reference)
	if err != nil {
		metrics.WebhookIntakeTotal.WithLabelValues("custodial", "error").Inc()
		respondTransferError(c, err)
		return
	}
	w, applied, err = h.service.applyWithdrawalStatus(c.Request.Context(), w, status)
	if err != nil {
		metrics.WebhookIntakeTotal.WithLabelValues("custodial", "error").Inc()
		respondTransferError(c, err)
		return
	}
	metrics.WebhookIntakeTotal.WithLabelValues("custodial", webhookResult(applied)).Inc()
	c.JSON(http.StatusOK, gin.H{"withdrawal": w, "applied": applied})
}

func webhookResult(applied bool) string {
	if applied {
		return "applied"
	}
	return "duplicate"
}

func respondTransferError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrTopUpNotFound), errors.Is(err, ErrWithdrawalNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transfer not found"})
	case errors.Is(err, ErrAlreadySettled):
		c.JSON(http.StatusConflict, gin.H{"error": "already_settled", "message": "Transfer already settled"})
	case errors.Is(err, ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Transfer was modified concurrently, retry"})
	case errors.Is(err, money.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a positive decimal with two fractional digits"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": "Available balance is too low"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Transfer operation failed"})
	}
}
