package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for balance operations.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up read-only balance routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances/:userId", h.GetBalance)
	r.GET("/balances/:userId/history", h.GetHistory)
}

// RegisterProtectedRoutes sets up mutating balance routes. The caller is
// expected to have wrapped the group with auth and idempotency middleware.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/balances/:userId/credit", h.Credit)
	r.POST("/balances/:userId/debit", h.Debit)
}

type amountRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}

// GetBalance handles GET /v1/balances/:userId
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// GetHistory handles GET /v1/balances/:userId/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	entries, err := h.ledger.History(c.Request.Context(), c.Param("userId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load history"})
		return
	}
	if entries == nil {
		entries = []*JournalEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// Credit handles POST /v1/balances/:userId/credit
func (h *Handler) Credit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	bal, err := h.ledger.CreditAvailable(c.Request.Context(), c.Param("userId"), req.Amount,
		Meta{Reference: req.Reference, Description: req.Description})
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

// Debit handles POST /v1/balances/:userId/debit
func (h *Handler) Debit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	bal, err := h.ledger.DebitAvailable(c.Request.Context(), c.Param("userId"), req.Amount,
		Meta{Reference: req.Reference, Description: req.Description})
	if err != nil {
		respondLedgerError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}

func respondLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a positive decimal with two fractional digits"})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_funds", "message": "Available balance is too low"})
	case errors.Is(err, ErrInsufficientReservedFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_reserved_funds", "message": "Reserved balance is too low"})
	case errors.Is(err, ErrTxConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Concurrent update, retry the request"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Ledger operation failed"})
	}
}
