package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/nvoskov/garant/internal/money"
	"github.com/nvoskov/garant/internal/validation"
)

// PayoutExecutor executes on-chain withdrawal payouts
type PayoutExecutor interface {
	Transfer(ctx context.Context, to common.Address, amount *big.Int) (txHash string, err error)
}

// Handler provides HTTP endpoints for ledger operations
type Handler struct {
	ledger   *Ledger
	executor PayoutExecutor // nil = withdrawals are pending only
	logger   *slog.Logger
}

// NewHandler creates a new ledger handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// NewHandlerWithPayouts creates a handler that can execute on-chain withdrawals
func NewHandlerWithPayouts(ledger *Ledger, executor PayoutExecutor, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, executor: executor, logger: logger}
}

// RegisterRoutes sets up ledger routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.OpenAccount)
	r.GET("/accounts/:id", h.GetAccount)
	r.GET("/accounts/:id/balance", h.GetBalance)
	r.GET("/accounts/:id/ledger", h.GetHistory)
	r.POST("/accounts/:id/withdraw", h.RequestWithdrawal)
}

// RegisterAdminRoutes sets up admin-only ledger routes. The group is
// expected to carry the admin middleware and path prefix.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.RecordDeposit)
	r.GET("/ledger/integrity", h.CheckIntegrity)
}

// OpenAccountRequest creates a new account
type OpenAccountRequest struct {
	OwnerID string `json:"ownerId" binding:"required"`
	Name    string `json:"name"`
}

// OpenAccount handles POST /accounts
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	acc, err := h.ledger.OpenAccount(c.Request.Context(), req.OwnerID, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "account_error",
			"message": "Failed to create account",
		})
		return
	}

	c.JSON(http.StatusCreated, acc)
}

// GetAccount handles GET /accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acc, err := h.ledger.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "account_error",
			"message": "Failed to retrieve account",
		})
		return
	}
	c.JSON(http.StatusOK, acc)
}

// GetBalance handles GET /accounts/:id/balance
func (h *Handler) GetBalance(c *gin.Context) {
	balance, err := h.ledger.BalanceOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accountId": c.Param("id"),
		"balance":   balance,
	})
}

// GetHistory handles GET /accounts/:id/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "ledger_error",
			"message": "Failed to retrieve ledger history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
	})
}

// DepositRequest for manual deposit recording (admin use)
type DepositRequest struct {
	AccountID string `json:"accountId" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	TxHash    string `json:"txHash" binding:"required"`
}

// RecordDeposit handles POST /admin/deposits (for manual/webhook deposit recording)
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidAmount(req.Amount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}
	if !validation.IsValidHex(req.TxHash) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_tx_hash",
			"message": "txHash must be a hex string",
		})
		return
	}

	err := h.ledger.Deposit(c.Request.Context(), req.AccountID, req.Amount, req.TxHash)
	if err != nil {
		switch {
		case errors.Is(err, ErrDuplicateDeposit):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_deposit",
				"message": "Deposit already processed",
			})
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "account_not_found",
				"message": "Account not found",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "deposit_error",
				"message": "Failed to record deposit",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":  "credited",
		"message": "Deposit credited to account",
	})
}

// WithdrawRequest for withdrawal
type WithdrawRequest struct {
	Amount  string `json:"amount" binding:"required"`
	Address string `json:"address"` // destination, required when payouts are enabled
}

// RequestWithdrawal handles POST /accounts/:id/withdraw
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	accountID := c.Param("id")

	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidAmount(req.Amount) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal number",
		})
		return
	}

	if h.executor != nil {
		if !validation.IsValidEthAddress(req.Address) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": "address must be a valid Ethereum address (0x + 40 hex chars)",
			})
			return
		}

		amountBig, ok := money.ParsePositive(req.Amount)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Invalid amount format",
			})
			return
		}

		// Debit first so a concurrent withdrawal cannot double-spend,
		// then execute the transfer. A failed transfer re-credits.
		if err := h.ledger.Withdraw(c.Request.Context(), accountID, req.Amount, ""); err != nil {
			respondWithdrawError(c, err)
			return
		}

		txHash, err := h.executor.Transfer(c.Request.Context(), common.HexToAddress(req.Address), amountBig)
		if err != nil {
			if depErr := h.ledger.Deposit(c.Request.Context(), accountID, req.Amount, ""); depErr != nil {
				h.logger.Error("failed to re-credit after payout failure: funds held in reserve",
					"account", accountID, "amount", req.Amount, "error", depErr)
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "transfer_failed",
				"message": "Failed to execute withdrawal",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "completed",
			"amount": req.Amount,
			"txHash": txHash,
		})
		return
	}

	// No executor - check balance and accept for manual processing
	canSpend, err := h.ledger.CanSpend(c.Request.Context(), accountID, req.Amount)
	if err != nil {
		respondWithdrawError(c, err)
		return
	}
	if !canSpend {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_funds",
			"message": "Insufficient balance for withdrawal",
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "pending",
		"message": "Withdrawal request received",
		"amount":  req.Amount,
		"note":    "Withdrawals are processed within 24 hours",
	})
}

// CheckIntegrity handles GET /admin/ledger/integrity
func (h *Handler) CheckIntegrity(c *gin.Context) {
	if err := h.ledger.CheckIntegrity(c.Request.Context()); err != nil {
		if errors.Is(err, ErrLedgerCorrupt) {
			c.JSON(http.StatusConflict, gin.H{
				"status":  "corrupt",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "integrity_error",
			"message": "Failed to verify ledger",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "consistent"})
}

func respondWithdrawError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_funds",
			"message": "Insufficient balance for withdrawal",
		})
	case errors.Is(err, ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "account_not_found",
			"message": "Account not found",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to process withdrawal",
		})
	}
}
