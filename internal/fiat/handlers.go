package fiat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/nvoskov/garant/internal/ledger"
	"github.com/nvoskov/garant/internal/logging"
)

// maxWebhookBody caps the Stripe payload size.
const maxWebhookBody = 64 * 1024

// Handler provides HTTP endpoints for card top-ups.
type Handler struct {
	service *Service
}

// NewHandler creates a new fiat handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the Stripe webhook. Stripe signs its own
// requests, so the route stays outside the API-key middleware.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/fiat/webhook", h.Webhook)
}

// RegisterProtectedRoutes mounts the authenticated top-up endpoint.
func (h *Handler) RegisterProtectedRoutes(r gin.IRoutes) {
	r.POST("/fiat/topups", h.CreateTopUp)
}

// CreateTopUpRequest is the body for starting a card payment.
type CreateTopUpRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// CreateTopUp creates a PaymentIntent for the authenticated account.
func (h *Handler) CreateTopUp(c *gin.Context) {
	accountID := c.GetString("authAccountID")
	if accountID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "authentication_required",
			"message": "Top-ups require an API key",
		})
		return
	}

	var req CreateTopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amount is required",
		})
		return
	}

	topUp, err := h.service.CreateTopUp(c.Request.Context(), accountID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSubCentAmount):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive sum in whole cents",
			})
		default:
			logging.L(c.Request.Context()).Error("top-up creation failed", "account", accountID, "error", err)
			c.JSON(http.StatusBadGateway, gin.H{
				"error":   "payment_provider_error",
				"message": "Could not start the card payment",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, topUp)
}

// Webhook receives signed Stripe events and credits confirmed top-ups.
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.service.webhookSecret)
	if err != nil {
		logging.L(c.Request.Context()).Warn("stripe webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature"})
		return
	}

	if event.Type != "payment_intent.succeeded" {
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_payload"})
		return
	}

	if err := h.service.settle(c.Request.Context(), &pi); err != nil {
		// A replayed event: the credit already landed.
		if errors.Is(err, ledger.ErrDuplicateDeposit) {
			c.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		logging.L(c.Request.Context()).Error("stripe settlement failed", "payment", pi.ID, "error", err)
		// Non-2xx makes Stripe retry the event later.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement_failed"})
		return
	}

	logging.L(c.Request.Context()).Info("card top-up credited",
		"payment", pi.ID,
		"account", pi.Metadata[metadataAccountKey],
		"amount", CentsToAmount(pi.AmountReceived),
	)
	c.JSON(http.StatusOK, gin.H{"received": true})
}
