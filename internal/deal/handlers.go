package deal

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nvoskov/garant/internal/validation"
)

// Handler provides HTTP endpoints for deal operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new deal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) deal routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/deals/:id", h.GetDeal)
	r.GET("/deals/:id/messages", h.ListMessages)
	r.GET("/deals", h.ListDeals)
}

// RegisterProtectedRoutes sets up auth-required deal routes. The auth
// middleware puts the caller's account ID in the context.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.CreateDeal)
	r.POST("/deals/:id/claim", h.ClaimDeal)
	r.POST("/deals/:id/fulfill", h.MarkFulfilled)
	r.POST("/deals/:id/confirm", h.ConfirmReceipt)
	r.POST("/deals/:id/dispute", h.OpenDispute)
	r.POST("/deals/:id/cancel", h.CancelListing)
	r.POST("/deals/:id/messages", h.PostMessage)
}

// CreateRequest is the body of POST /v1/deals.
type CreateRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Price       string `json:"price" binding:"required"`
}

// DisputeRequest is the body of POST /v1/deals/:id/dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// MessageRequest is the body of POST /v1/deals/:id/messages.
type MessageRequest struct {
	Body string `json:"body" binding:"required"`
}

// CreateDeal handles POST /v1/deals
func (h *Handler) CreateDeal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "title and price are required",
		})
		return
	}

	if verrs := validation.Validate(
		validation.MaxLength("title", req.Title, 200),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.ValidAmount("price", req.Price),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verrs.Error(),
			"fields":  verrs,
		})
		return
	}

	caller := c.GetString("authAccountID")
	d, err := h.service.CreateDeal(c.Request.Context(), caller, req.Title, req.Description, req.Price)
	if err != nil {
		respondDealError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"deal": d})
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	d, err := h.service.GetDeal(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDealError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ListDeals handles GET /v1/deals?seller=X | ?buyer=X | ?state=X
func (h *Handler) ListDeals(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	var deals []*Deal
	var err error
	switch {
	case c.Query("seller") != "":
		deals, err = h.service.ListBySeller(c.Request.Context(), c.Query("seller"), limit)
	case c.Query("buyer") != "":
		deals, err = h.service.ListByBuyer(c.Request.Context(), c.Query("buyer"), limit)
	case c.Query("state") != "":
		deals, err = h.service.ListByState(c.Request.Context(), State(c.Query("state")), limit)
	default:
		deals, err = h.service.ListByState(c.Request.Context(), StateListed, limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"deals": deals,
		"count": len(deals),
	})
}

// ClaimDeal handles POST /v1/deals/:id/claim
func (h *Handler) ClaimDeal(c *gin.Context) {
	d, err := h.service.ClaimDeal(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondDealError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// MarkFulfilled handles POST /v1/deals/:id/fulfill
func (h *Handler) MarkFulfilled(c *gin.Context) {
	d, err := h.service.MarkFulfilled(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondDealError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ConfirmReceipt handles POST /v1/deals/:id/confirm
func (h *Handler) ConfirmReceipt(c *gin.Context) {
	d, err := h.service.ConfirmReceipt(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondDealError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// OpenDispute handles POST /v1/deals/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reason is required",
		})
		return
	}

	d, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"), req.Reason)
	if err != nil {
		respondDealError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// CancelListing handles POST /v1/deals/:id/cancel
func (h *Handler) CancelListing(c *gin.Context) {
	d, err := h.service.CancelListing(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondDealError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// PostMessage handles POST /v1/deals/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body is required",
		})
		return
	}

	msg, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"), req.Body)
	if err != nil {
		respondDealError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

// ListMessages handles GET /v1/deals/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.ListMessages(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondDealError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
		"count":    len(msgs),
	})
}

func respondDealError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrDealNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrAccountNotFound):
		status = http.StatusNotFound
		code = "account_not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	case errors.Is(err, ErrStaleState):
		status = http.StatusConflict
		code = "stale_state"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrNotDisputed):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrEmptyMessage):
		status = http.StatusBadRequest
		code = "invalid_request"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
