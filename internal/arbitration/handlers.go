package arbitration

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nvoskov/garant/internal/deal"
)

// Handler provides HTTP endpoints for dispute arbitration. All routes
// sit behind the admin auth middleware; the caller's account ID still
// gates each ruling so the audit trail names a person.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up admin arbitration routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes", h.ListDisputes)
	r.POST("/deals/:id/resolve", h.Resolve)
	r.POST("/deals/:id/force-complete", h.ForceComplete)
	r.POST("/deals/:id/force-cancel", h.ForceCancel)
}

// ResolveRequest is the body of POST /admin/deals/:id/resolve.
type ResolveRequest struct {
	Winner  string `json:"winner" binding:"required"` // "seller" or "buyer"
	Comment string `json:"comment"`
}

// ListDisputes handles GET /admin/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	disputes, err := h.service.OpenDisputes(c.Request.Context(), c.GetString("authAccountID"), limit)
	if err != nil {
		respondArbitrationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"disputes": disputes,
		"count":    len(disputes),
	})
}

// Resolve handles POST /admin/deals/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil || (req.Winner != "seller" && req.Winner != "buyer") {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "winner must be \"seller\" or \"buyer\"",
		})
		return
	}

	adminID := c.GetString("authAccountID")
	var d *deal.Deal
	var err error
	if req.Winner == "seller" {
		d, err = h.service.ResolveInFavorOfSeller(c.Request.Context(), c.Param("id"), adminID, req.Comment)
	} else {
		d, err = h.service.ResolveInFavorOfBuyer(c.Request.Context(), c.Param("id"), adminID, req.Comment)
	}
	if err != nil {
		respondArbitrationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ForceComplete handles POST /admin/deals/:id/force-complete
func (h *Handler) ForceComplete(c *gin.Context) {
	d, err := h.service.ForceComplete(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondArbitrationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ForceCancel handles POST /admin/deals/:id/force-cancel
func (h *Handler) ForceCancel(c *gin.Context) {
	d, err := h.service.ForceCancel(c.Request.Context(), c.Param("id"), c.GetString("authAccountID"))
	if err != nil {
		respondArbitrationError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"deal": d})
}

func respondArbitrationError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotAdmin):
		status = http.StatusForbidden
		code = "not_admin"
	case errors.Is(err, deal.ErrDealNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, deal.ErrNotDisputed):
		status = http.StatusConflict
		code = "not_disputed"
	case errors.Is(err, deal.ErrAlreadyResolved), errors.Is(err, deal.ErrInvalidTransition), errors.Is(err, deal.ErrStaleState):
		status = http.StatusConflict
		code = "invalid_state"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
