package analysis

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/posinsight/posinsight/internal/features"
	"github.com/posinsight/posinsight/internal/validation"
)

// Handler provides HTTP endpoints for transaction analysis.
type Handler struct {
	service *Service
}

// NewHandler creates a new analysis handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up analysis routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions/analyze", h.Analyze)
	r.GET("/policy", h.GetPolicy)
}

// AnalyzeRequest is the body for POST /v1/transactions/analyze. Pointer
// fields distinguish absent from zero: a free giveaway can legitimately have
// total_amount 0.
type AnalyzeRequest struct {
	TotalAmount *float64 `json:"total_amount" binding:"required"`
	ItemCount   *int     `json:"item_count" binding:"required"`
	DiscountPct *float64 `json:"discount_pct" binding:"required"`
}

// Analyze handles POST /v1/transactions/analyze
func (h *Handler) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if errs := validation.Validate(
		validation.NonNegative("total_amount", *req.TotalAmount),
		validation.AtLeast("item_count", *req.ItemCount, 1),
		validation.Percentage("discount_pct", *req.DiscountPct),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	result, err := h.service.Analyze(c.Request.Context(), features.Transaction{
		TotalAmount: *req.TotalAmount,
		ItemCount:   *req.ItemCount,
		DiscountPct: *req.DiscountPct,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetPolicy handles GET /v1/policy
func (h *Handler) GetPolicy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"policy": h.service.Policy()})
}
