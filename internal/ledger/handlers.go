package ledger

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/posinsight/posinsight/internal/pagination"
	"github.com/posinsight/posinsight/internal/policy"
)

const defaultPageSize = 100

// Handler provides HTTP endpoints for reading the ledger.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions", h.List)
	r.GET("/transactions/export", h.ExportCSV)
}

// List handles GET /v1/transactions
//
// Optional query params: status=NORMAL|POTENSI FRAUD, limit=N, cursor=<opaque>.
// Records come back most recent first; next_cursor pages further into history.
func (h *Handler) List(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	records, err := h.ledger.ListAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	if status := c.Query("status"); status != "" {
		filtered := records[:0]
		for _, rec := range records {
			if rec.FraudStatus == policy.Verdict(status) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	if cursor != nil {
		afterID, _ := strconv.ParseInt(cursor.ID, 10, 64)
		filtered := records[:0]
		for _, rec := range records {
			if rec.ID < afterID {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	limit := defaultPageSize
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, next, hasMore := pagination.ComputePage(records, limit, func(rec *Record) (time.Time, string) {
		return rec.CreatedAt, strconv.FormatInt(rec.ID, 10)
	})

	c.JSON(http.StatusOK, gin.H{
		"transactions": page,
		"count":        len(page),
		"next_cursor":  next,
		"has_more":     hasMore,
	})
}

// ExportCSV handles GET /v1/transactions/export
func (h *Handler) ExportCSV(c *gin.Context) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="fraud_transactions.csv"`)

	if err := h.ledger.ExportCSV(c.Request.Context(), c.Writer); err != nil {
		// Headers may already be out; log-and-abort is all that's left.
		c.AbortWithStatus(http.StatusInternalServerError)
	}
}
