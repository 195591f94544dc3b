package evidence

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/posinsight/posinsight/internal/ledger"
	"github.com/posinsight/posinsight/internal/validation"
)

// Handler provides HTTP endpoints for evidence capture.
type Handler struct {
	workflow *Workflow
}

// NewHandler creates a new evidence handler.
func NewHandler(workflow *Workflow) *Handler {
	return &Handler{workflow: workflow}
}

// RegisterRoutes sets up evidence routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/evidence/pending", h.ListPending)
	r.POST("/evidence/:correlationId",
		validation.CorrelationIDParamMiddleware(),
		h.Submit,
	)
}

// ListPending handles GET /v1/evidence/pending
func (h *Handler) ListPending(c *gin.Context) {
	pending := h.workflow.Pending()
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"count":   len(pending),
	})
}

// Submit handles POST /v1/evidence/:correlationId
//
// Accepts the photo either as a multipart form file named "photo" or as a
// raw request body.
func (h *Handler) Submit(c *gin.Context) {
	corrID := c.Param("correlationId")

	image, err := readImage(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_image",
			"message": err.Error(),
		})
		return
	}

	path, err := h.workflow.Submit(c.Request.Context(), corrID, image)
	if err != nil {
		switch {
		case errors.Is(err, ErrNoPending):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "no_pending_capture",
				"message": "No pending evidence capture for this correlation id",
			})
		case errors.Is(err, ErrEmptyImage):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_image",
				"message": "Image payload is empty",
			})
		case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrNotFlagged):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "attach_failed",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"correlation_id": corrID,
		"evidence_path":  path,
	})
}

func readImage(c *gin.Context) ([]byte, error) {
	if file, err := c.FormFile("photo"); err == nil {
		f, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return io.ReadAll(c.Request.Body)
}
