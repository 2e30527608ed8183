package patterns

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/zhentan/cosigner/internal/logging"
	"github.com/zhentan/cosigner/internal/validation"
)

// Handler exposes recipient profiles and the operator limit controls.
type Handler struct {
	service *Service
}

// NewHandler creates a new patterns handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/patterns/recipients", h.ListRecipients)
	r.GET("/patterns/recipients/:address", validation.AddressParamMiddleware("address"), h.GetRecipient)
	r.GET("/patterns/daily/:date", h.GetDaily)
	r.GET("/patterns/limits", h.GetLimits)
}

// RegisterAdminRoutes sets up the operator routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PATCH("/recipients/:address", validation.AddressParamMiddleware("address"), h.Annotate)
	r.PUT("/limits", h.PutLimits)
}

// ListRecipients handles GET /v1/patterns/recipients
func (h *Handler) ListRecipients(c *gin.Context) {
	list, err := h.service.Recipients(c.Request.Context())
	if err != nil {
		internalError(c, err)
		return
	}
	if list == nil {
		list = []*RecipientPattern{}
	}
	c.JSON(http.StatusOK, gin.H{"recipients": list, "count": len(list)})
}

// GetRecipient handles GET /v1/patterns/recipients/:address
func (h *Handler) GetRecipient(c *gin.Context) {
	p, err := h.service.Recipient(c.Request.Context(), c.Param("address"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Recipient has never been seen"})
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipient": p})
}

// GetDaily handles GET /v1/patterns/daily/:date (YYYY-MM-DD, or "today")
func (h *Handler) GetDaily(c *gin.Context) {
	day := c.Param("date")
	if day == "today" {
		day = DayKey(time.Now())
	}
	if _, err := time.Parse(DayLayout, day); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_date", "message": "date must be YYYY-MM-DD"})
		return
	}
	d, err := h.service.Daily(c.Request.Context(), day)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"daily": d})
}

// GetLimits handles GET /v1/patterns/limits
func (h *Handler) GetLimits(c *gin.Context) {
	l, err := h.service.Limits(c.Request.Context())
	if errors.Is(err, ErrNoLimits) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "not_configured", "message": "Global limits are not configured"})
		return
	}
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": l})
}

type annotateRequest struct {
	Label    string `json:"label"`
	Category string `json:"category"`
}

// Annotate handles PATCH /v1/admin/recipients/:address
func (h *Handler) Annotate(c *gin.Context) {
	var req annotateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if err := validation.Validate(
		validation.MaxLength("label", req.Label, 100),
		validation.MaxLength("category", req.Category, 50),
	); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	p, err := h.service.Annotate(c.Request.Context(), c.Param("address"), req.Label, req.Category)
	if err != nil {
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recipient": p})
}

type limitsRequest struct {
	MaxSingleTransfer decimal.Decimal `json:"maxSingleTransferAmount"`
	MaxDailyVolume    decimal.Decimal `json:"maxDailyVolume"`
	AllowedHoursUTC   []int           `json:"allowedHoursUTC"`
}

// PutLimits handles PUT /v1/admin/limits
func (h *Handler) PutLimits(c *gin.Context) {
	var req limitsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	l := Limits(req)
	if err := h.service.SetLimits(c.Request.Context(), l); err != nil {
		if errors.Is(err, ErrInvalidLimits) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
			return
		}
		internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"limits": l.Normalized()})
}

func internalError(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("patterns request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
}
