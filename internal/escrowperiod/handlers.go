package escrowperiod

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylock/internal/terms"
	"github.com/mbd888/paylock/internal/validation"
)

// Handler provides HTTP endpoints for freeze operations and period
// state reads.
type Handler struct {
	overlay *Overlay
}

// NewHandler creates a new escrow-period handler.
func NewHandler(overlay *Overlay) *Handler {
	return &Handler{overlay: overlay}
}

// RegisterRoutes sets up the freeze and state routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/freeze", h.Freeze)
	r.POST("/payments/unfreeze", h.Unfreeze)
	r.GET("/payments/:id/period", h.PeriodState)
}

type freezeRequest struct {
	Terms terms.Payload `json:"terms" binding:"required"`
}

func (h *Handler) bind(c *gin.Context) (terms.Terms, common.Address, bool) {
	caller, ok := validation.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "missing or malformed " + validation.CallerHeader + " header",
		})
		return terms.Terms{}, common.Address{}, false
	}
	var req freezeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return terms.Terms{}, common.Address{}, false
	}
	p, err := req.Terms.Terms()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_terms",
			"message": err.Error(),
		})
		return terms.Terms{}, common.Address{}, false
	}
	return p, caller, true
}

func writeFreezeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrFreezeDenied), errors.Is(err, ErrUnfreezeDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "denied", "message": err.Error()})
	case errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrPeriodExpired),
		errors.Is(err, ErrAlreadyFrozen),
		errors.Is(err, ErrNotFrozen):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

// Freeze handles POST /v1/payments/freeze
func (h *Handler) Freeze(c *gin.Context) {
	p, caller, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.overlay.Freeze(c.Request.Context(), p, caller); err != nil {
		writeFreezeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p.Identity().Hex(), "status": "frozen"})
}

// Unfreeze handles POST /v1/payments/unfreeze
func (h *Handler) Unfreeze(c *gin.Context) {
	p, caller, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.overlay.Unfreeze(c.Request.Context(), p, caller); err != nil {
		writeFreezeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p.Identity().Hex(), "status": "unfrozen"})
}

// PeriodState handles GET /v1/payments/:id/period
func (h *Handler) PeriodState(c *gin.Context) {
	id := common.HexToHash(c.Param("id"))
	view, err := h.overlay.State(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"period": view})
}
