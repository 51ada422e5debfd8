package fees

import (
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylock/internal/validation"
)

// Handler provides HTTP endpoints for protocol fee governance and
// distribution.
type Handler struct {
	config   *ProtocolConfig
	service  *Service
	governor common.Address // zero disables the governor check
}

// NewHandler creates a fee governance handler. When governor is
// non-zero every mutating route requires that caller.
func NewHandler(config *ProtocolConfig, service *Service, governor common.Address) *Handler {
	return &Handler{config: config, service: service, governor: governor}
}

// RegisterRoutes sets up governance and distribution routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/protocol/calculator", h.QueueCalculator)
	r.POST("/protocol/calculator/execute", h.ExecuteCalculator)
	r.POST("/protocol/calculator/cancel", h.CancelCalculator)
	r.POST("/protocol/recipient", h.QueueRecipient)
	r.POST("/protocol/recipient/execute", h.ExecuteRecipient)
	r.POST("/protocol/recipient/cancel", h.CancelRecipient)
	r.GET("/protocol/pending", h.Pending)
	r.POST("/protocol/distribute", h.Distribute)
	r.GET("/protocol/accrued/:address", h.Accrued)
}

func (h *Handler) authorize(c *gin.Context) bool {
	caller, ok := validation.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "missing or malformed " + validation.CallerHeader + " header",
		})
		return false
	}
	if h.governor != (common.Address{}) && caller != h.governor {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "denied",
			"message": "caller is not the fee governor",
		})
		return false
	}
	return true
}

func writeTimelockError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrChangePending):
		c.JSON(http.StatusConflict, gin.H{"error": "change_pending", "message": err.Error()})
	case errors.Is(err, ErrNoPendingChange):
		c.JSON(http.StatusNotFound, gin.H{"error": "no_pending_change", "message": err.Error()})
	case errors.Is(err, ErrTimelockActive):
		c.JSON(http.StatusConflict, gin.H{"error": "timelock_active", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

// QueueCalculator handles POST /v1/protocol/calculator. The API can
// only queue flat-rate calculators; richer calculators are wired in
// code at deployment time.
func (h *Handler) QueueCalculator(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	var req struct {
		FeeBps int64 `json:"feeBps"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if errs := validation.Validate(validation.ValidBps("feeBps", req.FeeBps)); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	executeAfter, err := h.config.QueueCalculator(Flat(uint16(req.FeeBps)))
	if err != nil {
		writeTimelockError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"executeAfter": executeAfter})
}

// ExecuteCalculator handles POST /v1/protocol/calculator/execute
func (h *Handler) ExecuteCalculator(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	if err := h.config.ExecuteCalculator(); err != nil {
		writeTimelockError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "executed"})
}

// CancelCalculator handles POST /v1/protocol/calculator/cancel
func (h *Handler) CancelCalculator(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	if err := h.config.CancelCalculator(); err != nil {
		writeTimelockError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// QueueRecipient handles POST /v1/protocol/recipient
func (h *Handler) QueueRecipient(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	var req struct {
		Recipient string `json:"recipient" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidEthAddress(req.Recipient) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "recipient must be a valid Ethereum address",
		})
		return
	}

	executeAfter, err := h.config.QueueRecipient(common.HexToAddress(req.Recipient))
	if err != nil {
		writeTimelockError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"executeAfter": executeAfter})
}

// ExecuteRecipient handles POST /v1/protocol/recipient/execute
func (h *Handler) ExecuteRecipient(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	if err := h.config.ExecuteRecipient(); err != nil {
		writeTimelockError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "executed"})
}

// CancelRecipient handles POST /v1/protocol/recipient/cancel
func (h *Handler) CancelRecipient(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	if err := h.config.CancelRecipient(); err != nil {
		writeTimelockError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// Pending handles GET /v1/protocol/pending
func (h *Handler) Pending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"recipient": h.config.Recipient().Hex(),
		"pending":   h.config.Pending(),
	})
}

// Distribute handles POST /v1/protocol/distribute
func (h *Handler) Distribute(c *gin.Context) {
	if !h.authorize(c) {
		return
	}
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidEthAddress(req.Token) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "token must be a valid Ethereum address",
		})
		return
	}

	dist, err := h.service.Distribute(c.Request.Context(), common.HexToAddress(req.Token))
	if err != nil {
		switch {
		case errors.Is(err, ErrNoRecipient):
			c.JSON(http.StatusConflict, gin.H{"error": "no_recipient", "message": err.Error()})
		case errors.Is(err, ErrNothingAccrued):
			c.JSON(http.StatusConflict, gin.H{"error": "nothing_accrued", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"distribution": dist})
}

// Accrued handles GET /v1/protocol/accrued/:address
func (h *Handler) Accrued(c *gin.Context) {
	token := common.HexToAddress(c.Param("address"))
	amount, err := h.service.Accrued(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token.Hex(), "accrued": amount.String()})
}
