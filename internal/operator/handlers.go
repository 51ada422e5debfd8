package operator

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylock/internal/fees"
	"github.com/mbd888/paylock/internal/ledger"
	"github.com/mbd888/paylock/internal/terms"
	"github.com/mbd888/paylock/internal/validation"
)

// Handler provides HTTP endpoints for the payment lifecycle.
type Handler struct {
	op *Operator
}

// NewHandler creates a new lifecycle handler.
func NewHandler(op *Operator) *Handler {
	return &Handler{op: op}
}

// RegisterRoutes sets up lifecycle routes. Callers are identified by
// the upstream-verified caller header on every mutating route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/authorize", h.Authorize)
	r.POST("/payments/charge", h.Charge)
	r.POST("/payments/release", h.Release)
	r.POST("/payments/refund", h.RefundInEscrow)
	r.POST("/payments/refund-post-escrow", h.RefundPostEscrow)
	r.POST("/payments/state", h.State)
	r.GET("/payments/:id/fees", h.AuthorizedFees)
}

// actionRequest is the common body of lifecycle actions.
type actionRequest struct {
	Terms  terms.Payload `json:"terms" binding:"required"`
	Amount string        `json:"amount" binding:"required"`
	// Source funds a post-escrow refund; ignored elsewhere.
	Source string `json:"source"`
}

func (h *Handler) bind(c *gin.Context) (terms.Terms, *big.Int, common.Address, *actionRequest, bool) {
	caller, ok := validation.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "missing or malformed " + validation.CallerHeader + " header",
		})
		return terms.Terms{}, nil, common.Address{}, nil, false
	}

	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return terms.Terms{}, nil, common.Address{}, nil, false
	}

	p, err := req.Terms.Terms()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_terms",
			"message": err.Error(),
		})
		return terms.Terms{}, nil, common.Address{}, nil, false
	}

	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a positive base-unit integer",
		})
		return terms.Terms{}, nil, common.Address{}, nil, false
	}

	return p, amount, caller, &req, true
}

// writeActionError maps action failures onto HTTP statuses.
func writeActionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrConditionDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "denied", "message": err.Error()})
	case errors.Is(err, ErrOperatorMismatch),
		errors.Is(err, ErrFeeReceiverIsSelf),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrExceedsMaxAmount),
		errors.Is(err, ErrZeroSource),
		errors.Is(err, fees.ErrIncompatibleFeeBounds),
		errors.Is(err, fees.ErrTotalFeeTooHigh):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action", "message": err.Error()})
	case errors.Is(err, ErrReentrantCall):
		c.JSON(http.StatusConflict, gin.H{"error": "reentrant_call", "message": err.Error()})
	case errors.Is(err, fees.ErrFeesAlreadyLocked),
		errors.Is(err, ledger.ErrAlreadyCollected):
		c.JSON(http.StatusConflict, gin.H{"error": "already_collected", "message": err.Error()})
	case errors.Is(err, fees.ErrFeesNotLocked),
		errors.Is(err, ledger.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ledger.ErrPreApprovalExpired),
		errors.Is(err, ledger.ErrAuthorizationExpired),
		errors.Is(err, ledger.ErrRefundExpired):
		c.JSON(http.StatusConflict, gin.H{"error": "window_expired", "message": err.Error()})
	case errors.Is(err, ledger.ErrInsufficientCapturable),
		errors.Is(err, ledger.ErrInsufficientRefundable):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_funds", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "action_failed", "message": err.Error()})
	}
}

// Authorize handles POST /v1/payments/authorize
func (h *Handler) Authorize(c *gin.Context) {
	p, amount, caller, _, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.op.Authorize(c.Request.Context(), p, amount, caller); err != nil {
		writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p.Identity().Hex(), "status": "authorized"})
}

// Charge handles POST /v1/payments/charge
func (h *Handler) Charge(c *gin.Context) {
	p, amount, caller, _, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.op.Charge(c.Request.Context(), p, amount, caller); err != nil {
		writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p.Identity().Hex(), "status": "charged"})
}

// Release handles POST /v1/payments/release
func (h *Handler) Release(c *gin.Context) {
	p, amount, caller, _, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.op.Release(c.Request.Context(), p, amount, caller); err != nil {
		writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p.Identity().Hex(), "status": "released"})
}

// RefundInEscrow handles POST /v1/payments/refund
func (h *Handler) RefundInEscrow(c *gin.Context) {
	p, amount, caller, _, ok := h.bind(c)
	if !ok {
		return
	}
	if err := h.op.RefundInEscrow(c.Request.Context(), p, amount, caller); err != nil {
		writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p.Identity().Hex(), "status": "refunded"})
}

// RefundPostEscrow handles POST /v1/payments/refund-post-escrow
func (h *Handler) RefundPostEscrow(c *gin.Context) {
	p, amount, caller, req, ok := h.bind(c)
	if !ok {
		return
	}
	if !validation.IsValidEthAddress(req.Source) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_source",
			"message": "source must be a valid Ethereum address",
		})
		return
	}
	source := common.HexToAddress(req.Source)
	if err := h.op.RefundPostEscrow(c.Request.Context(), p, amount, source, caller); err != nil {
		writeActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p.Identity().Hex(), "status": "refunded"})
}

// State handles POST /v1/payments/state. It takes the full terms in
// the body because the identity is derived, never stored.
func (h *Handler) State(c *gin.Context) {
	var req struct {
		Terms terms.Payload `json:"terms" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	p, err := req.Terms.Terms()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_terms",
			"message": err.Error(),
		})
		return
	}
	view, err := h.op.State(c.Request.Context(), p)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": view})
}

// AuthorizedFees handles GET /v1/payments/:id/fees
func (h *Handler) AuthorizedFees(c *gin.Context) {
	id := common.HexToHash(c.Param("id"))
	locked, err := h.op.AuthorizedFees(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, fees.ErrFeesNotLocked) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "no locked fees for payment",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fees": locked})
}
