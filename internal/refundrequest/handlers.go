package refundrequest

import (
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"

	"github.com/mbd888/paylock/internal/terms"
	"github.com/mbd888/paylock/internal/validation"
)

// Handler provides HTTP endpoints for the dispute workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new refund-request handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/refund-requests", h.Request)
	r.POST("/refund-requests/status", h.UpdateStatus)
	r.POST("/refund-requests/cancel", h.Cancel)
	r.GET("/refund-requests/:id/:index", h.Get)
	r.GET("/parties/:address/refund-requests", h.ListByParty)
}

type openRequest struct {
	Terms  terms.Payload `json:"terms" binding:"required"`
	Index  uint64        `json:"index"`
	Amount string        `json:"amount" binding:"required"`
}

type resolveRequest struct {
	Terms  terms.Payload `json:"terms" binding:"required"`
	Index  uint64        `json:"index"`
	Status string        `json:"status"`
}

func caller(c *gin.Context) (common.Address, bool) {
	addr, ok := validation.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthenticated",
			"message": "missing or malformed " + validation.CallerHeader + " header",
		})
	}
	return addr, ok
}

func parseTerms(c *gin.Context, pl terms.Payload) (terms.Terms, bool) {
	p, err := pl.Terms()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_terms",
			"message": err.Error(),
		})
		return terms.Terms{}, false
	}
	return p, true
}

func writeRequestError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRequestNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotPayer), errors.Is(err, ErrNotAuthority):
		c.JSON(http.StatusForbidden, gin.H{"error": "denied", "message": err.Error()})
	case errors.Is(err, ErrIndexOccupied),
		errors.Is(err, ErrNotPending),
		errors.Is(err, ErrFullyRefunded):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

// Request handles POST /v1/refund-requests
func (h *Handler) Request(c *gin.Context) {
	addr, ok := caller(c)
	if !ok {
		return
	}
	var req openRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	p, ok := parseTerms(c, req.Terms)
	if !ok {
		return
	}
	amount, okAmt := new(big.Int).SetString(req.Amount, 10)
	if !okAmt {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "amount must be a base-unit integer",
		})
		return
	}

	r, err := h.service.Request(c.Request.Context(), p, amount, req.Index, addr)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"request": r})
}

// UpdateStatus handles POST /v1/refund-requests/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	addr, ok := caller(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	p, ok := parseTerms(c, req.Terms)
	if !ok {
		return
	}

	r, err := h.service.UpdateStatus(c.Request.Context(), p, req.Index, Status(req.Status), addr)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// Cancel handles POST /v1/refund-requests/cancel
func (h *Handler) Cancel(c *gin.Context) {
	addr, ok := caller(c)
	if !ok {
		return
	}
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	p, ok := parseTerms(c, req.Terms)
	if !ok {
		return
	}

	r, err := h.service.Cancel(c.Request.Context(), p, req.Index, addr)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// Get handles GET /v1/refund-requests/:id/:index
func (h *Handler) Get(c *gin.Context) {
	id := common.HexToHash(c.Param("id"))
	index, err := strconv.ParseUint(c.Param("index"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_index",
			"message": "index must be a non-negative integer",
		})
		return
	}

	r, err := h.service.Get(c.Request.Context(), id, index)
	if err != nil {
		writeRequestError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": r})
}

// ListByParty handles GET /v1/parties/:address/refund-requests
func (h *Handler) ListByParty(c *gin.Context) {
	address := common.HexToAddress(c.Param("address"))

	role := Role(c.DefaultQuery("role", string(RolePayer)))
	switch role {
	case RolePayer, RoleReceiver, RoleOperator:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be payer, receiver, or operator",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	items, next, err := h.service.ListByParty(c.Request.Context(), role, address, c.Query("cursor"), limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": err.Error(),
		})
		return
	}
	resp := gin.H{"requests": items, "count": len(items)}
	if next != "" {
		resp["next_cursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}
