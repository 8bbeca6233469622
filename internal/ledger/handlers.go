package ledger

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskledger/internal/validation"
)

// Handler provides HTTP endpoints for account lifecycle operations.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new account handler.
func NewHandler(l *Ledger) *Handler {
	return &Handler{ledger: l}
}

// RegisterRoutes sets up account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.OpenAccount)

	acct := r.Group("/accounts/:id", validation.IDParamMiddleware("acc_"))
	acct.GET("", h.GetAccount)
	acct.POST("/close", h.CloseAccount)
	acct.POST("/freeze", h.FreezeAccount)
	acct.POST("/unfreeze", h.UnfreezeAccount)
}

// OpenAccount handles POST /v1/accounts
func (h *Handler) OpenAccount(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.AbortBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("ownerId", req.OwnerID),
		validation.MaxLength("ownerId", req.OwnerID, 128),
	); len(errs) > 0 {
		validation.AbortInvalid(c, errs)
		return
	}

	acct, err := h.ledger.Open(c.Request.Context(), req)
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// GetAccount handles GET /v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.ledger.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// CloseAccount handles POST /v1/accounts/:id/close
func (h *Handler) CloseAccount(c *gin.Context) {
	acct, err := h.ledger.Close(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// FreezeAccount handles POST /v1/accounts/:id/freeze
func (h *Handler) FreezeAccount(c *gin.Context) {
	acct, err := h.ledger.Freeze(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// UnfreezeAccount handles POST /v1/accounts/:id/unfreeze
func (h *Handler) UnfreezeAccount(c *gin.Context) {
	acct, err := h.ledger.Unfreeze(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}
