package transaction

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/risk"
	"github.com/mbd888/riskledger/internal/store"
	"github.com/mbd888/riskledger/internal/validation"
)

// RiskLookup returns the cached verdict for a transaction.
type RiskLookup interface {
	Lookup(ctx context.Context, txnID string) (*risk.Result, bool)
}

// Handler provides HTTP endpoints for submitting and inspecting
// transactions.
type Handler struct {
	coord *Coordinator
	risk  RiskLookup
}

// NewHandler creates a new transaction handler. lookup may be nil.
func NewHandler(coord *Coordinator, lookup RiskLookup) *Handler {
	return &Handler{coord: coord, risk: lookup}
}

// RegisterRoutes sets up transaction routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.SubmitTransaction)
	r.GET("/transactions", h.ListTransactions)
	r.GET("/accounts/:id/transactions", validation.IDParamMiddleware("acc_"), h.ListAccountTransactions)

	txn := r.Group("/transactions/:id", validation.IDParamMiddleware("txn_"))
	txn.GET("", h.GetTransaction)
	txn.GET("/risk", h.GetRisk)
	txn.POST("/reverse", h.ReverseTransaction)
	txn.POST("/release", h.ReleaseTransaction)
}

// SubmitTransaction handles POST /v1/transactions. A settled transaction
// answers 201, a held one 202.
func (h *Handler) SubmitTransaction(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.AbortBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("type", string(req.Type)),
		validation.Positive("amount", req.Amount),
		validation.OptionalID("sourceAccountId", req.SourceAccountID, "acc_"),
		validation.OptionalID("destinationAccountId", req.DestinationAccountID, "acc_"),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.AbortInvalid(c, errs)
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)
	if req.Metadata.IPAddress == "" {
		req.Metadata.IPAddress = c.ClientIP()
	}
	if req.Metadata.UserAgent == "" {
		req.Metadata.UserAgent = c.Request.UserAgent()
	}

	res, err := h.coord.Submit(c.Request.Context(), req)
	if err != nil {
		validation.AbortError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Held {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	t, err := h.coord.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}

// ListTransactions handles GET /v1/transactions?reference= or ?status=&cursor=
func (h *Handler) ListTransactions(c *gin.Context) {
	ctx := c.Request.Context()

	if ref := strings.TrimSpace(c.Query("reference")); ref != "" {
		t, err := h.coord.GetByReference(ctx, ref)
		if err != nil {
			validation.AbortError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"transactions": []*domain.Transaction{t}, "count": 1})
		return
	}

	status := c.Query("status")
	if status == "" {
		validation.AbortInvalid(c, validation.ValidationErrors{{Field: "status", Message: "reference or status is required"}})
		return
	}
	page, err := h.coord.PageByStatus(ctx, domain.TransactionStatus(status), validation.QueryLimit(c, 50, store.DefaultListLimit-1), c.Query("cursor"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ListAccountTransactions handles GET /v1/accounts/:id/transactions?cursor=
func (h *Handler) ListAccountTransactions(c *gin.Context) {
	page, err := h.coord.PageByAccount(c.Request.Context(), c.Param("id"), validation.QueryLimit(c, 50, store.DefaultListLimit-1), c.Query("cursor"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// GetRisk handles GET /v1/transactions/:id/risk
func (h *Handler) GetRisk(c *gin.Context) {
	if h.risk == nil {
		validation.AbortError(c, domain.NotFound("risk result", c.Param("id")))
		return
	}
	r, ok := h.risk.Lookup(c.Request.Context(), c.Param("id"))
	if !ok {
		validation.AbortError(c, domain.NotFound("risk result", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, gin.H{"risk": r})
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

// ReverseTransaction handles POST /v1/transactions/:id/reverse
func (h *Handler) ReverseTransaction(c *gin.Context) {
	var req reverseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.AbortBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.AbortInvalid(c, errs)
		return
	}

	refund, err := h.coord.Reverse(c.Request.Context(), c.Param("id"), validation.SanitizeString(req.Reason, validation.MaxStringLength))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"transaction": refund})
}

// ReleaseTransaction handles POST /v1/transactions/:id/release
func (h *Handler) ReleaseTransaction(c *gin.Context) {
	t, err := h.coord.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": t})
}
