package fraudcase

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskledger/internal/domain"
	"github.com/mbd888/riskledger/internal/validation"
)

// Handler provides HTTP endpoints for fraud case management.
type Handler struct {
	mgr *Manager
}

// NewHandler creates a new case handler.
func NewHandler(mgr *Manager) *Handler {
	return &Handler{mgr: mgr}
}

// RegisterRoutes sets up case routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/cases", h.ReportFraud)
	r.GET("/cases", h.ListCases)
	r.GET("/transactions/:id/cases", validation.IDParamMiddleware("txn_"), h.ListTransactionCases)

	c := r.Group("/cases/:id", validation.IDParamMiddleware("case_"))
	c.GET("", h.GetCase)
	c.PATCH("", h.UpdateCase)
	c.POST("/actions", h.AddAction)
	c.POST("/notes", h.AddNote)
}

// ReportFraud handles POST /v1/cases
func (h *Handler) ReportFraud(c *gin.Context) {
	var req ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.AbortBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("description", req.Description),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.OptionalID("transactionId", req.TransactionID, "txn_"),
		validation.OptionalID("accountId", req.AccountID, "acc_"),
	); len(errs) > 0 {
		validation.AbortInvalid(c, errs)
		return
	}
	req.Description = validation.SanitizeString(req.Description, validation.MaxStringLength)

	fc, err := h.mgr.Report(c.Request.Context(), req)
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"case": fc})
}

// ListCases handles GET /v1/cases?status=
func (h *Handler) ListCases(c *gin.Context) {
	status := domain.CaseStatus(c.DefaultQuery("status", string(domain.CaseOpen)))
	cases, err := h.mgr.ListByStatus(c.Request.Context(), status, validation.QueryLimit(c, 50, 500))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases, "count": len(cases)})
}

// ListTransactionCases handles GET /v1/transactions/:id/cases
func (h *Handler) ListTransactionCases(c *gin.Context) {
	cases, err := h.mgr.ListByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cases": cases, "count": len(cases)})
}

// GetCase handles GET /v1/cases/:id
func (h *Handler) GetCase(c *gin.Context) {
	fc, err := h.mgr.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": fc})
}

// UpdateCase handles PATCH /v1/cases/:id
func (h *Handler) UpdateCase(c *gin.Context) {
	var p Patch
	if err := c.ShouldBindJSON(&p); err != nil {
		validation.AbortBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("actor", p.Actor),
		validation.MaxLength("note", p.Note, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.AbortInvalid(c, errs)
		return
	}

	fc, err := h.mgr.UpdateCase(c.Request.Context(), c.Param("id"), p)
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": fc})
}

// AddAction handles POST /v1/cases/:id/actions
func (h *Handler) AddAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.AbortBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("type", string(req.Type)),
		validation.Required("actor", req.Actor),
		validation.MaxLength("notes", req.Notes, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.AbortInvalid(c, errs)
		return
	}

	fc, err := h.mgr.AddAction(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": fc})
}

type noteRequest struct {
	Author string `json:"author"`
	Text   string `json:"text"`
}

// AddNote handles POST /v1/cases/:id/notes
func (h *Handler) AddNote(c *gin.Context) {
	var req noteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		validation.AbortBadBody(c)
		return
	}
	if errs := validation.Validate(
		validation.Required("author", req.Author),
		validation.Required("text", req.Text),
		validation.MaxLength("text", req.Text, validation.MaxStringLength),
	); len(errs) > 0 {
		validation.AbortInvalid(c, errs)
		return
	}

	fc, err := h.mgr.AddNote(c.Request.Context(), c.Param("id"), req.Author, validation.SanitizeString(req.Text, validation.MaxStringLength))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"case": fc})
}
