package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskledger/internal/validation"
)

// Handler exposes reconciliation over HTTP.
type Handler struct {
	svc *Service
}

// NewHandler creates a new reconciliation handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes sets up the reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.Run)
	r.GET("/accounts/:id/reconciliation", validation.IDParamMiddleware("acc_"), h.CheckAccount)
}

// Run handles GET /v1/reconciliation
func (h *Handler) Run(c *gin.Context) {
	rep, err := h.svc.RunAll(c.Request.Context())
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep, "healthy": rep.Healthy()})
}

// CheckAccount handles GET /v1/accounts/:id/reconciliation
func (h *Handler) CheckAccount(c *gin.Context) {
	rep, err := h.svc.CheckAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		validation.AbortError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reconciliation": rep})
}
