package fraudcase

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/riskledger/internal/domain"
)

func (f *fixture) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(f.mgr).RegisterRoutes(r.Group("/v1"))
	return r
}

func send(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeCase(t *testing.T, w *httptest.ResponseRecorder) domain.FraudCase {
	t.Helper()
	var resp struct {
		Case domain.FraudCase `json:"case"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Case
}

func TestHandler_ReportAndInvestigate(t *testing.T) {
	f := newFixture(t)
	txn := f.seedTxn(t, "txn_1", domain.StatusCompleted)
	r := f.router()

	w := send(r, "POST", "/v1/cases", ReportRequest{TransactionID: txn.ID, Description: "I did not make this", Reporter: "user_7"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	fc := decodeCase(t, w)
	assert.Equal(t, domain.DetectionManualReport, fc.DetectionType)

	w = send(r, "GET", "/v1/cases/"+fc.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = send(r, "PATCH", "/v1/cases/"+fc.ID, map[string]string{"status": "investigating", "actor": "analyst"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, domain.CaseInvestigating, decodeCase(t, w).Status)

	w = send(r, "POST", "/v1/cases/"+fc.ID+"/actions", ActionRequest{Type: domain.ActionContactCustomer, Actor: "analyst", Notes: "called"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeCase(t, w)
	assert.True(t, got.HasAction(domain.ActionContactCustomer))

	w = send(r, "POST", "/v1/cases/"+fc.ID+"/notes", noteRequest{Author: "analyst", Text: "customer confirms theft"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeCase(t, w).Notes, 2)

	w = send(r, "GET", "/v1/transactions/"+txn.ID+"/cases", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	w = send(r, "GET", "/v1/cases?status=investigating", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), fc.ID)
}

func TestHandler_ResolvedFraudFreezes(t *testing.T) {
	f := newFixture(t)
	c := f.escalate(t, f.seedTxn(t, "txn_1", domain.StatusPendingReview), highRisk())
	r := f.router()

	w := send(r, "PATCH", "/v1/cases/"+c.ID, map[string]string{"status": "resolved_fraud", "actor": "analyst"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeCase(t, w)
	assert.True(t, got.HasAction(domain.ActionAccountFreeze))

	w = send(r, "PATCH", "/v1/cases/"+c.ID, map[string]string{"status": "open", "actor": "analyst"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_Errors(t *testing.T) {
	f := newFixture(t)
	r := f.router()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"report without description", "POST", "/v1/cases", ReportRequest{AccountID: f.account.ID}, 400},
		{"report without target", "POST", "/v1/cases", ReportRequest{Description: "x"}, 400},
		{"report unknown transaction", "POST", "/v1/cases", ReportRequest{TransactionID: "txn_missing", Description: "x"}, 404},
		{"malformed case id", "GET", "/v1/cases/txn_1", nil, 400},
		{"unknown case", "GET", "/v1/cases/case_missing", nil, 404},
		{"patch without actor", "PATCH", "/v1/cases/case_missing", map[string]string{"note": "x"}, 400},
		{"bad status filter", "GET", "/v1/cases?status=escalated", nil, 400},
		{"action without actor", "POST", "/v1/cases/case_missing/actions", ActionRequest{Type: domain.ActionNote}, 400},
		{"empty note", "POST", "/v1/cases/case_missing/notes", noteRequest{Author: "a"}, 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(r, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}
