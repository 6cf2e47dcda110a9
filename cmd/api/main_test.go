package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/jwaiyaki/kopaloan/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *mux.Router) {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	server := NewServer(store.NewMemoryStore(), log)
	return server, server.router()
}

func doJSON(t *testing.T, router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func loanTermsBody() map[string]any {
	return map[string]any{
		"customer_key":          "cust-001",
		"loan_amount":           "3000",
		"principal_amount":      "3000",
		"loan_duration":         "3 days",
		"installment_frequency": "daily",
		"interest_rate":         "0.12",
		"loan_start_date":       time.Now().AddDate(0, 0, -30).Format(time.RFC3339),
	}
}

// createActiveLoan walks a loan through create, approve and activate and
// returns the loan with its installments.
func createActiveLoan(t *testing.T, router *mux.Router) (models.Loan, []models.Installment) {
	t.Helper()
	rr := doJSON(t, router, "POST", "/loans", loanTermsBody())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created struct {
		Loan         models.Loan          `json:"loan"`
		Installments []models.Installment `json:"installments"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = doJSON(t, router, "POST", fmt.Sprintf("/loans/%s/approve", created.Loan.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = doJSON(t, router, "POST", fmt.Sprintf("/loans/%s/activate", created.Loan.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	return created.Loan, created.Installments
}

func TestCreateAndGetLoan(t *testing.T) {
	_, router := newTestServer(t)

	rr := doJSON(t, router, "POST", "/loans", loanTermsBody())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var created struct {
		Loan         models.Loan          `json:"loan"`
		Installments []models.Installment `json:"installments"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	assert.Equal(t, models.LoanStatusPending, created.Loan.Status)
	assert.Len(t, created.Installments, 3)

	rr = doJSON(t, router, "GET", fmt.Sprintf("/loans/%s", created.Loan.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, created.Loan.ID, got.ID)
	assert.True(t, got.OutstandingAmount.Equal(got.LoanAmount))
}

func TestCreateLoan_InvalidTermsReturn400(t *testing.T) {
	_, router := newTestServer(t)

	body := loanTermsBody()
	body["loan_duration"] = "forever"
	rr := doJSON(t, router, "POST", "/loans", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetLoan_UnknownReturns404(t *testing.T) {
	_, router := newTestServer(t)

	rr := doJSON(t, router, "GET", "/loans/8f14e45f-ceea-4e17-9426-6d6e1b7f6f11", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestListLoans(t *testing.T) {
	_, router := newTestServer(t)
	createActiveLoan(t, router)

	rr := doJSON(t, router, "GET", "/loans", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var loans []models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &loans))
	assert.Len(t, loans, 1)
}

func TestPaymentFlow(t *testing.T) {
	_, router := newTestServer(t)
	loan, installments := createActiveLoan(t, router)

	rr := doJSON(t, router, "POST", fmt.Sprintf("/loans/%s/payments", loan.ID), map[string]any{
		"target_installment_id": installments[0].ID,
		"amount":                "400",
		"payment_method":        "M-Pesa",
		"collector_id":          "agent-7",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var result struct {
		Breakdown []struct {
			NewStatus models.InstallmentStatus `json:"new_status"`
		} `json:"breakdown"`
		Remainder string `json:"remainder"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.Len(t, result.Breakdown, 1)
	assert.Equal(t, models.InstallmentPartiallyPaid, result.Breakdown[0].NewStatus)

	rr = doJSON(t, router, "GET", fmt.Sprintf("/loans/%s/installments", loan.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var insts []models.Installment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &insts))
	assert.Equal(t, models.InstallmentPartiallyPaid, insts[0].Status)
}

func TestPaymentBeforeActivationReturns400(t *testing.T) {
	_, router := newTestServer(t)

	rr := doJSON(t, router, "POST", "/loans", loanTermsBody())
	require.Equal(t, http.StatusCreated, rr.Code)
	var created struct {
		Loan         models.Loan          `json:"loan"`
		Installments []models.Installment `json:"installments"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = doJSON(t, router, "POST", fmt.Sprintf("/loans/%s/payments", created.Loan.ID), map[string]any{
		"target_installment_id": created.Installments[0].ID,
		"amount":                "400",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChangeInstallmentStatus(t *testing.T) {
	_, router := newTestServer(t)
	loan, installments := createActiveLoan(t, router)

	rr := doJSON(t, router, "PUT", fmt.Sprintf("/installments/%s/status", installments[0].ID), map[string]any{
		"new_status": "overdue",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var inst models.Installment
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &inst))
	assert.Equal(t, models.InstallmentOverdue, inst.Status)
	assert.True(t, inst.PenaltyApplied)

	// The invalid edit surfaces as a 400.
	rr = doJSON(t, router, "PUT", fmt.Sprintf("/installments/%s/status", installments[0].ID), map[string]any{
		"new_status": "pending",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Removing the penalty re-derives the status.
	rr = doJSON(t, router, "DELETE", fmt.Sprintf("/installments/%s/penalty", installments[0].ID), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &inst))
	assert.False(t, inst.PenaltyApplied)

	rr = doJSON(t, router, "DELETE", fmt.Sprintf("/installments/%s/penalty", installments[0].ID), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, router, "GET", fmt.Sprintf("/loans/%s", loan.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var got models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.True(t, got.TotalPenalty.IsZero())
}

func TestCloseLoan(t *testing.T) {
	_, router := newTestServer(t)
	loan, _ := createActiveLoan(t, router)

	// Overshooting the outstanding amount is rejected.
	rr := doJSON(t, router, "POST", fmt.Sprintf("/loans/%s/close", loan.ID), map[string]any{
		"payoff_amount": "4000",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, "POST", fmt.Sprintf("/loans/%s/close", loan.ID), map[string]any{
		"payoff_amount": "3000",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var closed models.Loan
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &closed))
	assert.Equal(t, models.LoanStatusClosed, closed.Status)
	assert.True(t, closed.OutstandingAmount.IsZero())
	assert.NotNil(t, closed.ClosedDate)
}

func TestDeleteLoan(t *testing.T) {
	_, router := newTestServer(t)
	loan, _ := createActiveLoan(t, router)

	rr := doJSON(t, router, "DELETE", fmt.Sprintf("/loans/%s", loan.ID), nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = doJSON(t, router, "GET", fmt.Sprintf("/loans/%s", loan.ID), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestStageEndpoint(t *testing.T) {
	server, router := newTestServer(t)
	loan, _ := createActiveLoan(t, router)

	// No snapshot until the classification sweep has run.
	rr := doJSON(t, router, "GET", fmt.Sprintf("/loans/%s/stage", loan.ID), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	_, err := server.ledger.RunOverdueSweep(time.Now())
	require.NoError(t, err)
	_, err = server.ledger.RunClassificationSweep(time.Now())
	require.NoError(t, err)

	rr = doJSON(t, router, "GET", fmt.Sprintf("/loans/%s/stage", loan.ID), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var payload struct {
		Snapshot models.StageSnapshot     `json:"snapshot"`
		History  []models.StageTransition `json:"history"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &payload))
	assert.Equal(t, models.StageSMA2, payload.Snapshot.Stage)
	assert.Len(t, payload.History, 1)
}
