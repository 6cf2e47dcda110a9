package ledger

import (
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/jwaiyaki/kopaloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore()
	return New(mem, testLogger(), opts...), mem
}

// defaultTerms is a 3000-unit loan in three daily installments of 1000, all
// of them already past due.
func defaultTerms() LoanTerms {
	return LoanTerms{
		CustomerKey:     "cust-001",
		LoanAmount:      decimal.NewFromInt(3000),
		PrincipalAmount: decimal.NewFromInt(3000),
		LoanDuration:    "3 days",
		Frequency:       models.FrequencyDaily,
		InterestRate:    decimal.NewFromFloat(0.12),
		StartDate:       time.Now().AddDate(0, 0, -30),
	}
}

func newActiveLoan(t *testing.T, l *Ledger, terms LoanTerms) (*models.Loan, []*models.Installment) {
	t.Helper()
	loan, installments, err := l.CreateLoan(terms)
	require.NoError(t, err)
	_, err = l.ApproveLoan(loan.ID)
	require.NoError(t, err)
	loan, err = l.ActivateLoan(loan.ID)
	require.NoError(t, err)
	return loan, installments
}

// reloadLoan fetches the current loan state and checks the running-total
// identity before handing it back.
func reloadLoan(t *testing.T, l *Ledger, loanID uuid.UUID) *models.Loan {
	t.Helper()
	loan, err := l.GetLoan(loanID)
	require.NoError(t, err)
	if loan.Status != models.LoanStatusClosed {
		assertInvariant(t, loan)
	}
	return loan
}

func TestCreateLoan(t *testing.T) {
	l, _ := newTestLedger(t)

	loan, installments, err := l.CreateLoan(defaultTerms())
	require.NoError(t, err)

	assert.Equal(t, models.LoanStatusPending, loan.Status)
	assert.True(t, loan.OutstandingAmount.Equal(loan.LoanAmount))
	assert.True(t, loan.TotalPaid.IsZero())
	assert.True(t, loan.TotalPenalty.IsZero())
	require.Len(t, installments, 3)
	for _, inst := range installments {
		assert.Equal(t, loan.ID, inst.LoanID)
		assert.Equal(t, models.InstallmentPending, inst.Status)
		assert.True(t, inst.Amount.Equal(inst.OriginalAmount))
	}

	persisted, err := l.GetInstallments(loan.ID)
	require.NoError(t, err)
	assert.Len(t, persisted, 3)
}

func TestCreateLoan_InvalidTerms(t *testing.T) {
	l, _ := newTestLedger(t)

	tests := []struct {
		name   string
		mutate func(*LoanTerms)
	}{
		{"zero amount", func(tr *LoanTerms) { tr.LoanAmount = decimal.Zero }},
		{"zero principal", func(tr *LoanTerms) { tr.PrincipalAmount = decimal.Zero }},
		{"negative rate", func(tr *LoanTerms) { tr.InterestRate = decimal.NewFromFloat(-0.1) }},
		{"bad duration", func(tr *LoanTerms) { tr.LoanDuration = "three fortnights" }},
		{"bad frequency", func(tr *LoanTerms) { tr.Frequency = "hourly" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			terms := defaultTerms()
			tt.mutate(&terms)
			_, _, err := l.CreateLoan(terms)
			assert.True(t, IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestLoanLifecycle(t *testing.T) {
	l, _ := newTestLedger(t)

	loan, _, err := l.CreateLoan(defaultTerms())
	require.NoError(t, err)

	approved, err := l.ApproveLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusApproved, approved.Status)

	active, err := l.ActivateLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusActive, active.Status)

	// Approving an already-active loan is invalid.
	_, err = l.ApproveLoan(loan.ID)
	assert.True(t, IsConsistency(err), "expected consistency error, got %v", err)
}

func TestRejectLoan(t *testing.T) {
	l, _ := newTestLedger(t)

	loan, _, err := l.CreateLoan(defaultTerms())
	require.NoError(t, err)

	rejected, err := l.RejectLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanStatusRejected, rejected.Status)

	_, err = l.ActivateLoan(loan.ID)
	assert.True(t, IsConsistency(err))
}

func TestPaymentRequiresActiveLoan(t *testing.T) {
	l, _ := newTestLedger(t)

	loan, installments, err := l.CreateLoan(defaultTerms())
	require.NoError(t, err)

	_, err = l.RecordPayment(PaymentEvent{
		LoanID:              loan.ID,
		TargetInstallmentID: installments[0].ID,
		Amount:              decimal.NewFromInt(100),
		CollectorID:         "agent-7",
	})
	assert.True(t, IsConsistency(err), "expected consistency error, got %v", err)
}

func TestDeleteLoanCascades(t *testing.T) {
	l, mem := newTestLedger(t)
	loan, installments := newActiveLoan(t, l, defaultTerms())

	_, err := l.RecordPayment(PaymentEvent{
		LoanID:              loan.ID,
		TargetInstallmentID: installments[0].ID,
		Amount:              decimal.NewFromInt(400),
		CollectorID:         "agent-7",
	})
	require.NoError(t, err)

	require.NoError(t, l.DeleteLoan(loan.ID))

	_, err = l.GetLoan(loan.ID)
	assert.True(t, IsNotFound(err))
	insts, err := mem.GetInstallmentsForLoan(loan.ID)
	require.NoError(t, err)
	assert.Empty(t, insts)
	reps, err := mem.GetRepaymentsForLoan(loan.ID)
	require.NoError(t, err)
	assert.Empty(t, reps)
}

func TestGetLoan_NotFound(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.GetLoan(uuid.New())
	assert.True(t, IsNotFound(err))
}

// assertInvariant checks the loan-level running-total identity.
func assertInvariant(t *testing.T, loan *models.Loan) {
	t.Helper()
	want := loan.LoanAmount.Add(loan.TotalPenalty).Sub(loan.TotalPaid)
	assert.True(t, loan.OutstandingAmount.Equal(want),
		"outstanding %s != loanAmount %s + totalPenalty %s - totalPaid %s",
		loan.OutstandingAmount, loan.LoanAmount, loan.TotalPenalty, loan.TotalPaid)
}
