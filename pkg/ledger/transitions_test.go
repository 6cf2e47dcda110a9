package ledger

import (
	"testing"
	"time"

	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTableCoversEveryPair(t *testing.T) {
	covered := 0
	for _, from := range allInstallmentStatuses {
		for _, to := range allInstallmentStatuses {
			_, ok := transitionTable[statusPair{from, to}]
			if from == to || to == models.InstallmentPending {
				assert.False(t, ok, "%s -> %s must not be in the table", from, to)
				continue
			}
			assert.True(t, ok, "%s -> %s missing from the table", from, to)
			covered++
		}
	}
	assert.Equal(t, covered, len(transitionTable))
}

func TestChangeStatus_PendingToOverdueAppliesDefaultPenalty(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, installments := newActiveLoan(t, l, defaultTerms())
	target := installments[0]

	inst, err := l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentOverdue,
	})
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentOverdue, inst.Status)
	assert.True(t, inst.PenaltyApplied)
	assert.True(t, inst.Amount.Equal(inst.OriginalAmount))

	p, err := l.storage.GetPenaltyForInstallment(target.ID)
	require.NoError(t, err)
	assert.True(t, p.Amount.Equal(decimal.NewFromInt(100)), "10%% of 1000, got %s", p.Amount)
	assert.Equal(t, DefaultPenaltyReason, p.Reason)
	assert.Equal(t, models.PenaltyPending, p.Status)

	loanNow := reloadLoan(t, l, loan.ID)
	assert.True(t, loanNow.TotalPenalty.Equal(decimal.NewFromInt(100)))
	assert.True(t, loanNow.OutstandingAmount.Equal(decimal.NewFromInt(3100)))
}

func TestChangeStatus_PendingToPaidCreatesRepayment(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, installments := newActiveLoan(t, l, defaultTerms())

	// No amount supplied: a full settlement defaults to the remaining due.
	inst, err := l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: installments[0].ID,
		NewStatus:     models.InstallmentPaid,
	})
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentPaid, inst.Status)
	assert.True(t, inst.Amount.Equal(inst.OriginalAmount))

	reps, err := l.storage.GetRepaymentsForInstallment(inst.ID)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.True(t, reps[0].Amount.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, models.RepaymentApproved, reps[0].Status)

	loanNow := reloadLoan(t, l, loan.ID)
	assert.True(t, loanNow.TotalPaid.Equal(decimal.NewFromInt(1000)))
	assert.True(t, loanNow.OutstandingAmount.Equal(decimal.NewFromInt(2000)))
}

func TestChangeStatus_PartiallyPaidToPaid(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, installments := newActiveLoan(t, l, defaultTerms())
	target := installments[0]

	amount := decimal.NewFromInt(400)
	_, err := l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentPartiallyPaid,
		Amount:        &amount,
	})
	require.NoError(t, err)

	// Partial payment attaches a penalty; settling removes it and tops the
	// existing repayment up instead of creating a second one.
	full := decimal.NewFromInt(1000)
	inst, err := l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentPaid,
		Amount:        &full,
	})
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentPaid, inst.Status)
	assert.False(t, inst.PenaltyApplied)
	assert.True(t, inst.Amount.Equal(inst.OriginalAmount))

	reps, err := l.storage.GetRepaymentsForInstallment(target.ID)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.True(t, reps[0].Amount.Equal(full))

	loanNow := reloadLoan(t, l, loan.ID)
	assert.True(t, loanNow.TotalPaid.Equal(full))
	assert.True(t, loanNow.TotalPenalty.IsZero())
	assert.True(t, loanNow.OutstandingAmount.Equal(decimal.NewFromInt(2000)))
}

func TestChangeStatus_PaidToWaivedRemovesRepayment(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, installments := newActiveLoan(t, l, defaultTerms())
	target := installments[0]

	_, err := l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentPaid,
	})
	require.NoError(t, err)

	inst, err := l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentWaived,
	})
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentWaived, inst.Status)
	assert.True(t, inst.Amount.Equal(inst.OriginalAmount))

	reps, err := l.storage.GetRepaymentsForInstallment(target.ID)
	require.NoError(t, err)
	assert.Empty(t, reps)

	loanNow := reloadLoan(t, l, loan.ID)
	assert.True(t, loanNow.TotalPaid.IsZero())
	assert.True(t, loanNow.OutstandingAmount.Equal(decimal.NewFromInt(3000)))
}

func TestChangeStatus_PendingToAdvancePaid(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, installments := newActiveLoan(t, l, defaultTerms())
	target := installments[2]

	when := time.Now().AddDate(0, 0, -1)
	inst, err := l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentAdvancePaid,
		PaymentDate:   &when,
	})
	require.NoError(t, err)
	assert.Equal(t, models.InstallmentAdvancePaid, inst.Status)

	reps, err := l.storage.GetRepaymentsForInstallment(target.ID)
	require.NoError(t, err)
	require.Len(t, reps, 1)
	assert.True(t, reps[0].PaymentDate.Equal(when))

	reloadLoan(t, l, loan.ID)
}

func TestChangeStatus_MissingPaymentData(t *testing.T) {
	l, _ := newTestLedger(t)
	_, installments := newActiveLoan(t, l, defaultTerms())

	tests := []struct {
		name string
		edit StatusEdit
	}{
		{
			"partial payment without amount",
			StatusEdit{InstallmentID: installments[0].ID, NewStatus: models.InstallmentPartiallyPaid},
		},
		{
			"advance payment without date",
			StatusEdit{InstallmentID: installments[0].ID, NewStatus: models.InstallmentAdvancePaid},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.ChangeInstallmentStatus(tt.edit)
			assert.True(t, IsValidation(err), "expected validation error, got %v", err)
		})
	}
}

func TestChangeStatus_InvalidTransitions(t *testing.T) {
	l, _ := newTestLedger(t)
	_, installments := newActiveLoan(t, l, defaultTerms())
	target := installments[0]

	// Same state.
	_, err := l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentPending,
	})
	assert.True(t, IsConsistency(err))

	// No manual path back to pending.
	_, err = l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentPaid,
	})
	require.NoError(t, err)
	_, err = l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentPending,
	})
	assert.True(t, IsConsistency(err))

	// Unknown status is a validation failure.
	_, err = l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     "settled",
	})
	assert.True(t, IsValidation(err))
}

func TestChangeStatus_PenaltyNotStacked(t *testing.T) {
	l, _ := newTestLedger(t)
	loan, installments := newActiveLoan(t, l, defaultTerms())
	target := installments[0]

	_, err := l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentOverdue,
	})
	require.NoError(t, err)

	// Overdue -> PartiallyPaid runs another create-penalty effect; the
	// existing penalty must absorb it.
	amount := decimal.NewFromInt(400)
	_, err = l.ChangeInstallmentStatus(StatusEdit{
		InstallmentID: target.ID,
		NewStatus:     models.InstallmentPartiallyPaid,
		Amount:        &amount,
	})
	require.NoError(t, err)

	penalties, err := l.GetPenalties(loan.ID)
	require.NoError(t, err)
	assert.Len(t, penalties, 1)

	loanNow := reloadLoan(t, l, loan.ID)
	assert.True(t, loanNow.TotalPenalty.Equal(decimal.NewFromInt(100)))
}
