package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/jwaiyaki/kopaloan/pkg/store"
	"github.com/shopspring/decimal"
)

// DefaultPenaltyReason is attached to penalties created without an explicit reason.
const DefaultPenaltyReason = "Overdue Payment"

// Default penalty is 10% of the installment's original amount.
var defaultPenaltyRate = decimal.NewFromFloat(0.10)

// DefaultPenaltyAmount computes the default late fee for an installment.
func DefaultPenaltyAmount(inst *models.Installment) decimal.Decimal {
	return inst.OriginalAmount.Mul(defaultPenaltyRate).Round(2)
}

// createPenaltyIfAbsent attaches a penalty to the installment unless one
// already exists. Idempotent: a second call never creates a second penalty.
// The loan's totals move in the same transaction.
func (l *Ledger) createPenaltyIfAbsent(tx store.Storage, loan *models.Loan, inst *models.Installment, amount *decimal.Decimal, reason string) (*models.Penalty, bool, error) {
	existing, err := tx.GetPenaltyForInstallment(inst.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, err
	}

	amt := DefaultPenaltyAmount(inst)
	if amount != nil {
		if amount.LessThanOrEqual(decimal.Zero) {
			return nil, false, validationf("penalty amount must be positive")
		}
		amt = *amount
	}
	if reason == "" {
		reason = DefaultPenaltyReason
	}

	now := time.Now()
	p := &models.Penalty{
		ID:            uuid.New(),
		LoanID:        loan.ID,
		InstallmentID: inst.ID,
		Amount:        amt,
		Reason:        reason,
		AppliedDate:   now,
		Status:        models.PenaltyPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.CreatePenalty(p); err != nil {
		return nil, false, err
	}
	chargePenalty(loan, amt)
	inst.PenaltyApplied = true
	inst.UpdatedAt = now
	return p, true, nil
}

// applyIfDue marks a pending installment overdue and attaches the default
// penalty. No-op when a penalty is already present.
func (l *Ledger) applyIfDue(tx store.Storage, loan *models.Loan, inst *models.Installment) (bool, error) {
	_, created, err := l.createPenaltyIfAbsent(tx, loan, inst, nil, DefaultPenaltyReason)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}
	inst.Status = models.InstallmentOverdue
	inst.UpdatedAt = time.Now()
	if err := tx.UpdateInstallment(inst); err != nil {
		return false, err
	}
	return true, tx.UpdateLoan(loan)
}

// removePenalty deletes the installment's penalty, if any, and reverses its
// effect on the loan's totals.
func (l *Ledger) removePenalty(tx store.Storage, loan *models.Loan, inst *models.Installment) (bool, error) {
	p, err := tx.GetPenaltyForInstallment(inst.ID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := tx.DeletePenalty(p.ID); err != nil {
		return false, err
	}
	refundPenalty(loan, p.Amount)
	inst.PenaltyApplied = false
	inst.UpdatedAt = time.Now()
	return true, nil
}

// paidTotal sums the amounts allocated to the installment across its repayments.
func paidTotal(tx store.Storage, inst *models.Installment) (decimal.Decimal, error) {
	reps, err := tx.GetRepaymentsForInstallment(inst.ID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, rep := range reps {
		if i, ok := rep.AllocationFor(inst.ID); ok {
			total = total.Add(rep.Allocations[i].Amount)
		}
	}
	return total, nil
}

// rederiveStatus recomputes the installment's status purely from its repayment
// totals: fully covered means paid, anything positive partially paid, a past
// due date overdue, otherwise pending.
func rederiveStatus(tx store.Storage, inst *models.Installment, asOf time.Time) error {
	paid, err := paidTotal(tx, inst)
	if err != nil {
		return err
	}
	switch {
	case paid.GreaterThanOrEqual(inst.OriginalAmount):
		inst.Status = models.InstallmentPaid
		inst.Amount = inst.OriginalAmount
	case paid.GreaterThan(decimal.Zero):
		inst.Status = models.InstallmentPartiallyPaid
		inst.Amount = inst.OriginalAmount.Sub(paid)
	case inst.DueDate.Before(asOf):
		inst.Status = models.InstallmentOverdue
		inst.Amount = inst.OriginalAmount
	default:
		inst.Status = models.InstallmentPending
		inst.Amount = inst.OriginalAmount
	}
	inst.UpdatedAt = time.Now()
	return nil
}

// RemoveInstallmentPenalty waives an installment's penalty and re-derives the
// installment's status from its repayment history.
func (l *Ledger) RemoveInstallmentPenalty(installmentID uuid.UUID) (*models.Installment, error) {
	inst, err := l.storage.GetInstallment(installmentID)
	if err != nil {
		return nil, classifyStoreErr(err)
	}

	var updated *models.Installment
	err = l.withLoanTx(inst.LoanID, func(tx store.Storage, loan *models.Loan) error {
		inst, err := tx.GetInstallment(installmentID)
		if err != nil {
			return err
		}
		removed, err := l.removePenalty(tx, loan, inst)
		if err != nil {
			return err
		}
		if !removed {
			return notFoundf("installment %s has no penalty", installmentID)
		}
		if err := rederiveStatus(tx, inst, time.Now()); err != nil {
			return err
		}
		if err := tx.UpdateInstallment(inst); err != nil {
			return err
		}
		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}
		updated = inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.WithField("installment_id", installmentID).Info("penalty removed")
	return updated, nil
}
