package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/jwaiyaki/kopaloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultPaymentMethod is used when a payment arrives without a method.
const DefaultPaymentMethod = "Other"

// PaymentEvent is a field collection against one loan, targeted at a specific
// installment. Funds beyond that installment cascade down the schedule.
type PaymentEvent struct {
	LoanID              uuid.UUID       `json:"loan_id"`
	TargetInstallmentID uuid.UUID       `json:"target_installment_id"`
	Amount              decimal.Decimal `json:"amount"`
	Method              string          `json:"payment_method"`
	ExternalRef         string          `json:"external_ref,omitempty"`
	CollectorID         string          `json:"collector_id"`
	PaymentDate         *time.Time      `json:"payment_date,omitempty"`
}

// AllocationLine reports how one installment was affected by a payment.
type AllocationLine struct {
	InstallmentID uuid.UUID                `json:"installment_id"`
	Applied       decimal.Decimal          `json:"applied"`
	NewStatus     models.InstallmentStatus `json:"new_status"`
}

// AllocationResult is the outcome of one payment event.
type AllocationResult struct {
	Repayment *models.Repayment `json:"repayment,omitempty"`
	Lines     []AllocationLine  `json:"breakdown"`
	Remainder decimal.Decimal   `json:"remainder"`
}

// RecordPayment runs the waterfall: the targeted installment first, then
// overdue and partially paid installments in due-date order, then future
// pending installments (which settle as advance-paid). A single repayment
// record references every installment touched. Funds beyond what the loan
// owes are returned as Remainder, never silently absorbed.
func (l *Ledger) RecordPayment(ev PaymentEvent) (*AllocationResult, error) {
	if ev.Amount.LessThanOrEqual(decimal.Zero) {
		return nil, validationf("payment amount must be positive, got %s", ev.Amount)
	}

	var result *AllocationResult
	err := l.withLoanTx(ev.LoanID, func(tx store.Storage, loan *models.Loan) error {
		if err := requireActive(loan); err != nil {
			return err
		}

		insts, err := tx.GetInstallmentsForLoan(loan.ID)
		if err != nil {
			return err
		}
		var target *models.Installment
		for _, inst := range insts {
			if inst.ID == ev.TargetInstallmentID {
				target = inst
				break
			}
		}
		if target == nil {
			return notFoundf("installment %s not found on loan %s", ev.TargetInstallmentID, loan.ID)
		}

		remaining := ev.Amount
		var lines []AllocationLine
		var allocations []models.RepaymentAllocation

		apply := func(inst *models.Installment, advance bool) {
			if remaining.LessThanOrEqual(decimal.Zero) || inst.Amount.LessThanOrEqual(decimal.Zero) {
				return
			}
			applied := decimal.Min(remaining, inst.Amount)
			remaining = remaining.Sub(applied)

			if applied.Equal(inst.Amount) {
				inst.Amount = inst.OriginalAmount
				switch {
				case advance:
					inst.Status = models.InstallmentAdvancePaid
				case inst.Status == models.InstallmentOverdue:
					inst.Status = models.InstallmentOverduePaid
				default:
					inst.Status = models.InstallmentPaid
				}
			} else {
				inst.Amount = inst.Amount.Sub(applied)
				inst.Status = models.InstallmentPartiallyPaid
			}
			inst.UpdatedAt = time.Now()

			lines = append(lines, AllocationLine{InstallmentID: inst.ID, Applied: applied, NewStatus: inst.Status})
			allocations = append(allocations, models.RepaymentAllocation{InstallmentID: inst.ID, Amount: applied})
		}

		// 1: the explicitly targeted installment, if still open.
		if target.Status.Open() {
			apply(target, false)
		}
		// 2: overdue and partially paid installments, ascending due date.
		for _, inst := range insts {
			if inst.ID == target.ID {
				continue
			}
			if inst.Status == models.InstallmentOverdue || inst.Status == models.InstallmentPartiallyPaid {
				apply(inst, false)
			}
		}
		// 3: future pending installments, ascending due date.
		for _, inst := range insts {
			if inst.ID == target.ID {
				continue
			}
			if inst.Status == models.InstallmentPending {
				apply(inst, true)
			}
		}

		applied := ev.Amount.Sub(remaining)
		result = &AllocationResult{Lines: lines, Remainder: remaining}
		if applied.LessThanOrEqual(decimal.Zero) {
			// Nothing owed: report the whole amount back.
			return nil
		}

		creditLoan(loan, applied)

		method := ev.Method
		if method == "" {
			method = DefaultPaymentMethod
		}
		paymentDate := time.Now()
		if ev.PaymentDate != nil {
			paymentDate = *ev.PaymentDate
		}
		now := time.Now()
		rep := &models.Repayment{
			ID:           uuid.New(),
			LoanID:       loan.ID,
			Allocations:  allocations,
			Amount:       applied,
			PaymentDate:  paymentDate,
			Method:       method,
			ExternalRef:  ev.ExternalRef,
			CollectorID:  ev.CollectorID,
			Status:       models.RepaymentApproved,
			BalanceAfter: loan.OutstandingAmount,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := tx.CreateRepayment(rep); err != nil {
			return err
		}
		for _, line := range lines {
			for _, inst := range insts {
				if inst.ID == line.InstallmentID {
					if err := tx.UpdateInstallment(inst); err != nil {
						return err
					}
				}
			}
		}
		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}
		result.Repayment = rep
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"loan_id":      ev.LoanID,
		"amount":       ev.Amount,
		"installments": len(result.Lines),
		"remainder":    result.Remainder,
	}).Info("payment recorded")
	return result, nil
}
