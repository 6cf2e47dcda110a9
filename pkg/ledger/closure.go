package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/jwaiyaki/kopaloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// CloseRequest settles a loan with a final payoff.
type CloseRequest struct {
	LoanID          uuid.UUID       `json:"loan_id"`
	PayoffAmount    decimal.Decimal `json:"payoff_amount"`
	PaymentMethod   string          `json:"payment_method,omitempty"`
	CollectorID     string          `json:"collector_id,omitempty"`
	DeleteDocuments bool            `json:"delete_documents,omitempty"`
}

// Close settles the loan: the payoff is consumed by open installments in
// due-date order, then by pending penalties; whatever the payoff did not
// reach is waived. One approved repayment records the whole settlement. The
// payoff must not exceed the outstanding amount; nothing is mutated when it
// does.
func (l *Ledger) Close(req CloseRequest) (*models.Loan, error) {
	if req.PayoffAmount.IsNegative() {
		return nil, validationf("payoff amount cannot be negative")
	}

	var closed *models.Loan
	err := l.withLoanTx(req.LoanID, func(tx store.Storage, loan *models.Loan) error {
		if err := requireActive(loan); err != nil {
			return err
		}
		if req.PayoffAmount.GreaterThan(loan.OutstandingAmount) {
			return consistencyf("payoff %s exceeds outstanding amount %s", req.PayoffAmount, loan.OutstandingAmount)
		}

		insts, err := tx.GetInstallmentsForLoan(loan.ID)
		if err != nil {
			return err
		}

		now := time.Now()
		remaining := req.PayoffAmount
		var allocations []models.RepaymentAllocation

		for _, inst := range insts {
			if inst.Status.Settled() {
				continue
			}
			due := inst.Amount
			pay := decimal.Min(remaining, due)
			switch {
			case pay.Equal(due) && due.GreaterThan(decimal.Zero):
				inst.Amount = inst.OriginalAmount
				inst.Status = models.InstallmentPaid
				allocations = append(allocations, models.RepaymentAllocation{InstallmentID: inst.ID, Amount: pay})
			case pay.GreaterThan(decimal.Zero):
				inst.Amount = inst.Amount.Sub(pay)
				inst.Status = models.InstallmentPartiallyPaid
				allocations = append(allocations, models.RepaymentAllocation{InstallmentID: inst.ID, Amount: pay})
			default:
				inst.Status = models.InstallmentWaived
			}
			remaining = remaining.Sub(pay)
			inst.UpdatedAt = now
			if err := tx.UpdateInstallment(inst); err != nil {
				return err
			}
		}

		// Whatever survives the schedule walk settles pending penalties.
		penalties, err := tx.GetPenaltiesForLoan(loan.ID)
		if err != nil {
			return err
		}
		for _, p := range penalties {
			if p.Status != models.PenaltyPending {
				continue
			}
			if remaining.GreaterThanOrEqual(p.Amount) {
				p.Status = models.PenaltyPaid
				remaining = remaining.Sub(p.Amount)
			} else {
				p.Status = models.PenaltyWaived
				refundPenalty(loan, p.Amount)
			}
			p.UpdatedAt = now
			if err := tx.UpdatePenalty(p); err != nil {
				return err
			}
		}

		creditLoan(loan, req.PayoffAmount)

		method := req.PaymentMethod
		if method == "" {
			method = DefaultPaymentMethod
		}
		if req.PayoffAmount.GreaterThan(decimal.Zero) {
			rep := &models.Repayment{
				ID:           uuid.New(),
				LoanID:       loan.ID,
				Allocations:  allocations,
				Amount:       req.PayoffAmount,
				PaymentDate:  now,
				Method:       method,
				CollectorID:  req.CollectorID,
				Status:       models.RepaymentApproved,
				BalanceAfter: decimal.Zero,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.CreateRepayment(rep); err != nil {
				return err
			}
		}

		// Waived installments are forgiven debt; a closed loan owes nothing.
		loan.OutstandingAmount = decimal.Zero
		loan.Status = models.LoanStatusClosed
		loan.ClosedDate = &now
		loan.UpdatedAt = now
		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}
		closed = loan
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"loan_id": req.LoanID,
		"payoff":  req.PayoffAmount,
	}).Info("loan closed")

	// Document purge is a collaborator call outside the ledger invariant; a
	// failure here never unwinds the closed loan.
	if req.DeleteDocuments && l.docs != nil {
		if err := l.docs.DeleteLoanDocuments(req.LoanID); err != nil {
			l.log.WithError(err).WithField("loan_id", req.LoanID).Warn("failed to purge loan documents")
		}
	}
	return closed, nil
}
