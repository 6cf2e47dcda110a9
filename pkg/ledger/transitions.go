package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/jwaiyaki/kopaloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// sideEffect is one step of a manual status transition.
type sideEffect int

const (
	effCreateRepayment sideEffect = iota
	effUpdateRepaymentAmount
	effUpdateRepaymentDate
	effUpdateRepaymentDateAmount
	effRemoveRepayment
	effCreatePenalty // idempotent: never stacks a second penalty
	effRemovePenalty
)

type statusPair struct {
	from, to models.InstallmentStatus
}

// transitionTable maps every legal (from, to) pair to its ordered side
// effects. An empty list is an explicit no-op; an absent pair is an invalid
// transition. Installments never transition back to pending manually.
var transitionTable = map[statusPair][]sideEffect{
	{models.InstallmentPending, models.InstallmentPaid}:          {effCreateRepayment},
	{models.InstallmentPending, models.InstallmentPartiallyPaid}: {effCreateRepayment, effCreatePenalty},
	{models.InstallmentPending, models.InstallmentOverdue}:       {effCreatePenalty},
	{models.InstallmentPending, models.InstallmentAdvancePaid}:   {effCreateRepayment},
	{models.InstallmentPending, models.InstallmentOverduePaid}:   {effCreateRepayment, effCreatePenalty},
	{models.InstallmentPending, models.InstallmentWaived}:        {},

	{models.InstallmentPaid, models.InstallmentPartiallyPaid}: {effUpdateRepaymentAmount, effCreatePenalty},
	{models.InstallmentPaid, models.InstallmentOverdue}:       {effRemoveRepayment, effCreatePenalty},
	{models.InstallmentPaid, models.InstallmentAdvancePaid}:   {effUpdateRepaymentDate},
	{models.InstallmentPaid, models.InstallmentOverduePaid}:   {effCreatePenalty},
	{models.InstallmentPaid, models.InstallmentWaived}:        {effRemoveRepayment},

	{models.InstallmentPartiallyPaid, models.InstallmentPaid}:        {effRemovePenalty, effUpdateRepaymentAmount},
	{models.InstallmentPartiallyPaid, models.InstallmentOverdue}:     {effUpdateRepaymentAmount, effCreatePenalty},
	{models.InstallmentPartiallyPaid, models.InstallmentAdvancePaid}: {effRemovePenalty, effUpdateRepaymentDateAmount},
	{models.InstallmentPartiallyPaid, models.InstallmentOverduePaid}: {effUpdateRepaymentAmount, effCreatePenalty},
	{models.InstallmentPartiallyPaid, models.InstallmentWaived}:      {effRemoveRepayment, effRemovePenalty},

	{models.InstallmentOverdue, models.InstallmentPaid}:          {effRemovePenalty, effCreateRepayment},
	{models.InstallmentOverdue, models.InstallmentPartiallyPaid}: {effCreateRepayment, effCreatePenalty},
	{models.InstallmentOverdue, models.InstallmentAdvancePaid}:   {effRemovePenalty, effCreateRepayment},
	{models.InstallmentOverdue, models.InstallmentOverduePaid}:   {effCreateRepayment},
	{models.InstallmentOverdue, models.InstallmentWaived}:        {effRemovePenalty},

	{models.InstallmentAdvancePaid, models.InstallmentPaid}:          {effUpdateRepaymentDateAmount},
	{models.InstallmentAdvancePaid, models.InstallmentPartiallyPaid}: {effUpdateRepaymentDateAmount, effCreatePenalty},
	{models.InstallmentAdvancePaid, models.InstallmentOverdue}:       {effRemoveRepayment, effCreatePenalty},
	{models.InstallmentAdvancePaid, models.InstallmentOverduePaid}:   {effUpdateRepaymentDateAmount, effCreatePenalty},
	{models.InstallmentAdvancePaid, models.InstallmentWaived}:        {effRemoveRepayment},

	{models.InstallmentOverduePaid, models.InstallmentPaid}:          {effRemovePenalty},
	{models.InstallmentOverduePaid, models.InstallmentPartiallyPaid}: {effUpdateRepaymentAmount, effCreatePenalty},
	{models.InstallmentOverduePaid, models.InstallmentOverdue}:       {effRemoveRepayment, effCreatePenalty},
	{models.InstallmentOverduePaid, models.InstallmentAdvancePaid}:   {effRemovePenalty, effUpdateRepaymentDateAmount},
	{models.InstallmentOverduePaid, models.InstallmentWaived}:        {effRemoveRepayment, effRemovePenalty},

	{models.InstallmentWaived, models.InstallmentPaid}:          {},
	{models.InstallmentWaived, models.InstallmentPartiallyPaid}: {effCreateRepayment, effCreatePenalty},
	{models.InstallmentWaived, models.InstallmentOverdue}:       {effCreatePenalty},
	{models.InstallmentWaived, models.InstallmentAdvancePaid}:   {effCreateRepayment},
	{models.InstallmentWaived, models.InstallmentOverduePaid}:   {effCreateRepayment, effCreatePenalty},
}

var allInstallmentStatuses = []models.InstallmentStatus{
	models.InstallmentPending,
	models.InstallmentPartiallyPaid,
	models.InstallmentPaid,
	models.InstallmentOverdue,
	models.InstallmentOverduePaid,
	models.InstallmentAdvancePaid,
	models.InstallmentWaived,
}

// The table must cover every declared state pair so a transition can never
// silently fall through. Checked at startup.
func init() {
	want := 0
	for _, from := range allInstallmentStatuses {
		for _, to := range allInstallmentStatuses {
			if from == to || to == models.InstallmentPending {
				continue
			}
			want++
			if _, ok := transitionTable[statusPair{from, to}]; !ok {
				panic("ledger: transition table missing " + string(from) + " -> " + string(to))
			}
		}
	}
	if len(transitionTable) != want {
		panic("ledger: transition table has undeclared state pairs")
	}
}

// StatusEdit is a manual installment status change requested by an operator.
type StatusEdit struct {
	InstallmentID uuid.UUID                `json:"installment_id"`
	NewStatus     models.InstallmentStatus `json:"new_status"`
	PaymentDate   *time.Time               `json:"payment_date,omitempty"`
	Amount        *decimal.Decimal         `json:"amount,omitempty"`
	PaymentMethod string                   `json:"payment_method,omitempty"`
	PenaltyAmount *decimal.Decimal         `json:"penalty_amount,omitempty"`
	PenaltyReason string                   `json:"penalty_reason,omitempty"`
	TransactionID string                   `json:"transaction_id,omitempty"`
	CollectorID   string                   `json:"collector_id,omitempty"`
}

var fullSettlement = map[models.InstallmentStatus]bool{
	models.InstallmentPaid:        true,
	models.InstallmentOverduePaid: true,
	models.InstallmentAdvancePaid: true,
}

// checkPaymentData enforces the amount/date requirements of the transition's
// side effects before anything is mutated.
func checkPaymentData(effects []sideEffect, from, to models.InstallmentStatus, edit StatusEdit) error {
	if edit.Amount != nil && edit.Amount.LessThanOrEqual(decimal.Zero) {
		return validationf("missing payment data: amount must be positive")
	}
	for _, eff := range effects {
		switch eff {
		case effCreateRepayment:
			if to == models.InstallmentPartiallyPaid && edit.Amount == nil {
				return validationf("missing payment data: amount is required for a partial payment")
			}
			if from == models.InstallmentPending && to == models.InstallmentAdvancePaid && edit.PaymentDate == nil {
				return validationf("missing payment data: payment date is required for an advance payment")
			}
		case effUpdateRepaymentAmount:
			if edit.Amount == nil {
				return validationf("missing payment data: amount is required")
			}
		case effUpdateRepaymentDate:
			if edit.PaymentDate == nil {
				return validationf("missing payment data: payment date is required")
			}
		case effUpdateRepaymentDateAmount:
			if edit.Amount == nil || edit.PaymentDate == nil {
				return validationf("missing payment data: amount and payment date are required")
			}
		}
	}
	return nil
}

// transitionCtx carries the entities one transition mutates.
type transitionCtx struct {
	tx   store.Storage
	loan *models.Loan
	inst *models.Installment
	edit StatusEdit
	to   models.InstallmentStatus
}

// resolveAmount picks the repayment amount for a create/update effect: the
// operator-supplied amount when present, otherwise the remaining due for
// full-settlement targets.
func (c *transitionCtx) resolveAmount() decimal.Decimal {
	if c.edit.Amount != nil {
		return *c.edit.Amount
	}
	return c.inst.Amount
}

// touchingRepayments returns the repayments that allocated funds to the installment.
func (c *transitionCtx) touchingRepayments() ([]*models.Repayment, error) {
	return c.tx.GetRepaymentsForInstallment(c.inst.ID)
}

// createOrReuseRepayment creates a repayment for the installment, or updates
// the existing one instead of duplicating it. The loan's totals move by the
// resulting delta.
func (l *Ledger) createOrReuseRepayment(c *transitionCtx, setDate bool) error {
	amt := c.resolveAmount()
	reps, err := c.touchingRepayments()
	if err != nil {
		return err
	}
	now := time.Now()

	if len(reps) > 0 {
		rep := reps[0]
		i, _ := rep.AllocationFor(c.inst.ID)
		delta := amt.Sub(rep.Allocations[i].Amount)
		rep.Allocations[i].Amount = amt
		rep.Amount = rep.Amount.Add(delta)
		if setDate && c.edit.PaymentDate != nil {
			rep.PaymentDate = *c.edit.PaymentDate
		}
		if c.edit.TransactionID != "" {
			rep.ExternalRef = c.edit.TransactionID
		}
		rep.UpdatedAt = now
		if err := c.tx.UpdateRepayment(rep); err != nil {
			return err
		}
		creditLoan(c.loan, delta)
		return nil
	}

	paymentDate := now
	if c.edit.PaymentDate != nil {
		paymentDate = *c.edit.PaymentDate
	}
	method := c.edit.PaymentMethod
	if method == "" {
		method = DefaultPaymentMethod
	}
	rep := &models.Repayment{
		ID:     uuid.New(),
		LoanID: c.loan.ID,
		Allocations: []models.RepaymentAllocation{
			{InstallmentID: c.inst.ID, Amount: amt},
		},
		Amount:      amt,
		PaymentDate: paymentDate,
		Method:      method,
		ExternalRef: c.edit.TransactionID,
		CollectorID: c.edit.CollectorID,
		Status:      models.RepaymentApproved,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	creditLoan(c.loan, amt)
	rep.BalanceAfter = c.loan.OutstandingAmount
	return c.tx.CreateRepayment(rep)
}

// removeRepayments deletes the installment's repayment records and reverses
// their effect on the loan's totals. A repayment that also covers other
// installments only loses this installment's share.
func (l *Ledger) removeRepayments(c *transitionCtx) error {
	reps, err := c.touchingRepayments()
	if err != nil {
		return err
	}
	for _, rep := range reps {
		i, ok := rep.AllocationFor(c.inst.ID)
		if !ok {
			continue
		}
		share := rep.Allocations[i].Amount
		if len(rep.Allocations) == 1 {
			if err := c.tx.DeleteRepayment(rep.ID); err != nil {
				return err
			}
		} else {
			rep.Allocations = append(rep.Allocations[:i], rep.Allocations[i+1:]...)
			rep.Amount = rep.Amount.Sub(share)
			rep.UpdatedAt = time.Now()
			if err := c.tx.UpdateRepayment(rep); err != nil {
				return err
			}
		}
		debitLoan(c.loan, share)
	}
	return nil
}

func (l *Ledger) runEffect(c *transitionCtx, eff sideEffect) error {
	switch eff {
	case effCreateRepayment:
		return l.createOrReuseRepayment(c, true)
	case effUpdateRepaymentAmount:
		return l.createOrReuseRepayment(c, false)
	case effUpdateRepaymentDate, effUpdateRepaymentDateAmount:
		return l.createOrReuseRepayment(c, true)
	case effRemoveRepayment:
		return l.removeRepayments(c)
	case effCreatePenalty:
		_, _, err := l.createPenaltyIfAbsent(c.tx, c.loan, c.inst, c.edit.PenaltyAmount, c.edit.PenaltyReason)
		return err
	case effRemovePenalty:
		_, err := l.removePenalty(c.tx, c.loan, c.inst)
		return err
	default:
		return consistencyf("unknown side effect %d", eff)
	}
}

// ChangeInstallmentStatus applies a manual status edit: it looks up the
// (from, to) pair in the transition table, runs the associated side effects
// in order, and saves the installment and the loan in the same transaction.
func (l *Ledger) ChangeInstallmentStatus(edit StatusEdit) (*models.Installment, error) {
	known := false
	for _, s := range allInstallmentStatuses {
		if edit.NewStatus == s {
			known = true
			break
		}
	}
	if !known {
		return nil, validationf("unknown installment status %q", edit.NewStatus)
	}

	inst, err := l.storage.GetInstallment(edit.InstallmentID)
	if err != nil {
		return nil, classifyStoreErr(err)
	}

	var updated *models.Installment
	err = l.withLoanTx(inst.LoanID, func(tx store.Storage, loan *models.Loan) error {
		inst, err := tx.GetInstallment(edit.InstallmentID)
		if err != nil {
			return err
		}
		if err := requireActive(loan); err != nil {
			return err
		}

		from := inst.Status
		if from == edit.NewStatus {
			return consistencyf("installment %s is already %s", inst.ID, from)
		}
		effects, ok := transitionTable[statusPair{from, edit.NewStatus}]
		if !ok {
			return consistencyf("invalid state transition %s -> %s", from, edit.NewStatus)
		}
		if err := checkPaymentData(effects, from, edit.NewStatus, edit); err != nil {
			return err
		}

		c := &transitionCtx{tx: tx, loan: loan, inst: inst, edit: edit, to: edit.NewStatus}
		for _, eff := range effects {
			if err := l.runEffect(c, eff); err != nil {
				return err
			}
		}

		inst.Status = edit.NewStatus
		if fullSettlement[edit.NewStatus] {
			inst.Amount = inst.OriginalAmount
		} else {
			paid, err := paidTotal(tx, inst)
			if err != nil {
				return err
			}
			inst.Amount = decimal.Max(decimal.Zero, inst.OriginalAmount.Sub(paid))
		}
		inst.UpdatedAt = time.Now()

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

	l.log.WithFields(logrus.Fields{
		"installment_id": edit.InstallmentID,
		"status":         edit.NewStatus,
	}).Info("installment status changed")
	return updated, nil
}
