// Package ledger implements the micro-loan repayment ledger: schedule-backed
// loan origination, waterfall payment allocation, the installment status
// state machine, penalty management, and loan closure.
package ledger

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/jwaiyaki/kopaloan/pkg/schedule"
	"github.com/jwaiyaki/kopaloan/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Ledger handles the business logic for loans, installments, repayments and
// penalties. Mutations on one loan are serialized by a per-loan lock and run
// inside a single storage transaction.
type Ledger struct {
	storage   store.Storage
	log       *logrus.Logger
	docs      DocumentStore
	directory Directory
	locks     sync.Map // loan ID -> *sync.Mutex
}

// Option configures optional collaborators on a Ledger.
type Option func(*Ledger)

// WithDocumentStore wires the external document store used for purges on close.
func WithDocumentStore(d DocumentStore) Option {
	return func(l *Ledger) { l.docs = d }
}

// WithDirectory wires the external customer directory.
func WithDirectory(d Directory) Option {
	return func(l *Ledger) { l.directory = d }
}

// New creates a Ledger with the given Storage implementation.
func New(s store.Storage, log *logrus.Logger, opts ...Option) *Ledger {
	l := &Ledger{storage: s, log: log}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// lockLoan serializes ledger mutations per loan. The returned func releases
// the lock.
func (l *Ledger) lockLoan(id uuid.UUID) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// withLoanTx runs fn under the loan's lock inside one storage transaction,
// with the loan freshly loaded.
func (l *Ledger) withLoanTx(loanID uuid.UUID, fn func(tx store.Storage, loan *models.Loan) error) error {
	unlock := l.lockLoan(loanID)
	defer unlock()

	err := l.storage.InTransaction(func(tx store.Storage) error {
		loan, err := tx.GetLoan(loanID)
		if err != nil {
			return err
		}
		return fn(tx, loan)
	})
	return classifyStoreErr(err)
}

// LoanTerms is the input shape for originating a loan.
type LoanTerms struct {
	CustomerKey     string           `json:"customer_key"`
	LoanAmount      decimal.Decimal  `json:"loan_amount"`
	PrincipalAmount decimal.Decimal  `json:"principal_amount"`
	LoanDuration    string           `json:"loan_duration"`
	Frequency       models.Frequency `json:"installment_frequency"`
	InterestRate    decimal.Decimal  `json:"interest_rate"`
	StartDate       time.Time        `json:"loan_start_date"`
	GracePeriodDays int              `json:"grace_period_days"`
}

// CreateLoan originates a loan: it validates the terms, derives the repayment
// schedule, and persists the loan with its installments in one transaction.
// The loan starts in Pending status.
func (l *Ledger) CreateLoan(terms LoanTerms) (*models.Loan, []*models.Installment, error) {
	if terms.PrincipalAmount.LessThanOrEqual(decimal.Zero) {
		return nil, nil, validationf("invalid loan terms: principal amount must be positive")
	}
	if terms.InterestRate.IsNegative() {
		return nil, nil, validationf("invalid loan terms: interest rate cannot be negative")
	}
	days, err := models.ParseDurationDays(terms.LoanDuration)
	if err != nil {
		return nil, nil, validationf("invalid loan terms: %v", err)
	}
	if l.directory != nil {
		ok, err := l.directory.CustomerExists(terms.CustomerKey)
		if err == nil && !ok {
			return nil, nil, notFoundf("customer %q not found", terms.CustomerKey)
		}
	}

	res, err := schedule.Generate(terms.LoanAmount, terms.StartDate, days, terms.Frequency, terms.GracePeriodDays)
	if err != nil {
		return nil, nil, validationf("%v", err)
	}

	now := time.Now()
	loan := &models.Loan{
		ID:                uuid.New(),
		CustomerKey:       terms.CustomerKey,
		LoanAmount:        terms.LoanAmount,
		PrincipalAmount:   terms.PrincipalAmount,
		InterestRate:      terms.InterestRate,
		LoanDuration:      terms.LoanDuration,
		DurationDays:      days,
		Frequency:         terms.Frequency,
		GracePeriodDays:   terms.GracePeriodDays,
		StartDate:         terms.StartDate,
		EndDate:           res.EndDate,
		Status:            models.LoanStatusPending,
		TotalPaid:         decimal.Zero,
		OutstandingAmount: terms.LoanAmount,
		TotalPenalty:      decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	err = l.storage.InTransaction(func(tx store.Storage) error {
		if err := tx.CreateLoan(loan); err != nil {
			return err
		}
		for _, inst := range res.Installments {
			inst.LoanID = loan.ID
			inst.CreatedAt = now
			inst.UpdatedAt = now
			if err := tx.CreateInstallment(inst); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, classifyStoreErr(err)
	}

	l.log.WithFields(logrus.Fields{
		"loan_id":      loan.ID,
		"customer":     loan.CustomerKey,
		"installments": len(res.Installments),
	}).Info("loan created")
	return loan, res.Installments, nil
}

func (l *Ledger) setLoanStatus(loanID uuid.UUID, from []models.LoanStatus, to models.LoanStatus) (*models.Loan, error) {
	var updated *models.Loan
	err := l.withLoanTx(loanID, func(tx store.Storage, loan *models.Loan) error {
		ok := false
		for _, s := range from {
			if loan.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return consistencyf("loan %s cannot move from %s to %s", loanID, loan.Status, to)
		}
		loan.Status = to
		loan.UpdatedAt = time.Now()
		if err := tx.UpdateLoan(loan); err != nil {
			return err
		}
		updated = loan
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{"loan_id": loanID, "status": to}).Info("loan status changed")
	return updated, nil
}

// ApproveLoan moves a pending loan to approved.
func (l *Ledger) ApproveLoan(loanID uuid.UUID) (*models.Loan, error) {
	return l.setLoanStatus(loanID, []models.LoanStatus{models.LoanStatusPending}, models.LoanStatusApproved)
}

// RejectLoan moves a pending loan to rejected.
func (l *Ledger) RejectLoan(loanID uuid.UUID) (*models.Loan, error) {
	return l.setLoanStatus(loanID, []models.LoanStatus{models.LoanStatusPending}, models.LoanStatusRejected)
}

// ActivateLoan moves an approved loan to active. Only active loans accept
// ledger mutations.
func (l *Ledger) ActivateLoan(loanID uuid.UUID) (*models.Loan, error) {
	return l.setLoanStatus(loanID, []models.LoanStatus{models.LoanStatusApproved}, models.LoanStatusActive)
}

// GetLoan retrieves a loan by its ID.
func (l *Ledger) GetLoan(id uuid.UUID) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	return loan, classifyStoreErr(err)
}

// GetAllLoans retrieves all loans.
func (l *Ledger) GetAllLoans() ([]*models.Loan, error) {
	loans, err := l.storage.GetAllLoans()
	return loans, classifyStoreErr(err)
}

// GetInstallments retrieves a loan's installments in due-date order.
func (l *Ledger) GetInstallments(loanID uuid.UUID) ([]*models.Installment, error) {
	if _, err := l.storage.GetLoan(loanID); err != nil {
		return nil, classifyStoreErr(err)
	}
	insts, err := l.storage.GetInstallmentsForLoan(loanID)
	return insts, classifyStoreErr(err)
}

// GetRepayments retrieves a loan's repayments in payment-date order.
func (l *Ledger) GetRepayments(loanID uuid.UUID) ([]*models.Repayment, error) {
	reps, err := l.storage.GetRepaymentsForLoan(loanID)
	return reps, classifyStoreErr(err)
}

// GetPenalties retrieves a loan's penalties.
func (l *Ledger) GetPenalties(loanID uuid.UUID) ([]*models.Penalty, error) {
	penalties, err := l.storage.GetPenaltiesForLoan(loanID)
	return penalties, classifyStoreErr(err)
}

// GetStage retrieves a loan's delinquency snapshot and history trail.
func (l *Ledger) GetStage(loanID uuid.UUID) (*models.StageSnapshot, []*models.StageTransition, error) {
	snap, err := l.storage.GetStageSnapshot(loanID)
	if err != nil {
		return nil, nil, classifyStoreErr(err)
	}
	history, err := l.storage.GetStageHistory(loanID)
	if err != nil {
		return nil, nil, classifyStoreErr(err)
	}
	return snap, history, nil
}

// DeleteLoan deletes a loan and everything it owns.
func (l *Ledger) DeleteLoan(id uuid.UUID) error {
	unlock := l.lockLoan(id)
	defer unlock()
	return classifyStoreErr(l.storage.DeleteLoan(id))
}

// creditLoan applies a paid amount to the loan's running totals.
func creditLoan(loan *models.Loan, amount decimal.Decimal) {
	loan.TotalPaid = loan.TotalPaid.Add(amount)
	loan.OutstandingAmount = loan.OutstandingAmount.Sub(amount)
	loan.UpdatedAt = time.Now()
}

// debitLoan reverses a previously applied paid amount.
func debitLoan(loan *models.Loan, amount decimal.Decimal) {
	loan.TotalPaid = loan.TotalPaid.Sub(amount)
	loan.OutstandingAmount = loan.OutstandingAmount.Add(amount)
	loan.UpdatedAt = time.Now()
}

// chargePenalty adds a penalty amount to the loan's running totals.
func chargePenalty(loan *models.Loan, amount decimal.Decimal) {
	loan.TotalPenalty = loan.TotalPenalty.Add(amount)
	loan.OutstandingAmount = loan.OutstandingAmount.Add(amount)
	loan.UpdatedAt = time.Now()
}

// refundPenalty reverses a previously charged penalty amount.
func refundPenalty(loan *models.Loan, amount decimal.Decimal) {
	loan.TotalPenalty = loan.TotalPenalty.Sub(amount)
	loan.OutstandingAmount = loan.OutstandingAmount.Sub(amount)
	loan.UpdatedAt = time.Now()
}

func requireActive(loan *models.Loan) error {
	if loan.Status != models.LoanStatusActive {
		return consistencyf("loan %s is %s, not active", loan.ID, loan.Status)
	}
	return nil
}
