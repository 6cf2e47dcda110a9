package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
)

// Sentinel errors the ledger layer classifies into its error taxonomy.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Storage defines the persistence operations for the loan ledger. The value
// passed to an InTransaction callback is a Storage scoped to that transaction;
// returning an error rolls the whole set of writes back.
type Storage interface {
	InTransaction(fn func(tx Storage) error) error

	CreateLoan(loan *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	UpdateLoan(loan *models.Loan) error
	DeleteLoan(id uuid.UUID) error
	GetAllLoans() ([]*models.Loan, error)
	GetLoansByStatus(status models.LoanStatus) ([]*models.Loan, error)

	CreateInstallment(inst *models.Installment) error
	GetInstallment(id uuid.UUID) (*models.Installment, error)
	UpdateInstallment(inst *models.Installment) error
	// GetInstallmentsForLoan returns the loan's installments ordered by due date.
	GetInstallmentsForLoan(loanID uuid.UUID) ([]*models.Installment, error)
	// GetDuePendingInstallments returns pending installments of active loans
	// whose due date has passed as of the given time.
	GetDuePendingInstallments(asOf time.Time) ([]*models.Installment, error)

	CreateRepayment(rep *models.Repayment) error
	GetRepayment(id uuid.UUID) (*models.Repayment, error)
	UpdateRepayment(rep *models.Repayment) error
	DeleteRepayment(id uuid.UUID) error
	GetRepaymentsForInstallment(installmentID uuid.UUID) ([]*models.Repayment, error)
	GetRepaymentsForLoan(loanID uuid.UUID) ([]*models.Repayment, error)

	CreatePenalty(p *models.Penalty) error
	// GetPenaltyForInstallment returns ErrNotFound when no penalty exists.
	GetPenaltyForInstallment(installmentID uuid.UUID) (*models.Penalty, error)
	UpdatePenalty(p *models.Penalty) error
	DeletePenalty(id uuid.UUID) error
	GetPenaltiesForLoan(loanID uuid.UUID) ([]*models.Penalty, error)

	GetStageSnapshot(loanID uuid.UUID) (*models.StageSnapshot, error)
	SaveStageSnapshot(s *models.StageSnapshot) error
	AppendStageTransition(tr *models.StageTransition) error
	GetStageHistory(loanID uuid.UUID) ([]*models.StageTransition, error)

	Close() error
}
