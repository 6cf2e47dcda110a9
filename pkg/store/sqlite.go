package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

// queryer is satisfied by both *sql.DB and *sql.Tx so the same statement code
// runs inside and outside a transaction.
type queryer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
	q  queryer
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db, q: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the tables if they don't already exist. Decimal fields
// are stored as TEXT so no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		customer_key TEXT NOT NULL,
		loan_amount TEXT NOT NULL,
		principal_amount TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		loan_duration TEXT NOT NULL,
		duration_days INTEGER NOT NULL,
		frequency TEXT NOT NULL,
		grace_period_days INTEGER NOT NULL DEFAULT 0,
		start_date DATETIME NOT NULL,
		end_date DATETIME NOT NULL,
		status TEXT NOT NULL,
		total_paid TEXT NOT NULL DEFAULT '0',
		outstanding_amount TEXT NOT NULL DEFAULT '0',
		total_penalty TEXT NOT NULL DEFAULT '0',
		closed_date DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE TABLE IF NOT EXISTS installments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		original_amount TEXT NOT NULL,
		amount TEXT NOT NULL,
		status TEXT NOT NULL,
		penalty_applied INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS repayments (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		payment_date DATETIME NOT NULL,
		method TEXT NOT NULL,
		external_ref TEXT NOT NULL DEFAULT '',
		collector_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		balance_after TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS repayment_allocations (
		repayment_id TEXT NOT NULL,
		installment_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		PRIMARY KEY (repayment_id, installment_id),
		FOREIGN KEY(repayment_id) REFERENCES repayments(id) ON DELETE CASCADE,
		FOREIGN KEY(installment_id) REFERENCES installments(id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS penalties (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		installment_id TEXT NOT NULL UNIQUE,
		amount TEXT NOT NULL,
		reason TEXT NOT NULL,
		applied_date DATETIME NOT NULL,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id) ON DELETE CASCADE,
		FOREIGN KEY(installment_id) REFERENCES installments(id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS stage_snapshots (
		loan_id TEXT PRIMARY KEY,
		overdue_count INTEGER NOT NULL,
		stage TEXT NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS stage_history (
		id TEXT PRIMARY KEY,
		loan_id TEXT NOT NULL,
		from_stage TEXT NOT NULL,
		to_stage TEXT NOT NULL,
		overdue_count INTEGER NOT NULL,
		occurred_at DATETIME NOT NULL,
		FOREIGN KEY(loan_id) REFERENCES loans(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_installments_loan ON installments(loan_id, due_date);
	CREATE INDEX IF NOT EXISTS idx_repayments_loan ON repayments(loan_id);
	CREATE INDEX IF NOT EXISTS idx_penalties_loan ON penalties(loan_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// InTransaction runs fn against a transaction-scoped store, committing on nil
// and rolling back on error. Nested calls reuse the enclosing transaction.
func (s *SQLiteStore) InTransaction(fn func(tx Storage) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	txStore := &SQLiteStore{db: s.db, q: tx}
	if err := fn(txStore); err != nil {
		tx.Rollback()
		if isBusyError(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if isBusyError(err) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func isBusyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "database is locked")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(loan *models.Loan) error {
	_, err := s.q.Exec(
		`INSERT INTO loans (id, customer_key, loan_amount, principal_amount, interest_rate, loan_duration, duration_days, frequency, grace_period_days, start_date, end_date, status, total_paid, outstanding_amount, total_penalty, closed_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.CustomerKey, loan.LoanAmount, loan.PrincipalAmount, loan.InterestRate,
		loan.LoanDuration, loan.DurationDays, loan.Frequency, loan.GracePeriodDays,
		loan.StartDate, loan.EndDate, loan.Status, loan.TotalPaid, loan.OutstandingAmount,
		loan.TotalPenalty, nullTime(loan.ClosedDate), loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

const loanColumns = `id, customer_key, loan_amount, principal_amount, interest_rate, loan_duration, duration_days, frequency, grace_period_days, start_date, end_date, status, total_paid, outstanding_amount, total_penalty, closed_date, created_at, updated_at`

func scanLoan(row interface{ Scan(dest ...any) error }) (*models.Loan, error) {
	var loan models.Loan
	var idStr, freq, status string
	var closed sql.NullTime
	err := row.Scan(&idStr, &loan.CustomerKey, &loan.LoanAmount, &loan.PrincipalAmount,
		&loan.InterestRate, &loan.LoanDuration, &loan.DurationDays, &freq,
		&loan.GracePeriodDays, &loan.StartDate, &loan.EndDate, &status,
		&loan.TotalPaid, &loan.OutstandingAmount, &loan.TotalPenalty,
		&closed, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	loan.ID = uuid.MustParse(idStr)
	loan.Frequency = models.Frequency(freq)
	loan.Status = models.LoanStatus(status)
	if closed.Valid {
		loan.ClosedDate = &closed.Time
	}
	return &loan, nil
}

// GetLoan retrieves a loan by its ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.q.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return loan, nil
}

// UpdateLoan updates an existing loan in the database.
func (s *SQLiteStore) UpdateLoan(loan *models.Loan) error {
	result, err := s.q.Exec(
		`UPDATE loans SET customer_key = ?, loan_amount = ?, principal_amount = ?, interest_rate = ?, loan_duration = ?, duration_days = ?, frequency = ?, grace_period_days = ?, start_date = ?, end_date = ?, status = ?, total_paid = ?, outstanding_amount = ?, total_penalty = ?, closed_date = ?, updated_at = ? WHERE id = ?`,
		loan.CustomerKey, loan.LoanAmount, loan.PrincipalAmount, loan.InterestRate,
		loan.LoanDuration, loan.DurationDays, loan.Frequency, loan.GracePeriodDays,
		loan.StartDate, loan.EndDate, loan.Status, loan.TotalPaid, loan.OutstandingAmount,
		loan.TotalPenalty, nullTime(loan.ClosedDate), loan.UpdatedAt, loan.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("loan %s: %w", loan.ID, ErrNotFound)
	}
	return nil
}

// DeleteLoan removes a loan; child rows cascade.
func (s *SQLiteStore) DeleteLoan(id uuid.UUID) error {
	return s.InTransaction(func(tx Storage) error {
		ts := tx.(*SQLiteStore)
		result, err := ts.q.Exec(`DELETE FROM loans WHERE id = ?`, id.String())
		if err != nil {
			return fmt.Errorf("failed to delete loan: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("loan %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans() ([]*models.Loan, error) {
	rows, err := s.q.Query(`SELECT ` + loanColumns + ` FROM loans ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	defer rows.Close()
	return collectLoans(rows)
}

// GetLoansByStatus retrieves all loans with the given status.
func (s *SQLiteStore) GetLoansByStatus(status models.LoanStatus) ([]*models.Loan, error) {
	rows, err := s.q.Query(`SELECT `+loanColumns+` FROM loans WHERE status = ? ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to get loans by status: %w", err)
	}
	defer rows.Close()
	return collectLoans(rows)
}

func collectLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

// CreateInstallment inserts a new installment.
func (s *SQLiteStore) CreateInstallment(inst *models.Installment) error {
	_, err := s.q.Exec(
		`INSERT INTO installments (id, loan_id, sequence, due_date, original_amount, amount, status, penalty_applied, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID.String(), inst.LoanID.String(), inst.Sequence, inst.DueDate,
		inst.OriginalAmount, inst.Amount, inst.Status, inst.PenaltyApplied,
		inst.CreatedAt, inst.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create installment: %w", err)
	}
	return nil
}

const installmentColumns = `id, loan_id, sequence, due_date, original_amount, amount, status, penalty_applied, created_at, updated_at`

func scanInstallment(row interface{ Scan(dest ...any) error }) (*models.Installment, error) {
	var inst models.Installment
	var idStr, loanIDStr, status string
	err := row.Scan(&idStr, &loanIDStr, &inst.Sequence, &inst.DueDate,
		&inst.OriginalAmount, &inst.Amount, &status, &inst.PenaltyApplied,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	inst.ID = uuid.MustParse(idStr)
	inst.LoanID = uuid.MustParse(loanIDStr)
	inst.Status = models.InstallmentStatus(status)
	return &inst, nil
}

// GetInstallment retrieves an installment by its ID.
func (s *SQLiteStore) GetInstallment(id uuid.UUID) (*models.Installment, error) {
	row := s.q.QueryRow(`SELECT `+installmentColumns+` FROM installments WHERE id = ?`, id.String())
	inst, err := scanInstallment(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("installment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get installment: %w", err)
	}
	return inst, nil
}

// UpdateInstallment updates an existing installment.
func (s *SQLiteStore) UpdateInstallment(inst *models.Installment) error {
	result, err := s.q.Exec(
		`UPDATE installments SET sequence = ?, due_date = ?, original_amount = ?, amount = ?, status = ?, penalty_applied = ?, updated_at = ? WHERE id = ?`,
		inst.Sequence, inst.DueDate, inst.OriginalAmount, inst.Amount, inst.Status,
		inst.PenaltyApplied, inst.UpdatedAt, inst.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update installment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("installment %s: %w", inst.ID, ErrNotFound)
	}
	return nil
}

// GetInstallmentsForLoan retrieves a loan's installments ordered by due date.
func (s *SQLiteStore) GetInstallmentsForLoan(loanID uuid.UUID) ([]*models.Installment, error) {
	rows, err := s.q.Query(`SELECT `+installmentColumns+` FROM installments WHERE loan_id = ? ORDER BY due_date ASC, sequence ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %s: %w", loanID, err)
	}
	defer rows.Close()
	return collectInstallments(rows)
}

// GetDuePendingInstallments retrieves pending installments of active loans due before asOf.
func (s *SQLiteStore) GetDuePendingInstallments(asOf time.Time) ([]*models.Installment, error) {
	rows, err := s.q.Query(
		`SELECT i.id, i.loan_id, i.sequence, i.due_date, i.original_amount, i.amount, i.status, i.penalty_applied, i.created_at, i.updated_at
		FROM installments i JOIN loans l ON l.id = i.loan_id
		WHERE i.status = ? AND l.status = ? AND i.due_date < ?
		ORDER BY i.due_date ASC`,
		string(models.InstallmentPending), string(models.LoanStatusActive), asOf,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get due pending installments: %w", err)
	}
	defer rows.Close()
	return collectInstallments(rows)
}

func collectInstallments(rows *sql.Rows) ([]*models.Installment, error) {
	var insts []*models.Installment
	for rows.Next() {
		inst, err := scanInstallment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		insts = append(insts, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return insts, nil
}

// CreateRepayment inserts a repayment and its allocation rows.
func (s *SQLiteStore) CreateRepayment(rep *models.Repayment) error {
	return s.InTransaction(func(tx Storage) error {
		ts := tx.(*SQLiteStore)
		_, err := ts.q.Exec(
			`INSERT INTO repayments (id, loan_id, amount, payment_date, method, external_ref, collector_id, status, balance_after, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rep.ID.String(), rep.LoanID.String(), rep.Amount, rep.PaymentDate, rep.Method,
			rep.ExternalRef, rep.CollectorID, rep.Status, rep.BalanceAfter,
			rep.CreatedAt, rep.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create repayment: %w", err)
		}
		return ts.insertAllocations(rep)
	})
}

func (s *SQLiteStore) insertAllocations(rep *models.Repayment) error {
	for _, a := range rep.Allocations {
		_, err := s.q.Exec(
			`INSERT INTO repayment_allocations (repayment_id, installment_id, amount) VALUES (?, ?, ?)`,
			rep.ID.String(), a.InstallmentID.String(), a.Amount,
		)
		if err != nil {
			return fmt.Errorf("failed to create repayment allocation: %w", err)
		}
	}
	return nil
}

const repaymentColumns = `id, loan_id, amount, payment_date, method, external_ref, collector_id, status, balance_after, created_at, updated_at`

func scanRepayment(row interface{ Scan(dest ...any) error }) (*models.Repayment, error) {
	var rep models.Repayment
	var idStr, loanIDStr, status string
	err := row.Scan(&idStr, &loanIDStr, &rep.Amount, &rep.PaymentDate, &rep.Method,
		&rep.ExternalRef, &rep.CollectorID, &status, &rep.BalanceAfter,
		&rep.CreatedAt, &rep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rep.ID = uuid.MustParse(idStr)
	rep.LoanID = uuid.MustParse(loanIDStr)
	rep.Status = models.RepaymentStatus(status)
	return &rep, nil
}

func (s *SQLiteStore) loadAllocations(rep *models.Repayment) error {
	rows, err := s.q.Query(`SELECT installment_id, amount FROM repayment_allocations WHERE repayment_id = ?`, rep.ID.String())
	if err != nil {
		return fmt.Errorf("failed to get repayment allocations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var instIDStr string
		var amount decimal.Decimal
		if err := rows.Scan(&instIDStr, &amount); err != nil {
			return fmt.Errorf("failed to scan allocation row: %w", err)
		}
		rep.Allocations = append(rep.Allocations, models.RepaymentAllocation{
			InstallmentID: uuid.MustParse(instIDStr),
			Amount:        amount,
		})
	}
	return rows.Err()
}

// GetRepayment retrieves a repayment with its allocations.
func (s *SQLiteStore) GetRepayment(id uuid.UUID) (*models.Repayment, error) {
	row := s.q.QueryRow(`SELECT `+repaymentColumns+` FROM repayments WHERE id = ?`, id.String())
	rep, err := scanRepayment(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("repayment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repayment: %w", err)
	}
	if err := s.loadAllocations(rep); err != nil {
		return nil, err
	}
	return rep, nil
}

// UpdateRepayment replaces the repayment row and rewrites its allocations.
func (s *SQLiteStore) UpdateRepayment(rep *models.Repayment) error {
	return s.InTransaction(func(tx Storage) error {
		ts := tx.(*SQLiteStore)
		result, err := ts.q.Exec(
			`UPDATE repayments SET amount = ?, payment_date = ?, method = ?, external_ref = ?, collector_id = ?, status = ?, balance_after = ?, updated_at = ? WHERE id = ?`,
			rep.Amount, rep.PaymentDate, rep.Method, rep.ExternalRef, rep.CollectorID,
			rep.Status, rep.BalanceAfter, rep.UpdatedAt, rep.ID.String(),
		)
		if err != nil {
			return fmt.Errorf("failed to update repayment: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to check rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return fmt.Errorf("repayment %s: %w", rep.ID, ErrNotFound)
		}
		if _, err := ts.q.Exec(`DELETE FROM repayment_allocations WHERE repayment_id = ?`, rep.ID.String()); err != nil {
			return fmt.Errorf("failed to clear repayment allocations: %w", err)
		}
		return ts.insertAllocations(rep)
	})
}

// DeleteRepayment removes a repayment; allocation rows cascade.
func (s *SQLiteStore) DeleteRepayment(id uuid.UUID) error {
	result, err := s.q.Exec(`DELETE FROM repayments WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete repayment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("repayment %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetRepaymentsForInstallment retrieves repayments that allocated funds to the installment.
func (s *SQLiteStore) GetRepaymentsForInstallment(installmentID uuid.UUID) ([]*models.Repayment, error) {
	rows, err := s.q.Query(
		`SELECT r.id, r.loan_id, r.amount, r.payment_date, r.method, r.external_ref, r.collector_id, r.status, r.balance_after, r.created_at, r.updated_at
		FROM repayments r JOIN repayment_allocations a ON a.repayment_id = r.id
		WHERE a.installment_id = ? ORDER BY r.payment_date ASC`,
		installmentID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get repayments for installment %s: %w", installmentID, err)
	}
	defer rows.Close()
	return s.collectRepayments(rows)
}

// GetRepaymentsForLoan retrieves all repayments for a loan.
func (s *SQLiteStore) GetRepaymentsForLoan(loanID uuid.UUID) ([]*models.Repayment, error) {
	rows, err := s.q.Query(`SELECT `+repaymentColumns+` FROM repayments WHERE loan_id = ? ORDER BY payment_date ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get repayments for loan %s: %w", loanID, err)
	}
	defer rows.Close()
	return s.collectRepayments(rows)
}

func (s *SQLiteStore) collectRepayments(rows *sql.Rows) ([]*models.Repayment, error) {
	var reps []*models.Repayment
	for rows.Next() {
		rep, err := scanRepayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repayment row: %w", err)
		}
		reps = append(reps, rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	for _, rep := range reps {
		if err := s.loadAllocations(rep); err != nil {
			return nil, err
		}
	}
	return reps, nil
}

// CreatePenalty inserts a penalty.
func (s *SQLiteStore) CreatePenalty(p *models.Penalty) error {
	_, err := s.q.Exec(
		`INSERT INTO penalties (id, loan_id, installment_id, amount, reason, applied_date, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.LoanID.String(), p.InstallmentID.String(), p.Amount, p.Reason,
		p.AppliedDate, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("penalty for installment %s: %w", p.InstallmentID, ErrConflict)
		}
		return fmt.Errorf("failed to create penalty: %w", err)
	}
	return nil
}

const penaltyColumns = `id, loan_id, installment_id, amount, reason, applied_date, status, created_at, updated_at`

func scanPenalty(row interface{ Scan(dest ...any) error }) (*models.Penalty, error) {
	var p models.Penalty
	var idStr, loanIDStr, instIDStr, status string
	err := row.Scan(&idStr, &loanIDStr, &instIDStr, &p.Amount, &p.Reason,
		&p.AppliedDate, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.ID = uuid.MustParse(idStr)
	p.LoanID = uuid.MustParse(loanIDStr)
	p.InstallmentID = uuid.MustParse(instIDStr)
	p.Status = models.PenaltyStatus(status)
	return &p, nil
}

// GetPenaltyForInstallment retrieves the penalty attached to an installment.
func (s *SQLiteStore) GetPenaltyForInstallment(installmentID uuid.UUID) (*models.Penalty, error) {
	row := s.q.QueryRow(`SELECT `+penaltyColumns+` FROM penalties WHERE installment_id = ?`, installmentID.String())
	p, err := scanPenalty(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("penalty for installment %s: %w", installmentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get penalty: %w", err)
	}
	return p, nil
}

// UpdatePenalty updates an existing penalty.
func (s *SQLiteStore) UpdatePenalty(p *models.Penalty) error {
	result, err := s.q.Exec(
		`UPDATE penalties SET amount = ?, reason = ?, applied_date = ?, status = ?, updated_at = ? WHERE id = ?`,
		p.Amount, p.Reason, p.AppliedDate, p.Status, p.UpdatedAt, p.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update penalty: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("penalty %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// DeletePenalty removes a penalty.
func (s *SQLiteStore) DeletePenalty(id uuid.UUID) error {
	result, err := s.q.Exec(`DELETE FROM penalties WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete penalty: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("penalty %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetPenaltiesForLoan retrieves all penalties for a loan ordered by applied date.
func (s *SQLiteStore) GetPenaltiesForLoan(loanID uuid.UUID) ([]*models.Penalty, error) {
	rows, err := s.q.Query(`SELECT `+penaltyColumns+` FROM penalties WHERE loan_id = ? ORDER BY applied_date ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get penalties for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var penalties []*models.Penalty
	for rows.Next() {
		p, err := scanPenalty(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan penalty row: %w", err)
		}
		penalties = append(penalties, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return penalties, nil
}

// GetStageSnapshot retrieves a loan's delinquency snapshot.
func (s *SQLiteStore) GetStageSnapshot(loanID uuid.UUID) (*models.StageSnapshot, error) {
	var snap models.StageSnapshot
	var stage string
	row := s.q.QueryRow(`SELECT loan_id, overdue_count, stage, updated_at FROM stage_snapshots WHERE loan_id = ?`, loanID.String())
	var loanIDStr string
	err := row.Scan(&loanIDStr, &snap.OverdueCount, &stage, &snap.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("stage snapshot for loan %s: %w", loanID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage snapshot: %w", err)
	}
	snap.LoanID = uuid.MustParse(loanIDStr)
	snap.Stage = models.DelinquencyStage(stage)
	return &snap, nil
}

// SaveStageSnapshot inserts or replaces a loan's delinquency snapshot.
func (s *SQLiteStore) SaveStageSnapshot(snap *models.StageSnapshot) error {
	_, err := s.q.Exec(
		`INSERT INTO stage_snapshots (loan_id, overdue_count, stage, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(loan_id) DO UPDATE SET overdue_count = excluded.overdue_count, stage = excluded.stage, updated_at = excluded.updated_at`,
		snap.LoanID.String(), snap.OverdueCount, snap.Stage, snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save stage snapshot: %w", err)
	}
	return nil
}

// AppendStageTransition records one delinquency stage change.
func (s *SQLiteStore) AppendStageTransition(tr *models.StageTransition) error {
	_, err := s.q.Exec(
		`INSERT INTO stage_history (id, loan_id, from_stage, to_stage, overdue_count, occurred_at) VALUES (?, ?, ?, ?, ?, ?)`,
		tr.ID.String(), tr.LoanID.String(), tr.FromStage, tr.ToStage, tr.OverdueCount, tr.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append stage transition: %w", err)
	}
	return nil
}

// GetStageHistory retrieves a loan's stage transitions oldest-first.
func (s *SQLiteStore) GetStageHistory(loanID uuid.UUID) ([]*models.StageTransition, error) {
	rows, err := s.q.Query(`SELECT id, loan_id, from_stage, to_stage, overdue_count, occurred_at FROM stage_history WHERE loan_id = ? ORDER BY occurred_at ASC`, loanID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get stage history for loan %s: %w", loanID, err)
	}
	defer rows.Close()

	var history []*models.StageTransition
	for rows.Next() {
		var tr models.StageTransition
		var idStr, loanIDStr, from, to string
		if err := rows.Scan(&idStr, &loanIDStr, &from, &to, &tr.OverdueCount, &tr.OccurredAt); err != nil {
			return nil, fmt.Errorf("failed to scan stage transition row: %w", err)
		}
		tr.ID = uuid.MustParse(idStr)
		tr.LoanID = uuid.MustParse(loanIDStr)
		tr.FromStage = models.DelinquencyStage(from)
		tr.ToStage = models.DelinquencyStage(to)
		history = append(history, &tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return history, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
