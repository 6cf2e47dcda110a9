package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
)

// MemoryStore is an in-memory Storage implementation. It backs tests and
// local development; transactions snapshot the whole state and restore it
// when the callback fails.
type MemoryStore struct {
	mu          sync.Mutex
	txMu        sync.Mutex
	loans       map[uuid.UUID]*models.Loan
	insts       map[uuid.UUID]*models.Installment
	repayments  map[uuid.UUID]*models.Repayment
	penalties   map[uuid.UUID]*models.Penalty
	snapshots   map[uuid.UUID]*models.StageSnapshot
	transitions []*models.StageTransition
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		loans:      make(map[uuid.UUID]*models.Loan),
		insts:      make(map[uuid.UUID]*models.Installment),
		repayments: make(map[uuid.UUID]*models.Repayment),
		penalties:  make(map[uuid.UUID]*models.Penalty),
		snapshots:  make(map[uuid.UUID]*models.StageSnapshot),
	}
}

func cloneLoan(l *models.Loan) *models.Loan {
	c := *l
	if l.ClosedDate != nil {
		d := *l.ClosedDate
		c.ClosedDate = &d
	}
	return &c
}

func cloneInstallment(i *models.Installment) *models.Installment {
	c := *i
	return &c
}

func cloneRepayment(r *models.Repayment) *models.Repayment {
	c := *r
	c.Allocations = append([]models.RepaymentAllocation(nil), r.Allocations...)
	return &c
}

func clonePenalty(p *models.Penalty) *models.Penalty {
	c := *p
	return &c
}

func cloneSnapshot(s *models.StageSnapshot) *models.StageSnapshot {
	c := *s
	return &c
}

type memorySnapshot struct {
	loans       map[uuid.UUID]*models.Loan
	insts       map[uuid.UUID]*models.Installment
	repayments  map[uuid.UUID]*models.Repayment
	penalties   map[uuid.UUID]*models.Penalty
	snapshots   map[uuid.UUID]*models.StageSnapshot
	transitions []*models.StageTransition
}

func (m *MemoryStore) snapshot() *memorySnapshot {
	s := &memorySnapshot{
		loans:       make(map[uuid.UUID]*models.Loan, len(m.loans)),
		insts:       make(map[uuid.UUID]*models.Installment, len(m.insts)),
		repayments:  make(map[uuid.UUID]*models.Repayment, len(m.repayments)),
		penalties:   make(map[uuid.UUID]*models.Penalty, len(m.penalties)),
		snapshots:   make(map[uuid.UUID]*models.StageSnapshot, len(m.snapshots)),
		transitions: append([]*models.StageTransition(nil), m.transitions...),
	}
	for k, v := range m.loans {
		s.loans[k] = cloneLoan(v)
	}
	for k, v := range m.insts {
		s.insts[k] = cloneInstallment(v)
	}
	for k, v := range m.repayments {
		s.repayments[k] = cloneRepayment(v)
	}
	for k, v := range m.penalties {
		s.penalties[k] = clonePenalty(v)
	}
	for k, v := range m.snapshots {
		s.snapshots[k] = cloneSnapshot(v)
	}
	return s
}

func (m *MemoryStore) restore(s *memorySnapshot) {
	m.loans = s.loans
	m.insts = s.insts
	m.repayments = s.repayments
	m.penalties = s.penalties
	m.snapshots = s.snapshots
	m.transitions = s.transitions
}

// memoryTx is the transaction-scoped view of a MemoryStore. Nested
// InTransaction calls join the enclosing transaction; everything else is the
// store itself.
type memoryTx struct {
	*MemoryStore
}

func (t *memoryTx) InTransaction(fn func(tx Storage) error) error {
	return fn(t)
}

// InTransaction snapshots the state, runs fn, and restores the snapshot if fn
// returns an error. Transactions from different goroutines are serialized by a
// dedicated mutex held for the whole call, so a concurrent transaction can
// never be mistaken for a nested one and swept away by another caller's
// rollback.
func (m *MemoryStore) InTransaction(fn func(tx Storage) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	err := fn(&memoryTx{m})
	if err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
	}
	return err
}

func (m *MemoryStore) CreateLoan(loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (m *MemoryStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return nil, fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	return cloneLoan(loan), nil
}

func (m *MemoryStore) UpdateLoan(loan *models.Loan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[loan.ID]; !ok {
		return fmt.Errorf("loan %s: %w", loan.ID, ErrNotFound)
	}
	m.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (m *MemoryStore) DeleteLoan(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.loans[id]; !ok {
		return fmt.Errorf("loan %s: %w", id, ErrNotFound)
	}
	delete(m.loans, id)
	for k, inst := range m.insts {
		if inst.LoanID == id {
			delete(m.insts, k)
		}
	}
	for k, rep := range m.repayments {
		if rep.LoanID == id {
			delete(m.repayments, k)
		}
	}
	for k, p := range m.penalties {
		if p.LoanID == id {
			delete(m.penalties, k)
		}
	}
	delete(m.snapshots, id)
	kept := m.transitions[:0]
	for _, tr := range m.transitions {
		if tr.LoanID != id {
			kept = append(kept, tr)
		}
	}
	m.transitions = kept
	return nil
}

func (m *MemoryStore) GetAllLoans() ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loans := make([]*models.Loan, 0, len(m.loans))
	for _, l := range m.loans {
		loans = append(loans, cloneLoan(l))
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.Before(loans[j].CreatedAt) })
	return loans, nil
}

func (m *MemoryStore) GetLoansByStatus(status models.LoanStatus) ([]*models.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var loans []*models.Loan
	for _, l := range m.loans {
		if l.Status == status {
			loans = append(loans, cloneLoan(l))
		}
	}
	sort.Slice(loans, func(i, j int) bool { return loans[i].CreatedAt.Before(loans[j].CreatedAt) })
	return loans, nil
}

func (m *MemoryStore) CreateInstallment(inst *models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insts[inst.ID] = cloneInstallment(inst)
	return nil
}

func (m *MemoryStore) GetInstallment(id uuid.UUID) (*models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.insts[id]
	if !ok {
		return nil, fmt.Errorf("installment %s: %w", id, ErrNotFound)
	}
	return cloneInstallment(inst), nil
}

func (m *MemoryStore) UpdateInstallment(inst *models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.insts[inst.ID]; !ok {
		return fmt.Errorf("installment %s: %w", inst.ID, ErrNotFound)
	}
	m.insts[inst.ID] = cloneInstallment(inst)
	return nil
}

func sortInstallments(insts []*models.Installment) {
	sort.Slice(insts, func(i, j int) bool {
		if insts[i].DueDate.Equal(insts[j].DueDate) {
			return insts[i].Sequence < insts[j].Sequence
		}
		return insts[i].DueDate.Before(insts[j].DueDate)
	})
}

func (m *MemoryStore) GetInstallmentsForLoan(loanID uuid.UUID) ([]*models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var insts []*models.Installment
	for _, inst := range m.insts {
		if inst.LoanID == loanID {
			insts = append(insts, cloneInstallment(inst))
		}
	}
	sortInstallments(insts)
	return insts, nil
}

func (m *MemoryStore) GetDuePendingInstallments(asOf time.Time) ([]*models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var insts []*models.Installment
	for _, inst := range m.insts {
		if inst.Status != models.InstallmentPending || !inst.DueDate.Before(asOf) {
			continue
		}
		loan, ok := m.loans[inst.LoanID]
		if !ok || loan.Status != models.LoanStatusActive {
			continue
		}
		insts = append(insts, cloneInstallment(inst))
	}
	sortInstallments(insts)
	return insts, nil
}

func (m *MemoryStore) CreateRepayment(rep *models.Repayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.repayments[rep.ID] = cloneRepayment(rep)
	return nil
}

func (m *MemoryStore) GetRepayment(id uuid.UUID) (*models.Repayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rep, ok := m.repayments[id]
	if !ok {
		return nil, fmt.Errorf("repayment %s: %w", id, ErrNotFound)
	}
	return cloneRepayment(rep), nil
}

func (m *MemoryStore) UpdateRepayment(rep *models.Repayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repayments[rep.ID]; !ok {
		return fmt.Errorf("repayment %s: %w", rep.ID, ErrNotFound)
	}
	m.repayments[rep.ID] = cloneRepayment(rep)
	return nil
}

func (m *MemoryStore) DeleteRepayment(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.repayments[id]; !ok {
		return fmt.Errorf("repayment %s: %w", id, ErrNotFound)
	}
	delete(m.repayments, id)
	return nil
}

func sortRepayments(reps []*models.Repayment) {
	sort.Slice(reps, func(i, j int) bool { return reps[i].PaymentDate.Before(reps[j].PaymentDate) })
}

func (m *MemoryStore) GetRepaymentsForInstallment(installmentID uuid.UUID) ([]*models.Repayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reps []*models.Repayment
	for _, rep := range m.repayments {
		if _, ok := rep.AllocationFor(installmentID); ok {
			reps = append(reps, cloneRepayment(rep))
		}
	}
	sortRepayments(reps)
	return reps, nil
}

func (m *MemoryStore) GetRepaymentsForLoan(loanID uuid.UUID) ([]*models.Repayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var reps []*models.Repayment
	for _, rep := range m.repayments {
		if rep.LoanID == loanID {
			reps = append(reps, cloneRepayment(rep))
		}
	}
	sortRepayments(reps)
	return reps, nil
}

func (m *MemoryStore) CreatePenalty(p *models.Penalty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.penalties {
		if existing.InstallmentID == p.InstallmentID {
			return fmt.Errorf("penalty for installment %s: %w", p.InstallmentID, ErrConflict)
		}
	}
	m.penalties[p.ID] = clonePenalty(p)
	return nil
}

func (m *MemoryStore) GetPenaltyForInstallment(installmentID uuid.UUID) (*models.Penalty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.penalties {
		if p.InstallmentID == installmentID {
			return clonePenalty(p), nil
		}
	}
	return nil, fmt.Errorf("penalty for installment %s: %w", installmentID, ErrNotFound)
}

func (m *MemoryStore) UpdatePenalty(p *models.Penalty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.penalties[p.ID]; !ok {
		return fmt.Errorf("penalty %s: %w", p.ID, ErrNotFound)
	}
	m.penalties[p.ID] = clonePenalty(p)
	return nil
}

func (m *MemoryStore) DeletePenalty(id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.penalties[id]; !ok {
		return fmt.Errorf("penalty %s: %w", id, ErrNotFound)
	}
	delete(m.penalties, id)
	return nil
}

func (m *MemoryStore) GetPenaltiesForLoan(loanID uuid.UUID) ([]*models.Penalty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var penalties []*models.Penalty
	for _, p := range m.penalties {
		if p.LoanID == loanID {
			penalties = append(penalties, clonePenalty(p))
		}
	}
	sort.Slice(penalties, func(i, j int) bool { return penalties[i].AppliedDate.Before(penalties[j].AppliedDate) })
	return penalties, nil
}

func (m *MemoryStore) GetStageSnapshot(loanID uuid.UUID) (*models.StageSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[loanID]
	if !ok {
		return nil, fmt.Errorf("stage snapshot for loan %s: %w", loanID, ErrNotFound)
	}
	return cloneSnapshot(snap), nil
}

func (m *MemoryStore) SaveStageSnapshot(snap *models.StageSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[snap.LoanID] = cloneSnapshot(snap)
	return nil
}

func (m *MemoryStore) AppendStageTransition(tr *models.StageTransition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *tr
	m.transitions = append(m.transitions, &c)
	return nil
}

func (m *MemoryStore) GetStageHistory(loanID uuid.UUID) ([]*models.StageTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var history []*models.StageTransition
	for _, tr := range m.transitions {
		if tr.LoanID == loanID {
			c := *tr
			history = append(history, &c)
		}
	}
	return history, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
