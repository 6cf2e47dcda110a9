package store

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_TransactionRollback(t *testing.T) {
	m := NewMemoryStore()
	loan := testLoan()
	require.NoError(t, m.CreateLoan(loan))

	boom := fmt.Errorf("boom")
	err := m.InTransaction(func(tx Storage) error {
		stored, err := tx.GetLoan(loan.ID)
		if err != nil {
			return err
		}
		stored.TotalPaid = decimal.NewFromInt(9999)
		if err := tx.UpdateLoan(stored); err != nil {
			return err
		}
		if err := tx.CreateInstallment(testInstallment(loan.ID, 1, time.Now())); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// Every write inside the failed transaction must be undone.
	got, err := m.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.True(t, got.TotalPaid.IsZero())
	insts, err := m.GetInstallmentsForLoan(loan.ID)
	require.NoError(t, err)
	assert.Empty(t, insts)
}

func TestMemoryStore_ConcurrentTransactionsAreIsolated(t *testing.T) {
	m := NewMemoryStore()
	loanA := testLoan()
	loanB := testLoan()

	second := make(chan error, 1)
	boom := fmt.Errorf("boom")

	err := m.InTransaction(func(tx Storage) error {
		if err := tx.CreateLoan(loanA); err != nil {
			return err
		}
		// A second goroutine opens its own transaction while this one is
		// still in flight. It must wait its turn, not join this one.
		go func() {
			second <- m.InTransaction(func(tx Storage) error {
				return tx.CreateLoan(loanB)
			})
		}()
		time.Sleep(50 * time.Millisecond)
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.NoError(t, <-second)

	// Only the failed transaction rolled back.
	_, err = m.GetLoan(loanA.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetLoan(loanB.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_NestedTransactionsJoin(t *testing.T) {
	m := NewMemoryStore()
	loan := testLoan()

	err := m.InTransaction(func(tx Storage) error {
		if err := tx.CreateLoan(loan); err != nil {
			return err
		}
		return tx.InTransaction(func(inner Storage) error {
			_, err := inner.GetLoan(loan.ID)
			return err
		})
	})
	require.NoError(t, err)

	_, err = m.GetLoan(loan.ID)
	assert.NoError(t, err)
}

func TestMemoryStore_ReturnsClones(t *testing.T) {
	m := NewMemoryStore()
	loan := testLoan()
	require.NoError(t, m.CreateLoan(loan))

	got, err := m.GetLoan(loan.ID)
	require.NoError(t, err)
	got.TotalPaid = decimal.NewFromInt(500)

	// Mutating the returned value must not leak into the store.
	again, err := m.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.True(t, again.TotalPaid.IsZero())
}

func TestMemoryStore_PenaltyConflict(t *testing.T) {
	m := NewMemoryStore()
	loan := testLoan()
	require.NoError(t, m.CreateLoan(loan))
	inst := testInstallment(loan.ID, 1, time.Now())
	require.NoError(t, m.CreateInstallment(inst))

	p := &models.Penalty{
		ID:            uuid.New(),
		LoanID:        loan.ID,
		InstallmentID: inst.ID,
		Amount:        decimal.NewFromInt(100),
		Status:        models.PenaltyPending,
	}
	require.NoError(t, m.CreatePenalty(p))

	dup := *p
	dup.ID = uuid.New()
	assert.ErrorIs(t, m.CreatePenalty(&dup), ErrConflict)
}

func TestMemoryStore_DuePendingFilters(t *testing.T) {
	m := NewMemoryStore()
	loan := testLoan()
	loan.Status = models.LoanStatusPending
	require.NoError(t, m.CreateLoan(loan))
	require.NoError(t, m.CreateInstallment(testInstallment(loan.ID, 1, time.Now().AddDate(0, 0, -1))))

	// The loan is not active yet.
	due, err := m.GetDuePendingInstallments(time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	loan.Status = models.LoanStatusActive
	require.NoError(t, m.UpdateLoan(loan))

	due, err = m.GetDuePendingInstallments(time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}
