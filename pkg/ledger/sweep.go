package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/jwaiyaki/kopaloan/pkg/store"
)

// RunOverdueSweep finds pending installments of active loans whose due date
// has passed and attaches the default penalty to each, marking them overdue.
// Items are processed independently: one failure is logged and the sweep
// moves on. Returns the number of installments penalized.
func (l *Ledger) RunOverdueSweep(asOf time.Time) (int, error) {
	due, err := l.storage.GetDuePendingInstallments(asOf)
	if err != nil {
		return 0, classifyStoreErr(err)
	}

	applied := 0
	for _, candidate := range due {
		instID := candidate.ID
		err := l.withLoanTx(candidate.LoanID, func(tx store.Storage, loan *models.Loan) error {
			inst, err := tx.GetInstallment(instID)
			if err != nil {
				return err
			}
			// Re-check under the lock: the installment may have been paid or
			// penalized since the listing.
			if inst.Status != models.InstallmentPending || !inst.DueDate.Before(asOf) {
				return nil
			}
			created, err := l.applyIfDue(tx, loan, inst)
			if err != nil {
				return err
			}
			if created {
				applied++
			}
			return nil
		})
		if err != nil {
			l.log.WithError(err).WithField("installment_id", instID).Error("overdue sweep: skipping installment")
		}
	}

	l.log.WithField("penalized", applied).Info("overdue sweep complete")
	return applied, nil
}

// stageFor buckets a loan by its overdue-installment count. NPA is terminal:
// once a loan is classified there it never improves.
func stageFor(overdueCount int, previous models.DelinquencyStage) models.DelinquencyStage {
	if previous == models.StageNPA {
		return models.StageNPA
	}
	switch {
	case overdueCount <= 0:
		return models.StageCurrent
	case overdueCount == 1:
		return models.StageSMA0
	case overdueCount == 2:
		return models.StageSMA1
	case overdueCount == 3:
		return models.StageSMA2
	default:
		return models.StageNPA
	}
}

// RunClassificationSweep recomputes every active loan's delinquency snapshot
// from its overdue-installment count, appending a history row on each stage
// change. Per-loan failures are logged and skipped. Returns the number of
// loans whose stage changed.
func (l *Ledger) RunClassificationSweep(asOf time.Time) (int, error) {
	loans, err := l.storage.GetLoansByStatus(models.LoanStatusActive)
	if err != nil {
		return 0, classifyStoreErr(err)
	}

	changed := 0
	for _, loan := range loans {
		loanID := loan.ID
		err := l.storage.InTransaction(func(tx store.Storage) error {
			insts, err := tx.GetInstallmentsForLoan(loanID)
			if err != nil {
				return err
			}
			count := 0
			for _, inst := range insts {
				if inst.Status == models.InstallmentOverdue {
					count++
				}
			}

			previous := models.StageCurrent
			snap, err := tx.GetStageSnapshot(loanID)
			switch {
			case err == nil:
				previous = snap.Stage
			case !errors.Is(err, store.ErrNotFound):
				return err
			}

			stage := stageFor(count, previous)
			if err := tx.SaveStageSnapshot(&models.StageSnapshot{
				LoanID:       loanID,
				OverdueCount: count,
				Stage:        stage,
				UpdatedAt:    asOf,
			}); err != nil {
				return err
			}
			if stage != previous {
				changed++
				return tx.AppendStageTransition(&models.StageTransition{
					ID:           uuid.New(),
					LoanID:       loanID,
					FromStage:    previous,
					ToStage:      stage,
					OverdueCount: count,
					OccurredAt:   asOf,
				})
			}
			return nil
		})
		if err != nil {
			l.log.WithError(err).WithField("loan_id", loanID).Error("classification sweep: skipping loan")
		}
	}

	l.log.WithField("changed", changed).Info("classification sweep complete")
	return changed, nil
}
