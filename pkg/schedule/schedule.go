// Package schedule derives a loan's repayment schedule from its terms.
package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jwaiyaki/kopaloan/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrInvalidTerms is returned when the loan terms cannot produce a schedule.
var ErrInvalidTerms = errors.New("invalid loan terms")

const daysPerWeek = 7

// Month-based products use a fixed 30-day period so that installment counts
// and due-date steps agree with the contractual end date.
const daysPerMonth = 30

// Result is the derived schedule for one loan.
type Result struct {
	Installments   []*models.Installment
	EndDate        time.Time
	Count          int
	PerInstallment decimal.Decimal
}

func stepDays(freq models.Frequency) (int, error) {
	switch freq {
	case models.FrequencyDaily:
		return 1, nil
	case models.FrequencyWeekly:
		return daysPerWeek, nil
	case models.FrequencyMonthly:
		return daysPerMonth, nil
	default:
		return 0, fmt.Errorf("%w: unknown frequency %q", ErrInvalidTerms, freq)
	}
}

func installmentCount(durationDays, step int) int {
	return (durationDays + step - 1) / step
}

// Generate produces the ordered installment list for the given terms.
//
// The first due date is startDate plus the grace period; subsequent due dates
// step forward by the frequency unit. The grace period does not extend the
// contractual end date (startDate + durationDays), and any installment whose
// due date would land past the end date is dropped. The per-installment amount
// is loanAmount/count rounded up to 2 decimal places; the last kept
// installment absorbs the rounding remainder so the schedule sums to
// loanAmount exactly.
func Generate(loanAmount decimal.Decimal, startDate time.Time, durationDays int, freq models.Frequency, gracePeriodDays int) (*Result, error) {
	if loanAmount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: loan amount must be positive, got %s", ErrInvalidTerms, loanAmount)
	}
	if durationDays <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive, got %d days", ErrInvalidTerms, durationDays)
	}
	if gracePeriodDays < 0 {
		return nil, fmt.Errorf("%w: grace period cannot be negative", ErrInvalidTerms)
	}
	step, err := stepDays(freq)
	if err != nil {
		return nil, err
	}

	count := installmentCount(durationDays, step)
	per := loanAmount.Div(decimal.NewFromInt(int64(count))).RoundCeil(2)

	effectiveStart := startDate.AddDate(0, 0, gracePeriodDays)
	endDate := startDate.AddDate(0, 0, durationDays)

	installments := make([]*models.Installment, 0, count)
	due := effectiveStart
	for i := 0; i < count; i++ {
		if i > 0 {
			next := due.AddDate(0, 0, step)
			if !next.After(due) {
				// Due dates must strictly advance.
				next = due.AddDate(0, 0, 1)
			}
			due = next
		}
		if due.After(endDate) {
			break
		}
		installments = append(installments, &models.Installment{
			ID:             uuid.New(),
			Sequence:       i + 1,
			DueDate:        due,
			OriginalAmount: per,
			Amount:         per,
			Status:         models.InstallmentPending,
		})
	}

	if len(installments) == 0 {
		return nil, fmt.Errorf("%w: terms produce no installments", ErrInvalidTerms)
	}

	// Last installment absorbs the rounding remainder. Ceil-rounding can
	// over-allocate across a long schedule and push the remainder to zero or
	// below; trailing lines are dropped until the last one stays positive.
	lastAmount := loanAmount.Sub(per.Mul(decimal.NewFromInt(int64(len(installments) - 1))))
	for lastAmount.LessThanOrEqual(decimal.Zero) && len(installments) > 1 {
		installments = installments[:len(installments)-1]
		lastAmount = loanAmount.Sub(per.Mul(decimal.NewFromInt(int64(len(installments) - 1))))
	}
	last := installments[len(installments)-1]
	last.OriginalAmount = lastAmount
	last.Amount = lastAmount

	return &Result{
		Installments:   installments,
		EndDate:        endDate,
		Count:          len(installments),
		PerInstallment: per,
	}, nil
}
