package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanStatusPending  LoanStatus = "pending"
	LoanStatusApproved LoanStatus = "approved"
	LoanStatusRejected LoanStatus = "rejected"
	LoanStatusActive   LoanStatus = "active"
	LoanStatusClosed   LoanStatus = "closed"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Standard loan products. Any "<n> days" duration is accepted; these are the
// ones offered by default.
const (
	Duration100Days = "100 days"
	Duration200Days = "200 days"
	Duration300Days = "300 days"
)

// ParseDurationDays parses a duration string such as "120 days" into a day count.
func ParseDurationDays(s string) (int, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(s)))
	if len(fields) != 2 || (fields[1] != "days" && fields[1] != "day") {
		return 0, fmt.Errorf("unrecognized loan duration %q", s)
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("unrecognized loan duration %q", s)
	}
	return n, nil
}

// Loan is the aggregate root. OutstandingAmount tracks
// LoanAmount + TotalPenalty - TotalPaid at every observable point.
type Loan struct {
	ID                uuid.UUID       `json:"id"`
	CustomerKey       string          `json:"customer_key"` // Link to external customer directory
	LoanAmount        decimal.Decimal `json:"loan_amount"`
	PrincipalAmount   decimal.Decimal `json:"principal_amount"`
	InterestRate      decimal.Decimal `json:"interest_rate"` // Nominal, informational only
	LoanDuration      string          `json:"loan_duration"`
	DurationDays      int             `json:"duration_days"`
	Frequency         Frequency       `json:"installment_frequency"`
	GracePeriodDays   int             `json:"grace_period_days"`
	StartDate         time.Time       `json:"loan_start_date"`
	EndDate           time.Time       `json:"loan_end_date"`
	Status            LoanStatus      `json:"status"`
	TotalPaid         decimal.Decimal `json:"total_paid"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount"`
	TotalPenalty      decimal.Decimal `json:"total_penalty"`
	ClosedDate        *time.Time      `json:"loan_closed_date,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type InstallmentStatus string

const (
	InstallmentPending       InstallmentStatus = "pending"
	InstallmentPartiallyPaid InstallmentStatus = "partially_paid"
	InstallmentPaid          InstallmentStatus = "paid"
	InstallmentOverdue       InstallmentStatus = "overdue"
	InstallmentOverduePaid   InstallmentStatus = "overdue_paid"
	InstallmentAdvancePaid   InstallmentStatus = "advance_paid"
	InstallmentWaived        InstallmentStatus = "waived"
)

// Open reports whether the installment can still absorb payments.
func (s InstallmentStatus) Open() bool {
	return s == InstallmentPending || s == InstallmentPartiallyPaid || s == InstallmentOverdue
}

// Settled reports whether the installment needs no further payment.
func (s InstallmentStatus) Settled() bool {
	return s == InstallmentPaid || s == InstallmentOverduePaid ||
		s == InstallmentAdvancePaid || s == InstallmentWaived
}

// Installment is one schedule line of a loan. Amount is the remaining due:
// it starts equal to OriginalAmount, shrinks as partial payments land, and is
// reset to OriginalAmount once the line is fully settled.
type Installment struct {
	ID             uuid.UUID         `json:"id"`
	LoanID         uuid.UUID         `json:"loan_id"`
	Sequence       int               `json:"sequence"`
	DueDate        time.Time         `json:"due_date"`
	OriginalAmount decimal.Decimal   `json:"original_amount"`
	Amount         decimal.Decimal   `json:"amount"`
	Status         InstallmentStatus `json:"status"`
	PenaltyApplied bool              `json:"penalty_applied"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

type RepaymentStatus string

const (
	RepaymentPending  RepaymentStatus = "pending"
	RepaymentApproved RepaymentStatus = "approved"
)

// RepaymentAllocation records how much of a repayment landed on one installment.
type RepaymentAllocation struct {
	InstallmentID uuid.UUID       `json:"installment_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// Repayment is an actual cash event. A single collection may settle several
// installments; Allocations carries the per-installment breakdown.
type Repayment struct {
	ID           uuid.UUID             `json:"id"`
	LoanID       uuid.UUID             `json:"loan_id"`
	Allocations  []RepaymentAllocation `json:"allocations"`
	Amount       decimal.Decimal       `json:"amount"`
	PaymentDate  time.Time             `json:"payment_date"`
	Method       string                `json:"payment_method"`
	ExternalRef  string                `json:"external_ref,omitempty"`
	CollectorID  string                `json:"collector_id"`
	Status       RepaymentStatus       `json:"status"`
	BalanceAfter decimal.Decimal       `json:"balance_after"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// AllocationFor returns the index of the allocation for the given installment.
func (r *Repayment) AllocationFor(installmentID uuid.UUID) (int, bool) {
	for i, a := range r.Allocations {
		if a.InstallmentID == installmentID {
			return i, true
		}
	}
	return -1, false
}

type PenaltyStatus string

const (
	PenaltyPending PenaltyStatus = "pending"
	PenaltyPaid    PenaltyStatus = "paid"
	PenaltyWaived  PenaltyStatus = "waived"
)

// Penalty is a late-fee charge tied to exactly one installment.
type Penalty struct {
	ID            uuid.UUID       `json:"id"`
	LoanID        uuid.UUID       `json:"loan_id"`
	InstallmentID uuid.UUID       `json:"installment_id"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason"`
	AppliedDate   time.Time       `json:"applied_date"`
	Status        PenaltyStatus   `json:"status"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type DelinquencyStage string

const (
	StageCurrent DelinquencyStage = "current"
	StageSMA0    DelinquencyStage = "sma0"
	StageSMA1    DelinquencyStage = "sma1"
	StageSMA2    DelinquencyStage = "sma2"
	StageNPA     DelinquencyStage = "npa" // terminal
)

// StageSnapshot buckets a loan by its overdue-installment count. Derived by
// the classification sweep, never authoritative.
type StageSnapshot struct {
	LoanID       uuid.UUID        `json:"loan_id"`
	OverdueCount int              `json:"overdue_count"`
	Stage        DelinquencyStage `json:"stage"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// StageTransition is one entry in a loan's delinquency history trail.
type StageTransition struct {
	ID           uuid.UUID        `json:"id"`
	LoanID       uuid.UUID        `json:"loan_id"`
	FromStage    DelinquencyStage `json:"from_stage"`
	ToStage      DelinquencyStage `json:"to_stage"`
	OverdueCount int              `json:"overdue_count"`
	OccurredAt   time.Time        `json:"occurred_at"`
}
