package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoanRequestStatus string

const (
	RequestPending  LoanRequestStatus = "pending"
	RequestAccepted LoanRequestStatus = "accepted"
	RequestDeclined LoanRequestStatus = "declined"
)

type LoanRequest struct {
	ID                  string            `json:"id"`
	ListingID           string            `json:"listing_id"`
	RequesterID         string            `json:"requester_id"`
	ListingOwnerID      string            `json:"listing_owner_id"`
	Amount              decimal.Decimal   `json:"amount"`
	InterestRatePercent decimal.Decimal   `json:"interest_rate_percent"`
	TermMonths          int               `json:"term_months"`
	Status              LoanRequestStatus `json:"status"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

type LoanStatus string

const (
	LoanActive    LoanStatus = "active"
	LoanCompleted LoanStatus = "completed"
)

// Loan is a funded obligation. PaymentsMade+PaymentsLeft always equals TermMonths.
type Loan struct {
	ID                  string          `json:"id"`
	ListingID           string          `json:"listing_id"`
	RequestID           string          `json:"request_id"`
	BorrowerID          string          `json:"borrower_id"`
	LenderID            string          `json:"lender_id"`
	Principal           decimal.Decimal `json:"principal"`
	InterestRatePercent decimal.Decimal `json:"interest_rate_percent"`
	TermMonths          int             `json:"term_months"`
	MonthlyPayment      decimal.Decimal `json:"monthly_payment"`
	RemainingBalance    decimal.Decimal `json:"remaining_balance"`
	PaymentsMade        int             `json:"payments_made"`
	PaymentsLeft        int             `json:"payments_left"`
	NextPaymentDate     *time.Time      `json:"next_payment_date,omitempty"`
	OnTimePayments      int             `json:"on_time_payments"`
	LatePayments        int             `json:"late_payments"`
	Status              LoanStatus      `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// Installment is one row of an amortization schedule.
type Installment struct {
	Number               int             `json:"number"`
	DueDate              time.Time       `json:"due_date"`
	Payment              decimal.Decimal `json:"payment"`
	Interest             decimal.Decimal `json:"interest"`
	Principal            decimal.Decimal `json:"principal"`
	OutstandingPrincipal decimal.Decimal `json:"outstanding_principal"`
}

// PaymentTimeliness classifies a repayment against the installment due date it settles.
type PaymentTimeliness string

const (
	PaymentOnTime PaymentTimeliness = "on_time"
	PaymentLate   PaymentTimeliness = "late"
)

// RepaymentBehavior summarizes how a user has serviced the loans they borrowed, plus
// what they have lent out. Missed counts installments past due that are still unpaid.
type RepaymentBehavior struct {
	UserID             string          `json:"user_id"`
	LoansBorrowed      int             `json:"loans_borrowed"`
	LoansLent          int             `json:"loans_lent"`
	ActiveLoans        int             `json:"active_loans"`
	CompletedLoans     int             `json:"completed_loans"`
	TotalBorrowed      decimal.Decimal `json:"total_borrowed"`
	TotalLent          decimal.Decimal `json:"total_lent"`
	TotalRepayable     decimal.Decimal `json:"total_repayable"`
	OutstandingBalance decimal.Decimal `json:"outstanding_balance"`
	OnTimePayments     int             `json:"on_time_payments"`
	LatePayments       int             `json:"late_payments"`
	MissedPayments     int             `json:"missed_payments"`
	OnTimeRatePercent  decimal.Decimal `json:"on_time_rate_percent"`
}
