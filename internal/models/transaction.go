package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an immutable audit record of a single balance change.
// Amount is signed: credits are positive, debits negative.
type Transaction struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	Amount            decimal.Decimal `json:"amount"`
	Kind              TransactionKind `json:"kind"`
	Status            StatusType      `json:"status"`
	ExternalReference string          `json:"external_reference,omitempty"`
	Description       string          `json:"description,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type TransactionKind string

const (
	KindDeposit          TransactionKind = "deposit"
	KindWithdrawal       TransactionKind = "withdrawal"
	KindLoanDisbursement TransactionKind = "loan_disbursement"
	KindLoanReceived     TransactionKind = "loan_received"
	KindLoanPayment      TransactionKind = "loan_payment"
	KindLoanRepayment    TransactionKind = "loan_repayment"
)

func (k TransactionKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindLoanDisbursement, KindLoanReceived, KindLoanPayment, KindLoanRepayment:
		return true
	}
	return false
}

type StatusType string

const (
	StatusPending   StatusType = "pending"
	StatusCompleted StatusType = "completed"
	StatusFailed    StatusType = "failed"
)

func (s StatusType) Valid() bool {
	return s == StatusPending || s == StatusCompleted || s == StatusFailed
}
