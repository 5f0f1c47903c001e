package errors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrAccountNotFound         = errors.New("account not found")
	ErrTransactionNotFound     = errors.New("transaction not found")
	ErrListingNotFound         = errors.New("listing not found")
	ErrLoanRequestNotFound     = errors.New("loan request not found")
	ErrLoanNotFound            = errors.New("loan not found")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidInput            = errors.New("invalid input")
	ErrInvalidTransactionKind  = errors.New("invalid transaction kind")
	ErrInvalidTransactionState = errors.New("invalid transaction status")
	ErrAlreadyCompleted        = errors.New("already completed")
	ErrListingNotActive        = errors.New("listing is not active")
	ErrRequestNotPending       = errors.New("loan request is not pending")
	ErrLoanAlreadyCompleted    = errors.New("loan already completed")
	ErrForbidden               = errors.New("forbidden")
	ErrInvalidSignature        = errors.New("invalid signature")
	ErrUnknownReference        = errors.New("unknown payment reference")
	ErrDuplicateReference      = errors.New("duplicate external reference")
	ErrGatewayUnavailable      = errors.New("payment gateway unavailable")
	ErrConcurrentModification  = errors.New("concurrent modification")
	ErrRequestAlreadyProcessed = errors.New("request already processed")
	ErrNotInTransaction        = errors.New("row lock requested outside of a transaction")
	ErrLedgerImbalance         = errors.New("ledger balance does not match completed transactions")
)

// InsufficientFundsError reports the balance observed under the account lock.
type InsufficientFundsError struct {
	AccountID string
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %s: balance %s, requested %s",
		e.AccountID, e.Balance.StringFixed(2), e.Requested.StringFixed(2))
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Balance)
}

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
