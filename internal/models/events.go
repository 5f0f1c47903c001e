package models

import "time"

// WebhookOutcome describes what a gateway notification did to the ledger.
type WebhookOutcome string

const (
	WebhookCredited         WebhookOutcome = "credited"
	WebhookDuplicate        WebhookOutcome = "duplicate"
	WebhookUnknownReference WebhookOutcome = "unknown_reference"
	WebhookIgnored          WebhookOutcome = "ignored"
	WebhookRejected         WebhookOutcome = "rejected"
)

type EventType string

const (
	EventTransactionCompleted EventType = "transaction.completed"
	EventDepositInitiated     EventType = "deposit.initiated"
	EventListingCreated       EventType = "listing.created"
	EventListingCancelled     EventType = "listing.cancelled"
	EventLoanRequestCreated   EventType = "loan_request.created"
	EventLoanRequestDeclined  EventType = "loan_request.declined"
	EventLoanFunded           EventType = "loan.funded"
	EventLoanPaymentApplied   EventType = "loan.payment_applied"
	EventLoanCompleted        EventType = "loan.completed"
)

// DomainEvent is published to the events topic after the producing unit of work commits.
type DomainEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	OccurredAt  time.Time `json:"occurred_at"`
	Payload     any       `json:"payload"`
}

// UserRegistered arrives from the identity service on the users topic.
type UserRegistered struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	Currency string `json:"currency,omitempty"`
}
