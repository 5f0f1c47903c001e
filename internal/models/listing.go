package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ListingType string

const (
	ListingBorrow ListingType = "borrow"
	ListingLend   ListingType = "lend"
)

type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingCompleted ListingStatus = "completed"
	ListingCancelled ListingStatus = "cancelled"
)

type Listing struct {
	ID                  string          `json:"id"`
	OwnerID             string          `json:"owner_id"`
	Type                ListingType     `json:"type"`
	Amount              decimal.Decimal `json:"amount"`
	InterestRatePercent decimal.Decimal `json:"interest_rate_percent"`
	TermMonths          int             `json:"term_months"`
	Purpose             string          `json:"purpose,omitempty"`
	Status              ListingStatus   `json:"status"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// ListingFilter narrows List results. Zero values match everything.
type ListingFilter struct {
	Type    ListingType
	Status  ListingStatus
	OwnerID string
}

// ListingCursor is a keyset position in the newest-first ordering.
type ListingCursor struct {
	CreatedAt time.Time
	ID        string
}
