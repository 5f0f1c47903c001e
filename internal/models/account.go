package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Account holds one user's balance. The account id is the user id.
type Account struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}
