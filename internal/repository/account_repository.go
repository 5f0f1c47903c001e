package repository

import (
	"context"

	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/shopspring/decimal"
)

type AccountRepository interface {
	// Create inserts the account, or returns the existing one when it already exists.
	Create(ctx context.Context, account *models.Account) (*models.Account, error)
	GetByID(ctx context.Context, userID string) (*models.Account, error)
	// LockForUpdate locks the accounts in ascending id order. Must run inside WithinTx.
	LockForUpdate(ctx context.Context, userIDs ...string) (map[string]*models.Account, error)
	UpdateBalance(ctx context.Context, userID string, balance decimal.Decimal) error
	List(ctx context.Context) ([]models.Account, error)
}
