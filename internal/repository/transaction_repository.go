package repository

import (
	"context"

	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/shopspring/decimal"
)

type TransactionRepository interface {
	Create(ctx context.Context, tx *models.Transaction) error
	GetByID(ctx context.Context, id string) (*models.Transaction, error)
	GetByReference(ctx context.Context, reference string) (*models.Transaction, error)
	// SetStatus moves a pending record to completed or failed, fixing its final amount.
	SetStatus(ctx context.Context, id string, status models.StatusType, amount decimal.Decimal) error
	ListByAccount(ctx context.Context, accountID string, limit int) ([]models.Transaction, error)
	SumCompleted(ctx context.Context, accountID string) (decimal.Decimal, error)
}
