package repository

import (
	"context"

	"github.com/honeynil/lendme-ledger/internal/models"
)

type ListingRepository interface {
	Create(ctx context.Context, listing *models.Listing) error
	GetByID(ctx context.Context, id string) (*models.Listing, error)
	LockForUpdate(ctx context.Context, id string) (*models.Listing, error)
	UpdateStatus(ctx context.Context, id string, status models.ListingStatus) error
	// List returns up to limit listings strictly after the cursor, newest first.
	List(ctx context.Context, filter models.ListingFilter, after *models.ListingCursor, limit int) ([]models.Listing, error)
}
