package repository

import (
	"context"

	"github.com/honeynil/lendme-ledger/internal/models"
)

type LoanRequestRepository interface {
	Create(ctx context.Context, req *models.LoanRequest) error
	GetByID(ctx context.Context, id string) (*models.LoanRequest, error)
	LockForUpdate(ctx context.Context, id string) (*models.LoanRequest, error)
	UpdateStatus(ctx context.Context, id string, status models.LoanRequestStatus) error
	ListByListing(ctx context.Context, listingID string) ([]models.LoanRequest, error)
}

type LoanRepository interface {
	Create(ctx context.Context, loan *models.Loan) error
	GetByID(ctx context.Context, id string) (*models.Loan, error)
	LockForUpdate(ctx context.Context, id string) (*models.Loan, error)
	Update(ctx context.Context, loan *models.Loan) error
	ListByUser(ctx context.Context, userID string) ([]models.Loan, error)
}
