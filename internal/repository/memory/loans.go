package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
)

type LoanRequestRepository struct {
	s *Store
}

func NewLoanRequestRepository(s *Store) *LoanRequestRepository {
	return &LoanRequestRepository{s: s}
}

func (r *LoanRequestRepository) Create(ctx context.Context, req *models.LoanRequest) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.listings[req.ListingID]; !ok {
		return pkgerrors.ErrListingNotFound
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := r.s.now()
	req.CreatedAt, req.UpdatedAt = now, now
	r.s.requests[req.ID] = *req
	record(ctx, restore(r.s.requests, req.ID, models.LoanRequest{}, false))
	return nil
}

func (r *LoanRequestRepository) GetByID(ctx context.Context, id string) (*models.LoanRequest, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	req, ok := r.s.requests[id]
	if !ok {
		return nil, pkgerrors.ErrLoanRequestNotFound
	}
	return &req, nil
}

func (r *LoanRequestRepository) LockForUpdate(ctx context.Context, id string) (*models.LoanRequest, error) {
	if err := r.s.lock(ctx, "request:"+id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *LoanRequestRepository) UpdateStatus(ctx context.Context, id string, status models.LoanRequestStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, ok := r.s.requests[id]
	if !ok {
		return pkgerrors.ErrLoanRequestNotFound
	}
	next := prev
	next.Status = status
	next.UpdatedAt = r.s.now()
	r.s.requests[id] = next
	record(ctx, restore(r.s.requests, id, prev, true))
	return nil
}

func (r *LoanRequestRepository) ListByListing(ctx context.Context, listingID string) ([]models.LoanRequest, error) {
	r.s.mu.RLock()
	var out []models.LoanRequest
	for _, req := range r.s.requests {
		if req.ListingID == listingID {
			out = append(out, req)
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

type LoanRepository struct {
	s *Store
}

func NewLoanRepository(s *Store) *LoanRepository {
	return &LoanRepository{s: s}
}

func (r *LoanRepository) Create(ctx context.Context, loan *models.Loan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.loans {
		if existing.RequestID == loan.RequestID {
			return pkgerrors.ErrRequestNotPending
		}
	}
	if loan.ID == "" {
		loan.ID = uuid.NewString()
	}
	now := r.s.now()
	loan.CreatedAt, loan.UpdatedAt = now, now
	r.s.loans[loan.ID] = cloneLoan(*loan)
	record(ctx, restore(r.s.loans, loan.ID, models.Loan{}, false))
	return nil
}

func (r *LoanRepository) GetByID(ctx context.Context, id string) (*models.Loan, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	loan, ok := r.s.loans[id]
	if !ok {
		return nil, pkgerrors.ErrLoanNotFound
	}
	loan = cloneLoan(loan)
	return &loan, nil
}

func (r *LoanRepository) LockForUpdate(ctx context.Context, id string) (*models.Loan, error) {
	if err := r.s.lock(ctx, "loan:"+id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *LoanRepository) Update(ctx context.Context, loan *models.Loan) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, ok := r.s.loans[loan.ID]
	if !ok {
		return pkgerrors.ErrLoanNotFound
	}
	loan.UpdatedAt = r.s.now()
	r.s.loans[loan.ID] = cloneLoan(*loan)
	record(ctx, restore(r.s.loans, loan.ID, prev, true))
	return nil
}

func (r *LoanRepository) ListByUser(ctx context.Context, userID string) ([]models.Loan, error) {
	r.s.mu.RLock()
	var out []models.Loan
	for _, loan := range r.s.loans {
		if loan.BorrowerID == userID || loan.LenderID == userID {
			out = append(out, cloneLoan(loan))
		}
	}
	r.s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func cloneLoan(l models.Loan) models.Loan {
	if l.NextPaymentDate != nil {
		t := *l.NextPaymentDate
		l.NextPaymentDate = &t
	}
	return l
}
