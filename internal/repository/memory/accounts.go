package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

type AccountRepository struct {
	s *Store
}

func NewAccountRepository(s *Store) *AccountRepository {
	return &AccountRepository{s: s}
}

func (r *AccountRepository) Create(ctx context.Context, account *models.Account) (*models.Account, error) {
	if account == nil || account.UserID == "" {
		return nil, pkgerrors.ErrInvalidInput
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing, ok := r.s.accounts[account.UserID]; ok {
		return &existing, nil
	}
	now := r.s.now()
	a := models.Account{
		UserID:    account.UserID,
		Balance:   decimal.Zero,
		Currency:  account.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.s.accounts[a.UserID] = a
	record(ctx, restore(r.s.accounts, a.UserID, models.Account{}, false))
	return &a, nil
}

func (r *AccountRepository) GetByID(ctx context.Context, userID string) (*models.Account, error) {
	defer r.s.committedRead(ctx, "account:"+userID)()
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	a, ok := r.s.accounts[userID]
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return &a, nil
}

func (r *AccountRepository) LockForUpdate(ctx context.Context, userIDs ...string) (map[string]*models.Account, error) {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = "account:" + id
	}
	if err := r.s.lock(ctx, keys...); err != nil {
		return nil, err
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make(map[string]*models.Account, len(userIDs))
	for _, id := range userIDs {
		a, ok := r.s.accounts[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", pkgerrors.ErrAccountNotFound, id)
		}
		out[id] = &a
	}
	return out, nil
}

func (r *AccountRepository) UpdateBalance(ctx context.Context, userID string, balance decimal.Decimal) error {
	if balance.IsNegative() {
		return &pkgerrors.InsufficientFundsError{AccountID: userID, Balance: decimal.Zero, Requested: balance.Neg()}
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, ok := r.s.accounts[userID]
	if !ok {
		return pkgerrors.ErrAccountNotFound
	}
	next := prev
	next.Balance = balance
	next.UpdatedAt = r.s.now()
	r.s.accounts[userID] = next
	record(ctx, restore(r.s.accounts, userID, prev, true))
	return nil
}

func (r *AccountRepository) List(ctx context.Context) ([]models.Account, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	out := make([]models.Account, 0, len(r.s.accounts))
	for _, a := range r.s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
