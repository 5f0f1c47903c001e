package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/shopspring/decimal"
)

type TransactionRepository struct {
	s *Store
}

func NewTransactionRepository(s *Store) *TransactionRepository {
	return &TransactionRepository{s: s}
}

func (r *TransactionRepository) Create(ctx context.Context, tx *models.Transaction) error {
	if tx == nil {
		return pkgerrors.ErrInvalidInput
	}
	if !tx.Kind.Valid() {
		return pkgerrors.ErrInvalidTransactionKind
	}
	if !tx.Status.Valid() {
		return pkgerrors.ErrInvalidTransactionState
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.accounts[tx.AccountID]; !ok {
		return pkgerrors.ErrAccountNotFound
	}
	if tx.ExternalReference != "" {
		if _, dup := r.s.references[tx.ExternalReference]; dup {
			return pkgerrors.ErrDuplicateReference
		}
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := r.s.now()
	tx.CreatedAt, tx.UpdatedAt = now, now

	r.s.transactions[tx.ID] = *tx
	record(ctx, restore(r.s.transactions, tx.ID, models.Transaction{}, false))
	if tx.ExternalReference != "" {
		r.s.references[tx.ExternalReference] = tx.ID
		record(ctx, restore(r.s.references, tx.ExternalReference, "", false))
	}
	return nil
}

func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*models.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	tx, ok := r.s.transactions[id]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	return &tx, nil
}

func (r *TransactionRepository) GetByReference(ctx context.Context, reference string) (*models.Transaction, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	id, ok := r.s.references[reference]
	if !ok {
		return nil, pkgerrors.ErrTransactionNotFound
	}
	tx := r.s.transactions[id]
	return &tx, nil
}

func (r *TransactionRepository) SetStatus(ctx context.Context, id string, status models.StatusType, amount decimal.Decimal) error {
	if status != models.StatusCompleted && status != models.StatusFailed {
		return pkgerrors.ErrInvalidTransactionState
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, ok := r.s.transactions[id]
	if !ok {
		return pkgerrors.ErrTransactionNotFound
	}
	if prev.Status != models.StatusPending {
		return pkgerrors.ErrInvalidTransactionState
	}
	next := prev
	next.Status = status
	next.Amount = amount
	next.UpdatedAt = r.s.now()
	r.s.transactions[id] = next
	record(ctx, restore(r.s.transactions, id, prev, true))
	return nil
}

func (r *TransactionRepository) ListByAccount(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	r.s.mu.RLock()
	var out []models.Transaction
	for _, tx := range r.s.transactions {
		if tx.AccountID == accountID {
			out = append(out, tx)
		}
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TransactionRepository) SumCompleted(ctx context.Context, accountID string) (decimal.Decimal, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	sum := decimal.Zero
	for _, tx := range r.s.transactions {
		if tx.AccountID == accountID && tx.Status == models.StatusCompleted {
			sum = sum.Add(tx.Amount)
		}
	}
	return sum, nil
}
