package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
)

type ListingRepository struct {
	s *Store
}

func NewListingRepository(s *Store) *ListingRepository {
	return &ListingRepository{s: s}
}

func (r *ListingRepository) Create(ctx context.Context, l *models.Listing) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := r.s.now()
	l.CreatedAt, l.UpdatedAt = now, now
	r.s.listings[l.ID] = *l
	record(ctx, restore(r.s.listings, l.ID, models.Listing{}, false))
	return nil
}

func (r *ListingRepository) GetByID(ctx context.Context, id string) (*models.Listing, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	l, ok := r.s.listings[id]
	if !ok {
		return nil, pkgerrors.ErrListingNotFound
	}
	return &l, nil
}

func (r *ListingRepository) LockForUpdate(ctx context.Context, id string) (*models.Listing, error) {
	if err := r.s.lock(ctx, "listing:"+id); err != nil {
		return nil, err
	}
	return r.GetByID(ctx, id)
}

func (r *ListingRepository) UpdateStatus(ctx context.Context, id string, status models.ListingStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	prev, ok := r.s.listings[id]
	if !ok {
		return pkgerrors.ErrListingNotFound
	}
	next := prev
	next.Status = status
	next.UpdatedAt = r.s.now()
	r.s.listings[id] = next
	record(ctx, restore(r.s.listings, id, prev, true))
	return nil
}

func (r *ListingRepository) List(ctx context.Context, filter models.ListingFilter, after *models.ListingCursor, limit int) ([]models.Listing, error) {
	r.s.mu.RLock()
	var out []models.Listing
	for _, l := range r.s.listings {
		if filter.Type != "" && l.Type != filter.Type {
			continue
		}
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		if filter.OwnerID != "" && l.OwnerID != filter.OwnerID {
			continue
		}
		if after != nil && !before(l, *after) {
			continue
		}
		out = append(out, l)
	}
	r.s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return before(out[j], models.ListingCursor{CreatedAt: out[i].CreatedAt, ID: out[i].ID})
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// before reports whether l sorts after the cursor in newest-first order.
func before(l models.Listing, c models.ListingCursor) bool {
	if l.CreatedAt.Equal(c.CreatedAt) {
		return l.ID < c.ID
	}
	return l.CreatedAt.Before(c.CreatedAt)
}
