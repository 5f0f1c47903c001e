package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const listingColumns = `id, owner_id, type, amount, interest_rate_percent, term_months, purpose, status, created_at, updated_at`

type PostgresListingRepository struct {
	db *sql.DB
}

func NewPostgresListingRepository(db *sql.DB) *PostgresListingRepository {
	return &PostgresListingRepository{db: db}
}

func (r *PostgresListingRepository) Create(ctx context.Context, l *models.Listing) (err error) {
	ctx, span, done := instrument(ctx, "listing-repository", "CreateListing")
	defer done(&err)

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	span.SetAttributes(attribute.String("listing_id", l.ID), attribute.String("owner_id", l.OwnerID))

	query := `
		INSERT INTO listings (id, owner_id, type, amount, interest_rate_percent, term_months, purpose, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query,
		l.ID, l.OwnerID, l.Type, l.Amount, l.InterestRatePercent, l.TermMonths, l.Purpose, l.Status,
	).Scan(&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		slog.Error("failed to create listing", "method", "Create", "owner_id", l.OwnerID, "error", err)
		return fmt.Errorf("failed to create listing: %w", err)
	}
	return nil
}

func (r *PostgresListingRepository) GetByID(ctx context.Context, id string) (_ *models.Listing, err error) {
	ctx, span, done := instrument(ctx, "listing-repository", "GetListingByID")
	defer done(&err)
	span.SetAttributes(attribute.String("listing_id", id))

	return r.get(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
}

func (r *PostgresListingRepository) LockForUpdate(ctx context.Context, id string) (_ *models.Listing, err error) {
	ctx, span, done := instrument(ctx, "listing-repository", "LockListing")
	defer done(&err)
	span.SetAttributes(attribute.String("listing_id", id))

	if !inTx(ctx) {
		err = pkgerrors.ErrNotInTransaction
		return nil, err
	}
	return r.get(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1 FOR UPDATE`, id)
}

func (r *PostgresListingRepository) get(ctx context.Context, query, id string) (*models.Listing, error) {
	l, err := scanListing(conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.ErrListingNotFound
	}
	if err != nil {
		slog.Error("failed to get listing", "listing_id", id, "error", err)
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return l, nil
}

func (r *PostgresListingRepository) UpdateStatus(ctx context.Context, id string, status models.ListingStatus) (err error) {
	ctx, span, done := instrument(ctx, "listing-repository", "UpdateListingStatus")
	defer done(&err)
	span.SetAttributes(attribute.String("listing_id", id), attribute.String("status", string(status)))

	res, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE listings SET status = $1, updated_at = now() WHERE id = $2`, status, id)
	if err != nil {
		slog.Error("failed to update listing status", "method", "UpdateStatus", "listing_id", id, "error", err)
		return fmt.Errorf("failed to update listing status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = pkgerrors.ErrListingNotFound
		return err
	}
	return nil
}

func (r *PostgresListingRepository) List(ctx context.Context, filter models.ListingFilter, after *models.ListingCursor, limit int) (_ []models.Listing, err error) {
	ctx, span, done := instrument(ctx, "listing-repository", "ListListings")
	defer done(&err)
	span.SetAttributes(attribute.Int("limit", limit))

	var (
		conds []string
		args  []any
	)
	if filter.Type != "" {
		args = append(args, filter.Type)
		conds = append(conds, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		conds = append(conds, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	if after != nil {
		args = append(args, after.CreatedAt, after.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) < ($%d, $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + listingColumns + ` FROM listings`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := conn(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		slog.Error("failed to list listings", "method", "List", "error", err)
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		l, scanErr := scanListing(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan listing: %w", scanErr)
			return nil, err
		}
		out = append(out, *l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate listings: %w", err)
	}
	return out, nil
}

func scanListing(row rowScanner) (*models.Listing, error) {
	var l models.Listing
	err := row.Scan(&l.ID, &l.OwnerID, &l.Type, &l.Amount, &l.InterestRatePercent, &l.TermMonths, &l.Purpose, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}
