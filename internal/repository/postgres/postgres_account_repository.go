package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const accountColumns = `user_id, balance, currency, created_at, updated_at`

type PostgresAccountRepository struct {
	db *sql.DB
}

func NewPostgresAccountRepository(db *sql.DB) *PostgresAccountRepository {
	return &PostgresAccountRepository{db: db}
}

func (r *PostgresAccountRepository) Create(ctx context.Context, account *models.Account) (_ *models.Account, err error) {
	ctx, span, done := instrument(ctx, "account-repository", "CreateAccount")
	defer done(&err)

	if account == nil || account.UserID == "" {
		err = pkgerrors.ErrInvalidInput
		slog.Error("failed to create account", "method", "Create", "error", err)
		return nil, err
	}
	span.SetAttributes(attribute.String("user_id", account.UserID))

	query := `
		INSERT INTO accounts (user_id, balance, currency)
		VALUES ($1, 0, $2)
		ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		RETURNING ` + accountColumns
	var out models.Account
	err = conn(ctx, r.db).QueryRowContext(ctx, query, account.UserID, account.Currency).
		Scan(&out.UserID, &out.Balance, &out.Currency, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		slog.Error("failed to create account", "method", "Create", "user_id", account.UserID, "error", err)
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	slog.Info("account opened", "method", "Create", "user_id", out.UserID, "currency", out.Currency)
	return &out, nil
}

func (r *PostgresAccountRepository) GetByID(ctx context.Context, userID string) (_ *models.Account, err error) {
	ctx, span, done := instrument(ctx, "account-repository", "GetAccountByID")
	defer done(&err)
	span.SetAttributes(attribute.String("user_id", userID))

	var a models.Account
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = $1`
	err = conn(ctx, r.db).QueryRowContext(ctx, query, userID).
		Scan(&a.UserID, &a.Balance, &a.Currency, &a.CreatedAt, &a.UpdatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrAccountNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get account", "method", "GetByID", "user_id", userID, "error", err)
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

func (r *PostgresAccountRepository) LockForUpdate(ctx context.Context, userIDs ...string) (_ map[string]*models.Account, err error) {
	ctx, span, done := instrument(ctx, "account-repository", "LockAccounts")
	defer done(&err)

	if !inTx(ctx) {
		err = pkgerrors.ErrNotInTransaction
		return nil, err
	}

	ids := uniqueSorted(userIDs)
	span.SetAttributes(attribute.StringSlice("user_ids", ids))

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		slog.Error("failed to lock accounts", "method", "LockForUpdate", "user_ids", ids, "error", err)
		return nil, fmt.Errorf("failed to lock accounts: %w", err)
	}
	defer rows.Close()

	locked := make(map[string]*models.Account, len(ids))
	for rows.Next() {
		var a models.Account
		if err = rows.Scan(&a.UserID, &a.Balance, &a.Currency, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		locked[a.UserID] = &a
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}

	for _, id := range ids {
		if _, ok := locked[id]; !ok {
			err = fmt.Errorf("%w: %s", pkgerrors.ErrAccountNotFound, id)
			return nil, err
		}
	}
	return locked, nil
}

func (r *PostgresAccountRepository) UpdateBalance(ctx context.Context, userID string, balance decimal.Decimal) (err error) {
	ctx, span, done := instrument(ctx, "account-repository", "UpdateBalance")
	defer done(&err)
	span.SetAttributes(attribute.String("user_id", userID), attribute.String("balance", balance.StringFixed(2)))

	if balance.IsNegative() {
		err = &pkgerrors.InsufficientFundsError{AccountID: userID, Balance: decimal.Zero, Requested: balance.Neg()}
		return err
	}

	query := `UPDATE accounts SET balance = $1, updated_at = now() WHERE user_id = $2`
	res, err := conn(ctx, r.db).ExecContext(ctx, query, balance, userID)
	if err != nil {
		slog.Error("failed to update balance", "method", "UpdateBalance", "user_id", userID, "error", err)
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = pkgerrors.ErrAccountNotFound
		return err
	}
	return nil
}

func (r *PostgresAccountRepository) List(ctx context.Context) (_ []models.Account, err error) {
	ctx, _, done := instrument(ctx, "account-repository", "ListAccounts")
	defer done(&err)

	rows, err := conn(ctx, r.db).QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY user_id`)
	if err != nil {
		slog.Error("failed to list accounts", "method", "List", "error", err)
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		if err = rows.Scan(&a.UserID, &a.Balance, &a.Currency, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
