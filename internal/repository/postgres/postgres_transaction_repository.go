package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const transactionColumns = `id, account_id, amount, kind, status, external_reference, description, created_at, updated_at`

type PostgresTransactionRepository struct {
	db *sql.DB
}

func NewPostgresTransactionRepository(db *sql.DB) *PostgresTransactionRepository {
	return &PostgresTransactionRepository{db: db}
}

func (r *PostgresTransactionRepository) Create(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, span, done := instrument(ctx, "transaction-repository", "CreateTransaction")
	defer done(&err)

	if tx == nil {
		err = pkgerrors.ErrInvalidInput
		slog.Error("failed to create transaction", "method", "Create", "error", err)
		return err
	}
	if !tx.Kind.Valid() {
		err = pkgerrors.ErrInvalidTransactionKind
		slog.Error("invalid transaction kind", "method", "Create", "kind", tx.Kind, "error", err)
		return err
	}
	if !tx.Status.Valid() {
		err = pkgerrors.ErrInvalidTransactionState
		slog.Error("invalid transaction status", "method", "Create", "status", tx.Status, "error", err)
		return err
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}

	span.SetAttributes(
		attribute.String("transaction_id", tx.ID),
		attribute.String("account_id", tx.AccountID),
		attribute.String("amount", tx.Amount.StringFixed(2)),
		attribute.String("kind", string(tx.Kind)),
		attribute.String("status", string(tx.Status)),
	)

	query := `
		INSERT INTO transactions (id, account_id, amount, kind, status, external_reference, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`
	err = conn(ctx, r.db).QueryRowContext(ctx, query,
		tx.ID, tx.AccountID, tx.Amount, tx.Kind, tx.Status, nullString(tx.ExternalReference), tx.Description,
	).Scan(&tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == "23505" {
			err = pkgerrors.ErrDuplicateReference
			return err
		}
		slog.Error("failed to create transaction", "method", "Create", "account_id", tx.AccountID, "kind", tx.Kind, "error", err)
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	slog.Info("transaction created", "method", "Create", "id", tx.ID, "account_id", tx.AccountID, "kind", tx.Kind, "status", tx.Status, "amount", tx.Amount.StringFixed(2))
	return nil
}

func (r *PostgresTransactionRepository) GetByID(ctx context.Context, id string) (_ *models.Transaction, err error) {
	ctx, span, done := instrument(ctx, "transaction-repository", "GetTransactionByID")
	defer done(&err)
	span.SetAttributes(attribute.String("transaction_id", id))

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	tx, err := scanTransaction(conn(ctx, r.db).QueryRowContext(ctx, query, id))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction by id", "method", "GetByID", "transaction_id", id, "error", err)
		return nil, fmt.Errorf("failed to get transaction by id: %w", err)
	}
	return tx, nil
}

func (r *PostgresTransactionRepository) GetByReference(ctx context.Context, reference string) (_ *models.Transaction, err error) {
	ctx, span, done := instrument(ctx, "transaction-repository", "GetTransactionByReference")
	defer done(&err)
	span.SetAttributes(attribute.String("reference", reference))

	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE external_reference = $1`
	tx, err := scanTransaction(conn(ctx, r.db).QueryRowContext(ctx, query, reference))
	if stderrors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrTransactionNotFound
		return nil, err
	}
	if err != nil {
		slog.Error("failed to get transaction by reference", "method", "GetByReference", "reference", reference, "error", err)
		return nil, fmt.Errorf("failed to get transaction by reference: %w", err)
	}
	return tx, nil
}

func (r *PostgresTransactionRepository) SetStatus(ctx context.Context, id string, status models.StatusType, amount decimal.Decimal) (err error) {
	ctx, span, done := instrument(ctx, "transaction-repository", "SetTransactionStatus")
	defer done(&err)
	span.SetAttributes(attribute.String("transaction_id", id), attribute.String("status", string(status)))

	if status != models.StatusCompleted && status != models.StatusFailed {
		err = pkgerrors.ErrInvalidTransactionState
		return err
	}

	query := `
		UPDATE transactions SET status = $1, amount = $2, updated_at = now()
		WHERE id = $3 AND status = 'pending'`
	res, err := conn(ctx, r.db).ExecContext(ctx, query, status, amount, id)
	if err != nil {
		slog.Error("failed to update transaction status", "method", "SetStatus", "transaction_id", id, "error", err)
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		err = pkgerrors.ErrInvalidTransactionState
		return err
	}

	slog.Info("transaction status updated", "method", "SetStatus", "transaction_id", id, "status", status)
	return nil
}

func (r *PostgresTransactionRepository) ListByAccount(ctx context.Context, accountID string, limit int) (_ []models.Transaction, err error) {
	ctx, span, done := instrument(ctx, "transaction-repository", "ListTransactions")
	defer done(&err)
	span.SetAttributes(attribute.String("account_id", accountID), attribute.Int("limit", limit))

	query := `SELECT ` + transactionColumns + ` FROM transactions
		WHERE account_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`
	rows, err := conn(ctx, r.db).QueryContext(ctx, query, accountID, limit)
	if err != nil {
		slog.Error("failed to list transactions", "method", "ListByAccount", "account_id", accountID, "error", err)
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var out []models.Transaction
	for rows.Next() {
		tx, scanErr := scanTransaction(rows)
		if scanErr != nil {
			err = fmt.Errorf("failed to scan transaction: %w", scanErr)
			return nil, err
		}
		out = append(out, *tx)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

func (r *PostgresTransactionRepository) SumCompleted(ctx context.Context, accountID string) (_ decimal.Decimal, err error) {
	ctx, span, done := instrument(ctx, "transaction-repository", "SumCompletedTransactions")
	defer done(&err)
	span.SetAttributes(attribute.String("account_id", accountID))

	var sum decimal.Decimal
	query := `SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE account_id = $1 AND status = 'completed'`
	if err = conn(ctx, r.db).QueryRowContext(ctx, query, accountID).Scan(&sum); err != nil {
		slog.Error("failed to sum transactions", "method", "SumCompleted", "account_id", accountID, "error", err)
		return decimal.Zero, fmt.Errorf("failed to sum transactions: %w", err)
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*models.Transaction, error) {
	var (
		tx  models.Transaction
		ref sql.NullString
	)
	err := row.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &tx.Kind, &tx.Status, &ref, &tx.Description, &tx.CreatedAt, &tx.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tx.ExternalReference = ref.String
	return &tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
