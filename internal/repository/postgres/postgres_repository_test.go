package postgres_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/honeynil/lendme-ledger/internal/repository/postgres"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{"user_id", "balance", "currency", "created_at", "updated_at"}

func TestPostgresTxManager_WithinTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	txm := postgres.NewPostgresTxManager(db)
	accounts := postgres.NewPostgresAccountRepository(db)
	ctx := context.Background()

	t.Run("Commit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET balance = $1`)).
			WithArgs(sqlmock.AnyArg(), "u1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		committed := false
		err := txm.WithinTx(ctx, func(ctx context.Context) error {
			txm.AfterCommit(ctx, func(context.Context) { committed = true })
			return accounts.UpdateBalance(ctx, "u1", decimal.NewFromInt(10))
		})
		assert.NoError(t, err)
		assert.True(t, committed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RollbackOnError", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE accounts SET balance = $1`)).
			WithArgs(sqlmock.AnyArg(), "u1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectRollback()

		boom := errors.New("downstream failure")
		committed := false
		err := txm.WithinTx(ctx, func(ctx context.Context) error {
			txm.AfterCommit(ctx, func(context.Context) { committed = true })
			if err := accounts.UpdateBalance(ctx, "u1", decimal.NewFromInt(10)); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.False(t, committed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("BeginFails", func(t *testing.T) {
		mock.ExpectBegin().WillReturnError(fmt.Errorf("connection refused"))

		err := txm.WithinTx(ctx, func(ctx context.Context) error { return nil })
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to begin transaction")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresAccountRepository_LockForUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	txm := postgres.NewPostgresTxManager(db)
	repo := postgres.NewPostgresAccountRepository(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("Success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`FROM accounts WHERE user_id = ANY($1) ORDER BY user_id FOR UPDATE`)).
			WithArgs(pq.Array([]string{"alice", "bob"})).
			WillReturnRows(sqlmock.NewRows(accountCols).
				AddRow("alice", "100.00", "GHS", now, now).
				AddRow("bob", "5.50", "GHS", now, now))
		mock.ExpectCommit()

		var locked map[string]*models.Account
		err := txm.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			locked, err = repo.LockForUpdate(ctx, "bob", "alice", "bob")
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, "100", locked["alice"].Balance.String())
		assert.Equal(t, "5.5", locked["bob"].Balance.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MissingAccount", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE`)).
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow("alice", "1.00", "GHS", now, now))
		mock.ExpectRollback()

		err := txm.WithinTx(ctx, func(ctx context.Context) error {
			_, err := repo.LockForUpdate(ctx, "alice", "ghost")
			return err
		})
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("OutsideTransaction", func(t *testing.T) {
		_, err := repo.LockForUpdate(ctx, "alice")
		assert.ErrorIs(t, err, pkgerrors.ErrNotInTransaction)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresAccountRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresAccountRepository(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("Success", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO accounts (user_id, balance, currency)`)).
			WithArgs("u1", "GHS").
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow("u1", "0", "GHS", now, now))

		a, err := repo.Create(ctx, &models.Account{UserID: "u1", Currency: "GHS"})
		require.NoError(t, err)
		assert.Equal(t, "u1", a.UserID)
		assert.True(t, a.Balance.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("EmptyUserID", func(t *testing.T) {
		_, err := repo.Create(ctx, &models.Account{})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})
}

func TestPostgresAccountRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresAccountRepository(db)
	ctx := context.Background()

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM accounts WHERE user_id = $1`)).
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)

		a, err := repo.GetByID(ctx, "ghost")
		assert.Nil(t, a)
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM accounts WHERE user_id = $1`)).
			WithArgs("u1").
			WillReturnError(fmt.Errorf("database error"))

		_, err := repo.GetByID(ctx, "u1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get account")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresTransactionRepository(db)
	ctx := context.Background()
	now := time.Now()

	t.Run("Success", func(t *testing.T) {
		tx := &models.Transaction{
			AccountID: "u1",
			Amount:    decimal.RequireFromString("-25.00"),
			Kind:      models.KindWithdrawal,
			Status:    models.StatusCompleted,
		}
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO transactions`)).
			WithArgs(sqlmock.AnyArg(), "u1", sqlmock.AnyArg(), models.KindWithdrawal, models.StatusCompleted, nil, "").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

		err := repo.Create(ctx, tx)
		assert.NoError(t, err)
		assert.NotEmpty(t, tx.ID)
		assert.Equal(t, now, tx.CreatedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DuplicateReference", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`INSERT INTO transactions`)).
			WillReturnError(&pq.Error{Code: "23505"})

		err := repo.Create(ctx, &models.Transaction{
			AccountID: "u1", Kind: models.KindDeposit, Status: models.StatusPending, ExternalReference: "ref-1",
		})
		assert.ErrorIs(t, err, pkgerrors.ErrDuplicateReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("InvalidKind", func(t *testing.T) {
		err := repo.Create(ctx, &models.Transaction{AccountID: "u1", Kind: "purchase", Status: models.StatusPending})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionKind)
	})

	t.Run("InvalidStatus", func(t *testing.T) {
		err := repo.Create(ctx, &models.Transaction{AccountID: "u1", Kind: models.KindDeposit, Status: "done"})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionState)
	})
}

func TestPostgresTransactionRepository_GetByReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresTransactionRepository(db)
	ctx := context.Background()
	now := time.Now()
	cols := []string{"id", "account_id", "amount", "kind", "status", "external_reference", "description", "created_at", "updated_at"}

	t.Run("Success", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE external_reference = $1`)).
			WithArgs("ref-1").
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("t1", "u1", "0.00", "deposit", "pending", "ref-1", "", now, now))

		tx, err := repo.GetByReference(ctx, "ref-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, tx.Status)
		assert.Equal(t, models.KindDeposit, tx.Kind)
		assert.Equal(t, "ref-1", tx.ExternalReference)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transactions WHERE external_reference = $1`)).
			WithArgs("nope").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetByReference(ctx, "nope")
		assert.ErrorIs(t, err, pkgerrors.ErrTransactionNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransactionRepository_SetStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresTransactionRepository(db)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions SET status = $1, amount = $2`)).
			WithArgs(models.StatusCompleted, sqlmock.AnyArg(), "t1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.SetStatus(ctx, "t1", models.StatusCompleted, decimal.NewFromInt(50)))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotPending", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE transactions SET status = $1, amount = $2`)).
			WithArgs(models.StatusFailed, sqlmock.AnyArg(), "t1").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := repo.SetStatus(ctx, "t1", models.StatusFailed, decimal.Zero)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionState)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("BackToPending", func(t *testing.T) {
		err := repo.SetStatus(ctx, "t1", models.StatusPending, decimal.Zero)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionState)
	})
}

func TestPostgresListingRepository_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresListingRepository(db)
	ctx := context.Background()
	now := time.Now()
	cols := []string{"id", "owner_id", "type", "amount", "interest_rate_percent", "term_months", "purpose", "status", "created_at", "updated_at"}

	t.Run("KeysetPage", func(t *testing.T) {
		cursor := &models.ListingCursor{CreatedAt: now, ID: "l9"}
		mock.ExpectQuery(regexp.QuoteMeta(`WHERE status = $1 AND (created_at, id) < ($2, $3) ORDER BY created_at DESC, id DESC LIMIT $4`)).
			WithArgs(models.ListingActive, now, "l9", 2).
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("l8", "u1", "lend", "1000.00", "8.5", 12, "", "active", now.Add(-time.Minute), now).
				AddRow("l7", "u2", "borrow", "500.00", "10", 6, "school fees", "active", now.Add(-2*time.Minute), now))

		page, err := repo.List(ctx, models.ListingFilter{Status: models.ListingActive}, cursor, 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "l8", page[0].ID)
		assert.Equal(t, models.ListingBorrow, page[1].Type)
		assert.Equal(t, "school fees", page[1].Purpose)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLoanRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresLoanRepository(db)
	ctx := context.Background()
	now := time.Now()
	cols := []string{"id", "listing_id", "request_id", "borrower_id", "lender_id", "principal", "interest_rate_percent",
		"term_months", "monthly_payment", "remaining_balance", "payments_made", "payments_left", "next_payment_date",
		"on_time_payments", "late_payments", "status", "created_at", "updated_at"}

	t.Run("Completed loan has no next payment date", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM loans WHERE id = $1`)).
			WithArgs("loan-1").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("loan-1", "l1", "r1", "b", "len", "100.00", "0", 2,
				"50.00", "0.00", 2, 0, nil, 1, 1, "completed", now, now))

		loan, err := repo.GetByID(ctx, "loan-1")
		require.NoError(t, err)
		assert.Nil(t, loan.NextPaymentDate)
		assert.Equal(t, models.LoanCompleted, loan.Status)
		assert.Equal(t, 0, loan.PaymentsLeft)
		assert.Equal(t, 1, loan.OnTimePayments)
		assert.Equal(t, 1, loan.LatePayments)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`FROM loans WHERE id = $1`)).
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetByID(ctx, "missing")
		assert.ErrorIs(t, err, pkgerrors.ErrLoanNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLoanRepository_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresLoanRepository(db)
	ctx := context.Background()
	now := time.Now()

	loan := &models.Loan{
		ID:               "loan-1",
		RemainingBalance: decimal.RequireFromString("400.00"),
		PaymentsMade:     2,
		PaymentsLeft:     1,
		NextPaymentDate:  &now,
		OnTimePayments:   1,
		LatePayments:     1,
		Status:           models.LoanActive,
	}

	t.Run("Persists payment timeliness counters", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`on_time_payments = $5, late_payments = $6, status = $7`)).
			WithArgs(sqlmock.AnyArg(), 2, 1, now, 1, 1, models.LoanActive, "loan-1").
			WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))

		require.NoError(t, repo.Update(ctx, loan))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`UPDATE loans SET`)).
			WillReturnError(sql.ErrNoRows)

		err := repo.Update(ctx, loan)
		assert.ErrorIs(t, err, pkgerrors.ErrLoanNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
