package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/redis"
	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedgerService_Credit(t *testing.T) {
	ctx := context.Background()

	t.Run("reference is applied once", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "0")

		tx, applied, err := env.ledger.Credit(ctx, "u1", dec("25.50"), models.KindDeposit, "ref-1", "Deposit")
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, models.StatusCompleted, tx.Status)

		again, applied, err := env.ledger.Credit(ctx, "u1", dec("25.50"), models.KindDeposit, "ref-1", "Deposit")
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, tx.ID, again.ID)
		assert.True(t, env.balance(t, "u1").Equal(dec("25.50")))
	})

	t.Run("pending reference completes with the credited amount", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "0")

		pending, err := env.ledger.OpenPending(ctx, "u1", dec("100"), models.KindDeposit, "ref-2", "Deposit")
		require.NoError(t, err)
		assert.True(t, env.balance(t, "u1").IsZero())

		tx, applied, err := env.ledger.Credit(ctx, "u1", dec("99.50"), models.KindDeposit, "ref-2", "Deposit")
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, pending.ID, tx.ID)
		assert.True(t, tx.Amount.Equal(dec("99.50")))
		assert.True(t, env.balance(t, "u1").Equal(dec("99.50")))
		require.NoError(t, env.ledger.Audit(ctx, "u1"))
	})

	t.Run("rejects debit kinds and non-positive amounts", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "0")

		_, _, err := env.ledger.Credit(ctx, "u1", dec("10"), models.KindWithdrawal, "", "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionKind)
		_, _, err = env.ledger.Credit(ctx, "u1", dec("0"), models.KindDeposit, "", "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
		_, _, err = env.ledger.Credit(ctx, "missing", dec("10"), models.KindDeposit, "", "")
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
	})
}

func TestLedgerService_Debit(t *testing.T) {
	ctx := context.Background()

	t.Run("insufficient funds leaves the balance untouched", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "100")

		_, err := env.ledger.Debit(ctx, "u1", dec("150"), models.KindWithdrawal, "Withdrawal")
		require.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)
		var insufficient *pkgerrors.InsufficientFundsError
		require.True(t, errors.As(err, &insufficient))
		assert.True(t, insufficient.Shortfall().Equal(dec("50")))
		assert.True(t, env.balance(t, "u1").Equal(dec("100")))

		history, err := env.ledger.History(ctx, "u1", 0)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("concurrent debits never overdraw", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "100")

		var ok, rejected atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.ledger.Debit(ctx, "u1", dec("20"), models.KindWithdrawal, "Withdrawal")
				switch {
				case err == nil:
					ok.Add(1)
				case errors.Is(err, pkgerrors.ErrInsufficientFunds):
					rejected.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(5), ok.Load())
		assert.Equal(t, int32(5), rejected.Load())
		assert.True(t, env.balance(t, "u1").IsZero())
		require.NoError(t, env.ledger.Audit(ctx, "u1"))
	})
}

func TestLedgerService_Transfer(t *testing.T) {
	ctx := context.Background()

	t.Run("moves funds with one record per side", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "lender", "500")
		env.open(t, "borrower", "0")

		debitTx, creditTx, err := env.ledger.Transfer(ctx, "lender", "borrower", dec("200"),
			models.KindLoanDisbursement, models.KindLoanReceived, "Loan disbursement")
		require.NoError(t, err)
		assert.True(t, debitTx.Amount.Equal(dec("-200")))
		assert.True(t, creditTx.Amount.Equal(dec("200")))
		assert.True(t, env.balance(t, "lender").Equal(dec("300")))
		assert.True(t, env.balance(t, "borrower").Equal(dec("200")))
		require.NoError(t, env.ledger.Audit(ctx, "lender"))
		require.NoError(t, env.ledger.Audit(ctx, "borrower"))
	})

	t.Run("failure on the credit side rolls back the debit", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "lender", "500")
		env.open(t, "borrower", "0")
		faulty := NewLedgerService(env.store, env.accounts,
			&failingTransactions{TransactionRepository: env.transactions, failKind: models.KindLoanReceived},
			nil, nil, "", testCurrency)

		_, _, err := faulty.Transfer(ctx, "lender", "borrower", dec("200"),
			models.KindLoanDisbursement, models.KindLoanReceived, "Loan disbursement")
		require.ErrorIs(t, err, errInjected)

		assert.True(t, env.balance(t, "lender").Equal(dec("500")))
		assert.True(t, env.balance(t, "borrower").IsZero())
		history, err := env.ledger.History(ctx, "lender", 0)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("same account is rejected", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "50")
		_, _, err := env.ledger.Transfer(ctx, "u1", "u1", dec("10"),
			models.KindLoanPayment, models.KindLoanRepayment, "")
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
	})
}

func TestLedgerService_SubCentAmounts(t *testing.T) {
	ctx := context.Background()

	operations := []struct {
		name string
		call func(env *testEnv, amount string) error
	}{
		{"credit", func(env *testEnv, amount string) error {
			_, _, err := env.ledger.Credit(ctx, "u1", dec(amount), models.KindDeposit, "", "Deposit")
			return err
		}},
		{"debit", func(env *testEnv, amount string) error {
			_, err := env.ledger.Debit(ctx, "u1", dec(amount), models.KindWithdrawal, "Withdrawal")
			return err
		}},
		{"transfer", func(env *testEnv, amount string) error {
			_, _, err := env.ledger.Transfer(ctx, "u1", "u2", dec(amount), models.KindLoanDisbursement, models.KindLoanReceived, "Loan")
			return err
		}},
		{"pending", func(env *testEnv, amount string) error {
			_, err := env.ledger.OpenPending(ctx, "u1", dec(amount), models.KindDeposit, "ref-"+amount, "Deposit")
			return err
		}},
	}

	for _, op := range operations {
		for _, amount := range []string{"0.005", "0.0001", "10.001"} {
			t.Run(op.name+" "+amount, func(t *testing.T) {
				env := newTestEnv(t)
				env.open(t, "u1", "100")
				env.open(t, "u2", "0")

				err := op.call(env, amount)
				assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
				assert.True(t, env.balance(t, "u1").Equal(dec("100")))
				assert.True(t, env.balance(t, "u2").IsZero())
				require.NoError(t, env.ledger.Audit(ctx, "u1"))
			})
		}
	}

	t.Run("whole cents are accepted", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "100")

		_, err := env.ledger.Debit(ctx, "u1", dec("0.01"), models.KindWithdrawal, "Withdrawal")
		require.NoError(t, err)
		_, _, err = env.ledger.Credit(ctx, "u1", dec("10.50"), models.KindDeposit, "", "Deposit")
		require.NoError(t, err)
		assert.True(t, env.balance(t, "u1").Equal(dec("110.49")))
		require.NoError(t, env.ledger.Audit(ctx, "u1"))
	})
}

func TestLedgerService_Audit(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.open(t, "u1", "80")

	require.NoError(t, env.ledger.Audit(ctx, "u1"))

	err := env.store.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := env.accounts.LockForUpdate(ctx, "u1"); err != nil {
			return err
		}
		return env.accounts.UpdateBalance(ctx, "u1", dec("81"))
	})
	require.NoError(t, err)
	assert.ErrorIs(t, env.ledger.Audit(ctx, "u1"), pkgerrors.ErrLedgerImbalance)
}

func TestLedgerService_Balance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.open(t, "u1", "100")

	db, mock := redismock.NewClientMock()
	cached := NewLedgerService(env.store, env.accounts, env.transactions, redis.New(db), nil, "", testCurrency)

	t.Run("miss reads the account and fills the cache", func(t *testing.T) {
		mock.ExpectGet("balance:u1").RedisNil()
		mock.ExpectSet("balance:u1", "100.00", 30*time.Second).SetVal("OK")

		balance, err := cached.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("100")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("hit skips the store", func(t *testing.T) {
		mock.ExpectGet("balance:u1").SetVal("42.00")

		balance, err := cached.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("42")))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mutation invalidates the cached balance", func(t *testing.T) {
		mock.ExpectDel("balance:u1").SetVal(1)

		_, _, err := cached.Credit(ctx, "u1", dec("5"), models.KindDeposit, "", "")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("redis outage falls back to the store", func(t *testing.T) {
		mock.ExpectGet("balance:u1").SetErr(errors.New("connection refused"))
		mock.ExpectSet("balance:u1", "105.00", 30*time.Second).SetErr(errors.New("connection refused"))

		balance, err := cached.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, balance.Equal(dec("105")))
	})
}

func TestLedgerService_OpenAccount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first, err := env.ledger.OpenAccount(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, testCurrency, first.Currency)

	again, err := env.ledger.OpenAccount(ctx, "u1", testCurrency)
	require.NoError(t, err)
	assert.True(t, again.Balance.IsZero())

	_, err = env.ledger.OpenAccount(ctx, "u2", "USD")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
}
