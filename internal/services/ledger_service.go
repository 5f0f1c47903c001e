package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/lendme-ledger/internal/infrastructure/kafka"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/observability"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/redis"
	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/honeynil/lendme-ledger/internal/repository"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const balanceCacheTTL = 30 * time.Second

// LedgerService is the only writer of account balances. Every balance change is paired with
// exactly one completed transaction record, under the account's row lock.
type LedgerService interface {
	OpenAccount(ctx context.Context, userID, currency string) (*models.Account, error)
	// Credit adds amount to the account. With a non-empty reference the call is idempotent:
	// applied is false when the reference was already settled.
	Credit(ctx context.Context, accountID string, amount decimal.Decimal, kind models.TransactionKind, reference, description string) (tx *models.Transaction, applied bool, err error)
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, kind models.TransactionKind, description string) (*models.Transaction, error)
	Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, debitKind, creditKind models.TransactionKind, description string) (*models.Transaction, *models.Transaction, error)
	OpenPending(ctx context.Context, accountID string, amount decimal.Decimal, kind models.TransactionKind, reference, description string) (*models.Transaction, error)
	FailPending(ctx context.Context, reference string) (*models.Transaction, error)
	Lookup(ctx context.Context, reference string) (*models.Transaction, error)
	Balance(ctx context.Context, accountID string) (decimal.Decimal, error)
	History(ctx context.Context, accountID string, limit int) ([]models.Transaction, error)
	Audit(ctx context.Context, accountID string) error
}

type ledgerService struct {
	txm             repository.TxManager
	accountRepo     repository.AccountRepository
	transactionRepo repository.TransactionRepository
	redisClient     redis.RedisClient
	events          *eventPublisher
	currency        string
}

func NewLedgerService(
	txm repository.TxManager,
	accountRepo repository.AccountRepository,
	transactionRepo repository.TransactionRepository,
	redisClient redis.RedisClient,
	producer kafka.KafkaProducer,
	eventsTopic string,
	currency string,
) *ledgerService {
	return &ledgerService{
		txm:             txm,
		accountRepo:     accountRepo,
		transactionRepo: transactionRepo,
		redisClient:     redisClient,
		events:          newEventPublisher(producer, eventsTopic),
		currency:        currency,
	}
}

func isCreditKind(k models.TransactionKind) bool {
	return k == models.KindDeposit || k == models.KindLoanReceived || k == models.KindLoanRepayment
}

func isDebitKind(k models.TransactionKind) bool {
	return k == models.KindWithdrawal || k == models.KindLoanDisbursement || k == models.KindLoanPayment
}

// validAmount reports whether amount is positive and carries no more than two decimal places.
func validAmount(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Equal(amount.Round(2))
}

func (s *ledgerService) OpenAccount(ctx context.Context, userID, currency string) (*models.Account, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "OpenAccount")
	defer span.End()

	if userID == "" {
		return nil, pkgerrors.ErrInvalidInput
	}
	if currency == "" {
		currency = s.currency
	}
	if currency != s.currency {
		recordErr(span, pkgerrors.ErrInvalidInput, "unsupported currency")
		return nil, fmt.Errorf("%w: unsupported currency %s", pkgerrors.ErrInvalidInput, currency)
	}

	account, err := s.accountRepo.Create(ctx, &models.Account{UserID: userID, Currency: currency})
	if err != nil {
		recordErr(span, err, "account creation failed")
		slog.Error("failed to open account", "user_id", userID, "error", err)
		return nil, err
	}
	return account, nil
}

func (s *ledgerService) Credit(ctx context.Context, accountID string, amount decimal.Decimal, kind models.TransactionKind, reference, description string) (*models.Transaction, bool, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Credit")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", accountID),
		attribute.String("amount", amount.StringFixed(2)),
		attribute.String("kind", string(kind)),
		attribute.String("reference", reference),
	)

	if !validAmount(amount) {
		return nil, false, pkgerrors.ErrInvalidAmount
	}
	if !isCreditKind(kind) {
		return nil, false, pkgerrors.ErrInvalidTransactionKind
	}

	var (
		result  *models.Transaction
		applied bool
	)
	err := s.txm.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.accountRepo.LockForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		account := locked[accountID]

		if reference != "" {
			existing, err := s.transactionRepo.GetByReference(ctx, reference)
			switch {
			case err == nil:
				if existing.AccountID != accountID {
					return fmt.Errorf("%w: reference %s belongs to another account", pkgerrors.ErrDuplicateReference, reference)
				}
				if existing.Status != models.StatusPending {
					slog.Info("reference already settled, skipping credit",
						"reference", reference, "account_id", accountID, "status", existing.Status)
					result = existing
					return nil
				}
				if err := s.transactionRepo.SetStatus(ctx, existing.ID, models.StatusCompleted, amount); err != nil {
					return err
				}
				existing.Status = models.StatusCompleted
				existing.Amount = amount
				result = existing
			case stderrors.Is(err, pkgerrors.ErrTransactionNotFound):
			default:
				return err
			}
		}

		if result == nil {
			tx := &models.Transaction{
				AccountID:         accountID,
				Amount:            amount,
				Kind:              kind,
				Status:            models.StatusCompleted,
				ExternalReference: reference,
				Description:       description,
			}
			if err := s.transactionRepo.Create(ctx, tx); err != nil {
				return err
			}
			result = tx
		}

		if err := s.accountRepo.UpdateBalance(ctx, accountID, account.Balance.Add(amount)); err != nil {
			return err
		}
		applied = true
		s.afterMutation(ctx, result)
		return nil
	})
	if err != nil {
		observability.LedgerOperations.WithLabelValues(string(kind), "error").Inc()
		recordErr(span, err, "credit failed")
		slog.Error("credit failed", "account_id", accountID, "kind", kind, "reference", reference, "error", err)
		return nil, false, err
	}

	if applied {
		observability.LedgerOperations.WithLabelValues(string(kind), "success").Inc()
		slog.Info("account credited", "account_id", accountID, "amount", amount.StringFixed(2), "kind", kind, "transaction_id", result.ID)
	} else {
		observability.LedgerOperations.WithLabelValues(string(kind), "duplicate").Inc()
	}
	return result, applied, nil
}

func (s *ledgerService) Debit(ctx context.Context, accountID string, amount decimal.Decimal, kind models.TransactionKind, description string) (*models.Transaction, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Debit")
	defer span.End()
	span.SetAttributes(
		attribute.String("account_id", accountID),
		attribute.String("amount", amount.StringFixed(2)),
		attribute.String("kind", string(kind)),
	)

	if !validAmount(amount) {
		return nil, pkgerrors.ErrInvalidAmount
	}
	if !isDebitKind(kind) {
		return nil, pkgerrors.ErrInvalidTransactionKind
	}

	var result *models.Transaction
	err := s.txm.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.accountRepo.LockForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		tx, err := s.debitLocked(ctx, locked[accountID], amount, kind, description)
		if err != nil {
			return err
		}
		result = tx
		return nil
	})
	if err != nil {
		observability.LedgerOperations.WithLabelValues(string(kind), "error").Inc()
		recordErr(span, err, "debit failed")
		slog.Warn("debit rejected", "account_id", accountID, "amount", amount.StringFixed(2), "kind", kind, "error", err)
		return nil, err
	}

	observability.LedgerOperations.WithLabelValues(string(kind), "success").Inc()
	slog.Info("account debited", "account_id", accountID, "amount", amount.StringFixed(2), "kind", kind, "transaction_id", result.ID)
	return result, nil
}

func (s *ledgerService) Transfer(ctx context.Context, fromID, toID string, amount decimal.Decimal, debitKind, creditKind models.TransactionKind, description string) (*models.Transaction, *models.Transaction, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Transfer")
	defer span.End()
	span.SetAttributes(
		attribute.String("from_account_id", fromID),
		attribute.String("to_account_id", toID),
		attribute.String("amount", amount.StringFixed(2)),
	)

	if !validAmount(amount) {
		return nil, nil, pkgerrors.ErrInvalidAmount
	}
	if fromID == toID {
		return nil, nil, fmt.Errorf("%w: cannot transfer to the same account", pkgerrors.ErrInvalidInput)
	}
	if !isDebitKind(debitKind) || !isCreditKind(creditKind) {
		return nil, nil, pkgerrors.ErrInvalidTransactionKind
	}

	var debitTx, creditTx *models.Transaction
	err := s.txm.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.accountRepo.LockForUpdate(ctx, fromID, toID)
		if err != nil {
			return err
		}

		debitTx, err = s.debitLocked(ctx, locked[fromID], amount, debitKind, description)
		if err != nil {
			return err
		}

		receiver := locked[toID]
		creditTx = &models.Transaction{
			AccountID:   toID,
			Amount:      amount,
			Kind:        creditKind,
			Status:      models.StatusCompleted,
			Description: description,
		}
		if err := s.transactionRepo.Create(ctx, creditTx); err != nil {
			return err
		}
		if err := s.accountRepo.UpdateBalance(ctx, toID, receiver.Balance.Add(amount)); err != nil {
			return err
		}
		s.afterMutation(ctx, creditTx)
		return nil
	})
	if err != nil {
		observability.LedgerOperations.WithLabelValues(string(debitKind), "error").Inc()
		recordErr(span, err, "transfer failed")
		slog.Warn("transfer rejected", "from_account_id", fromID, "to_account_id", toID, "amount", amount.StringFixed(2), "error", err)
		return nil, nil, err
	}

	observability.LedgerOperations.WithLabelValues(string(debitKind), "success").Inc()
	observability.LedgerOperations.WithLabelValues(string(creditKind), "success").Inc()
	slog.Info("transfer completed", "from_account_id", fromID, "to_account_id", toID, "amount", amount.StringFixed(2),
		"debit_transaction_id", debitTx.ID, "credit_transaction_id", creditTx.ID)
	return debitTx, creditTx, nil
}

// debitLocked checks and applies a debit. The caller holds the account's row lock.
func (s *ledgerService) debitLocked(ctx context.Context, account *models.Account, amount decimal.Decimal, kind models.TransactionKind, description string) (*models.Transaction, error) {
	if account.Balance.LessThan(amount) {
		return nil, &pkgerrors.InsufficientFundsError{
			AccountID: account.UserID,
			Balance:   account.Balance,
			Requested: amount,
		}
	}

	tx := &models.Transaction{
		AccountID:   account.UserID,
		Amount:      amount.Neg(),
		Kind:        kind,
		Status:      models.StatusCompleted,
		Description: description,
	}
	if err := s.transactionRepo.Create(ctx, tx); err != nil {
		return nil, err
	}
	if err := s.accountRepo.UpdateBalance(ctx, account.UserID, account.Balance.Sub(amount)); err != nil {
		return nil, err
	}
	s.afterMutation(ctx, tx)
	return tx, nil
}

func (s *ledgerService) afterMutation(ctx context.Context, tx *models.Transaction) {
	snapshot := *tx
	s.txm.AfterCommit(ctx, func(ctx context.Context) {
		s.invalidateBalance(ctx, snapshot.AccountID)
		s.events.publish(models.EventTransactionCompleted, snapshot.AccountID, snapshot)
	})
}

func (s *ledgerService) OpenPending(ctx context.Context, accountID string, amount decimal.Decimal, kind models.TransactionKind, reference, description string) (*models.Transaction, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "OpenPending")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID), attribute.String("reference", reference))

	if reference == "" {
		return nil, fmt.Errorf("%w: pending transactions need a reference", pkgerrors.ErrInvalidInput)
	}
	if !validAmount(amount) {
		return nil, pkgerrors.ErrInvalidAmount
	}
	if !isCreditKind(kind) {
		return nil, pkgerrors.ErrInvalidTransactionKind
	}

	tx := &models.Transaction{
		AccountID:         accountID,
		Amount:            amount,
		Kind:              kind,
		Status:            models.StatusPending,
		ExternalReference: reference,
		Description:       description,
	}
	if err := s.transactionRepo.Create(ctx, tx); err != nil {
		recordErr(span, err, "pending transaction failed")
		slog.Error("failed to open pending transaction", "account_id", accountID, "reference", reference, "error", err)
		return nil, err
	}
	observability.LedgerOperations.WithLabelValues(string(kind), "pending").Inc()
	return tx, nil
}

func (s *ledgerService) FailPending(ctx context.Context, reference string) (*models.Transaction, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "FailPending")
	defer span.End()
	span.SetAttributes(attribute.String("reference", reference))

	var result *models.Transaction
	err := s.txm.WithinTx(ctx, func(ctx context.Context) error {
		tx, err := s.transactionRepo.GetByReference(ctx, reference)
		if err != nil {
			return err
		}
		// the account lock orders this against a concurrent webhook credit
		if _, err := s.accountRepo.LockForUpdate(ctx, tx.AccountID); err != nil {
			return err
		}
		if err := s.transactionRepo.SetStatus(ctx, tx.ID, models.StatusFailed, tx.Amount); err != nil {
			return err
		}
		tx.Status = models.StatusFailed
		result = tx
		return nil
	})
	if err != nil {
		recordErr(span, err, "fail pending failed")
		slog.Warn("failed to abandon pending transaction", "reference", reference, "error", err)
		return nil, err
	}
	observability.LedgerOperations.WithLabelValues(string(result.Kind), "failed").Inc()
	slog.Info("pending transaction abandoned", "reference", reference, "account_id", result.AccountID)
	return result, nil
}

func (s *ledgerService) Lookup(ctx context.Context, reference string) (*models.Transaction, error) {
	return s.transactionRepo.GetByReference(ctx, reference)
}

func (s *ledgerService) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Balance")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID))

	key := balanceKey(accountID)
	if s.redisClient != nil {
		cached, err := s.redisClient.Get(ctx, key)
		if err == nil {
			if balance, parseErr := decimal.NewFromString(cached); parseErr == nil {
				return balance, nil
			}
			slog.Warn("corrupt cached balance", "account_id", accountID, "value", cached)
		} else if !stderrors.Is(err, redis.ErrKeyNotFound) {
			slog.Warn("failed to read cached balance", "account_id", accountID, "error", err)
		}
	}

	account, err := s.accountRepo.GetByID(ctx, accountID)
	if err != nil {
		recordErr(span, err, "balance lookup failed")
		return decimal.Zero, err
	}

	if s.redisClient != nil {
		if err := s.redisClient.Set(ctx, key, account.Balance.StringFixed(2), balanceCacheTTL); err != nil {
			slog.Warn("failed to cache balance", "account_id", accountID, "error", err)
		}
	}
	return account.Balance, nil
}

func (s *ledgerService) invalidateBalance(ctx context.Context, accountID string) {
	if s.redisClient == nil {
		return
	}
	if err := s.redisClient.Del(ctx, balanceKey(accountID)); err != nil {
		slog.Warn("failed to invalidate cached balance", "account_id", accountID, "error", err)
	}
}

func balanceKey(accountID string) string {
	return "balance:" + accountID
}

func (s *ledgerService) History(ctx context.Context, accountID string, limit int) ([]models.Transaction, error) {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "History")
	defer span.End()

	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if _, err := s.accountRepo.GetByID(ctx, accountID); err != nil {
		recordErr(span, err, "account lookup failed")
		return nil, err
	}
	return s.transactionRepo.ListByAccount(ctx, accountID, limit)
}

func (s *ledgerService) Audit(ctx context.Context, accountID string) error {
	tracer := otel.Tracer("ledger-service")
	ctx, span := tracer.Start(ctx, "Audit")
	defer span.End()

	return s.txm.WithinTx(ctx, func(ctx context.Context) error {
		locked, err := s.accountRepo.LockForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		sum, err := s.transactionRepo.SumCompleted(ctx, accountID)
		if err != nil {
			return err
		}
		if balance := locked[accountID].Balance; !balance.Equal(sum) {
			recordErr(span, pkgerrors.ErrLedgerImbalance, "ledger imbalance")
			slog.Error("ledger imbalance detected", "account_id", accountID, "balance", balance.StringFixed(2), "sum", sum.StringFixed(2))
			return fmt.Errorf("%w: account %s balance %s, completed sum %s",
				pkgerrors.ErrLedgerImbalance, accountID, balance.StringFixed(2), sum.StringFixed(2))
		}
		return nil
	})
}
