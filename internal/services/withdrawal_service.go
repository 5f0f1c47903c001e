package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/honeynil/lendme-ledger/internal/infrastructure/redis"
	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type WithdrawalService interface {
	Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, destination models.PaymentMethod, requestID string) (*models.Transaction, error)
}

type withdrawalService struct {
	ledger LedgerService
	guard  *requestGuard
}

func NewWithdrawalService(ledger LedgerService, redisClient redis.RedisClient) *withdrawalService {
	return &withdrawalService{ledger: ledger, guard: newRequestGuard(redisClient)}
}

func (s *withdrawalService) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal, destination models.PaymentMethod, requestID string) (*models.Transaction, error) {
	tracer := otel.Tracer("withdrawal-service")
	ctx, span := tracer.Start(ctx, "Withdraw")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", accountID), attribute.String("amount", amount.StringFixed(2)))

	if !validAmount(amount) {
		recordErr(span, pkgerrors.ErrInvalidAmount, "invalid amount")
		return nil, pkgerrors.ErrInvalidAmount
	}
	if destination == nil {
		return nil, fmt.Errorf("%w: destination is required", pkgerrors.ErrInvalidInput)
	}
	if err := destination.Validate(); err != nil {
		recordErr(span, err, "invalid destination")
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidInput, err)
	}

	release, err := s.guard.claim(ctx, "withdrawal:"+accountID, requestID)
	if err != nil {
		recordErr(span, err, "duplicate request")
		return nil, err
	}

	tx, err := s.ledger.Debit(ctx, accountID, amount, models.KindWithdrawal, "Withdrawal to "+destination.Display())
	if err != nil {
		release()
		recordErr(span, err, "withdrawal failed")
		return nil, err
	}

	slog.Info("withdrawal recorded", "account_id", accountID, "amount", amount.StringFixed(2),
		"method", destination.Type(), "transaction_id", tx.ID)
	return tx, nil
}
