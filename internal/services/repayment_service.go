package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/honeynil/lendme-ledger/internal/amortization"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/kafka"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/redis"
	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/honeynil/lendme-ledger/internal/repository"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type RepaymentService interface {
	// ApplyPayment moves amount from the borrower to the lender and advances the loan by one
	// installment. A zero amount pays the scheduled monthly installment.
	ApplyPayment(ctx context.Context, loanID, payerID string, amount decimal.Decimal, requestID string) (*models.Loan, error)
	Get(ctx context.Context, loanID, userID string) (*models.Loan, error)
	ListForUser(ctx context.Context, userID string) ([]models.Loan, error)
	Schedule(ctx context.Context, loanID, userID string) ([]models.Installment, error)
	// Behavior aggregates the user's repayment record across every loan they are party to.
	Behavior(ctx context.Context, userID string) (*models.RepaymentBehavior, error)
}

type repaymentService struct {
	txm      repository.TxManager
	loanRepo repository.LoanRepository
	ledger   LedgerService
	guard    *requestGuard
	events   *eventPublisher
	now      func() time.Time
}

func NewRepaymentService(
	txm repository.TxManager,
	loanRepo repository.LoanRepository,
	ledger LedgerService,
	redisClient redis.RedisClient,
	producer kafka.KafkaProducer,
	eventsTopic string,
) *repaymentService {
	return &repaymentService{
		txm:      txm,
		loanRepo: loanRepo,
		ledger:   ledger,
		guard:    newRequestGuard(redisClient),
		events:   newEventPublisher(producer, eventsTopic),
		now:      time.Now,
	}
}

func (s *repaymentService) ApplyPayment(ctx context.Context, loanID, payerID string, amount decimal.Decimal, requestID string) (*models.Loan, error) {
	tracer := otel.Tracer("repayment-service")
	ctx, span := tracer.Start(ctx, "ApplyPayment")
	defer span.End()
	span.SetAttributes(attribute.String("loan_id", loanID), attribute.String("payer_id", payerID))

	if !amount.IsZero() && !validAmount(amount) {
		return nil, pkgerrors.ErrInvalidAmount
	}

	release, err := s.guard.claim(ctx, "payment:"+payerID, requestID)
	if err != nil {
		recordErr(span, err, "duplicate request")
		return nil, err
	}

	var updated *models.Loan
	err = s.txm.WithinTx(ctx, func(ctx context.Context) error {
		loan, err := s.loanRepo.LockForUpdate(ctx, loanID)
		if err != nil {
			return err
		}
		if loan.BorrowerID != payerID {
			return pkgerrors.ErrForbidden
		}
		if loan.PaymentsLeft == 0 {
			return pkgerrors.ErrLoanAlreadyCompleted
		}

		pay := amount
		if pay.IsZero() {
			pay = loan.MonthlyPayment
		}

		if _, _, err := s.ledger.Transfer(ctx, loan.BorrowerID, loan.LenderID, pay,
			models.KindLoanPayment, models.KindLoanRepayment, "Loan repayment "+loan.ID); err != nil {
			return err
		}

		paidAt := s.now().UTC()
		timeliness := models.PaymentOnTime
		if loan.NextPaymentDate != nil && paidAt.After(*loan.NextPaymentDate) {
			timeliness = models.PaymentLate
			loan.LatePayments++
		} else {
			loan.OnTimePayments++
		}

		loan.PaymentsMade++
		loan.PaymentsLeft--
		loan.RemainingBalance = decimal.Max(loan.RemainingBalance.Sub(pay), decimal.Zero)
		if loan.PaymentsLeft > 0 {
			base := paidAt
			if loan.NextPaymentDate != nil {
				base = *loan.NextPaymentDate
			}
			next := base.Add(amortization.PaymentInterval)
			loan.NextPaymentDate = &next
		} else {
			loan.NextPaymentDate = nil
			loan.Status = models.LoanCompleted
		}

		if err := s.loanRepo.Update(ctx, loan); err != nil {
			return err
		}

		snapshot := *loan
		paid := pay
		s.txm.AfterCommit(ctx, func(context.Context) {
			s.events.publish(models.EventLoanPaymentApplied, snapshot.ID, map[string]any{
				"loan":       snapshot,
				"amount":     paid,
				"timeliness": timeliness,
				"paid_at":    paidAt,
			})
			if snapshot.Status == models.LoanCompleted {
				s.events.publish(models.EventLoanCompleted, snapshot.ID, snapshot)
			}
		})
		updated = loan
		return nil
	})
	if err != nil {
		release()
		recordErr(span, err, "payment failed")
		slog.Warn("loan payment rejected", "loan_id", loanID, "payer_id", payerID, "amount", amount.StringFixed(2), "error", err)
		return nil, err
	}

	slog.Info("loan payment applied", "loan_id", loanID, "payments_made", updated.PaymentsMade,
		"payments_left", updated.PaymentsLeft, "remaining_balance", updated.RemainingBalance.StringFixed(2),
		"on_time_payments", updated.OnTimePayments, "late_payments", updated.LatePayments, "status", updated.Status)
	return updated, nil
}

func (s *repaymentService) Get(ctx context.Context, loanID, userID string) (*models.Loan, error) {
	tracer := otel.Tracer("repayment-service")
	ctx, span := tracer.Start(ctx, "GetLoan")
	defer span.End()

	loan, err := s.loanRepo.GetByID(ctx, loanID)
	if err != nil {
		recordErr(span, err, "loan lookup failed")
		return nil, err
	}
	if loan.BorrowerID != userID && loan.LenderID != userID {
		return nil, pkgerrors.ErrForbidden
	}
	return loan, nil
}

func (s *repaymentService) ListForUser(ctx context.Context, userID string) ([]models.Loan, error) {
	tracer := otel.Tracer("repayment-service")
	ctx, span := tracer.Start(ctx, "ListLoans")
	defer span.End()
	return s.loanRepo.ListByUser(ctx, userID)
}

func (s *repaymentService) Schedule(ctx context.Context, loanID, userID string) ([]models.Installment, error) {
	loan, err := s.Get(ctx, loanID, userID)
	if err != nil {
		return nil, err
	}
	return amortization.Schedule(loan.Principal, loan.InterestRatePercent, loan.TermMonths, loan.CreatedAt)
}

func (s *repaymentService) Behavior(ctx context.Context, userID string) (*models.RepaymentBehavior, error) {
	tracer := otel.Tracer("repayment-service")
	ctx, span := tracer.Start(ctx, "RepaymentBehavior")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	loans, err := s.loanRepo.ListByUser(ctx, userID)
	if err != nil {
		recordErr(span, err, "loan listing failed")
		return nil, err
	}

	now := s.now().UTC()
	b := &models.RepaymentBehavior{
		UserID:             userID,
		TotalBorrowed:      decimal.Zero,
		TotalLent:          decimal.Zero,
		TotalRepayable:     decimal.Zero,
		OutstandingBalance: decimal.Zero,
		OnTimeRatePercent:  decimal.Zero,
	}
	for _, loan := range loans {
		if loan.LenderID == userID {
			b.LoansLent++
			b.TotalLent = b.TotalLent.Add(loan.Principal)
			continue
		}

		b.LoansBorrowed++
		b.TotalBorrowed = b.TotalBorrowed.Add(loan.Principal)
		total, err := amortization.TotalRepayable(loan.Principal, loan.InterestRatePercent, loan.TermMonths)
		if err != nil {
			recordErr(span, err, "invalid loan terms")
			return nil, err
		}
		b.TotalRepayable = b.TotalRepayable.Add(total)
		b.OnTimePayments += loan.OnTimePayments
		b.LatePayments += loan.LatePayments
		if loan.Status == models.LoanCompleted {
			b.CompletedLoans++
			continue
		}
		b.ActiveLoans++
		b.OutstandingBalance = b.OutstandingBalance.Add(loan.RemainingBalance)
		b.MissedPayments += missedInstallments(loan, now)
	}

	if due := b.OnTimePayments + b.LatePayments + b.MissedPayments; due > 0 {
		b.OnTimeRatePercent = decimal.NewFromInt(int64(b.OnTimePayments)).
			Mul(decimal.NewFromInt(100)).
			DivRound(decimal.NewFromInt(int64(due)), 2)
	}
	return b, nil
}

// missedInstallments counts installments whose due date has passed without a payment,
// capped at the installments still outstanding.
func missedInstallments(loan models.Loan, now time.Time) int {
	if loan.NextPaymentDate == nil || !now.After(*loan.NextPaymentDate) {
		return 0
	}
	missed := 1 + int(now.Sub(*loan.NextPaymentDate)/amortization.PaymentInterval)
	return min(missed, loan.PaymentsLeft)
}
