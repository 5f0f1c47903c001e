package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/observability"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/paystack"
	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type PaymentGateway interface {
	InitializeTransaction(ctx context.Context, req paystack.InitializeRequest) (*paystack.InitializeResponse, error)
}

type DepositRequest struct {
	AccountID string
	Email     string
	Amount    decimal.Decimal
	Currency  string
	Method    models.PaymentMethodType
}

type DepositSession struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
	TransactionID    string `json:"transaction_id"`
}

type ReconcilerConfig struct {
	WebhookSecret string
	CallbackURL   string
	Currency      string
	MaxAttempts   int
	RetryInterval time.Duration
}

type ReconcilerService interface {
	// InitiateDeposit opens a checkout session with the gateway and records a pending deposit.
	// It never credits the ledger.
	InitiateDeposit(ctx context.Context, req DepositRequest) (*DepositSession, error)
	// HandleWebhook verifies and applies a gateway notification. Only an invalid signature or
	// a storage failure yields an error; everything else is acknowledged.
	HandleWebhook(ctx context.Context, body []byte, signature string) (models.WebhookOutcome, error)
	AbandonDeposit(ctx context.Context, reference string) (*models.Transaction, error)
}

type reconcilerService struct {
	gateway PaymentGateway
	ledger  LedgerService
	cfg     ReconcilerConfig
}

func NewReconcilerService(gateway PaymentGateway, ledger LedgerService, cfg ReconcilerConfig) *reconcilerService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 500 * time.Millisecond
	}
	return &reconcilerService{gateway: gateway, ledger: ledger, cfg: cfg}
}

func (s *reconcilerService) InitiateDeposit(ctx context.Context, req DepositRequest) (*DepositSession, error) {
	tracer := otel.Tracer("reconciler-service")
	ctx, span := tracer.Start(ctx, "InitiateDeposit")
	defer span.End()
	span.SetAttributes(attribute.String("account_id", req.AccountID), attribute.String("amount", req.Amount.StringFixed(2)))

	if !validAmount(req.Amount) {
		return nil, pkgerrors.ErrInvalidAmount
	}
	if req.Currency == "" {
		req.Currency = s.cfg.Currency
	}
	if req.Currency != s.cfg.Currency {
		return nil, fmt.Errorf("%w: unsupported currency %s", pkgerrors.ErrInvalidInput, req.Currency)
	}
	if req.Email == "" {
		return nil, fmt.Errorf("%w: email is required", pkgerrors.ErrInvalidInput)
	}
	if _, err := s.ledger.Balance(ctx, req.AccountID); err != nil {
		recordErr(span, err, "account lookup failed")
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.RetryInterval
	bo := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.MaxAttempts-1)), ctx)

	var resp *paystack.InitializeResponse
	attempt := 0
	op := func() error {
		attempt++
		// a fresh reference per attempt, the gateway rejects reused references
		reference := uuid.NewString()
		r, err := s.gateway.InitializeTransaction(ctx, paystack.InitializeRequest{
			Email:       req.Email,
			Amount:      req.Amount,
			Currency:    req.Currency,
			Reference:   reference,
			CallbackURL: s.cfg.CallbackURL,
			Method:      req.Method,
			Metadata: map[string]string{
				"payment_method":   string(req.Method),
				"transaction_type": string(models.KindDeposit),
			},
		})
		if err != nil {
			observability.GatewayAttempts.WithLabelValues("error").Inc()
			slog.Warn("deposit initialization attempt failed", "account_id", req.AccountID, "attempt", attempt, "error", err)
			if !stderrors.Is(err, pkgerrors.ErrGatewayUnavailable) {
				return backoff.Permanent(err)
			}
			return err
		}
		observability.GatewayAttempts.WithLabelValues("success").Inc()
		resp = r
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		recordErr(span, err, "gateway initialize failed")
		slog.Error("deposit initialization failed", "account_id", req.AccountID, "attempts", attempt, "error", err)
		if stderrors.Is(err, pkgerrors.ErrGatewayUnavailable) || stderrors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
		}
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrInvalidInput, err)
	}

	description := "Deposit via Paystack"
	if req.Method != "" {
		description = fmt.Sprintf("Deposit via Paystack (%s)", req.Method)
	}
	tx, err := s.ledger.OpenPending(ctx, req.AccountID, req.Amount, models.KindDeposit, resp.Reference, description)
	if err != nil {
		recordErr(span, err, "pending deposit failed")
		return nil, err
	}

	slog.Info("deposit initiated", "account_id", req.AccountID, "reference", resp.Reference, "amount", req.Amount.StringFixed(2))
	return &DepositSession{
		AuthorizationURL: resp.AuthorizationURL,
		AccessCode:       resp.AccessCode,
		Reference:        resp.Reference,
		TransactionID:    tx.ID,
	}, nil
}

func (s *reconcilerService) HandleWebhook(ctx context.Context, body []byte, signature string) (models.WebhookOutcome, error) {
	tracer := otel.Tracer("reconciler-service")
	ctx, span := tracer.Start(ctx, "HandleWebhook")
	defer span.End()

	outcome, err := s.handleWebhook(ctx, body, signature)
	observability.WebhookEvents.WithLabelValues(string(outcome)).Inc()
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if err != nil {
		recordErr(span, err, "webhook failed")
	}
	return outcome, err
}

func (s *reconcilerService) handleWebhook(ctx context.Context, body []byte, signature string) (models.WebhookOutcome, error) {
	if !paystack.VerifySignature(s.cfg.WebhookSecret, body, signature) {
		slog.Error("webhook signature verification failed", "body_bytes", len(body))
		return models.WebhookRejected, pkgerrors.ErrInvalidSignature
	}

	event, err := paystack.ParseEvent(body)
	if err != nil {
		slog.Error("malformed webhook body", "error", err)
		return models.WebhookIgnored, nil
	}
	if event.Event != paystack.EventChargeSuccess {
		slog.Info("ignoring webhook event", "event", event.Event, "reference", event.Data.Reference)
		return models.WebhookIgnored, nil
	}

	reference := event.Data.Reference
	if reference == "" {
		slog.Warn("webhook without reference")
		return models.WebhookUnknownReference, nil
	}
	pending, err := s.ledger.Lookup(ctx, reference)
	if stderrors.Is(err, pkgerrors.ErrTransactionNotFound) {
		slog.Warn("webhook for unknown reference", "reference", reference)
		return models.WebhookUnknownReference, nil
	}
	if err != nil {
		return models.WebhookIgnored, fmt.Errorf("failed to look up reference %s: %w", reference, err)
	}
	if pending.Kind != models.KindDeposit {
		slog.Error("webhook reference is not a deposit", "reference", reference, "kind", pending.Kind)
		return models.WebhookIgnored, nil
	}
	if event.Data.Currency != "" && event.Data.Currency != s.cfg.Currency {
		slog.Error("webhook currency mismatch", "reference", reference, "currency", event.Data.Currency)
		return models.WebhookIgnored, nil
	}

	amount := paystack.FromMinorUnits(event.Data.Amount)
	if !amount.IsPositive() {
		slog.Error("webhook with non-positive amount", "reference", reference, "amount", event.Data.Amount)
		return models.WebhookIgnored, nil
	}
	if !amount.Equal(pending.Amount) {
		slog.Warn("webhook amount differs from initiated amount", "reference", reference,
			"initiated", pending.Amount.StringFixed(2), "charged", amount.StringFixed(2))
	}

	_, applied, err := s.ledger.Credit(ctx, pending.AccountID, amount, models.KindDeposit, reference, pending.Description)
	if err != nil {
		return models.WebhookIgnored, fmt.Errorf("failed to credit deposit %s: %w", reference, err)
	}
	if !applied {
		if pending.Status == models.StatusFailed {
			slog.Error("charge succeeded for an abandoned deposit, manual review required",
				"reference", reference, "account_id", pending.AccountID, "amount", amount.StringFixed(2))
		}
		return models.WebhookDuplicate, nil
	}
	slog.Info("deposit reconciled", "reference", reference, "account_id", pending.AccountID, "amount", amount.StringFixed(2))
	return models.WebhookCredited, nil
}

func (s *reconcilerService) AbandonDeposit(ctx context.Context, reference string) (*models.Transaction, error) {
	tracer := otel.Tracer("reconciler-service")
	ctx, span := tracer.Start(ctx, "AbandonDeposit")
	defer span.End()

	tx, err := s.ledger.Lookup(ctx, reference)
	if err != nil {
		recordErr(span, err, "reference lookup failed")
		return nil, err
	}
	if tx.Kind != models.KindDeposit {
		return nil, pkgerrors.ErrInvalidTransactionKind
	}
	return s.ledger.FailPending(ctx, reference)
}
