package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/honeynil/lendme-ledger/internal/infrastructure/paystack"
	"github.com/honeynil/lendme-ledger/internal/models"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "sk_test_secret"

type fakeGateway struct {
	mu         sync.Mutex
	failures   int
	failWith   error
	references []string
}

func (g *fakeGateway) InitializeTransaction(_ context.Context, req paystack.InitializeRequest) (*paystack.InitializeResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.references = append(g.references, req.Reference)
	if g.failures > 0 {
		g.failures--
		return nil, g.failWith
	}
	return &paystack.InitializeResponse{
		AuthorizationURL: "https://checkout.paystack.com/" + req.Reference,
		AccessCode:       "code-" + req.Reference,
		Reference:        req.Reference,
	}, nil
}

func newReconciler(env *testEnv, gw PaymentGateway) *reconcilerService {
	return NewReconcilerService(gw, env.ledger, ReconcilerConfig{
		WebhookSecret: webhookSecret,
		CallbackURL:   "https://lendme.example/deposits/callback",
		Currency:      testCurrency,
		MaxAttempts:   3,
		RetryInterval: time.Millisecond,
	})
}

func chargeSuccess(t *testing.T, reference string, minor int64, currency string) ([]byte, string) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"event": paystack.EventChargeSuccess,
		"data": map[string]any{
			"reference": reference,
			"amount":    minor,
			"currency":  currency,
			"status":    "success",
		},
	})
	require.NoError(t, err)
	return body, paystack.Sign(webhookSecret, body)
}

func TestReconcilerService_InitiateDeposit(t *testing.T) {
	ctx := context.Background()
	deposit := DepositRequest{AccountID: "u1", Email: "ama@example.com", Amount: dec("100"), Method: models.MethodMobileMoney}

	t.Run("opens a pending deposit without crediting", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "0")
		gw := &fakeGateway{}

		session, err := newReconciler(env, gw).InitiateDeposit(ctx, deposit)
		require.NoError(t, err)
		assert.NotEmpty(t, session.AuthorizationURL)
		assert.Equal(t, gw.references[0], session.Reference)

		pending, err := env.ledger.Lookup(ctx, session.Reference)
		require.NoError(t, err)
		assert.Equal(t, models.StatusPending, pending.Status)
		assert.True(t, env.balance(t, "u1").IsZero())
	})

	t.Run("retries with a fresh reference", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "0")
		gw := &fakeGateway{failures: 1, failWith: fmt.Errorf("%w: timeout", pkgerrors.ErrGatewayUnavailable)}

		session, err := newReconciler(env, gw).InitiateDeposit(ctx, deposit)
		require.NoError(t, err)
		require.Len(t, gw.references, 2)
		assert.NotEqual(t, gw.references[0], gw.references[1])
		assert.Equal(t, gw.references[1], session.Reference)
	})

	t.Run("gateway down records nothing", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "0")
		gw := &fakeGateway{failures: 10, failWith: fmt.Errorf("%w: 502", pkgerrors.ErrGatewayUnavailable)}

		_, err := newReconciler(env, gw).InitiateDeposit(ctx, deposit)
		require.ErrorIs(t, err, pkgerrors.ErrGatewayUnavailable)
		assert.Len(t, gw.references, 3)

		history, err := env.ledger.History(ctx, "u1", 0)
		require.NoError(t, err)
		assert.Empty(t, history)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		env := newTestEnv(t)
		env.open(t, "u1", "0")
		gw := &fakeGateway{failures: 10, failWith: &paystack.APIError{StatusCode: http.StatusBadRequest, Message: "Invalid email"}}

		_, err := newReconciler(env, gw).InitiateDeposit(ctx, deposit)
		require.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
		assert.Len(t, gw.references, 1)
	})

	t.Run("rejects bad input before calling the gateway", func(t *testing.T) {
		env := newTestEnv(t)
		gw := &fakeGateway{}
		r := newReconciler(env, gw)

		_, err := r.InitiateDeposit(ctx, DepositRequest{AccountID: "u1", Email: "a@b.c", Amount: dec("0")})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidAmount)
		_, err = r.InitiateDeposit(ctx, DepositRequest{AccountID: "u1", Email: "a@b.c", Amount: dec("5"), Currency: "USD"})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidInput)
		_, err = r.InitiateDeposit(ctx, deposit)
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
		assert.Empty(t, gw.references)
	})
}

func TestReconcilerService_HandleWebhook(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*testEnv, *reconcilerService, string) {
		env := newTestEnv(t)
		env.open(t, "u1", "0")
		r := newReconciler(env, &fakeGateway{})
		session, err := r.InitiateDeposit(ctx, DepositRequest{AccountID: "u1", Email: "ama@example.com", Amount: dec("100")})
		require.NoError(t, err)
		return env, r, session.Reference
	}

	t.Run("duplicate delivery credits once", func(t *testing.T) {
		env, r, ref := setup(t)
		body, sig := chargeSuccess(t, ref, 10000, testCurrency)

		outcome, err := r.HandleWebhook(ctx, body, sig)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookCredited, outcome)

		outcome, err = r.HandleWebhook(ctx, body, sig)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookDuplicate, outcome)

		assert.True(t, env.balance(t, "u1").Equal(dec("100")))
		require.NoError(t, env.ledger.Audit(ctx, "u1"))
	})

	t.Run("concurrent deliveries credit once", func(t *testing.T) {
		env, r, ref := setup(t)
		body, sig := chargeSuccess(t, ref, 10000, testCurrency)

		var wg sync.WaitGroup
		outcomes := make([]models.WebhookOutcome, 8)
		for i := range outcomes {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i], _ = r.HandleWebhook(ctx, body, sig)
			}(i)
		}
		wg.Wait()

		credited := 0
		for _, o := range outcomes {
			if o == models.WebhookCredited {
				credited++
			}
		}
		assert.Equal(t, 1, credited)
		assert.True(t, env.balance(t, "u1").Equal(dec("100")))
	})

	t.Run("invalid signature changes nothing", func(t *testing.T) {
		env, r, ref := setup(t)
		body, _ := chargeSuccess(t, ref, 10000, testCurrency)

		outcome, err := r.HandleWebhook(ctx, body, paystack.Sign("wrong-secret", body))
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidSignature)
		assert.Equal(t, models.WebhookRejected, outcome)
		assert.True(t, env.balance(t, "u1").IsZero())
	})

	t.Run("unknown reference is acknowledged", func(t *testing.T) {
		env, r, _ := setup(t)
		body, sig := chargeSuccess(t, "not-ours", 10000, testCurrency)

		outcome, err := r.HandleWebhook(ctx, body, sig)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookUnknownReference, outcome)
		assert.True(t, env.balance(t, "u1").IsZero())
	})

	t.Run("other events and currencies are ignored", func(t *testing.T) {
		env, r, ref := setup(t)

		body := []byte(fmt.Sprintf(`{"event":"transfer.success","data":{"reference":%q,"amount":10000}}`, ref))
		outcome, err := r.HandleWebhook(ctx, body, paystack.Sign(webhookSecret, body))
		require.NoError(t, err)
		assert.Equal(t, models.WebhookIgnored, outcome)

		body, sig := chargeSuccess(t, ref, 10000, "NGN")
		outcome, err = r.HandleWebhook(ctx, body, sig)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookIgnored, outcome)

		malformed := []byte(`{"event":`)
		outcome, err = r.HandleWebhook(ctx, malformed, paystack.Sign(webhookSecret, malformed))
		require.NoError(t, err)
		assert.Equal(t, models.WebhookIgnored, outcome)
		assert.True(t, env.balance(t, "u1").IsZero())
	})

	t.Run("abandoned deposit is not credited", func(t *testing.T) {
		env, r, ref := setup(t)
		failed, err := r.AbandonDeposit(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, failed.Status)

		body, sig := chargeSuccess(t, ref, 10000, testCurrency)
		outcome, err := r.HandleWebhook(ctx, body, sig)
		require.NoError(t, err)
		assert.Equal(t, models.WebhookDuplicate, outcome)
		assert.True(t, env.balance(t, "u1").IsZero())

		_, err = r.AbandonDeposit(ctx, ref)
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransactionState)
	})
}
