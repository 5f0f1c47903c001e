package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/honeynil/lendme-ledger/internal/handler"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/auth"
	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/honeynil/lendme-ledger/internal/repository/memory"
	service "github.com/honeynil/lendme-ledger/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	s := memory.NewStore()
	accounts := memory.NewAccountRepository(s)
	listingRepo := memory.NewListingRepository(s)
	loans := memory.NewLoanRepository(s)
	ledger := service.NewLedgerService(s, accounts, memory.NewTransactionRepository(s), nil, nil, "", "GHS")
	listings := service.NewListingService(s, listingRepo, nil, "")
	negotiator := service.NewNegotiatorService(s, memory.NewLoanRequestRepository(s), listingRepo, loans, listings, ledger, nil, "")
	repayments := service.NewRepaymentService(s, loans, ledger, nil, nil, "")
	reconciler := service.NewReconcilerService(nil, ledger, service.ReconcilerConfig{WebhookSecret: "whsec", Currency: "GHS"})

	h := handler.NewHandler(ledger, listings, negotiator, repayments, reconciler, service.NewWithdrawalService(ledger, nil), "GHS")
	return SetupRouter(h, nil, "secret")
}

func TestSetupRouter(t *testing.T) {
	router := newTestRouter(t)

	t.Run("health is public", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	})

	t.Run("request id is echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "req-42")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	})

	t.Run("protected routes need a token", func(t *testing.T) {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/balance", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("metrics use the route template", func(t *testing.T) {
		token, err := auth.GenerateToken("secret", models.TokenClaims{UserID: "u1"}, time.Hour)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/listings/abc", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		scraped := rec.Body.String()
		assert.True(t, strings.Contains(scraped, `endpoint="/listings/{id}"`))
		assert.False(t, strings.Contains(scraped, `endpoint="/listings/abc"`))
	})
}
