package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/honeynil/lendme-ledger/internal/repository"
	"github.com/honeynil/lendme-ledger/internal/repository/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testCurrency = "GHS"

type testEnv struct {
	store        *memory.Store
	accounts     *memory.AccountRepository
	transactions *memory.TransactionRepository
	listingRepo  *memory.ListingRepository
	requests     *memory.LoanRequestRepository
	loans        *memory.LoanRepository
	producer     *recordingProducer

	ledger     *ledgerService
	listings   *listingService
	negotiator *negotiatorService
	repayment  *repaymentService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s := memory.NewStore()
	e := &testEnv{
		store:        s,
		accounts:     memory.NewAccountRepository(s),
		transactions: memory.NewTransactionRepository(s),
		listingRepo:  memory.NewListingRepository(s),
		requests:     memory.NewLoanRequestRepository(s),
		loans:        memory.NewLoanRepository(s),
		producer:     &recordingProducer{},
	}
	e.ledger = NewLedgerService(s, e.accounts, e.transactions, nil, e.producer, "ledger.events", testCurrency)
	e.listings = NewListingService(s, e.listingRepo, e.producer, "ledger.events")
	e.negotiator = NewNegotiatorService(s, e.requests, e.listingRepo, e.loans, e.listings, e.ledger, e.producer, "ledger.events")
	e.repayment = NewRepaymentService(s, e.loans, e.ledger, nil, e.producer, "ledger.events")
	return e
}

// open creates an account for userID and deposits amount into it.
func (e *testEnv) open(t *testing.T, userID, amount string) {
	t.Helper()
	ctx := context.Background()
	_, err := e.ledger.OpenAccount(ctx, userID, testCurrency)
	require.NoError(t, err)
	if d := dec(amount); d.IsPositive() {
		_, applied, err := e.ledger.Credit(ctx, userID, d, models.KindDeposit, "", "seed")
		require.NoError(t, err)
		require.True(t, applied)
	}
}

func (e *testEnv) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	a, err := e.accounts.GetByID(context.Background(), userID)
	require.NoError(t, err)
	return a.Balance
}

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	return decimal.RequireFromString(s)
}

type sentMessage struct {
	topic string
	key   string
	value []byte
}

type recordingProducer struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (p *recordingProducer) Send(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, sentMessage{topic: topic, key: key, value: value})
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *recordingProducer) sentContaining(fragment string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.sent {
		if strings.Contains(string(m.value), fragment) {
			return true
		}
	}
	return false
}

var errInjected = errors.New("injected failure")

// failingTransactions fails Create for one transaction kind.
type failingTransactions struct {
	repository.TransactionRepository
	failKind models.TransactionKind
}

func (f *failingTransactions) Create(ctx context.Context, tx *models.Transaction) error {
	if tx.Kind == f.failKind {
		return errInjected
	}
	return f.TransactionRepository.Create(ctx, tx)
}

// failingRequests fails every status update.
type failingRequests struct {
	repository.LoanRequestRepository
}

func (f *failingRequests) UpdateStatus(context.Context, string, models.LoanRequestStatus) error {
	return errInjected
}
