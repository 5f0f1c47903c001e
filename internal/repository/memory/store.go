// Package memory is an in-process store implementing the repository interfaces. Row locks
// are per-key mutexes held until the enclosing transaction ends, and writes made inside a
// transaction are undone on rollback. Account reads outside a transaction wait for the row
// lock, so they only see committed balances.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/honeynil/lendme-ledger/internal/repository"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
)

type Store struct {
	mu           sync.RWMutex
	accounts     map[string]models.Account
	transactions map[string]models.Transaction
	references   map[string]string
	listings     map[string]models.Listing
	requests     map[string]models.LoanRequest
	loans        map[string]models.Loan

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	clockMu sync.Mutex
	last    time.Time
}

func NewStore() *Store {
	return &Store{
		accounts:     make(map[string]models.Account),
		transactions: make(map[string]models.Transaction),
		references:   make(map[string]string),
		listings:     make(map[string]models.Listing),
		requests:     make(map[string]models.LoanRequest),
		loans:        make(map[string]models.Loan),
		locks:        make(map[string]*sync.Mutex),
	}
}

// now returns strictly increasing timestamps so newest-first ordering is total.
func (s *Store) now() time.Time {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	t := time.Now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

type txKey struct{}

type memTx struct {
	held        map[string]*sync.Mutex
	undo        []func()
	afterCommit []func(context.Context)
}

func txFrom(ctx context.Context) *memTx {
	tx, _ := ctx.Value(txKey{}).(*memTx)
	return tx
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	tx := &memTx{held: make(map[string]*sync.Mutex)}
	defer func() {
		if p := recover(); p != nil {
			s.rollback(tx)
			panic(p)
		}
	}()

	if err = fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		s.rollback(tx)
		return err
	}

	s.release(tx)
	for _, hook := range tx.afterCommit {
		hook(ctx)
	}
	return nil
}

func (s *Store) AfterCommit(ctx context.Context, fn func(ctx context.Context)) {
	if tx := txFrom(ctx); tx != nil {
		tx.afterCommit = append(tx.afterCommit, fn)
		return
	}
	fn(ctx)
}

func (s *Store) rollback(tx *memTx) {
	s.mu.Lock()
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	s.mu.Unlock()
	slog.Debug("memory transaction rolled back", "undo_steps", len(tx.undo))
	s.release(tx)
}

func (s *Store) release(tx *memTx) {
	for _, m := range tx.held {
		m.Unlock()
	}
	tx.held = nil
}

// lock acquires row locks for keys in ascending order. Keys already held by tx are skipped.
func (s *Store) lock(ctx context.Context, keys ...string) error {
	tx := txFrom(ctx)
	if tx == nil {
		return pkgerrors.ErrNotInTransaction
	}
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	for _, k := range sorted {
		if _, ok := tx.held[k]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("lock %s: %w", k, err)
		}
		m := s.rowMutex(k)
		m.Lock()
		tx.held[k] = m
	}
	return nil
}

func (s *Store) rowMutex(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	m, ok := s.locks[key]
	if !ok {
		m = &sync.Mutex{}
		s.locks[key] = m
	}
	return m
}

// committedRead holds key's row lock for the duration of a read made outside a transaction.
// Inside a transaction it does nothing. Call as: defer s.committedRead(ctx, key)().
func (s *Store) committedRead(ctx context.Context, key string) func() {
	if txFrom(ctx) != nil {
		return func() {}
	}
	m := s.rowMutex(key)
	m.Lock()
	return m.Unlock
}

// record registers an undo step on the enclosing transaction. Callers hold s.mu.
func record(ctx context.Context, undo func()) {
	if tx := txFrom(ctx); tx != nil {
		tx.undo = append(tx.undo, undo)
	}
}

func restore[K comparable, V any](m map[K]V, key K, prev V, existed bool) func() {
	return func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	}
}

var (
	_ repository.TxManager             = (*Store)(nil)
	_ repository.AccountRepository     = (*AccountRepository)(nil)
	_ repository.TransactionRepository = (*TransactionRepository)(nil)
	_ repository.ListingRepository     = (*ListingRepository)(nil)
	_ repository.LoanRequestRepository = (*LoanRequestRepository)(nil)
	_ repository.LoanRepository        = (*LoanRepository)(nil)
)
