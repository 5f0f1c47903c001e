package repository

import "context"

// TxManager runs a unit of work atomically. Repository calls made with the ctx passed to fn
// join the transaction; nested WithinTx calls join the outer one.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	// AfterCommit registers fn to run once the enclosing transaction commits.
	// Outside a transaction fn runs immediately.
	AfterCommit(ctx context.Context, fn func(ctx context.Context))
}
