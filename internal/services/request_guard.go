package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/honeynil/lendme-ledger/internal/infrastructure/redis"
	pkgerrors "github.com/honeynil/lendme-ledger/pkg/errors"
)

const requestKeyTTL = 24 * time.Hour

// requestGuard rejects replays of a client-supplied request id. Without Redis, or without a
// request id, every call passes.
type requestGuard struct {
	redisClient redis.RedisClient
}

func newRequestGuard(redisClient redis.RedisClient) *requestGuard {
	return &requestGuard{redisClient: redisClient}
}

// claim reserves the request id. The returned release frees it again so a failed request
// can be retried with the same id.
func (g *requestGuard) claim(ctx context.Context, scope, requestID string) (func(), error) {
	noop := func() {}
	if g == nil || g.redisClient == nil || requestID == "" {
		return noop, nil
	}

	key := "request:" + scope + ":" + requestID
	ok, err := g.redisClient.SetNX(ctx, key, "processing", requestKeyTTL)
	if err != nil {
		slog.Warn("idempotency check unavailable, proceeding", "key", key, "error", err)
		return noop, nil
	}
	if !ok {
		slog.Warn("request already processed", "key", key)
		return noop, pkgerrors.ErrRequestAlreadyProcessed
	}
	return func() {
		if err := g.redisClient.Del(context.Background(), key); err != nil {
			slog.Error("failed to release request key", "key", key, "error", err)
		}
	}, nil
}
