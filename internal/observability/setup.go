package observability

import (
	"context"

	"github.com/honeynil/lendme-ledger/internal/config"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/observability"
)

// Setup wires logging, metrics and tracing. The returned func flushes pending spans.
func Setup(ctx context.Context, serviceName string, cfg *config.Config) func(context.Context) error {
	observability.InitLogger(cfg.LogLevel)
	observability.InitMetrics(cfg.MetricsAddr)
	return observability.InitTracing(ctx, serviceName, cfg.OTLPEndpoint)
}
