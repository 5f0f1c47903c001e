package observability

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RepositoryCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repository_calls_total",
			Help: "Total number of repository method calls",
		},
		[]string{"method", "status"},
	)

	RepositoryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repository_duration_seconds",
			Help:    "Duration of repository method calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	LedgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger balance mutations by transaction kind and outcome",
		},
		[]string{"kind", "status"},
	)

	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paystack_webhook_events_total",
			Help: "Payment gateway notifications by processing outcome",
		},
		[]string{"outcome"},
	)

	GatewayAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "paystack_initialize_attempts_total",
			Help: "Deposit initialization calls to the payment gateway",
		},
		[]string{"status"},
	)
)

func InitMetrics(addr string) {
	prometheus.MustRegister(RepositoryCalls, RepositoryDuration, LedgerOperations, WebhookEvents, GatewayAttempts)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
}
