package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/honeynil/lendme-ledger/internal/api"
	"github.com/honeynil/lendme-ledger/internal/config"
	"github.com/honeynil/lendme-ledger/internal/handler"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/kafka"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/paystack"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/redis"
	"github.com/honeynil/lendme-ledger/internal/observability"
	"github.com/honeynil/lendme-ledger/internal/repository"
	"github.com/honeynil/lendme-ledger/internal/repository/memory"
	core "github.com/honeynil/lendme-ledger/internal/repository/postgres"
	service "github.com/honeynil/lendme-ledger/internal/services"
	_ "github.com/lib/pq"
)

type repositories struct {
	txm          repository.TxManager
	accounts     repository.AccountRepository
	transactions repository.TransactionRepository
	listings     repository.ListingRepository
	requests     repository.LoanRequestRepository
	loans        repository.LoanRepository
	close        func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	// Инициализируем логи, метрики, трейсы
	shutdownTracing := observability.Setup(ctx, "lendme-ledger", cfg)
	defer shutdownTracing(context.Background())

	repos, err := openRepositories(ctx, cfg)
	if err != nil {
		slog.Error("failed to open storage", "storage", cfg.Storage, "error", err)
		os.Exit(1)
	}
	defer repos.close()

	var redisClient redis.RedisClient
	if cfg.RedisAddr != "" {
		client, err := redis.NewClient(ctx, cfg.RedisAddr)
		if err != nil {
			slog.Warn("redis unavailable, running without cache and idempotency keys", "error", err)
		} else {
			redisClient = client
			defer client.Close()
		}
	}

	var producer kafka.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		p := kafka.NewProducer(cfg.KafkaBrokers)
		producer = p
		defer p.Close()
	}

	ledger := service.NewLedgerService(repos.txm, repos.accounts, repos.transactions, redisClient, producer, cfg.EventsTopic, cfg.Currency)
	listings := service.NewListingService(repos.txm, repos.listings, producer, cfg.EventsTopic)
	negotiator := service.NewNegotiatorService(repos.txm, repos.requests, repos.listings, repos.loans, listings, ledger, producer, cfg.EventsTopic)
	repayments := service.NewRepaymentService(repos.txm, repos.loans, ledger, redisClient, producer, cfg.EventsTopic)
	gateway := paystack.NewClient(cfg.Paystack.SecretKey, cfg.Paystack.BaseURL, cfg.Paystack.Timeout)
	reconciler := service.NewReconcilerService(gateway, ledger, service.ReconcilerConfig{
		WebhookSecret: cfg.Paystack.SecretKey,
		CallbackURL:   cfg.Paystack.CallbackURL,
		Currency:      cfg.Currency,
		MaxAttempts:   cfg.Paystack.MaxAttempts,
		RetryInterval: 500 * time.Millisecond,
	})
	withdrawals := service.NewWithdrawalService(ledger, redisClient)

	// Настраиваем Kafka-консьюмеры
	if len(cfg.KafkaBrokers) > 0 {
		topics := kafka.Topics{Users: cfg.UsersTopic, WebhookReplay: cfg.WebhookReplayTopic}
		userConsumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.UsersTopic, "lendme-ledger-users", topics, ledger, reconciler)
		replayConsumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.WebhookReplayTopic, "lendme-ledger-webhook-replay", topics, ledger, reconciler)
		go userConsumer.Consume(ctx)
		go replayConsumer.Consume(ctx)
		defer userConsumer.Close()
		defer replayConsumer.Close()
	}

	h := handler.NewHandler(ledger, listings, negotiator, repayments, reconciler, withdrawals, cfg.Currency)
	router := api.SetupRouter(h, redisClient, cfg.JWTSecret)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting server", "addr", cfg.HTTPAddr, "storage", cfg.Storage)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}
	slog.Info("server stopped")
}

func openRepositories(ctx context.Context, cfg *config.Config) (*repositories, error) {
	if cfg.Storage == "memory" {
		s := memory.NewStore()
		slog.Warn("using in-memory storage, balances are lost on restart")
		return &repositories{
			txm:          s,
			accounts:     memory.NewAccountRepository(s),
			transactions: memory.NewTransactionRepository(s),
			listings:     memory.NewListingRepository(s),
			requests:     memory.NewLoanRequestRepository(s),
			loans:        memory.NewLoanRepository(s),
			close:        func() error { return nil },
		}, nil
	}

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	if err := core.Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &repositories{
		txm:          core.NewPostgresTxManager(db),
		accounts:     core.NewPostgresAccountRepository(db),
		transactions: core.NewPostgresTransactionRepository(db),
		listings:     core.NewPostgresListingRepository(db),
		requests:     core.NewPostgresLoanRequestRepository(db),
		loans:        core.NewPostgresLoanRepository(db),
		close:        db.Close,
	}, nil
}
