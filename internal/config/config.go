package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string
	MetricsAddr  string
	Storage      string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers []string
	JWTSecret    string
	LogLevel     string
	OTLPEndpoint string
	Currency     string

	EventsTopic        string
	UsersTopic         string
	WebhookReplayTopic string

	Paystack PaystackConfig
}

type PaystackConfig struct {
	SecretKey   string
	BaseURL     string
	CallbackURL string
	Timeout     time.Duration
	MaxAttempts int
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:        getEnv("METRICS_ADDR", ":9090"),
		Storage:            strings.ToLower(getEnv("STORAGE", "postgres")),
		PostgresDSN:        getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=lendme sslmode=disable"),
		RedisAddr:          os.Getenv("REDIS_ADDR"),
		KafkaBrokers:       splitList(os.Getenv("KAFKA_BROKER")),
		JWTSecret:          getEnv("JWT_SECRET", "supersecret"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Currency:           getEnv("CURRENCY", "GHS"),
		EventsTopic:        getEnv("KAFKA_EVENTS_TOPIC", "lending.events"),
		UsersTopic:         getEnv("KAFKA_USERS_TOPIC", "users"),
		WebhookReplayTopic: getEnv("KAFKA_WEBHOOK_REPLAY_TOPIC", "paystack.webhooks.replay"),
		Paystack: PaystackConfig{
			SecretKey:   os.Getenv("PAYSTACK_SECRET_KEY"),
			BaseURL:     getEnv("PAYSTACK_BASE_URL", "https://api.paystack.co"),
			CallbackURL: os.Getenv("PAYSTACK_CALLBACK_URL"),
			Timeout:     getDuration("PAYSTACK_TIMEOUT", 10*time.Second),
			MaxAttempts: getInt("PAYSTACK_MAX_ATTEMPTS", 3),
		},
	}

	if cfg.Paystack.SecretKey == "" {
		slog.Warn("PAYSTACK_SECRET_KEY is empty, webhook signatures will not verify")
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"storage", cfg.Storage,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"paystack_base_url", cfg.Paystack.BaseURL,
	)
	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid integer in env, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func getDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration in env, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
