package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/lendme-ledger/internal/models"
	"github.com/segmentio/kafka-go"
)

type AccountOpener interface {
	OpenAccount(ctx context.Context, userID, currency string) (*models.Account, error)
}

type WebhookHandler interface {
	HandleWebhook(ctx context.Context, body []byte, signature string) (models.WebhookOutcome, error)
}

// WebhookReplay is a gateway notification captured verbatim for reprocessing.
type WebhookReplay struct {
	Signature string          `json:"signature"`
	Body      json.RawMessage `json:"body"`
}

type Topics struct {
	Users         string
	WebhookReplay string
}

type Consumer struct {
	reader   *kafka.Reader
	topics   Topics
	accounts AccountOpener
	webhooks WebhookHandler
}

func NewConsumer(brokers []string, topic, groupID string, topics Topics, accounts AccountOpener, webhooks WebhookHandler) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 10e3,
			MaxBytes: 10e6,
		}),
		topics:   topics,
		accounts: accounts,
		webhooks: webhooks,
	}
}

// Consume reads until ctx is cancelled. Handler errors are logged and the offset advances.
func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
				slog.Info("Kafka consumer stopped", "topic", c.reader.Config().Topic)
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}

		slog.Info("Kafka message received", "topic", msg.Topic, "key", string(msg.Key), "offset", msg.Offset)
		if err := c.handleMessage(ctx, msg); err != nil {
			// TODO: route poison messages to a dead-letter topic instead of dropping them
			slog.Error("failed to handle Kafka message", "topic", msg.Topic, "key", string(msg.Key), "error", err)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg kafka.Message) error {
	switch msg.Topic {
	case c.topics.Users:
		var event models.UserRegistered
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal user event: %w", err)
		}
		if event.Type != "" && event.Type != "user_registered" {
			slog.Debug("skipping user event", "type", event.Type)
			return nil
		}
		if event.UserID == "" {
			return fmt.Errorf("user event without user_id")
		}
		account, err := c.accounts.OpenAccount(ctx, event.UserID, event.Currency)
		if err != nil {
			return fmt.Errorf("failed to open account for %s: %w", event.UserID, err)
		}
		slog.Info("account ready for registered user", "user_id", account.UserID)
		return nil

	case c.topics.WebhookReplay:
		var replay WebhookReplay
		if err := json.Unmarshal(msg.Value, &replay); err != nil {
			return fmt.Errorf("failed to unmarshal webhook replay: %w", err)
		}
		outcome, err := c.webhooks.HandleWebhook(ctx, replay.Body, replay.Signature)
		if err != nil {
			return fmt.Errorf("webhook replay failed: %w", err)
		}
		slog.Info("webhook replayed", "outcome", outcome)
		return nil

	default:
		slog.Warn("message from unexpected topic", "topic", msg.Topic)
		return nil
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
