package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/lendme-ledger/internal/infrastructure/kafka"
	"github.com/honeynil/lendme-ledger/internal/models"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const publishRetries = 3

// eventPublisher sends domain events to Kafka in the background. A nil producer disables it.
type eventPublisher struct {
	producer kafka.KafkaProducer
	topic    string
	backoff  time.Duration
}

func newEventPublisher(producer kafka.KafkaProducer, topic string) *eventPublisher {
	return &eventPublisher{producer: producer, topic: topic, backoff: time.Second}
}

func (p *eventPublisher) publish(eventType models.EventType, aggregateID string, payload any) {
	if p == nil || p.producer == nil {
		return
	}
	event := models.DomainEvent{
		ID:          uuid.NewString(),
		Type:        eventType,
		AggregateID: aggregateID,
		OccurredAt:  time.Now().UTC(),
		Payload:     payload,
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal domain event", "type", eventType, "aggregate_id", aggregateID, "error", err)
		return
	}

	go func() {
		for i := 0; i < publishRetries; i++ {
			if err := p.producer.Send(context.Background(), p.topic, aggregateID, eventBytes); err == nil {
				slog.Debug("domain event sent", "type", eventType, "aggregate_id", aggregateID)
				return
			}
			time.Sleep(p.backoff * time.Duration(i+1))
		}
		slog.Error("failed to send domain event after retries", "type", eventType, "aggregate_id", aggregateID)
	}()
}

func recordErr(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}
