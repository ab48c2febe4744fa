package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"orderwatch/apps/watcher/internal/model"
	"orderwatch/apps/watcher/internal/repository"
)

// kafkaEvent is the message shape consumers see on the topic.
type kafkaEvent struct {
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	OrderID     uint64          `json:"order_id"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	EventData   json.RawMessage `json:"event_data"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventPublisher drains the transactional outbox to Kafka. Rows move
// unsent -> processing -> sent; a failed publish returns the row to
// unsent for the next cycle, so consumers get at-least-once delivery.
type EventPublisher struct {
	logger        *zap.Logger
	kafkaProducer *kafka.Producer
	kafkaTopic    string
	repository    *repository.WatcherRepository
	mu            sync.Mutex // Protects concurrent access to publishing operations
}

func NewEventPublisher(kafkaBroker, kafkaTopic string, logger *zap.Logger, repository *repository.WatcherRepository) (*EventPublisher, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &EventPublisher{
		logger:        logger,
		kafkaProducer: producer,
		kafkaTopic:    kafkaTopic,
		repository:    repository,
	}, nil
}

func (ep *EventPublisher) StartPublishing(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ep.publishUnsentEvents(); err != nil {
				ep.logger.Error("Error publishing events to Kafka", zap.Error(err))
			}
		}
	}
}

func (ep *EventPublisher) publishUnsentEvents() error {
	// Use mutex to ensure only one publishing operation at a time per instance
	ep.mu.Lock()
	defer ep.mu.Unlock()

	outboxEvents, err := ep.repository.GetUnsentEventsForProcessing(100)
	if err != nil {
		return err
	}

	successCount := 0
	for _, event := range outboxEvents {
		if err := ep.publishEventToKafka(event); err != nil {
			ep.logger.Error("Failed to publish event to Kafka",
				zap.String("event_id", event.EventID),
				zap.String("event_type", event.EventType),
				zap.Error(err))
			// Mark as failed (returns status to 'unsent' for retry)
			if markErr := ep.repository.MarkEventAsFailed(event.EventID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed",
					zap.String("event_id", event.EventID), zap.Error(markErr))
			}
			continue
		}

		if err := ep.repository.MarkEventAsSent(event.EventID); err != nil {
			ep.logger.Error("Failed to mark event as sent",
				zap.String("event_id", event.EventID), zap.Error(err))
			// Note: Event was successfully published but marking failed - this could lead to duplicate sends
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		ep.logger.Info("Published events to Kafka",
			zap.Int("success_count", successCount), zap.Int("attempted", len(outboxEvents)))
	}

	return nil
}

func (ep *EventPublisher) publishEventToKafka(event model.OutboxEvent) error {
	kafkaMsg := kafkaEvent{
		EventID:     event.EventID,
		EventType:   event.EventType,
		OrderID:     event.OrderID,
		TxHash:      event.TxHash,
		BlockNumber: event.BlockNumber,
		EventData:   event.EventBlob,
		Timestamp:   time.Now(),
	}

	msgBytes, err := json.Marshal(kafkaMsg)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event)
	defer close(deliveryChan)

	// Key by order ID so one order's lifecycle stays on one partition.
	err = ep.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &ep.kafkaTopic, Partition: kafka.PartitionAny},
		Key:            []byte(strconv.FormatUint(event.OrderID, 10)),
		Value:          msgBytes,
	}, deliveryChan)

	if err != nil {
		return err
	}

	// Wait for delivery confirmation
	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
		return nil
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

func (ep *EventPublisher) Close() error {
	if ep.kafkaProducer != nil {
		ep.kafkaProducer.Close()
	}
	return nil
}
