package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"orderwatch/apps/watcher/internal/model"
)

// WatcherRepository persists the event bridge cursor and the outbox rows
// the Kafka publisher drains.
type WatcherRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewWatcherRepository(db *sql.DB, logger *zap.Logger) *WatcherRepository {
	return &WatcherRepository{db: db, logger: logger}
}

func (r *WatcherRepository) GetLastProcessedBlock() (uint64, error) {
	var block uint64
	err := r.db.QueryRow(`
		SELECT last_processed_block FROM watcher_state WHERE id = 1
	`).Scan(&block)
	return block, err
}

func (r *WatcherRepository) UpdateLastProcessedBlock(block uint64) error {
	_, err := r.db.Exec(`
		UPDATE watcher_state
		SET last_processed_block = $1, updated_at = NOW()
		WHERE id = 1
	`, block)
	return err
}

func (r *WatcherRepository) StoreOutboxEvent(event model.OutboxEvent) error {
	_, err := r.db.Exec(`
		INSERT INTO event_outbox (event_id, order_id, event_type, status, block_number, tx_hash, event_blob)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
	`, event.EventID, event.OrderID, event.EventType, event.Status, event.BlockNumber, event.TxHash, event.EventBlob)

	if err != nil {
		return fmt.Errorf("failed to store outbox event: %w", err)
	}

	r.logger.Info("Stored outbox event",
		zap.String("event_type", event.EventType),
		zap.Uint64("order_id", event.OrderID),
		zap.String("event_id", event.EventID))
	return nil
}

// GetUnsentEventsForProcessing selects a batch of unsent outbox rows and
// marks them 'processing' inside one transaction so concurrent publishers
// never pick up the same row.
func (r *WatcherRepository) GetUnsentEventsForProcessing(limit int) ([]model.OutboxEvent, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	rows, err := tx.Query(`
		SELECT event_id, order_id, event_type, status, block_number, tx_hash, event_blob, created_at
		FROM event_outbox
		WHERE status = 'unsent'
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.OutboxEvent
	for rows.Next() {
		var event model.OutboxEvent
		if err := rows.Scan(&event.EventID, &event.OrderID, &event.EventType, &event.Status,
			&event.BlockNumber, &event.TxHash, &event.EventBlob, &event.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	rows.Close()

	for _, event := range events {
		_, err = tx.Exec(`
			UPDATE event_outbox
			SET status = 'processing'
			WHERE event_id = $1 AND status = 'unsent'
		`, event.EventID)
		if err != nil {
			return nil, err
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, err
	}

	return events, nil
}

func (r *WatcherRepository) MarkEventAsSent(eventID string) error {
	_, err := r.db.Exec(`
		UPDATE event_outbox
		SET status = 'sent'
		WHERE event_id = $1
	`, eventID)
	return err
}

func (r *WatcherRepository) MarkEventAsFailed(eventID string) error {
	_, err := r.db.Exec(`
		UPDATE event_outbox
		SET status = 'unsent'
		WHERE event_id = $1 AND status = 'processing'
	`, eventID)
	return err
}
