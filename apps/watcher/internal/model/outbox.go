package model

import (
	"encoding/json"
	"time"
)

// OutboxEvent is one durable row in the event_outbox table. The Kafka
// publisher drains rows in 'unsent' status; delivery is at-least-once.
type OutboxEvent struct {
	EventID     string          `db:"event_id"`
	OrderID     uint64          `db:"order_id"`
	EventType   string          `db:"event_type"`
	Status      string          `db:"status"`
	BlockNumber uint64          `db:"block_number"`
	TxHash      string          `db:"tx_hash"`
	EventBlob   json.RawMessage `db:"event_blob"`
	CreatedAt   time.Time       `db:"created_at"`
}
