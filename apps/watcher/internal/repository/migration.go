package repository

import (
	"database/sql"
	"fmt"
)

// InitMigration initializes the database. In production, this would use a proper migration
// library like go-migrate
func InitMigration(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			order_id BIGINT PRIMARY KEY,
			user_address VARCHAR(42) NOT NULL,
			token_in VARCHAR(42) NOT NULL,
			token_out VARCHAR(42) NOT NULL,
			amount_in NUMERIC(78,0) NOT NULL,
			target_price NUMERIC(78,0) NOT NULL,
			deposited_amount NUMERIC(78,0) NOT NULL DEFAULT 0,
			accrued_interest NUMERIC(78,0) NOT NULL DEFAULT 0,
			amount_out NUMERIC(78,0),
			protocol VARCHAR(10) NOT NULL DEFAULT 'NONE',
			status VARCHAR(10) NOT NULL DEFAULT 'PENDING',
			block_number BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			executed_at TIMESTAMP,
			cancelled_at TIMESTAMP,
			tx_hash_create VARCHAR(66) NOT NULL DEFAULT '',
			tx_hash_execute VARCHAR(66),
			tx_hash_cancel VARCHAR(66)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_status ON orders (user_address, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created ON orders (status, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS event_outbox (
			event_id UUID PRIMARY KEY,
			order_id BIGINT NOT NULL,
			event_type VARCHAR(30) NOT NULL,
			status VARCHAR(20) NOT NULL DEFAULT 'unsent',
			block_number BIGINT NOT NULL,
			tx_hash VARCHAR(66) NOT NULL,
			event_blob JSONB NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_event_outbox_status ON event_outbox (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS watcher_state (
			id INTEGER PRIMARY KEY DEFAULT 1,
			last_processed_block BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMP DEFAULT NOW(),
			CONSTRAINT single_row CHECK (id = 1)
		)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query %s: %w", query, err)
		}
	}

	// Initialize watcher state if not exists
	_, err := db.Exec(`
		INSERT INTO watcher_state (id, last_processed_block)
		VALUES (1, 0)
		ON CONFLICT (id) DO NOTHING
	`)

	return err
}
