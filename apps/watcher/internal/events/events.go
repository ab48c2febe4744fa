package events

import (
	"time"

	"orderwatch/apps/watcher/internal/model"
)

// Kind tags the four contract event shapes after normalization.
type Kind string

const (
	KindCreated         Kind = "order_created"
	KindExecuted        Kind = "order_executed"
	KindCancelled       Kind = "order_cancelled"
	KindProtocolChanged Kind = "protocol_changed"
)

// OrderEvent is the normalized stream element delivered to the monitor.
// The underlying transport may duplicate or reorder events; the monitor
// applies them idempotently. Amount fields are base-unit integer strings.
type OrderEvent struct {
	Kind    Kind   `json:"kind"`
	OrderID uint64 `json:"order_id"`
	User    string `json:"user,omitempty"`

	// Created
	TokenIn     string `json:"token_in,omitempty"`
	TokenOut    string `json:"token_out,omitempty"`
	AmountIn    string `json:"amount_in,omitempty"`
	TargetPrice string `json:"target_price,omitempty"`

	// Executed
	AmountOut string `json:"amount_out,omitempty"`

	// Executed / Cancelled
	Interest       string `json:"interest,omitempty"`
	ReturnedAmount string `json:"returned_amount,omitempty"`

	// ProtocolChanged
	OldProtocol    model.Protocol `json:"old_protocol,omitempty"`
	NewProtocol    model.Protocol `json:"new_protocol,omitempty"`
	InterestEarned string         `json:"interest_earned,omitempty"`

	TxHash      string    `json:"tx_hash,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	BlockTime   time.Time `json:"block_time"`
	ObservedAt  time.Time `json:"observed_at"`
}
