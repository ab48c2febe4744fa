package model

import (
	"time"
)

// OrderStatus is monotonic: once EXECUTED or CANCELLED an order never
// returns to PENDING.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusExecuted  OrderStatus = "EXECUTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether the status permits no further transitions.
func (s OrderStatus) Terminal() bool {
	return s == StatusExecuted || s == StatusCancelled
}

// Protocol is the lending venue currently custodying an order's idle
// principal.
type Protocol string

const (
	ProtocolNone     Protocol = "NONE"
	ProtocolAave     Protocol = "AAVE"
	ProtocolCompound Protocol = "COMPOUND"
)

// ProtocolFromIndex maps the contract's LendingProtocol enum value.
func ProtocolFromIndex(i uint8) Protocol {
	switch i {
	case 1:
		return ProtocolAave
	case 2:
		return ProtocolCompound
	default:
		return ProtocolNone
	}
}

// StatusFromIndex maps the contract's OrderStatus enum value.
func StatusFromIndex(i uint8) OrderStatus {
	switch i {
	case 1:
		return StatusExecuted
	case 2:
		return StatusCancelled
	default:
		return StatusPending
	}
}

// Order is the off-chain mirror of one on-chain limit order. Amount and
// price fields are base-unit integer strings (target_price uses 18
// decimals); they are never parsed as floating point.
type Order struct {
	OrderID         uint64      `db:"order_id" json:"order_id"`
	UserAddress     string      `db:"user_address" json:"user_address"`
	TokenIn         string      `db:"token_in" json:"token_in"`
	TokenOut        string      `db:"token_out" json:"token_out"`
	AmountIn        string      `db:"amount_in" json:"amount_in"`
	TargetPrice     string      `db:"target_price" json:"target_price"`
	DepositedAmount string      `db:"deposited_amount" json:"deposited_amount"`
	AccruedInterest string      `db:"accrued_interest" json:"accrued_interest"`
	AmountOut       *string     `db:"amount_out" json:"amount_out,omitempty"`
	Protocol        Protocol    `db:"protocol" json:"protocol"`
	Status          OrderStatus `db:"status" json:"status"`
	BlockNumber     uint64      `db:"block_number" json:"block_number"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	ExecutedAt      *time.Time  `db:"executed_at" json:"executed_at,omitempty"`
	CancelledAt     *time.Time  `db:"cancelled_at" json:"cancelled_at,omitempty"`
	TxHashCreate    string      `db:"tx_hash_create" json:"tx_hash_create"`
	TxHashExecute   *string     `db:"tx_hash_execute" json:"tx_hash_execute,omitempty"`
	TxHashCancel    *string     `db:"tx_hash_cancel" json:"tx_hash_cancel,omitempty"`
}

// Clone returns a deep copy so concurrent readers never alias monitor
// internals.
func (o *Order) Clone() *Order {
	dup := *o
	if o.AmountOut != nil {
		v := *o.AmountOut
		dup.AmountOut = &v
	}
	if o.ExecutedAt != nil {
		t := *o.ExecutedAt
		dup.ExecutedAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		dup.CancelledAt = &t
	}
	if o.TxHashExecute != nil {
		v := *o.TxHashExecute
		dup.TxHashExecute = &v
	}
	if o.TxHashCancel != nil {
		v := *o.TxHashCancel
		dup.TxHashCancel = &v
	}
	return &dup
}
