package api

import (
	"orderwatch/apps/watcher/internal/model"
)

// Envelope is the uniform response wrapper. Success carries data;
// failure carries a message.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// CreateOrderRequest is the request body for placing a limit order.
// Amounts are base-unit integer strings.
type CreateOrderRequest struct {
	TokenOut    string `json:"token_out"`
	AmountIn    string `json:"amount_in"`
	TargetPrice string `json:"target_price"`
}

// CreateOrderResponse reports the submitted order.
type CreateOrderResponse struct {
	OrderID uint64 `json:"order_id"`
	TxHash  string `json:"tx_hash"`
}

// CancelOrderResponse reports the submitted cancellation.
type CancelOrderResponse struct {
	OrderID uint64 `json:"order_id"`
	TxHash  string `json:"tx_hash"`
}

// PageResponse wraps a paginated order listing.
type PageResponse struct {
	Orders []model.Order `json:"orders"`
	Page   int           `json:"page"`
	Limit  int           `json:"limit"`
	Total  int64         `json:"total"`
}

// PriceResponse reports the oracle price for a pair, in base units.
type PriceResponse struct {
	TokenIn  string `json:"token_in"`
	TokenOut string `json:"token_out"`
	Price    string `json:"price"`
}
