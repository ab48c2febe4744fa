package chain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"orderwatch/apps/watcher/internal/events"
	"orderwatch/apps/watcher/internal/model"
)

// LimitOrderABI is the subset of the LimitOrderWithYield contract the
// watcher touches: the four lifecycle events plus the read/write calls.
const LimitOrderABI = `[
	{
		"type": "event",
		"name": "OrderCreated",
		"inputs": [
			{"internalType": "uint256", "name": "orderId", "type": "uint256", "indexed": true},
			{"internalType": "address", "name": "user", "type": "address", "indexed": true},
			{"internalType": "address", "name": "tokenIn", "type": "address", "indexed": false},
			{"internalType": "address", "name": "tokenOut", "type": "address", "indexed": false},
			{"internalType": "uint256", "name": "amountIn", "type": "uint256", "indexed": false},
			{"internalType": "uint256", "name": "targetPrice", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "OrderExecuted",
		"inputs": [
			{"internalType": "uint256", "name": "orderId", "type": "uint256", "indexed": true},
			{"internalType": "address", "name": "user", "type": "address", "indexed": true},
			{"internalType": "address", "name": "tokenOut", "type": "address", "indexed": false},
			{"internalType": "uint256", "name": "amountOut", "type": "uint256", "indexed": false},
			{"internalType": "uint256", "name": "interest", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "OrderCancelled",
		"inputs": [
			{"internalType": "uint256", "name": "orderId", "type": "uint256", "indexed": true},
			{"internalType": "address", "name": "user", "type": "address", "indexed": true},
			{"internalType": "uint256", "name": "returnedAmount", "type": "uint256", "indexed": false},
			{"internalType": "uint256", "name": "interest", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "ProtocolChanged",
		"inputs": [
			{"internalType": "uint256", "name": "orderId", "type": "uint256", "indexed": true},
			{"internalType": "uint8", "name": "oldProtocol", "type": "uint8", "indexed": false},
			{"internalType": "uint8", "name": "newProtocol", "type": "uint8", "indexed": false},
			{"internalType": "uint256", "name": "interestEarned", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "function",
		"name": "orderCount",
		"stateMutability": "view",
		"inputs": [],
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "getOrderDetails",
		"stateMutability": "view",
		"inputs": [{"internalType": "uint256", "name": "orderId", "type": "uint256"}],
		"outputs": [
			{"internalType": "address", "name": "user", "type": "address"},
			{"internalType": "address", "name": "tokenIn", "type": "address"},
			{"internalType": "address", "name": "tokenOut", "type": "address"},
			{"internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"internalType": "uint256", "name": "targetPrice", "type": "uint256"},
			{"internalType": "uint256", "name": "createdAt", "type": "uint256"},
			{"internalType": "uint8", "name": "status", "type": "uint8"},
			{"internalType": "uint256", "name": "depositedAmount", "type": "uint256"},
			{"internalType": "uint256", "name": "currentInterest", "type": "uint256"},
			{"internalType": "uint8", "name": "protocol", "type": "uint8"}
		]
	},
	{
		"type": "function",
		"name": "getCurrentPrice",
		"stateMutability": "view",
		"inputs": [
			{"internalType": "address", "name": "tokenIn", "type": "address"},
			{"internalType": "address", "name": "tokenOut", "type": "address"}
		],
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "createLimitOrder",
		"stateMutability": "nonpayable",
		"inputs": [
			{"internalType": "address", "name": "tokenOut", "type": "address"},
			{"internalType": "uint256", "name": "amountIn", "type": "uint256"},
			{"internalType": "uint256", "name": "targetPrice", "type": "uint256"}
		],
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}]
	},
	{
		"type": "function",
		"name": "cancelOrder",
		"stateMutability": "nonpayable",
		"inputs": [{"internalType": "uint256", "name": "orderId", "type": "uint256"}],
		"outputs": []
	},
	{
		"type": "function",
		"name": "checkAndExecuteOrders",
		"stateMutability": "nonpayable",
		"inputs": [],
		"outputs": []
	},
	{
		"type": "function",
		"name": "checkAndUpdateLendingProtocol",
		"stateMutability": "nonpayable",
		"inputs": [{"internalType": "uint256", "name": "orderId", "type": "uint256"}],
		"outputs": []
	}
]`

// Event signatures
var (
	OrderCreatedSig    = crypto.Keccak256Hash([]byte("OrderCreated(uint256,address,address,address,uint256,uint256)"))
	OrderExecutedSig   = crypto.Keccak256Hash([]byte("OrderExecuted(uint256,address,address,uint256,uint256)"))
	OrderCancelledSig  = crypto.Keccak256Hash([]byte("OrderCancelled(uint256,address,uint256,uint256)"))
	ProtocolChangedSig = crypto.Keccak256Hash([]byte("ProtocolChanged(uint256,uint8,uint8,uint256)"))
)

// LifecycleEventSigs lists every signature the event bridge filters on.
var LifecycleEventSigs = []common.Hash{
	OrderCreatedSig,
	OrderExecutedSig,
	OrderCancelledSig,
	ProtocolChangedSig,
}

// Unpack targets for the non-indexed event parameters.
type orderCreatedData struct {
	TokenIn     common.Address
	TokenOut    common.Address
	AmountIn    *big.Int
	TargetPrice *big.Int
}

type orderExecutedData struct {
	TokenOut  common.Address
	AmountOut *big.Int
	Interest  *big.Int
}

type orderCancelledData struct {
	ReturnedAmount *big.Int
	Interest       *big.Int
}

type protocolChangedData struct {
	OldProtocol    uint8
	NewProtocol    uint8
	InterestEarned *big.Int
}

// ParseOrderLog normalizes one contract log into the tagged event stream.
// Logs whose topic is not a lifecycle event return (nil, nil).
func (g *Gateway) ParseOrderLog(eventLog types.Log, blockTime time.Time) (*events.OrderEvent, error) {
	if len(eventLog.Topics) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()

	switch eventLog.Topics[0] {
	case OrderCreatedSig:
		return g.parseCreated(eventLog, blockTime, now)
	case OrderExecutedSig:
		return g.parseExecuted(eventLog, blockTime, now)
	case OrderCancelledSig:
		return g.parseCancelled(eventLog, blockTime, now)
	case ProtocolChangedSig:
		return g.parseProtocolChanged(eventLog, blockTime, now)
	}

	return nil, nil
}

func (g *Gateway) parseCreated(eventLog types.Log, blockTime, observedAt time.Time) (*events.OrderEvent, error) {
	var data orderCreatedData
	if err := g.abi.UnpackIntoInterface(&data, "OrderCreated", eventLog.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack OrderCreated data: %w", err)
	}

	return &events.OrderEvent{
		Kind:        events.KindCreated,
		OrderID:     eventLog.Topics[1].Big().Uint64(),
		User:        common.BytesToAddress(eventLog.Topics[2].Bytes()).Hex(),
		TokenIn:     data.TokenIn.Hex(),
		TokenOut:    data.TokenOut.Hex(),
		AmountIn:    data.AmountIn.String(),
		TargetPrice: data.TargetPrice.String(),
		TxHash:      eventLog.TxHash.Hex(),
		BlockNumber: eventLog.BlockNumber,
		BlockTime:   blockTime,
		ObservedAt:  observedAt,
	}, nil
}

func (g *Gateway) parseExecuted(eventLog types.Log, blockTime, observedAt time.Time) (*events.OrderEvent, error) {
	var data orderExecutedData
	if err := g.abi.UnpackIntoInterface(&data, "OrderExecuted", eventLog.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack OrderExecuted data: %w", err)
	}

	return &events.OrderEvent{
		Kind:        events.KindExecuted,
		OrderID:     eventLog.Topics[1].Big().Uint64(),
		User:        common.BytesToAddress(eventLog.Topics[2].Bytes()).Hex(),
		TokenOut:    data.TokenOut.Hex(),
		AmountOut:   data.AmountOut.String(),
		Interest:    data.Interest.String(),
		TxHash:      eventLog.TxHash.Hex(),
		BlockNumber: eventLog.BlockNumber,
		BlockTime:   blockTime,
		ObservedAt:  observedAt,
	}, nil
}

func (g *Gateway) parseCancelled(eventLog types.Log, blockTime, observedAt time.Time) (*events.OrderEvent, error) {
	var data orderCancelledData
	if err := g.abi.UnpackIntoInterface(&data, "OrderCancelled", eventLog.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack OrderCancelled data: %w", err)
	}

	return &events.OrderEvent{
		Kind:           events.KindCancelled,
		OrderID:        eventLog.Topics[1].Big().Uint64(),
		User:           common.BytesToAddress(eventLog.Topics[2].Bytes()).Hex(),
		ReturnedAmount: data.ReturnedAmount.String(),
		Interest:       data.Interest.String(),
		TxHash:         eventLog.TxHash.Hex(),
		BlockNumber:    eventLog.BlockNumber,
		BlockTime:      blockTime,
		ObservedAt:     observedAt,
	}, nil
}

func (g *Gateway) parseProtocolChanged(eventLog types.Log, blockTime, observedAt time.Time) (*events.OrderEvent, error) {
	var data protocolChangedData
	if err := g.abi.UnpackIntoInterface(&data, "ProtocolChanged", eventLog.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack ProtocolChanged data: %w", err)
	}

	return &events.OrderEvent{
		Kind:           events.KindProtocolChanged,
		OrderID:        eventLog.Topics[1].Big().Uint64(),
		OldProtocol:    model.ProtocolFromIndex(data.OldProtocol),
		NewProtocol:    model.ProtocolFromIndex(data.NewProtocol),
		InterestEarned: data.InterestEarned.String(),
		TxHash:         eventLog.TxHash.Hex(),
		BlockNumber:    eventLog.BlockNumber,
		BlockTime:      blockTime,
		ObservedAt:     observedAt,
	}, nil
}
