package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"orderwatch/apps/watcher/internal/config"
	"orderwatch/apps/watcher/internal/events"
	"orderwatch/apps/watcher/internal/model"
)

const (
	sweepGasLimit    = 5_000_000
	protocolGasLimit = 500_000
)

// Gateway wraps every read and write the watcher makes against the
// LimitOrderWithYield contract. Reads are retried with bounded exponential
// backoff; transaction submissions are non-idempotent and never retried
// here (the monitor tracks one in-flight sweep at a time).
type Gateway struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	auth     *bind.TransactOpts
	chainID  *big.Int
	logger   *zap.Logger

	rpcTimeout   time.Duration
	retry        retryConfig
	gasOffsetWei *big.Int
}

// SweepReceipt is the mined result of one execution sweep, with any
// OrderExecuted events recovered from the receipt logs.
type SweepReceipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Executed    []events.OrderEvent
}

func NewGateway(cfg *config.Config, logger *zap.Logger) (*Gateway, error) {
	client, err := ethclient.Dial(cfg.RpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum client: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(LimitOrderABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse limit order ABI: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse watcher private key: %w", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	contract := bind.NewBoundContract(address, parsedABI, client, client, client)

	// Offset is configured in Gwei, applied in Wei
	gasOffsetWei := new(big.Int).Mul(
		new(big.Int).SetUint64(cfg.GasPriceOffsetGwei),
		big.NewInt(1_000_000_000),
	)

	return &Gateway{
		client:       client,
		contract:     contract,
		abi:          parsedABI,
		address:      address,
		auth:         auth,
		chainID:      chainID,
		logger:       logger,
		rpcTimeout:   cfg.RPCTimeout,
		retry:        retryConfig{attempts: cfg.RPCMaxAttempts, backoff: cfg.RPCRetryBackoff},
		gasOffsetWei: gasOffsetWei,
	}, nil
}

// Client exposes the underlying RPC client for the event bridge.
func (g *Gateway) Client() *ethclient.Client {
	return g.client
}

// ContractAddress returns the watched contract address.
func (g *Gateway) ContractAddress() common.Address {
	return g.address
}

// ListOrderIDs returns every order identifier the contract knows. Orders
// are assigned sequential ids starting at zero.
func (g *Gateway) ListOrderIDs(ctx context.Context) ([]uint64, error) {
	var count *big.Int

	err := withRetry(ctx, g.logger, g.retry, "orderCount", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.rpcTimeout)
		defer cancel()

		var out []interface{}
		if err := g.contract.Call(&bind.CallOpts{Context: callCtx}, &out, "orderCount"); err != nil {
			return err
		}
		count = *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
		return nil
	})
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, count.Uint64())
	for id := uint64(0); id < count.Uint64(); id++ {
		ids = append(ids, id)
	}
	return ids, nil
}

// GetOrder reads the authoritative on-chain state for one order. Tx hash
// provenance is not recoverable through the view call and is left empty.
func (g *Gateway) GetOrder(ctx context.Context, orderID uint64) (*model.Order, error) {
	var out []interface{}

	err := withRetry(ctx, g.logger, g.retry, "getOrderDetails", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.rpcTimeout)
		defer cancel()

		out = out[:0]
		err := g.contract.Call(&bind.CallOpts{Context: callCtx}, &out, "getOrderDetails", new(big.Int).SetUint64(orderID))
		if err != nil && strings.Contains(err.Error(), "execution reverted") {
			return fmt.Errorf("%w: order %d", ErrOrderNotFound, orderID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	createdAt := out[5].(*big.Int)

	return &model.Order{
		OrderID:         orderID,
		UserAddress:     out[0].(common.Address).Hex(),
		TokenIn:         out[1].(common.Address).Hex(),
		TokenOut:        out[2].(common.Address).Hex(),
		AmountIn:        out[3].(*big.Int).String(),
		TargetPrice:     out[4].(*big.Int).String(),
		CreatedAt:       time.Unix(createdAt.Int64(), 0).UTC(),
		Status:          model.StatusFromIndex(out[6].(uint8)),
		DepositedAmount: out[7].(*big.Int).String(),
		AccruedInterest: out[8].(*big.Int).String(),
		Protocol:        model.ProtocolFromIndex(out[9].(uint8)),
	}, nil
}

// CurrentPrice reads the oracle price for a token pair, as an 18-decimal
// base-unit integer string.
func (g *Gateway) CurrentPrice(ctx context.Context, tokenIn, tokenOut string) (string, error) {
	var price *big.Int

	err := withRetry(ctx, g.logger, g.retry, "getCurrentPrice", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.rpcTimeout)
		defer cancel()

		var out []interface{}
		err := g.contract.Call(&bind.CallOpts{Context: callCtx}, &out, "getCurrentPrice",
			common.HexToAddress(tokenIn), common.HexToAddress(tokenOut))
		if err != nil {
			return err
		}
		price = *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
		return nil
	})
	if err != nil {
		return "", err
	}

	return price.String(), nil
}

// CurrentGasPrice returns the node's suggested gas price plus the
// configured priority offset, to keep execution transactions from
// getting stuck.
func (g *Gateway) CurrentGasPrice(ctx context.Context) (*big.Int, error) {
	var suggested *big.Int

	err := withRetry(ctx, g.logger, g.retry, "suggestGasPrice", func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, g.rpcTimeout)
		defer cancel()

		price, err := g.client.SuggestGasPrice(callCtx)
		if err != nil {
			return err
		}
		suggested = price
		return nil
	})
	if err != nil {
		return nil, err
	}

	return new(big.Int).Add(suggested, g.gasOffsetWei), nil
}

// TriggerExecutionSweep submits checkAndExecuteOrders and waits for the
// receipt. The sweep may no-op on-chain when nothing is eligible; the
// returned receipt carries any OrderExecuted events it produced.
func (g *Gateway) TriggerExecutionSweep(ctx context.Context) (*SweepReceipt, error) {
	gasPrice, err := g.CurrentGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	opts := g.transactOpts(ctx, gasPrice, sweepGasLimit)
	tx, err := g.contract.Transact(opts, "checkAndExecuteOrders")
	if err != nil {
		return nil, &RpcError{Op: "checkAndExecuteOrders", Err: err}
	}

	g.logger.Info("Submitted execution sweep",
		zap.String("tx_hash", tx.Hash().Hex()),
		zap.String("gas_price", gasPrice.String()))

	receipt, err := g.waitMined(ctx, tx)
	if err != nil {
		return nil, err
	}

	blockTime, err := g.blockTime(ctx, receipt.BlockNumber)
	if err != nil {
		// Receipt is in hand; fall back to wall clock for event timestamps
		g.logger.Warn("Failed to read sweep block time", zap.Error(err))
		blockTime = time.Now().UTC()
	}

	sweep := &SweepReceipt{
		TxHash:      receipt.TxHash.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}

	for _, eventLog := range receipt.Logs {
		if eventLog.Address != g.address {
			continue
		}
		evt, err := g.ParseOrderLog(*eventLog, blockTime)
		if err != nil {
			g.logger.Error("Failed to parse sweep receipt log",
				zap.String("tx_hash", sweep.TxHash), zap.Error(err))
			continue
		}
		if evt != nil && evt.Kind == events.KindExecuted {
			sweep.Executed = append(sweep.Executed, *evt)
		}
	}

	return sweep, nil
}

// CreateOrder submits createLimitOrder and returns the chain-assigned
// order id from the OrderCreated event in the receipt.
func (g *Gateway) CreateOrder(ctx context.Context, tokenOut string, amountIn, targetPrice *big.Int) (uint64, string, error) {
	gasPrice, err := g.CurrentGasPrice(ctx)
	if err != nil {
		return 0, "", err
	}

	opts := g.transactOpts(ctx, gasPrice, 0)
	tx, err := g.contract.Transact(opts, "createLimitOrder",
		common.HexToAddress(tokenOut), amountIn, targetPrice)
	if err != nil {
		return 0, "", &RpcError{Op: "createLimitOrder", Err: err}
	}

	receipt, err := g.waitMined(ctx, tx)
	if err != nil {
		return 0, tx.Hash().Hex(), err
	}

	for _, eventLog := range receipt.Logs {
		if eventLog.Address == g.address && len(eventLog.Topics) > 1 && eventLog.Topics[0] == OrderCreatedSig {
			return eventLog.Topics[1].Big().Uint64(), receipt.TxHash.Hex(), nil
		}
	}

	return 0, receipt.TxHash.Hex(), fmt.Errorf("no OrderCreated event in receipt %s", receipt.TxHash.Hex())
}

// CancelOrder submits cancelOrder and waits for the receipt.
func (g *Gateway) CancelOrder(ctx context.Context, orderID uint64) (string, error) {
	gasPrice, err := g.CurrentGasPrice(ctx)
	if err != nil {
		return "", err
	}

	opts := g.transactOpts(ctx, gasPrice, 0)
	tx, err := g.contract.Transact(opts, "cancelOrder", new(big.Int).SetUint64(orderID))
	if err != nil {
		return "", &RpcError{Op: "cancelOrder", Err: err}
	}

	if _, err := g.waitMined(ctx, tx); err != nil {
		return tx.Hash().Hex(), err
	}

	return tx.Hash().Hex(), nil
}

// UpdateProtocol submits checkAndUpdateLendingProtocol for one order. The
// contract decides whether a move between lending venues is worthwhile.
func (g *Gateway) UpdateProtocol(ctx context.Context, orderID uint64) error {
	gasPrice, err := g.CurrentGasPrice(ctx)
	if err != nil {
		return err
	}

	opts := g.transactOpts(ctx, gasPrice, protocolGasLimit)
	tx, err := g.contract.Transact(opts, "checkAndUpdateLendingProtocol", new(big.Int).SetUint64(orderID))
	if err != nil {
		return &RpcError{Op: "checkAndUpdateLendingProtocol", Err: err}
	}

	_, err = g.waitMined(ctx, tx)
	return err
}

func (g *Gateway) transactOpts(ctx context.Context, gasPrice *big.Int, gasLimit uint64) *bind.TransactOpts {
	opts := *g.auth
	opts.Context = ctx
	opts.GasPrice = gasPrice
	opts.GasLimit = gasLimit
	return &opts
}

func (g *Gateway) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	receipt, err := bind.WaitMined(ctx, g.client, tx)
	if err != nil {
		return nil, &RpcError{Op: "waitMined", Err: fmt.Errorf("receipt for %s not observed: %w", tx.Hash().Hex(), err)}
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, &RevertError{TxHash: receipt.TxHash.Hex()}
	}
	return receipt, nil
}

func (g *Gateway) blockTime(ctx context.Context, blockNumber *big.Int) (time.Time, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.rpcTimeout)
	defer cancel()

	header, err := g.client.HeaderByNumber(callCtx, blockNumber)
	if err != nil {
		return time.Time{}, &RpcError{Op: "headerByNumber", Err: err}
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (g *Gateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}
