package bridge

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"orderwatch/apps/watcher/internal/chain"
	"orderwatch/apps/watcher/internal/config"
	"orderwatch/apps/watcher/internal/events"
	"orderwatch/apps/watcher/internal/repository"
)

// Sink consumes the normalized event stream. Delivery is at-least-once;
// the sink absorbs duplicates.
type Sink interface {
	ApplyEvent(evt events.OrderEvent)
}

// Bridge tails the contract's lifecycle logs behind a finality offset and
// feeds them to the monitor as normalized events. The persisted block
// cursor survives restarts; anything a downtime window misses is covered
// by reconciliation.
type Bridge struct {
	config     *config.Config
	gateway    *chain.Gateway
	sink       Sink
	repository *repository.WatcherRepository
	logger     *zap.Logger
}

func NewBridge(
	config *config.Config,
	gateway *chain.Gateway,
	sink Sink,
	repository *repository.WatcherRepository,
	logger *zap.Logger) *Bridge {
	return &Bridge{
		config:     config,
		gateway:    gateway,
		sink:       sink,
		repository: repository,
		logger:     logger,
	}
}

func (b *Bridge) Start(ctx context.Context) error {
	b.logger.Info("Starting order event bridge...")

	ticker := time.NewTicker(12 * time.Second) // Ethereum block time
	defer ticker.Stop()

	lastProcessedBlock, err := b.repository.GetLastProcessedBlock()
	if err != nil {
		return fmt.Errorf("failed to get last processed block: %w", err)
	}

	b.logger.Info("Starting from block", zap.Uint64("block", lastProcessedBlock))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		latestBlock, err := b.gateway.Client().BlockNumber(ctx)
		if err != nil {
			b.logger.Error("Error getting latest block", zap.Error(err))
			continue
		}

		if latestBlock < b.config.FinalityOffset {
			continue
		}
		safeBlock := latestBlock - b.config.FinalityOffset

		if safeBlock > lastProcessedBlock {
			if err := b.processBlockRange(ctx, lastProcessedBlock+1, safeBlock); err != nil {
				b.logger.Error("Error processing blocks",
					zap.Uint64("start", lastProcessedBlock+1), zap.Uint64("end", safeBlock), zap.Error(err))
				continue
			}
			lastProcessedBlock = safeBlock
		}
	}
}

func (b *Bridge) processBlockRange(ctx context.Context, fromBlock, toBlock uint64) error {
	// Process in chunks to avoid RPC limits
	chunkSize := b.config.ChunkSize

	for start := fromBlock; start <= toBlock; start += chunkSize {
		end := start + chunkSize - 1
		if end > toBlock {
			end = toBlock
		}

		b.logger.Info("Scanning block range for order events",
			zap.Uint64("start", start), zap.Uint64("end", end))

		if err := b.processOrderEvents(ctx, start, end); err != nil {
			return fmt.Errorf("failed to process chunk %d-%d: %w", start, end, err)
		}

		// Persist the cursor after each chunk so a crash never rescans
		// more than one chunk.
		if err := b.repository.UpdateLastProcessedBlock(end); err != nil {
			b.logger.Error("Error updating last processed block after chunk",
				zap.Uint64("start", start), zap.Uint64("end", end), zap.Error(err))
		}

		// Rate limiting
		time.Sleep(100 * time.Millisecond)
	}

	return nil
}

func (b *Bridge) processOrderEvents(ctx context.Context, fromBlock, toBlock uint64) error {
	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(int64(fromBlock)),
		ToBlock:   big.NewInt(int64(toBlock)),
		Addresses: []common.Address{b.gateway.ContractAddress()},
		Topics: [][]common.Hash{
			chain.LifecycleEventSigs, // OR condition
		},
	}

	logs, err := b.gateway.Client().FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	for _, eventLog := range logs {
		if err := b.processOrderEvent(ctx, eventLog); err != nil {
			b.logger.Error("Error processing event",
				zap.String("tx_hash", eventLog.TxHash.Hex()), zap.Error(err))
			return err
		}
	}

	return nil
}

func (b *Bridge) processOrderEvent(ctx context.Context, eventLog types.Log) error {
	// Get transaction receipt to ensure success
	receipt, err := b.gateway.Client().TransactionReceipt(ctx, eventLog.TxHash)
	if err != nil {
		return fmt.Errorf("failed to get transaction receipt: %w", err)
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return nil // Skip failed transactions
	}

	// Get block timestamp
	header, err := b.gateway.Client().HeaderByNumber(ctx, big.NewInt(int64(eventLog.BlockNumber)))
	if err != nil {
		return fmt.Errorf("failed to get block header: %w", err)
	}
	blockTime := time.Unix(int64(header.Time), 0).UTC()

	evt, err := b.gateway.ParseOrderLog(eventLog, blockTime)
	if err != nil {
		return fmt.Errorf("failed to parse order log: %w", err)
	}
	if evt == nil {
		return nil // Not a lifecycle event
	}

	b.logger.Info("Found order event",
		zap.String("kind", string(evt.Kind)),
		zap.Uint64("order_id", evt.OrderID),
		zap.String("tx_hash", evt.TxHash))

	b.sink.ApplyEvent(*evt)
	return nil
}
