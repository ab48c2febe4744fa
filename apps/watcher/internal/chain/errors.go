package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrOrderNotFound means the contract does not know the order id. It is
// never a transient fault and must not be retried.
var ErrOrderNotFound = errors.New("order not found")

// RpcError wraps a transient network or node fault. Callers retry reads
// with bounded backoff; scheduled tasks log it and defer to the next cycle.
type RpcError struct {
	Op  string
	Err error
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error in %s: %v", e.Op, e.Err)
}

func (e *RpcError) Unwrap() error {
	return e.Err
}

// RevertError means the submitted transaction was mined but reverted
// on-chain. Non-retryable; the attempt concluded, just unsuccessfully.
type RevertError struct {
	TxHash string
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("transaction %s reverted: %s", e.TxHash, e.Reason)
	}
	return fmt.Sprintf("transaction %s reverted", e.TxHash)
}

// IsRetryable reports whether an error is worth another attempt.
func IsRetryable(err error) bool {
	var revert *RevertError
	if errors.As(err, &revert) {
		return false
	}
	if errors.Is(err, ErrOrderNotFound) {
		return false
	}
	return true
}

type retryConfig struct {
	attempts int
	backoff  time.Duration
}

// withRetry runs fn up to cfg.attempts times with exponential backoff,
// classifying exhaustion as an RpcError. Only read calls go through here;
// transaction submissions are non-idempotent and never retried.
func withRetry(ctx context.Context, logger *zap.Logger, cfg retryConfig, op string, fn func(context.Context) error) error {
	backoff := cfg.backoff
	var lastErr error

	for attempt := 1; attempt <= cfg.attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}

		lastErr = err
		if attempt == cfg.attempts {
			break
		}

		logger.Warn("Retryable chain call failed",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return &RpcError{Op: op, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	return &RpcError{Op: op, Err: lastErr}
}
