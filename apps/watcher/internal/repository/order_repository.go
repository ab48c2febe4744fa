package repository

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"orderwatch/apps/watcher/internal/model"
)

type OrderRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// OrderStats aggregates the mirror for the stats endpoint. Volume and
// interest totals are base-unit integer strings summed in SQL.
type OrderStats struct {
	TotalOrders     int64  `json:"total_orders"`
	PendingOrders   int64  `json:"pending_orders"`
	ExecutedOrders  int64  `json:"executed_orders"`
	CancelledOrders int64  `json:"cancelled_orders"`
	TotalVolume     string `json:"total_volume"`
	TotalInterest   string `json:"total_interest"`
}

func NewOrderRepository(db *sql.DB, logger *zap.Logger) *OrderRepository {
	return &OrderRepository{db: db, logger: logger}
}

const orderColumns = `order_id, user_address, token_in, token_out, amount_in, target_price,
		deposited_amount, accrued_interest, amount_out, protocol, status, block_number,
		created_at, executed_at, cancelled_at, tx_hash_create, tx_hash_execute, tx_hash_cancel`

func (r *OrderRepository) UpsertOrder(order model.Order) error {
	_, err := r.db.Exec(`
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (order_id) DO UPDATE SET
			user_address = EXCLUDED.user_address,
			token_in = EXCLUDED.token_in,
			token_out = EXCLUDED.token_out,
			amount_in = EXCLUDED.amount_in,
			target_price = EXCLUDED.target_price,
			deposited_amount = EXCLUDED.deposited_amount,
			accrued_interest = EXCLUDED.accrued_interest,
			amount_out = EXCLUDED.amount_out,
			protocol = EXCLUDED.protocol,
			status = EXCLUDED.status,
			block_number = EXCLUDED.block_number,
			created_at = EXCLUDED.created_at,
			executed_at = EXCLUDED.executed_at,
			cancelled_at = EXCLUDED.cancelled_at,
			tx_hash_create = EXCLUDED.tx_hash_create,
			tx_hash_execute = EXCLUDED.tx_hash_execute,
			tx_hash_cancel = EXCLUDED.tx_hash_cancel
	`, order.OrderID, order.UserAddress, order.TokenIn, order.TokenOut, order.AmountIn, order.TargetPrice,
		order.DepositedAmount, order.AccruedInterest, order.AmountOut, order.Protocol, order.Status, order.BlockNumber,
		order.CreatedAt, order.ExecutedAt, order.CancelledAt, order.TxHashCreate, order.TxHashExecute, order.TxHashCancel)

	if err != nil {
		return fmt.Errorf("failed to upsert order: %w", err)
	}

	r.logger.Info("Upserted order",
		zap.Uint64("order_id", order.OrderID),
		zap.String("status", string(order.Status)),
		zap.String("user_address", order.UserAddress))
	return nil
}

func scanOrder(row interface{ Scan(...interface{}) error }) (*model.Order, error) {
	var order model.Order
	err := row.Scan(&order.OrderID, &order.UserAddress, &order.TokenIn, &order.TokenOut,
		&order.AmountIn, &order.TargetPrice, &order.DepositedAmount, &order.AccruedInterest,
		&order.AmountOut, &order.Protocol, &order.Status, &order.BlockNumber,
		&order.CreatedAt, &order.ExecutedAt, &order.CancelledAt,
		&order.TxHashCreate, &order.TxHashExecute, &order.TxHashCancel)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *OrderRepository) GetOrderByID(orderID uint64) (*model.Order, error) {
	order, err := scanOrder(r.db.QueryRow(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE order_id = $1
	`, orderID))

	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get order by ID: %w", err)
	}

	return order, nil
}

func (r *OrderRepository) ListOrdersByStatus(status model.OrderStatus) ([]model.Order, error) {
	rows, err := r.db.Query(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1
		ORDER BY created_at DESC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders by status: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListOrdersByUser pages a user's orders, optionally filtered by status.
// Callers validate pagination bounds; this layer just applies them.
func (r *OrderRepository) ListOrdersByUser(userAddress string, status model.OrderStatus, limit, offset int) ([]model.Order, int64, error) {
	filter := `WHERE user_address = $1`
	args := []interface{}{userAddress}
	if status != "" {
		filter += ` AND status = $2`
		args = append(args, status)
	}

	var total int64
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM orders `+filter, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count user orders: %w", err)
	}

	args = append(args, limit, offset)
	rows, err := r.db.Query(fmt.Sprintf(`
		SELECT `+orderColumns+`
		FROM orders
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, filter, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list user orders: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// ListHistory pages terminal orders, most recently concluded first.
func (r *OrderRepository) ListHistory(limit, offset int) ([]model.Order, int64, error) {
	var total int64
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM orders WHERE status <> 'PENDING'`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count order history: %w", err)
	}

	rows, err := r.db.Query(`
		SELECT `+orderColumns+`
		FROM orders
		WHERE status <> 'PENDING'
		ORDER BY COALESCE(executed_at, cancelled_at, created_at) DESC, order_id DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list order history: %w", err)
	}
	defer rows.Close()

	orders, err := collectOrders(rows)
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

func (r *OrderRepository) GetStats() (*OrderStats, error) {
	var stats OrderStats
	err := r.db.QueryRow(`
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'EXECUTED'),
			COUNT(*) FILTER (WHERE status = 'CANCELLED'),
			COALESCE(SUM(amount_in), 0)::TEXT,
			COALESCE(SUM(accrued_interest), 0)::TEXT
		FROM orders
	`).Scan(&stats.TotalOrders, &stats.PendingOrders, &stats.ExecutedOrders,
		&stats.CancelledOrders, &stats.TotalVolume, &stats.TotalInterest)

	if err != nil {
		return nil, fmt.Errorf("failed to get order stats: %w", err)
	}

	return &stats, nil
}

func collectOrders(rows *sql.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orders: %w", err)
	}

	return orders, nil
}
