package api

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"orderwatch/apps/watcher/internal/chain"
	"orderwatch/apps/watcher/internal/model"
	"orderwatch/apps/watcher/internal/repository"
	"orderwatch/apps/watcher/internal/tokens"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// ChainWriter is the transaction surface the handler submits through.
type ChainWriter interface {
	CreateOrder(ctx context.Context, tokenOut string, amountIn, targetPrice *big.Int) (uint64, string, error)
	CancelOrder(ctx context.Context, orderID uint64) (string, error)
	CurrentPrice(ctx context.Context, tokenIn, tokenOut string) (string, error)
}

// MonitorView is the live in-memory view the handler reads from.
type MonitorView interface {
	PendingOrders() []model.Order
	GetOrder(orderID uint64) (*model.Order, bool)
}

// OrderStore is the mirror-store surface the handler pages through.
type OrderStore interface {
	GetOrderByID(orderID uint64) (*model.Order, error)
	ListHistory(limit, offset int) ([]model.Order, int64, error)
	ListOrdersByUser(userAddress string, status model.OrderStatus, limit, offset int) ([]model.Order, int64, error)
	GetStats() (*repository.OrderStats, error)
}

// OrderHandler serves the order endpoints. Reads come from the monitor's
// live view or the mirror store; writes are submitted to the chain and
// the mirror is only updated once the transition is observed.
type OrderHandler struct {
	monitor  MonitorView
	store    OrderStore
	writer   ChainWriter
	registry *tokens.Registry
	logger   *zap.Logger
}

func NewOrderHandler(monitor MonitorView, store OrderStore, writer ChainWriter, registry *tokens.Registry, logger *zap.Logger) *OrderHandler {
	return &OrderHandler{
		monitor:  monitor,
		store:    store,
		writer:   writer,
		registry: registry,
		logger:   logger,
	}
}

// GetPendingOrders handles GET /api/orders/pending
func (h *OrderHandler) GetPendingOrders(w http.ResponseWriter, r *http.Request) {
	h.writeSuccess(w, http.StatusOK, h.monitor.PendingOrders())
}

// GetOrderHistory handles GET /api/orders/history
func (h *OrderHandler) GetOrderHistory(w http.ResponseWriter, r *http.Request) {
	page, limit, ok := h.parsePagination(w, r)
	if !ok {
		return
	}

	orders, total, err := h.store.ListHistory(limit, (page-1)*limit)
	if err != nil {
		h.logger.Error("Failed to list order history", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to retrieve order history")
		return
	}

	h.writeSuccess(w, http.StatusOK, PageResponse{Orders: orders, Page: page, Limit: limit, Total: total})
}

// GetStats handles GET /api/orders/stats
func (h *OrderHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats()
	if err != nil {
		h.logger.Error("Failed to get order stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to retrieve stats")
		return
	}

	h.writeSuccess(w, http.StatusOK, stats)
}

// GetOrder handles GET /api/orders/{order_id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	// Live view first, mirror store for anything that aged out of it.
	if order, found := h.monitor.GetOrder(orderID); found {
		h.writeSuccess(w, http.StatusOK, order)
		return
	}

	order, err := h.store.GetOrderByID(orderID)
	if err != nil {
		h.logger.Error("Failed to get order", zap.Uint64("order_id", orderID), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to retrieve order")
		return
	}
	if order == nil {
		h.writeError(w, http.StatusNotFound, "Order not found")
		return
	}

	h.writeSuccess(w, http.StatusOK, order)
}

// GetUserOrders handles GET /api/users/{address}/orders
func (h *OrderHandler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if !common.IsHexAddress(address) {
		h.writeError(w, http.StatusBadRequest, "Invalid wallet address")
		return
	}

	page, limit, ok := h.parsePagination(w, r)
	if !ok {
		return
	}

	var status model.OrderStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed := model.OrderStatus(raw)
		switch parsed {
		case model.StatusPending, model.StatusExecuted, model.StatusCancelled:
			status = parsed
		default:
			h.writeError(w, http.StatusBadRequest, "Invalid status filter")
			return
		}
	}

	orders, total, err := h.store.ListOrdersByUser(common.HexToAddress(address).Hex(), status, limit, (page-1)*limit)
	if err != nil {
		h.logger.Error("Failed to list user orders", zap.String("address", address), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to retrieve orders")
		return
	}

	h.writeSuccess(w, http.StatusOK, PageResponse{Orders: orders, Page: page, Limit: limit, Total: total})
}

// CreateOrder handles POST /api/orders
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	token, ok := h.resolveToken(req.TokenOut)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "Unsupported output token")
		return
	}

	amountIn, ok := parsePositiveAmount(req.AmountIn)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "amount_in must be a positive base-unit integer")
		return
	}

	targetPrice, ok := parsePositiveAmount(req.TargetPrice)
	if !ok {
		h.writeError(w, http.StatusBadRequest, "target_price must be a positive base-unit integer")
		return
	}

	orderID, txHash, err := h.writer.CreateOrder(r.Context(), token.Address.Hex(), amountIn, targetPrice)
	if err != nil {
		h.writeChainError(w, "Failed to create order", err)
		return
	}

	h.logger.Info("Submitted order creation",
		zap.Uint64("order_id", orderID),
		zap.String("token_out", token.Symbol),
		zap.String("tx_hash", txHash))

	h.writeSuccess(w, http.StatusCreated, CreateOrderResponse{OrderID: orderID, TxHash: txHash})
}

// CancelOrder handles POST /api/orders/{order_id}/cancel
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.parseOrderID(w, r)
	if !ok {
		return
	}

	txHash, err := h.writer.CancelOrder(r.Context(), orderID)
	if err != nil {
		h.writeChainError(w, "Failed to cancel order", err)
		return
	}

	h.logger.Info("Submitted order cancellation",
		zap.Uint64("order_id", orderID), zap.String("tx_hash", txHash))

	h.writeSuccess(w, http.StatusOK, CancelOrderResponse{OrderID: orderID, TxHash: txHash})
}

// GetPrice handles GET /api/price
func (h *OrderHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	tokenIn, okIn := h.resolveToken(r.URL.Query().Get("token_in"))
	tokenOut, okOut := h.resolveToken(r.URL.Query().Get("token_out"))
	if !okIn || !okOut {
		h.writeError(w, http.StatusBadRequest, "token_in and token_out must be supported tokens")
		return
	}

	price, err := h.writer.CurrentPrice(r.Context(), tokenIn.Address.Hex(), tokenOut.Address.Hex())
	if err != nil {
		h.writeChainError(w, "Failed to read price", err)
		return
	}

	h.writeSuccess(w, http.StatusOK, PriceResponse{
		TokenIn:  tokenIn.Symbol,
		TokenOut: tokenOut.Symbol,
		Price:    price,
	})
}

func (h *OrderHandler) resolveToken(raw string) (*tokens.Token, bool) {
	if raw == "" {
		return nil, false
	}
	if common.IsHexAddress(raw) {
		return h.registry.GetByAddress(common.HexToAddress(raw))
	}
	return h.registry.GetBySymbol(raw)
}

// parsePositiveAmount parses a strictly positive base-10 integer string.
// Decision inputs stay in big.Int end to end.
func parsePositiveAmount(raw string) (*big.Int, bool) {
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}

func (h *OrderHandler) parseOrderID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := mux.Vars(r)["order_id"]
	orderID, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid order ID")
		return 0, false
	}
	return orderID, true
}

// parsePagination validates page and limit. Out-of-range values are
// rejected, not clamped.
func (h *OrderHandler) parsePagination(w http.ResponseWriter, r *http.Request) (page, limit int, ok bool) {
	page, limit = 1, defaultPageLimit

	if raw := r.URL.Query().Get("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			h.writeError(w, http.StatusBadRequest, "page must be a positive integer")
			return 0, 0, false
		}
		page = parsed
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxPageLimit {
			h.writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return 0, 0, false
		}
		limit = parsed
	}

	return page, limit, true
}

// writeChainError maps a failed chain interaction onto the envelope. A
// revert or failure here never touches the mirror: state only changes
// when the transition is observed from the chain.
func (h *OrderHandler) writeChainError(w http.ResponseWriter, msg string, err error) {
	var revert *chain.RevertError
	switch {
	case errors.As(err, &revert):
		h.logger.Warn(msg, zap.String("tx_hash", revert.TxHash), zap.Error(err))
		h.writeError(w, http.StatusConflict, revert.Error())
	case errors.Is(err, chain.ErrOrderNotFound):
		h.writeError(w, http.StatusNotFound, "Order not found")
	default:
		h.logger.Error(msg, zap.Error(err))
		h.writeError(w, http.StatusBadGateway, msg)
	}
}

func (h *OrderHandler) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.writeJSON(w, statusCode, Envelope{Success: true, Data: data})
}

func (h *OrderHandler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, Envelope{Success: false, Message: message})
}

func (h *OrderHandler) writeJSON(w http.ResponseWriter, statusCode int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}
