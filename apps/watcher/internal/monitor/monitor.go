package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderwatch/apps/watcher/internal/chain"
	"orderwatch/apps/watcher/internal/config"
	"orderwatch/apps/watcher/internal/events"
	"orderwatch/apps/watcher/internal/model"
)

// historyLimit caps the in-memory recent-history window. The mirror store
// keeps the full record.
const historyLimit = 256

// Gateway is the chain surface the monitor drives.
type Gateway interface {
	ListOrderIDs(ctx context.Context) ([]uint64, error)
	GetOrder(ctx context.Context, orderID uint64) (*model.Order, error)
	TriggerExecutionSweep(ctx context.Context) (*chain.SweepReceipt, error)
	UpdateProtocol(ctx context.Context, orderID uint64) error
}

// Store is the mirror the monitor keeps converged with chain state.
type Store interface {
	UpsertOrder(order model.Order) error
}

// Outbox receives a durable copy of every accepted state transition for
// the Kafka publisher.
type Outbox interface {
	StoreOutboxEvent(event model.OutboxEvent) error
}

// Broadcaster pushes accepted transitions to connected subscribers,
// best-effort.
type Broadcaster interface {
	Broadcast(msgType string, payload interface{})
}

// Stats is the periodic summary pushed to subscribers.
type Stats struct {
	TotalPendingOrders  int       `json:"total_pending_orders"`
	TotalExecutedOrders int       `json:"total_executed_orders"`
	LastChecked         time.Time `json:"last_checked"`
}

// Snapshot is the full state a new subscriber receives on connect.
type Snapshot struct {
	PendingOrders []model.Order `json:"pending_orders"`
	OrderHistory  []model.Order `json:"order_history"`
}

// Monitor owns the authoritative in-memory view of the pending set and
// recent history. All mutations flow through applyLocked under a single
// mutex; timers and the event bridge feed it from independent goroutines.
type Monitor struct {
	gateway     Gateway
	store       Store
	outbox      Outbox
	broadcaster Broadcaster
	logger      *zap.Logger

	reconcileInterval   time.Duration
	executionInterval   time.Duration
	protocolInterval    time.Duration
	statsInterval       time.Duration
	sweepReceiptTimeout time.Duration

	mu             sync.RWMutex
	orders         map[uint64]*model.Order
	protocolAt     map[uint64]time.Time
	conflictWarned map[uint64]bool
	history        []model.Order

	// At most one execution-sweep transaction in flight at a time.
	sweepInFlight atomic.Bool
}

func New(cfg *config.Config, gateway Gateway, store Store, outbox Outbox, broadcaster Broadcaster, logger *zap.Logger) *Monitor {
	protocolInterval := cfg.ExecutionInterval * time.Duration(cfg.ProtocolMultiplier)

	return &Monitor{
		gateway:             gateway,
		store:               store,
		outbox:              outbox,
		broadcaster:         broadcaster,
		logger:              logger,
		reconcileInterval:   cfg.ReconcileInterval,
		executionInterval:   cfg.ExecutionInterval,
		protocolInterval:    protocolInterval,
		statsInterval:       5 * time.Minute,
		sweepReceiptTimeout: cfg.SweepReceiptTimeout,
		orders:              make(map[uint64]*model.Order),
		protocolAt:          make(map[uint64]time.Time),
		conflictWarned:      make(map[uint64]bool),
	}
}

// Start launches the timer-driven tasks. Each runs on its own goroutine
// so a slow reconcile never delays the execution timer.
func (m *Monitor) Start(ctx context.Context) {
	go m.runEvery(ctx, m.reconcileInterval, func(ctx context.Context) {
		if err := m.Reconcile(ctx); err != nil {
			m.logger.Error("Reconcile cycle failed", zap.Error(err))
		}
	})
	go m.runEvery(ctx, m.executionInterval, m.MaybeTriggerExecution)
	go m.runEvery(ctx, m.protocolInterval, m.MaybeUpdateProtocols)
	go m.runEvery(ctx, m.statsInterval, func(context.Context) {
		m.broadcaster.Broadcast("stats", m.Stats())
	})
}

func (m *Monitor) runEvery(ctx context.Context, interval time.Duration, task func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task(ctx)
		}
	}
}

// Prime seeds the in-memory view from the mirror store at startup,
// without broadcasting or re-persisting.
func (m *Monitor) Prime(orders []model.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var terminal []model.Order
	for i := range orders {
		order := orders[i].Clone()
		m.orders[order.OrderID] = order
		if order.Status.Terminal() {
			terminal = append(terminal, *order)
		}
	}

	// History is append-only oldest-to-newest; the store hands rows back
	// newest-first, so order by conclusion time regardless of input order.
	sort.Slice(terminal, func(i, j int) bool {
		return concludedAt(&terminal[i]).Before(concludedAt(&terminal[j]))
	})
	m.history = append(m.history, terminal...)
	m.trimHistoryLocked()
}

func concludedAt(o *model.Order) time.Time {
	switch {
	case o.ExecutedAt != nil:
		return *o.ExecutedAt
	case o.CancelledAt != nil:
		return *o.CancelledAt
	default:
		return o.CreatedAt
	}
}

// outcome collects the side effects of one applied mutation so network
// and database I/O happen outside the state lock.
type outcome struct {
	persist   *model.Order
	broadcast string
	payload   interface{}
	outboxEvt *events.OrderEvent
}

// ApplyEvent is the single idempotent entry point for the normalized
// event stream. It never fails the caller: the bridge delivers
// at-least-once and duplicates or conflicts are absorbed here.
func (m *Monitor) ApplyEvent(evt events.OrderEvent) {
	m.mu.Lock()
	out := m.applyEventLocked(evt)
	m.mu.Unlock()

	m.commit(out)
}

func (m *Monitor) applyEventLocked(evt events.OrderEvent) outcome {
	switch evt.Kind {
	case events.KindCreated:
		return m.applyCreatedLocked(evt)
	case events.KindExecuted, events.KindCancelled:
		return m.applyTerminalEventLocked(evt)
	case events.KindProtocolChanged:
		return m.applyProtocolChangedLocked(evt)
	default:
		m.logger.Warn("Unknown event kind", zap.String("kind", string(evt.Kind)), zap.Uint64("order_id", evt.OrderID))
		return outcome{}
	}
}

func (m *Monitor) applyCreatedLocked(evt events.OrderEvent) outcome {
	if existing, ok := m.orders[evt.OrderID]; ok {
		// Either a duplicate delivery or the late Created half of a
		// reordered stream. A record first observed through a terminal or
		// protocol event carries placeholder economics (empty TokenIn);
		// backfill the immutable fields the first observation lacked.
		changed := false
		if existing.TxHashCreate == "" && evt.TxHash != "" {
			existing.TxHashCreate = evt.TxHash
			changed = true
		}
		if existing.TokenIn == "" && evt.TokenIn != "" {
			existing.UserAddress = evt.User
			existing.TokenIn = evt.TokenIn
			existing.TokenOut = evt.TokenOut
			existing.AmountIn = evt.AmountIn
			existing.TargetPrice = evt.TargetPrice
			existing.CreatedAt = evt.BlockTime
			existing.BlockNumber = evt.BlockNumber
			if existing.Status == model.StatusPending {
				existing.DepositedAmount = evt.AmountIn
			}
			changed = true
		}
		if changed {
			return outcome{persist: existing.Clone()}
		}
		return outcome{}
	}

	order := &model.Order{
		OrderID:         evt.OrderID,
		UserAddress:     evt.User,
		TokenIn:         evt.TokenIn,
		TokenOut:        evt.TokenOut,
		AmountIn:        evt.AmountIn,
		TargetPrice:     evt.TargetPrice,
		DepositedAmount: evt.AmountIn,
		AccruedInterest: "0",
		Protocol:        model.ProtocolNone,
		Status:          model.StatusPending,
		BlockNumber:     evt.BlockNumber,
		CreatedAt:       evt.BlockTime,
		TxHashCreate:    evt.TxHash,
	}
	m.orders[evt.OrderID] = order

	return outcome{
		persist:   order.Clone(),
		broadcast: "orderCreated",
		payload:   order.Clone(),
		outboxEvt: &evt,
	}
}

func (m *Monitor) applyTerminalEventLocked(evt events.OrderEvent) outcome {
	target := model.StatusExecuted
	if evt.Kind == events.KindCancelled {
		target = model.StatusCancelled
	}

	order, ok := m.orders[evt.OrderID]
	if !ok {
		// First observation already terminal.
		order = &model.Order{
			OrderID:         evt.OrderID,
			UserAddress:     evt.User,
			TokenOut:        evt.TokenOut,
			AmountIn:        "0",
			TargetPrice:     "0",
			DepositedAmount: "0",
			AccruedInterest: "0",
			Protocol:        model.ProtocolNone,
			Status:          model.StatusPending,
			BlockNumber:     evt.BlockNumber,
			CreatedAt:       evt.BlockTime,
		}
		m.orders[evt.OrderID] = order
	}

	if order.Status.Terminal() {
		if order.Status != target {
			// Conflicting terminal reports: earliest applied wins.
			m.warnConflictLocked(evt.OrderID, order.Status, target, evt.TxHash)
			return outcome{}
		}
		// Duplicate terminal event; merge provenance.
		if merged := m.mergeTerminalProvenanceLocked(order, evt); merged {
			return outcome{persist: order.Clone()}
		}
		return outcome{}
	}

	now := evt.ObservedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	order.Status = target
	if evt.Interest != "" {
		order.AccruedInterest = evt.Interest
	}

	msgType := "orderExecuted"
	if target == model.StatusExecuted {
		order.ExecutedAt = &now
		if evt.TxHash != "" {
			hash := evt.TxHash
			order.TxHashExecute = &hash
		}
		if evt.AmountOut != "" {
			amountOut := evt.AmountOut
			order.AmountOut = &amountOut
		}
	} else {
		msgType = "orderCancelled"
		order.CancelledAt = &now
		if evt.TxHash != "" {
			hash := evt.TxHash
			order.TxHashCancel = &hash
		}
	}

	m.history = append(m.history, *order.Clone())
	m.trimHistoryLocked()

	return outcome{
		persist:   order.Clone(),
		broadcast: msgType,
		payload:   order.Clone(),
		outboxEvt: &evt,
	}
}

func (m *Monitor) mergeTerminalProvenanceLocked(order *model.Order, evt events.OrderEvent) bool {
	merged := false
	if evt.TxHash != "" {
		hash := evt.TxHash
		if order.Status == model.StatusExecuted && order.TxHashExecute == nil {
			order.TxHashExecute = &hash
			merged = true
		}
		if order.Status == model.StatusCancelled && order.TxHashCancel == nil {
			order.TxHashCancel = &hash
			merged = true
		}
	}
	if evt.AmountOut != "" && order.AmountOut == nil {
		amountOut := evt.AmountOut
		order.AmountOut = &amountOut
		merged = true
	}
	return merged
}

func (m *Monitor) applyProtocolChangedLocked(evt events.OrderEvent) outcome {
	order, ok := m.orders[evt.OrderID]
	if !ok {
		order = &model.Order{
			OrderID:         evt.OrderID,
			AmountIn:        "0",
			TargetPrice:     "0",
			DepositedAmount: "0",
			AccruedInterest: "0",
			Protocol:        model.ProtocolNone,
			Status:          model.StatusPending,
			CreatedAt:       evt.BlockTime,
		}
		m.orders[evt.OrderID] = order
	}

	// Protocol assignment follows event time, not delivery order: a stale
	// reordered delivery never overwrites a newer assignment.
	if last, ok := m.protocolAt[evt.OrderID]; ok && !evt.BlockTime.After(last) {
		return outcome{}
	}
	m.protocolAt[evt.OrderID] = evt.BlockTime

	order.Protocol = evt.NewProtocol

	return outcome{
		persist:   order.Clone(),
		broadcast: "protocolChanged",
		payload:   order.Clone(),
		outboxEvt: &evt,
	}
}

// refreshFromChainLocked converges the non-status fields of a mirrored
// order to an authoritative chain read. Status transitions and wall-clock
// provenance are handled by the caller.
func (m *Monitor) refreshFromChainLocked(existing, onchain *model.Order) bool {
	changed := false
	if onchain.UserAddress != "" && existing.UserAddress != onchain.UserAddress {
		existing.UserAddress = onchain.UserAddress
		changed = true
	}
	if onchain.TokenIn != "" && existing.TokenIn != onchain.TokenIn {
		existing.TokenIn = onchain.TokenIn
		changed = true
	}
	if onchain.TokenOut != "" && existing.TokenOut != onchain.TokenOut {
		existing.TokenOut = onchain.TokenOut
		changed = true
	}
	if existing.AmountIn != onchain.AmountIn {
		existing.AmountIn = onchain.AmountIn
		changed = true
	}
	if existing.TargetPrice != onchain.TargetPrice {
		existing.TargetPrice = onchain.TargetPrice
		changed = true
	}
	if existing.DepositedAmount != onchain.DepositedAmount {
		existing.DepositedAmount = onchain.DepositedAmount
		changed = true
	}
	if existing.AccruedInterest != onchain.AccruedInterest {
		existing.AccruedInterest = onchain.AccruedInterest
		changed = true
	}
	if existing.Protocol != onchain.Protocol {
		existing.Protocol = onchain.Protocol
		changed = true
	}
	if !onchain.CreatedAt.IsZero() && !existing.CreatedAt.Equal(onchain.CreatedAt) {
		existing.CreatedAt = onchain.CreatedAt
		changed = true
	}
	return changed
}

// warnConflictLocked surfaces a conflicting terminal report at warn level
// once per order; repeats of the same settled conflict drop to debug so a
// persistent disagreement does not flood the log on every cycle.
func (m *Monitor) warnConflictLocked(orderID uint64, applied, discarded model.OrderStatus, txHash string) {
	fields := []zap.Field{
		zap.Uint64("order_id", orderID),
		zap.String("applied_status", string(applied)),
		zap.String("discarded_status", string(discarded)),
	}
	if txHash != "" {
		fields = append(fields, zap.String("source_tx_hash", txHash))
	}

	if m.conflictWarned[orderID] {
		m.logger.Debug("State conflict for order", fields...)
		return
	}
	m.conflictWarned[orderID] = true
	m.logger.Warn("State conflict for order", fields...)
}

// Reconcile pulls the authoritative order set from the chain and applies
// any transitions event delivery missed. Events are the latency path;
// this is the correctness backstop.
func (m *Monitor) Reconcile(ctx context.Context) error {
	ids, err := m.gateway.ListOrderIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		onchain, err := m.gateway.GetOrder(ctx, id)
		if err != nil {
			// One unreadable order must not abort the cycle.
			m.logger.Warn("Failed to read order during reconcile",
				zap.Uint64("order_id", id), zap.Error(err))
			continue
		}

		m.mu.Lock()
		out := m.applyChainStateLocked(onchain)
		m.mu.Unlock()
		m.commit(out)
	}

	m.broadcaster.Broadcast("pendingOrders", m.PendingOrders())
	return nil
}

func (m *Monitor) applyChainStateLocked(onchain *model.Order) outcome {
	existing, ok := m.orders[onchain.OrderID]
	if !ok {
		order := onchain.Clone()
		m.orders[order.OrderID] = order

		msgType := "orderCreated"
		if order.Status.Terminal() {
			now := time.Now().UTC()
			if order.Status == model.StatusExecuted {
				msgType = "orderExecuted"
				if order.ExecutedAt == nil {
					order.ExecutedAt = &now
				}
			} else {
				msgType = "orderCancelled"
				if order.CancelledAt == nil {
					order.CancelledAt = &now
				}
			}
			m.history = append(m.history, *order.Clone())
			m.trimHistoryLocked()
		}

		return outcome{persist: order.Clone(), broadcast: msgType, payload: order.Clone()}
	}

	if existing.Status.Terminal() {
		if onchain.Status == existing.Status {
			// Status already settled; converge everything else so the view
			// exactly matches the chain even when the transition was first
			// observed through a reordered event stream.
			if m.refreshFromChainLocked(existing, onchain) {
				return outcome{persist: existing.Clone()}
			}
			return outcome{}
		}
		if onchain.Status.Terminal() {
			m.warnConflictLocked(onchain.OrderID, existing.Status, onchain.Status, "")
		}
		return outcome{}
	}

	if !onchain.Status.Terminal() {
		// Still pending on-chain; refresh to the authoritative read.
		if m.refreshFromChainLocked(existing, onchain) {
			return outcome{persist: existing.Clone()}
		}
		return outcome{}
	}

	// Missed transition: the chain says terminal, our view says pending.
	now := time.Now().UTC()
	m.refreshFromChainLocked(existing, onchain)
	existing.Status = onchain.Status

	msgType := "orderExecuted"
	if onchain.Status == model.StatusExecuted {
		existing.ExecutedAt = &now
		if onchain.ExecutedAt != nil {
			existing.ExecutedAt = onchain.ExecutedAt
		}
		if onchain.TxHashExecute != nil {
			existing.TxHashExecute = onchain.TxHashExecute
		}
		if onchain.AmountOut != nil {
			existing.AmountOut = onchain.AmountOut
		}
	} else {
		msgType = "orderCancelled"
		existing.CancelledAt = &now
		if onchain.CancelledAt != nil {
			existing.CancelledAt = onchain.CancelledAt
		}
		if onchain.TxHashCancel != nil {
			existing.TxHashCancel = onchain.TxHashCancel
		}
	}

	m.history = append(m.history, *existing.Clone())
	m.trimHistoryLocked()

	return outcome{persist: existing.Clone(), broadcast: msgType, payload: existing.Clone()}
}

// MaybeTriggerExecution submits one execution sweep unless a prior
// sweep's receipt is still unresolved, in which case the cycle is
// skipped rather than double-submitting.
func (m *Monitor) MaybeTriggerExecution(ctx context.Context) {
	if !m.sweepInFlight.CompareAndSwap(false, true) {
		m.logger.Info("Execution sweep still in flight, skipping cycle")
		return
	}
	// The attempt concludes here whether mined, reverted, or timed out;
	// the flag must never stay set and wedge the watcher.
	defer m.sweepInFlight.Store(false)

	sweepCtx, cancel := context.WithTimeout(ctx, m.sweepReceiptTimeout)
	defer cancel()

	receipt, err := m.gateway.TriggerExecutionSweep(sweepCtx)
	if err != nil {
		var revert *chain.RevertError
		if errors.As(err, &revert) {
			m.logger.Error("Execution sweep reverted",
				zap.String("tx_hash", revert.TxHash), zap.Error(err))
		} else {
			m.logger.Warn("Execution sweep did not complete", zap.Error(err))
		}
		return
	}

	m.logger.Info("Execution sweep mined",
		zap.String("tx_hash", receipt.TxHash),
		zap.Uint64("gas_used", receipt.GasUsed),
		zap.Int("executed_orders", len(receipt.Executed)))

	for _, evt := range receipt.Executed {
		m.ApplyEvent(evt)
	}

	// Pick up the sweep's effects now rather than waiting a full cycle.
	if err := m.Reconcile(ctx); err != nil {
		m.logger.Error("Post-sweep reconcile failed", zap.Error(err))
	}
}

// MaybeUpdateProtocols asks the contract to re-evaluate the lending
// venue of every pending order. Each order is isolated: one failure is
// logged and skipped, the rest of the batch proceeds.
func (m *Monitor) MaybeUpdateProtocols(ctx context.Context) {
	pending := m.PendingOrders()

	for _, order := range pending {
		if err := m.gateway.UpdateProtocol(ctx, order.OrderID); err != nil {
			m.logger.Warn("Protocol update failed for order",
				zap.Uint64("order_id", order.OrderID), zap.Error(err))
			continue
		}
		m.logger.Info("Checked lending protocol for order", zap.Uint64("order_id", order.OrderID))
	}
}

// PendingOrders returns a sorted copy of the current pending set.
func (m *Monitor) PendingOrders() []model.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := make([]model.Order, 0, len(m.orders))
	for _, order := range m.orders {
		if order.Status == model.StatusPending {
			pending = append(pending, *order.Clone())
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].OrderID < pending[j].OrderID })
	return pending
}

// History returns the recent terminal orders, newest first.
func (m *Monitor) History() []model.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := make([]model.Order, 0, len(m.history))
	for i := len(m.history) - 1; i >= 0; i-- {
		history = append(history, m.history[i])
	}
	return history
}

// GetOrder returns the monitor's view of one order, if known.
func (m *Monitor) GetOrder(orderID uint64) (*model.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	order, ok := m.orders[orderID]
	if !ok {
		return nil, false
	}
	return order.Clone(), true
}

func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{LastChecked: time.Now().UTC()}
	for _, order := range m.orders {
		switch order.Status {
		case model.StatusPending:
			stats.TotalPendingOrders++
		case model.StatusExecuted:
			stats.TotalExecutedOrders++
		}
	}
	return stats
}

// Snapshot captures the state a new subscriber receives on connect.
func (m *Monitor) Snapshot() Snapshot {
	return Snapshot{
		PendingOrders: m.PendingOrders(),
		OrderHistory:  m.History(),
	}
}

func (m *Monitor) trimHistoryLocked() {
	if len(m.history) > historyLimit {
		m.history = m.history[len(m.history)-historyLimit:]
	}
}

// commit performs the I/O side of an applied mutation outside the state
// lock. Failures are logged and absorbed: reconciliation re-converges
// the mirror and subscribers simply miss one push.
func (m *Monitor) commit(out outcome) {
	if out.persist != nil && m.store != nil {
		if err := m.store.UpsertOrder(*out.persist); err != nil {
			m.logger.Error("Failed to persist order to mirror store",
				zap.Uint64("order_id", out.persist.OrderID), zap.Error(err))
		}
	}

	if out.outboxEvt != nil && m.outbox != nil {
		blob, err := json.Marshal(out.outboxEvt)
		if err != nil {
			m.logger.Error("Failed to marshal outbox event", zap.Error(err))
		} else if err := m.outbox.StoreOutboxEvent(model.OutboxEvent{
			EventID:     uuid.New().String(),
			OrderID:     out.outboxEvt.OrderID,
			EventType:   string(out.outboxEvt.Kind),
			Status:      "unsent",
			BlockNumber: out.outboxEvt.BlockNumber,
			TxHash:      out.outboxEvt.TxHash,
			EventBlob:   blob,
		}); err != nil {
			m.logger.Error("Failed to store outbox event",
				zap.Uint64("order_id", out.outboxEvt.OrderID), zap.Error(err))
		}
	}

	if out.broadcast != "" && m.broadcaster != nil {
		m.broadcaster.Broadcast(out.broadcast, out.payload)
	}
}
