package monitor

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"orderwatch/apps/watcher/internal/chain"
	"orderwatch/apps/watcher/internal/config"
	"orderwatch/apps/watcher/internal/events"
	"orderwatch/apps/watcher/internal/model"
)

type fakeGateway struct {
	mu            sync.Mutex
	orders        map[uint64]*model.Order
	sweepReceipt  *chain.SweepReceipt
	sweepErr      error
	sweepStarted  chan struct{}
	sweepRelease  chan struct{}
	sweepCalls    int
	protocolErrs  map[uint64]error
	protocolCalls []uint64
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		orders:       make(map[uint64]*model.Order),
		protocolErrs: make(map[uint64]error),
	}
}

func (g *fakeGateway) setOrder(order *model.Order) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders[order.OrderID] = order.Clone()
}

func (g *fakeGateway) ListOrderIDs(ctx context.Context) ([]uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]uint64, 0, len(g.orders))
	for id := range g.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (g *fakeGateway) GetOrder(ctx context.Context, orderID uint64) (*model.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	order, ok := g.orders[orderID]
	if !ok {
		return nil, chain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

func (g *fakeGateway) TriggerExecutionSweep(ctx context.Context) (*chain.SweepReceipt, error) {
	g.mu.Lock()
	g.sweepCalls++
	started := g.sweepStarted
	release := g.sweepRelease
	g.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.sweepErr != nil {
		return nil, g.sweepErr
	}
	if g.sweepReceipt != nil {
		return g.sweepReceipt, nil
	}
	return &chain.SweepReceipt{TxHash: "0xsweep"}, nil
}

func (g *fakeGateway) UpdateProtocol(ctx context.Context, orderID uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.protocolCalls = append(g.protocolCalls, orderID)
	return g.protocolErrs[orderID]
}

type fakeStore struct {
	mu      sync.Mutex
	upserts []model.Order
}

func (s *fakeStore) UpsertOrder(order model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts = append(s.upserts, order)
	return nil
}

type fakeOutbox struct {
	mu     sync.Mutex
	events []model.OutboxEvent
}

func (o *fakeOutbox) StoreOutboxEvent(event model.OutboxEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, event)
	return nil
}

type broadcastMsg struct {
	msgType string
	payload interface{}
}

type fakeBroadcaster struct {
	mu       sync.Mutex
	messages []broadcastMsg
}

func (b *fakeBroadcaster) Broadcast(msgType string, payload interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, broadcastMsg{msgType: msgType, payload: payload})
}

func (b *fakeBroadcaster) countByType(msgType string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, msg := range b.messages {
		if msg.msgType == msgType {
			count++
		}
	}
	return count
}

func testConfig() *config.Config {
	return &config.Config{
		ReconcileInterval:   time.Hour,
		ExecutionInterval:   time.Hour,
		ProtocolMultiplier:  60,
		SweepReceiptTimeout: 2 * time.Second,
	}
}

func newTestMonitor(gw *fakeGateway) (*Monitor, *fakeBroadcaster, *observer.ObservedLogs) {
	core, logs := observer.New(zap.DebugLevel)
	broadcaster := &fakeBroadcaster{}
	mon := New(testConfig(), gw, &fakeStore{}, &fakeOutbox{}, broadcaster, zap.New(core))
	return mon, broadcaster, logs
}

func createdEvent(orderID uint64, blockTime time.Time) events.OrderEvent {
	return events.OrderEvent{
		Kind:        events.KindCreated,
		OrderID:     orderID,
		User:        "0x1111111111111111111111111111111111111111",
		TokenIn:     "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		TokenOut:    "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		AmountIn:    "1000000000",
		TargetPrice: "2000000000000000000000",
		TxHash:      "0xcreate",
		BlockNumber: 100,
		BlockTime:   blockTime,
		ObservedAt:  blockTime,
	}
}

func executedEvent(orderID uint64, blockTime time.Time) events.OrderEvent {
	return events.OrderEvent{
		Kind:        events.KindExecuted,
		OrderID:     orderID,
		User:        "0x1111111111111111111111111111111111111111",
		AmountOut:   "500000000000000000",
		Interest:    "12345",
		TxHash:      "0xexecute",
		BlockNumber: 110,
		BlockTime:   blockTime,
		ObservedAt:  blockTime,
	}
}

func cancelledEvent(orderID uint64, blockTime time.Time) events.OrderEvent {
	return events.OrderEvent{
		Kind:           events.KindCancelled,
		OrderID:        orderID,
		User:           "0x1111111111111111111111111111111111111111",
		ReturnedAmount: "1000000000",
		Interest:       "777",
		TxHash:         "0xcancel",
		BlockNumber:    111,
		BlockTime:      blockTime,
		ObservedAt:     blockTime,
	}
}

func TestApplyEventLifecycle(t *testing.T) {
	mon, broadcaster, _ := newTestMonitor(newFakeGateway())
	now := time.Now().UTC()

	mon.ApplyEvent(createdEvent(1, now))

	order, ok := mon.GetOrder(1)
	if !ok {
		t.Fatal("Order should exist after created event")
	}
	if order.Status != model.StatusPending {
		t.Errorf("Expected status PENDING, got %s", order.Status)
	}
	if order.TxHashCreate != "0xcreate" {
		t.Errorf("Expected create tx hash to be recorded, got %q", order.TxHashCreate)
	}

	mon.ApplyEvent(executedEvent(1, now.Add(time.Minute)))

	order, _ = mon.GetOrder(1)
	if order.Status != model.StatusExecuted {
		t.Errorf("Expected status EXECUTED, got %s", order.Status)
	}
	if order.TxHashExecute == nil || *order.TxHashExecute != "0xexecute" {
		t.Error("Execute tx hash should be recorded")
	}
	if order.AmountOut == nil || *order.AmountOut != "500000000000000000" {
		t.Error("Amount out should be recorded")
	}
	if order.ExecutedAt == nil {
		t.Error("ExecutedAt should be set")
	}

	if len(mon.PendingOrders()) != 0 {
		t.Error("Executed order should leave the pending set")
	}
	if len(mon.History()) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(mon.History()))
	}
	if got := broadcaster.countByType("orderExecuted"); got != 1 {
		t.Errorf("Expected exactly 1 orderExecuted broadcast, got %d", got)
	}
}

func TestApplyEventIdempotent(t *testing.T) {
	mon, broadcaster, _ := newTestMonitor(newFakeGateway())
	now := time.Now().UTC()

	evt := executedEvent(1, now.Add(time.Minute))
	mon.ApplyEvent(createdEvent(1, now))
	mon.ApplyEvent(evt)
	mon.ApplyEvent(evt)
	mon.ApplyEvent(createdEvent(1, now))

	order, _ := mon.GetOrder(1)
	if order.Status != model.StatusExecuted {
		t.Errorf("Expected status EXECUTED, got %s", order.Status)
	}
	if got := broadcaster.countByType("orderExecuted"); got != 1 {
		t.Errorf("Duplicate events must not re-broadcast, got %d orderExecuted messages", got)
	}
	if got := broadcaster.countByType("orderCreated"); got != 1 {
		t.Errorf("Duplicate created event must not re-broadcast, got %d orderCreated messages", got)
	}
	if len(mon.History()) != 1 {
		t.Errorf("Duplicate events must not duplicate history, got %d entries", len(mon.History()))
	}
}

func TestTerminalConflictKeepsFirstApplied(t *testing.T) {
	mon, broadcaster, logs := newTestMonitor(newFakeGateway())
	now := time.Now().UTC()

	mon.ApplyEvent(createdEvent(1, now))
	mon.ApplyEvent(executedEvent(1, now.Add(time.Minute)))
	mon.ApplyEvent(cancelledEvent(1, now.Add(2*time.Minute)))

	order, _ := mon.GetOrder(1)
	if order.Status != model.StatusExecuted {
		t.Errorf("First applied terminal status must win, got %s", order.Status)
	}
	if got := broadcaster.countByType("orderCancelled"); got != 0 {
		t.Errorf("Discarded conflicting transition must not broadcast, got %d", got)
	}

	conflicts := logs.FilterMessage("State conflict for order").Len()
	if conflicts != 1 {
		t.Errorf("Expected exactly 1 state conflict warning, got %d", conflicts)
	}
}

func TestReconcileConvergesFromEmpty(t *testing.T) {
	gw := newFakeGateway()
	now := time.Now().UTC()
	executedAt := now.Add(time.Minute)
	txHash := "0xchainexec"
	amountOut := "42"

	gw.setOrder(&model.Order{
		OrderID: 1, UserAddress: "0xaa", TokenIn: "0xin", TokenOut: "0xout",
		AmountIn: "100", TargetPrice: "200", DepositedAmount: "100", AccruedInterest: "5",
		Protocol: model.ProtocolAave, Status: model.StatusPending, CreatedAt: now,
	})
	gw.setOrder(&model.Order{
		OrderID: 2, UserAddress: "0xbb", TokenIn: "0xin", TokenOut: "0xout",
		AmountIn: "100", TargetPrice: "200", DepositedAmount: "0", AccruedInterest: "9",
		Protocol: model.ProtocolCompound, Status: model.StatusExecuted,
		CreatedAt: now, ExecutedAt: &executedAt, TxHashExecute: &txHash, AmountOut: &amountOut,
	})

	mon, broadcaster, _ := newTestMonitor(gw)
	if err := mon.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	pending := mon.PendingOrders()
	if len(pending) != 1 || pending[0].OrderID != 1 {
		t.Fatalf("Expected order 1 pending, got %+v", pending)
	}
	if pending[0].AccruedInterest != "5" || pending[0].Protocol != model.ProtocolAave {
		t.Error("Pending order metadata should match chain state")
	}

	order2, ok := mon.GetOrder(2)
	if !ok || order2.Status != model.StatusExecuted {
		t.Fatal("Order 2 should be executed after reconcile")
	}
	if order2.TxHashExecute == nil || *order2.TxHashExecute != "0xchainexec" {
		t.Error("Reconcile should carry chain-reported execution provenance")
	}
	if got := broadcaster.countByType("pendingOrders"); got != 1 {
		t.Errorf("Expected 1 pendingOrders broadcast per reconcile, got %d", got)
	}
}

func TestReconcileDetectsMissedExecution(t *testing.T) {
	gw := newFakeGateway()
	now := time.Now().UTC()
	mon, broadcaster, _ := newTestMonitor(gw)

	mon.ApplyEvent(createdEvent(1, now))
	gw.setOrder(&model.Order{
		OrderID: 1, UserAddress: "0x1111111111111111111111111111111111111111",
		TokenIn: "0xin", TokenOut: "0xout", AmountIn: "1000000000", TargetPrice: "2000",
		DepositedAmount: "0", AccruedInterest: "12345",
		Protocol: model.ProtocolAave, Status: model.StatusExecuted, CreatedAt: now,
	})

	if err := mon.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	order, _ := mon.GetOrder(1)
	if order.Status != model.StatusExecuted {
		t.Errorf("Missed execution should be picked up by reconcile, got %s", order.Status)
	}
	if order.AccruedInterest != "12345" {
		t.Errorf("Interest should follow chain state, got %s", order.AccruedInterest)
	}
	if order.ExecutedAt == nil {
		t.Error("ExecutedAt should be stamped when the transition is observed")
	}
	if got := broadcaster.countByType("orderExecuted"); got != 1 {
		t.Errorf("Expected 1 orderExecuted broadcast, got %d", got)
	}

	// A second pass must be a no-op for the transition.
	if err := mon.Reconcile(context.Background()); err != nil {
		t.Fatalf("Second reconcile failed: %v", err)
	}
	if got := broadcaster.countByType("orderExecuted"); got != 1 {
		t.Errorf("Reconcile must not re-broadcast settled transitions, got %d", got)
	}
}

func TestSweepSingleFlight(t *testing.T) {
	gw := newFakeGateway()
	gw.sweepStarted = make(chan struct{}, 1)
	gw.sweepRelease = make(chan struct{})

	mon, _, logs := newTestMonitor(gw)

	done := make(chan struct{})
	go func() {
		mon.MaybeTriggerExecution(context.Background())
		close(done)
	}()

	<-gw.sweepStarted

	// Second cycle while the first sweep is unresolved must be skipped.
	mon.MaybeTriggerExecution(context.Background())

	gw.mu.Lock()
	calls := gw.sweepCalls
	gw.mu.Unlock()
	if calls != 1 {
		t.Fatalf("Expected 1 sweep submission while in flight, got %d", calls)
	}
	if logs.FilterMessage("Execution sweep still in flight, skipping cycle").Len() != 1 {
		t.Error("Skipped cycle should be logged")
	}

	close(gw.sweepRelease)
	<-done

	// Flag must clear once the attempt concludes.
	gw.sweepRelease = nil
	gw.sweepStarted = nil
	mon.MaybeTriggerExecution(context.Background())

	gw.mu.Lock()
	calls = gw.sweepCalls
	gw.mu.Unlock()
	if calls != 2 {
		t.Errorf("Sweep flag should clear after completion, got %d calls", calls)
	}
}

func TestSweepTimeoutClearsFlag(t *testing.T) {
	gw := newFakeGateway()
	gw.sweepRelease = make(chan struct{}) // never released; receipt wait times out

	cfg := testConfig()
	cfg.SweepReceiptTimeout = 50 * time.Millisecond
	core, logs := observer.New(zap.DebugLevel)
	mon := New(cfg, gw, &fakeStore{}, &fakeOutbox{}, &fakeBroadcaster{}, zap.New(core))

	mon.MaybeTriggerExecution(context.Background())

	if logs.FilterMessage("Execution sweep did not complete").Len() != 1 {
		t.Error("Timed-out sweep should be logged as incomplete")
	}

	// Next cycle must submit again.
	mon.MaybeTriggerExecution(context.Background())

	gw.mu.Lock()
	defer gw.mu.Unlock()
	if gw.sweepCalls != 2 {
		t.Errorf("Timeout must clear the in-flight flag, got %d calls", gw.sweepCalls)
	}
}

func TestSweepAppliesReceiptEvents(t *testing.T) {
	gw := newFakeGateway()
	now := time.Now().UTC()
	mon, broadcaster, _ := newTestMonitor(gw)

	mon.ApplyEvent(createdEvent(1, now))
	gw.setOrder(&model.Order{
		OrderID: 1, UserAddress: "0x1111111111111111111111111111111111111111",
		TokenIn: "0xin", TokenOut: "0xout", AmountIn: "1000000000", TargetPrice: "2000",
		DepositedAmount: "0", AccruedInterest: "12345",
		Protocol: model.ProtocolAave, Status: model.StatusExecuted, CreatedAt: now,
	})
	gw.sweepReceipt = &chain.SweepReceipt{
		TxHash:   "0xsweeptx",
		GasUsed:  100000,
		Executed: []events.OrderEvent{executedEvent(1, now.Add(time.Minute))},
	}

	mon.MaybeTriggerExecution(context.Background())

	order, _ := mon.GetOrder(1)
	if order.Status != model.StatusExecuted {
		t.Errorf("Sweep receipt events should execute the order, got %s", order.Status)
	}
	if order.TxHashExecute == nil || *order.TxHashExecute != "0xexecute" {
		t.Error("Execution tx hash from the receipt should be recorded")
	}
	if got := broadcaster.countByType("orderExecuted"); got != 1 {
		t.Errorf("Receipt event plus post-sweep reconcile must broadcast once, got %d", got)
	}
	if got := broadcaster.countByType("pendingOrders"); got != 1 {
		t.Errorf("Post-sweep reconcile should push the pending set, got %d", got)
	}
}

func TestProtocolUpdateIsolation(t *testing.T) {
	gw := newFakeGateway()
	now := time.Now().UTC()
	mon, _, logs := newTestMonitor(gw)

	for id := uint64(1); id <= 3; id++ {
		evt := createdEvent(id, now)
		evt.TxHash = ""
		mon.ApplyEvent(evt)
	}
	gw.protocolErrs[2] = context.DeadlineExceeded

	mon.MaybeUpdateProtocols(context.Background())

	gw.mu.Lock()
	calls := append([]uint64(nil), gw.protocolCalls...)
	gw.mu.Unlock()

	if len(calls) != 3 {
		t.Fatalf("All pending orders must be attempted, got %v", calls)
	}
	if logs.FilterMessage("Protocol update failed for order").Len() != 1 {
		t.Error("The failing order should be logged and skipped")
	}
}

func TestProtocolChangeFollowsEventTime(t *testing.T) {
	mon, broadcaster, _ := newTestMonitor(newFakeGateway())
	now := time.Now().UTC()

	mon.ApplyEvent(createdEvent(1, now))

	newer := events.OrderEvent{
		Kind: events.KindProtocolChanged, OrderID: 1,
		OldProtocol: model.ProtocolAave, NewProtocol: model.ProtocolCompound,
		InterestEarned: "10", BlockTime: now.Add(2 * time.Minute),
	}
	stale := events.OrderEvent{
		Kind: events.KindProtocolChanged, OrderID: 1,
		OldProtocol: model.ProtocolNone, NewProtocol: model.ProtocolAave,
		InterestEarned: "0", BlockTime: now.Add(time.Minute),
	}

	// Delivered out of order: the newer assignment arrives first.
	mon.ApplyEvent(newer)
	mon.ApplyEvent(stale)

	order, _ := mon.GetOrder(1)
	if order.Protocol != model.ProtocolCompound {
		t.Errorf("Stale reordered delivery must not win, got %s", order.Protocol)
	}
	if got := broadcaster.countByType("protocolChanged"); got != 1 {
		t.Errorf("Discarded stale change must not broadcast, got %d", got)
	}

	later := events.OrderEvent{
		Kind: events.KindProtocolChanged, OrderID: 1,
		OldProtocol: model.ProtocolCompound, NewProtocol: model.ProtocolAave,
		InterestEarned: "20", BlockTime: now.Add(3 * time.Minute),
	}
	mon.ApplyEvent(later)

	order, _ = mon.GetOrder(1)
	if order.Protocol != model.ProtocolAave {
		t.Errorf("Genuinely newer change must apply, got %s", order.Protocol)
	}
}

func TestOutboxReceivesAcceptedTransitions(t *testing.T) {
	gw := newFakeGateway()
	outbox := &fakeOutbox{}
	core, _ := observer.New(zap.DebugLevel)
	mon := New(testConfig(), gw, &fakeStore{}, outbox, &fakeBroadcaster{}, zap.New(core))
	now := time.Now().UTC()

	mon.ApplyEvent(createdEvent(1, now))
	mon.ApplyEvent(executedEvent(1, now.Add(time.Minute)))
	mon.ApplyEvent(executedEvent(1, now.Add(time.Minute))) // duplicate

	outbox.mu.Lock()
	defer outbox.mu.Unlock()
	if len(outbox.events) != 2 {
		t.Fatalf("Expected 2 outbox rows (created, executed), got %d", len(outbox.events))
	}
	if outbox.events[0].EventType != string(events.KindCreated) {
		t.Errorf("Unexpected first outbox event type %s", outbox.events[0].EventType)
	}
	if outbox.events[1].EventType != string(events.KindExecuted) {
		t.Errorf("Unexpected second outbox event type %s", outbox.events[1].EventType)
	}
	if outbox.events[0].EventID == outbox.events[1].EventID {
		t.Error("Outbox event IDs should be unique")
	}
}

func TestLateCreatedBackfillsEarlyTerminal(t *testing.T) {
	mon, broadcaster, _ := newTestMonitor(newFakeGateway())
	now := time.Now().UTC()

	// Reordered stream: the terminal event lands before the created event.
	mon.ApplyEvent(executedEvent(1, now.Add(time.Minute)))
	mon.ApplyEvent(createdEvent(1, now))

	order, ok := mon.GetOrder(1)
	if !ok {
		t.Fatal("Order should exist")
	}
	if order.Status != model.StatusExecuted {
		t.Errorf("Late created event must not unwind the terminal status, got %s", order.Status)
	}
	if order.AmountIn != "1000000000" {
		t.Errorf("Late created event should backfill AmountIn, got %q", order.AmountIn)
	}
	if order.TokenIn != "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48" {
		t.Errorf("Late created event should backfill TokenIn, got %q", order.TokenIn)
	}
	if order.TargetPrice != "2000000000000000000000" {
		t.Errorf("Late created event should backfill TargetPrice, got %q", order.TargetPrice)
	}
	if order.TxHashCreate != "0xcreate" {
		t.Errorf("Late created event should backfill the create tx hash, got %q", order.TxHashCreate)
	}
	if got := broadcaster.countByType("orderCreated"); got != 0 {
		t.Errorf("Backfill must not announce a new order, got %d orderCreated messages", got)
	}
	if got := broadcaster.countByType("orderExecuted"); got != 1 {
		t.Errorf("Expected exactly 1 orderExecuted broadcast, got %d", got)
	}
}

func TestReconcileRepairsPlaceholderTerminal(t *testing.T) {
	gw := newFakeGateway()
	now := time.Now().UTC()
	mon, broadcaster, _ := newTestMonitor(gw)

	// Terminal event with no prior created event leaves placeholder fields.
	mon.ApplyEvent(executedEvent(1, now.Add(time.Minute)))

	gw.setOrder(&model.Order{
		OrderID: 1, UserAddress: "0x1111111111111111111111111111111111111111",
		TokenIn: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", TokenOut: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2",
		AmountIn: "1000000000", TargetPrice: "2000000000000000000000",
		DepositedAmount: "0", AccruedInterest: "12345",
		Protocol: model.ProtocolAave, Status: model.StatusExecuted, CreatedAt: now,
	})

	if err := mon.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	order, _ := mon.GetOrder(1)
	if order.AmountIn != "1000000000" || order.TargetPrice != "2000000000000000000000" {
		t.Errorf("Reconcile should repair placeholder economics, got amount %q price %q",
			order.AmountIn, order.TargetPrice)
	}
	if order.TokenIn != "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48" {
		t.Errorf("Reconcile should fill TokenIn from the chain, got %q", order.TokenIn)
	}
	if order.Protocol != model.ProtocolAave {
		t.Errorf("Reconcile should follow the chain protocol, got %s", order.Protocol)
	}
	if got := broadcaster.countByType("orderExecuted"); got != 1 {
		t.Errorf("Field repair must not re-broadcast the transition, got %d", got)
	}

	// A second pass with an unchanged chain view must be a no-op.
	if err := mon.Reconcile(context.Background()); err != nil {
		t.Fatalf("Second reconcile failed: %v", err)
	}
	again, _ := mon.GetOrder(1)
	if again.AmountIn != order.AmountIn || again.Status != order.Status {
		t.Error("Converged state should be stable across reconciles")
	}
}

func TestPrimeOrdersHistoryNewestFirst(t *testing.T) {
	mon, _, _ := newTestMonitor(newFakeGateway())
	now := time.Now().UTC()
	older := now.Add(-2 * time.Hour)
	newer := now.Add(-time.Hour)

	// The mirror store hands history back newest-first.
	mon.Prime([]model.Order{
		{OrderID: 2, Status: model.StatusExecuted, AmountIn: "1", TargetPrice: "2", CreatedAt: older, ExecutedAt: &newer},
		{OrderID: 1, Status: model.StatusCancelled, AmountIn: "1", TargetPrice: "2", CreatedAt: older, CancelledAt: &older},
	})

	history := mon.History()
	if len(history) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(history))
	}
	if history[0].OrderID != 2 || history[1].OrderID != 1 {
		t.Errorf("History should be newest first after priming, got %d then %d",
			history[0].OrderID, history[1].OrderID)
	}

	// A live transition must land ahead of the primed entries.
	mon.ApplyEvent(createdEvent(3, now))
	mon.ApplyEvent(executedEvent(3, now.Add(time.Minute)))

	history = mon.History()
	if history[0].OrderID != 3 {
		t.Errorf("Live transition should head the history, got order %d", history[0].OrderID)
	}
}

func TestPersistentConflictWarnsOnce(t *testing.T) {
	gw := newFakeGateway()
	now := time.Now().UTC()
	mon, _, logs := newTestMonitor(gw)

	mon.ApplyEvent(createdEvent(1, now))
	mon.ApplyEvent(executedEvent(1, now.Add(time.Minute)))

	// The chain disagrees and keeps disagreeing on every cycle.
	cancelledAt := now.Add(time.Minute)
	gw.setOrder(&model.Order{
		OrderID: 1, UserAddress: "0x1111111111111111111111111111111111111111",
		TokenIn: "0xin", TokenOut: "0xout", AmountIn: "1000000000", TargetPrice: "2000",
		DepositedAmount: "0", AccruedInterest: "777",
		Protocol: model.ProtocolNone, Status: model.StatusCancelled,
		CreatedAt: now, CancelledAt: &cancelledAt,
	})

	for i := 0; i < 3; i++ {
		if err := mon.Reconcile(context.Background()); err != nil {
			t.Fatalf("Reconcile %d failed: %v", i, err)
		}
	}

	order, _ := mon.GetOrder(1)
	if order.Status != model.StatusExecuted {
		t.Errorf("First applied terminal status must survive the conflict, got %s", order.Status)
	}

	conflicts := logs.FilterMessage("State conflict for order")
	if got := conflicts.FilterLevelExact(zapcore.WarnLevel).Len(); got != 1 {
		t.Errorf("Persistent conflict should warn exactly once, got %d warnings", got)
	}
	if got := conflicts.FilterLevelExact(zapcore.DebugLevel).Len(); got != 2 {
		t.Errorf("Repeat conflicts should drop to debug, got %d debug entries", got)
	}
}

func TestPrimeDoesNotBroadcast(t *testing.T) {
	mon, broadcaster, _ := newTestMonitor(newFakeGateway())
	now := time.Now().UTC()
	executedAt := now.Add(time.Minute)

	mon.Prime([]model.Order{
		{OrderID: 1, Status: model.StatusPending, AmountIn: "1", TargetPrice: "2", CreatedAt: now},
		{OrderID: 2, Status: model.StatusExecuted, AmountIn: "1", TargetPrice: "2", CreatedAt: now, ExecutedAt: &executedAt},
	})

	if len(broadcaster.messages) != 0 {
		t.Errorf("Prime must not broadcast, got %d messages", len(broadcaster.messages))
	}
	if len(mon.PendingOrders()) != 1 {
		t.Error("Primed pending order should be visible")
	}
	if len(mon.History()) != 1 {
		t.Error("Primed terminal order should be in history")
	}

	stats := mon.Stats()
	if stats.TotalPendingOrders != 1 || stats.TotalExecutedOrders != 1 {
		t.Errorf("Unexpected stats %+v", stats)
	}
}
