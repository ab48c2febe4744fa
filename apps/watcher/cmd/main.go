package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"orderwatch/apps/watcher/internal/api"
	"orderwatch/apps/watcher/internal/bridge"
	"orderwatch/apps/watcher/internal/chain"
	"orderwatch/apps/watcher/internal/config"
	"orderwatch/apps/watcher/internal/model"
	"orderwatch/apps/watcher/internal/monitor"
	"orderwatch/apps/watcher/internal/publisher"
	"orderwatch/apps/watcher/internal/pubsub"
	"orderwatch/apps/watcher/internal/repository"
	"orderwatch/apps/watcher/internal/tokens"
)

func main() {
	// Initialize zap logger
	logger, err := zap.NewProduction()
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	// Load configuration from environment variables
	cfg := config.NewConfig()

	logger.Info("Starting limit order watcher with configuration",
		zap.String("rpc_url", cfg.RpcURL),
		zap.String("contract_address", cfg.ContractAddress),
		zap.String("db_url", cfg.DbURL),
		zap.String("kafka_broker", cfg.KafkaBroker),
		zap.String("kafka_topic", cfg.KafkaTopic),
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
		zap.Duration("execution_interval", cfg.ExecutionInterval),
		zap.Int("api_port", cfg.APIPort),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	db, err := sql.Open("postgres", cfg.DbURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Initialize database tables
	if err := repository.InitMigration(db); err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}

	orderRepository := repository.NewOrderRepository(db, logger)
	watcherRepository := repository.NewWatcherRepository(db, logger)

	// Connect to the chain
	gateway, err := chain.NewGateway(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to create chain gateway", zap.Error(err))
	}
	defer gateway.Close()

	// Monitor and push channel reference each other: the hub needs the
	// monitor's snapshot for new subscribers, the monitor broadcasts
	// through the hub.
	var mon *monitor.Monitor
	hub := pubsub.NewHub(func() interface{} { return mon.Snapshot() }, logger)
	mon = monitor.New(cfg, gateway, orderRepository, watcherRepository, hub, logger)
	go hub.Run()

	// Warm the in-memory view from the mirror store
	pending, err := orderRepository.ListOrdersByStatus(model.StatusPending)
	if err != nil {
		logger.Fatal("Failed to load pending orders", zap.Error(err))
	}
	history, _, err := orderRepository.ListHistory(256, 0)
	if err != nil {
		logger.Fatal("Failed to load order history", zap.Error(err))
	}
	mon.Prime(append(history, pending...))
	logger.Info("Primed order monitor",
		zap.Int("pending", len(pending)), zap.Int("history", len(history)))

	// First reconcile runs before the timers so the API never serves an
	// empty view on a fresh database.
	if err := mon.Reconcile(ctx); err != nil {
		logger.Error("Initial reconcile failed", zap.Error(err))
	}
	mon.Start(ctx)

	// Create event publisher
	eventPublisher, err := publisher.NewEventPublisher(cfg.KafkaBroker, cfg.KafkaTopic, logger, watcherRepository)
	if err != nil {
		logger.Fatal("Failed to create event publisher", zap.Error(err))
	}
	defer eventPublisher.Close()

	// Start event publisher in background
	go eventPublisher.StartPublishing(ctx)

	// Start the event bridge in background
	eventBridge := bridge.NewBridge(cfg, gateway, mon, watcherRepository, logger)
	go func() {
		if err := eventBridge.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Fatal("Event bridge failed", zap.Error(err))
		}
	}()

	// Create and start API server
	orderHandler := api.NewOrderHandler(mon, orderRepository, gateway, tokens.NewRegistry(), logger)
	apiServer := api.NewServer(cfg.APIPort, orderHandler, hub.HandleWebSocket, logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Fatal("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for shutdown signal
	<-sigChan
	logger.Info("Received shutdown signal, starting graceful shutdown...")

	cancel()

	// Create a context with timeout for shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown API server gracefully
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error shutting down API server", zap.Error(err))
	}

	logger.Info("Watcher shutdown complete")
}
