package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	RpcURL          string
	ContractAddress string
	PrivateKey      string
	ChainID         int64
	DbURL           string
	KafkaBroker     string
	KafkaTopic      string
	APIPort         int

	// Watcher timing
	ReconcileInterval   time.Duration
	ExecutionInterval   time.Duration
	ProtocolMultiplier  uint64
	SweepReceiptTimeout time.Duration

	// Chain gateway tuning
	GasPriceOffsetGwei uint64
	RPCTimeout         time.Duration
	RPCMaxAttempts     int
	RPCRetryBackoff    time.Duration

	// Event bridge tuning
	ChunkSize      uint64
	FinalityOffset uint64
}

// NewConfig loads configuration from environment variables
func NewConfig() *Config {
	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	return &Config{
		RpcURL:          getEnvOrFatal("RPC_URL"),
		ContractAddress: getEnvOrFatal("CONTRACT_ADDRESS"),
		PrivateKey:      getEnvOrFatal("PRIVATE_KEY"),
		ChainID:         int64(getEnvInt("CHAIN_ID", 1)),
		DbURL:           getEnvOrFatal("DB_URL"),
		KafkaBroker:     getEnvOrFatal("KAFKA_BROKER"),
		KafkaTopic:      getEnvOrFatal("KAFKA_TOPIC"),
		APIPort:         getEnvInt("API_PORT", 8080),

		ReconcileInterval:   getEnvDuration("RECONCILE_INTERVAL", 15*time.Second),
		ExecutionInterval:   getEnvDuration("EXECUTION_INTERVAL", 60*time.Second),
		ProtocolMultiplier:  getEnvUint64("PROTOCOL_MULTIPLIER", 60),
		SweepReceiptTimeout: getEnvDuration("SWEEP_RECEIPT_TIMEOUT", 2*time.Minute),

		GasPriceOffsetGwei: getEnvUint64("GAS_PRICE_OFFSET_GWEI", 10),
		RPCTimeout:         getEnvDuration("RPC_TIMEOUT", 15*time.Second),
		RPCMaxAttempts:     getEnvInt("RPC_MAX_ATTEMPTS", 3),
		RPCRetryBackoff:    getEnvDuration("RPC_RETRY_BACKOFF", 500*time.Millisecond),

		ChunkSize:      getEnvUint64("CHUNK_SIZE", 100),
		FinalityOffset: getEnvUint64("FINALITY_OFFSET", 12),
	}
}

func getEnvOrFatal(key string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	log.Fatalf("Warning: environment variable %s not set", key)

	return ""
}

func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
