package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Persistence
	StorePath string

	// Strategy definitions
	StrategiesPath string

	// Event bus
	EventHistoryCap int

	// Recovery
	RecoveryOrderTimeout time.Duration
	RecoveryParallelism  int
	BrokerQueriesPerSec  float64

	// Broker
	BrokerMode string // "paper" is the only built-in; real brokers plug in via the port

	// Event fanout
	FanoutEnabled bool
	FanoutHost    string
	FanoutPort    int

	// Telemetry
	LogLevel string
}

func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		StorePath:      envStr("CORE_STORE_PATH", "data/execution-core.db"),
		StrategiesPath: envStr("CORE_STRATEGIES_PATH", "internal/config/strategies.yaml"),

		EventHistoryCap: envInt("CORE_EVENT_HISTORY_CAP", 1000),

		// A single unreachable broker must not stall the whole recovery
		// pass, so each order gets its own deadline.
		RecoveryOrderTimeout: time.Duration(envInt("CORE_RECOVERY_ORDER_TIMEOUT_SEC", 10)) * time.Second,
		RecoveryParallelism:  envInt("CORE_RECOVERY_PARALLELISM", 4),
		BrokerQueriesPerSec:  float64(envInt("CORE_BROKER_QPS", 10)),

		BrokerMode: envStr("CORE_BROKER_MODE", "paper"),

		FanoutEnabled: envStr("CORE_FANOUT_ENABLED", "true") == "true",
		FanoutHost:    envStr("CORE_FANOUT_HOST", "0.0.0.0"),
		FanoutPort:    envInt("CORE_FANOUT_PORT", 8790),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
