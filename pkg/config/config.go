package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the leg controller.
type Config struct {
	Port string

	// Broker bridge
	BrokerBaseURL string
	BrokerAPIKey  string
	BrokerRPS     float64
	Exchange      string
	DryRun        bool

	// Instrument defaults (overridable per underlying via the instruments file)
	TargetOffset float64
	StopOffset   float64
	TickSize     float64
	Quantity     int

	// Trailing stop
	TrailActivationPct float64
	TrailLockPct       float64

	// Costs (per round trip)
	BrokeragePerOrder float64
	SlippagePerTrip   float64

	// Timers
	PollInterval            time.Duration
	ReconcileActiveInterval time.Duration
	ReconcileIdleInterval   time.Duration

	// Entry fill confirmation
	FillRetryCount   int
	FillRetryBackoff time.Duration
	FillRetryFactor  float64

	// Symbol derivation: "pair" expands a signal to its PE/CE pair,
	// "explicit" trades exactly the symbols given.
	SymbolMode string

	// Square-off
	SquareOffAt         string // HH:MM local time, empty disables
	SquareOffOnShutdown bool

	// Persistence
	DBPath string

	// Instruments file (YAML per-underlying overrides)
	InstrumentsFile string

	// Ops API auth
	JWTSecret   string
	OperatorKey string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		BrokerBaseURL: getEnv("BROKER_BASE_URL", "http://127.0.0.1:5000"),
		BrokerAPIKey:  os.Getenv("BROKER_API_KEY"),
		BrokerRPS:     getEnvFloat("BROKER_RPS", 8),
		Exchange:      getEnv("EXCHANGE", "NFO"),
		DryRun:        getEnv("DRY_RUN", "false") == "true",

		TargetOffset: getEnvFloat("TARGET_OFFSET", 5.0),
		StopOffset:   getEnvFloat("STOP_OFFSET", 3.0),
		TickSize:     getEnvFloat("TICK_SIZE", 0.05),
		Quantity:     getEnvInt("QUANTITY", 75),

		TrailActivationPct: getEnvFloat("TRAIL_ACTIVATION_PCT", 0.5),
		TrailLockPct:       getEnvFloat("TRAIL_LOCK_PCT", 0.75),

		BrokeragePerOrder: getEnvFloat("BROKERAGE_PER_ORDER", 0),
		SlippagePerTrip:   getEnvFloat("SLIPPAGE_PER_TRIP", 0),

		PollInterval:            getEnvDuration("POLL_INTERVAL", 5*time.Second),
		ReconcileActiveInterval: getEnvDuration("RECONCILE_ACTIVE_INTERVAL", 30*time.Second),
		ReconcileIdleInterval:   getEnvDuration("RECONCILE_IDLE_INTERVAL", 5*time.Minute),

		FillRetryCount:   getEnvInt("FILL_RETRY_COUNT", 5),
		FillRetryBackoff: getEnvDuration("FILL_RETRY_BACKOFF", 500*time.Millisecond),
		FillRetryFactor:  getEnvFloat("FILL_RETRY_FACTOR", 2.0),

		SymbolMode: strings.ToLower(getEnv("SYMBOL_MODE", "pair")),

		SquareOffAt:         getEnv("SQUARE_OFF_AT", ""),
		SquareOffOnShutdown: getEnv("SQUARE_OFF_ON_SHUTDOWN", "false") == "true",

		DBPath: getEnv("DB_PATH", "./data/legs.db"),

		InstrumentsFile: getEnv("INSTRUMENTS_FILE", ""),

		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
		OperatorKey: os.Getenv("OPERATOR_KEY"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
