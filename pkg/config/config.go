package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Bridge holds environment-driven settings for the bridge service.
type Bridge struct {
	Port string

	// Database
	DBPath string

	// Auth
	JWTSecret string
	// Shared token terminals must present in their handshake; empty
	// accepts any terminal.
	AgentToken string

	// Credential encryption key (base64, 32 bytes decoded)
	EncryptionKey string

	// Heartbeat / liveness
	HeartbeatInterval time.Duration
	RequestTimeout    time.Duration

	// Instrument catalog
	InstrumentFile string
}

// Agent holds environment-driven settings for the terminal-side agent.
type Agent struct {
	// Bridge endpoint the agent dials.
	BridgeURL string
	AccountID string
	AuthToken string

	// Connection manager
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	MaxReconnects     int

	// Risk policy
	RiskPercent         float64
	MaxDailyRiskPercent float64
	MaxOpenPositions    int
	MaxSpreadPoints     float64
	FixedLotMode        bool
	FixedLot            float64

	// Trailing stop maintenance
	TrailingEnabled  bool
	TrailingDistance float64 // pips
	TrailingInterval time.Duration

	// Instrument catalog
	InstrumentFile string

	// Simulated terminal (no live terminal attached)
	SimTerminal       bool
	SimInitialBalance float64
}

// LoadBridge reads environment variables (optionally via .env) into Bridge.
func LoadBridge() (*Bridge, error) {
	// Ignore error so the service still starts when .env is missing.
	_ = godotenv.Load()

	return &Bridge{
		Port:              getEnv("PORT", "8090"),
		DBPath:            getEnv("DB_PATH", "./data/bridge.db"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		AgentToken:        os.Getenv("AGENT_TOKEN"),
		EncryptionKey:     os.Getenv("CREDENTIAL_KEY"),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		RequestTimeout:    getEnvDuration("REQUEST_TIMEOUT", 5*time.Second),
		InstrumentFile:    getEnv("INSTRUMENT_FILE", "./config/instruments.yaml"),
	}, nil
}

// LoadAgent reads environment variables (optionally via .env) into Agent.
func LoadAgent() (*Agent, error) {
	_ = godotenv.Load()

	return &Agent{
		BridgeURL:           getEnv("BRIDGE_URL", "ws://localhost:8090/ws"),
		AccountID:           getEnv("ACCOUNT_ID", ""),
		AuthToken:           os.Getenv("AGENT_TOKEN"),
		HeartbeatInterval:   getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		ReconnectDelay:      getEnvDuration("RECONNECT_DELAY", 5*time.Second),
		MaxReconnects:       getEnvInt("MAX_RECONNECTS", 5),
		RiskPercent:         getEnvFloat("RISK_PERCENT", 1.0),
		MaxDailyRiskPercent: getEnvFloat("MAX_DAILY_RISK_PERCENT", 5.0),
		MaxOpenPositions:    getEnvInt("MAX_OPEN_POSITIONS", 5),
		MaxSpreadPoints:     getEnvFloat("MAX_SPREAD_POINTS", 30),
		FixedLotMode:        getEnv("FIXED_LOT_MODE", "false") == "true",
		FixedLot:            getEnvFloat("FIXED_LOT", 0.01),
		TrailingEnabled:     getEnv("TRAILING_ENABLED", "true") == "true",
		TrailingDistance:    getEnvFloat("TRAILING_DISTANCE_PIPS", 20),
		TrailingInterval:    getEnvDuration("TRAILING_INTERVAL", 10*time.Second),
		InstrumentFile:      getEnv("INSTRUMENT_FILE", "./config/instruments.yaml"),
		SimTerminal:         getEnv("SIM_TERMINAL", "true") == "true",
		SimInitialBalance:   getEnvFloat("SIM_INITIAL_BALANCE", 10000),
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
