package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Database
	DatabasePath string

	// Governor
	MaxLossCooldown       int
	CooldownDuration      time.Duration
	MaxOpenPositionsPerVA int
	KillSwitchEnabled     bool
	StopAttachFailLimit   int

	// Filters
	MaxSpreadBps       float64
	MaxSlippageBps     float64
	MaxLatencyMs       float64
	TradingWindowStart string // "HH:MM"; empty window = always open
	TradingWindowEnd   string
	TradingTimezone    string

	// Order manager
	ReconcileInterval   time.Duration
	StopLossPercentage  float64
	StaleOrderThreshold time.Duration
	ExchangeCallTimeout time.Duration

	// Execution loop
	SignalQueueSize int

	// Dashboard API
	JWTSecret   string
	OperatorKey string

	// Virtual accounts bootstrap
	AccountsFile string

	// Market / demo plumbing
	Symbols         []string
	SimulateSignals bool
}

// AccountSpec seeds one virtual account at startup.
type AccountSpec struct {
	VAID    string  `yaml:"va_id"`
	Balance float64 `yaml:"balance"`
}

type accountsFile struct {
	Accounts []AccountSpec `yaml:"accounts"`
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:         envOr("PORT", "8080"),
		DatabasePath: envOr("DATABASE_PATH", "./data/execution.db"),

		MaxLossCooldown:       envOr("MAX_LOSS_COOLDOWN", 3),
		CooldownDuration:      time.Duration(envOr("COOLDOWN_DURATION_SECONDS", 300)) * time.Second,
		MaxOpenPositionsPerVA: envOr("MAX_OPEN_POSITIONS_PER_VA", 5),
		KillSwitchEnabled:     envOr("KILL_SWITCH_ENABLED", false),
		StopAttachFailLimit:   envOr("STOP_ATTACH_FAIL_LIMIT", 3),

		MaxSpreadBps:       envOr("MAX_SPREAD_BPS", 10.0),
		MaxSlippageBps:     envOr("MAX_SLIPPAGE_BPS", 5.0),
		MaxLatencyMs:       envOr("MAX_LATENCY_MS", 500.0),
		TradingWindowStart: envOr("TRADING_WINDOW_START", "09:30"),
		TradingWindowEnd:   envOr("TRADING_WINDOW_END", "16:00"),
		TradingTimezone:    envOr("TRADING_TIMEZONE", "UTC"),

		ReconcileInterval:   time.Duration(envOr("RECONCILE_INTERVAL_SECONDS", 5)) * time.Second,
		StopLossPercentage:  envOr("STOP_LOSS_PERCENTAGE", 2.0),
		StaleOrderThreshold: time.Duration(envOr("STALE_ORDER_SECONDS", 30)) * time.Second,
		ExchangeCallTimeout: time.Duration(envOr("EXCHANGE_CALL_TIMEOUT_MS", 2000)) * time.Millisecond,

		SignalQueueSize: envOr("SIGNAL_QUEUE_SIZE", 256),

		JWTSecret:   envOr("JWT_SECRET", "dev-secret"),
		OperatorKey: envOr("OPERATOR_KEY", ""),

		AccountsFile: envOr("ACCOUNTS_FILE", ""),

		Symbols:         splitList(envOr("SYMBOLS", "AAPL,GOOGL,MSFT,TSLA,AMZN")),
		SimulateSignals: envOr("SIMULATE_SIGNALS", true),
	}, nil
}

// splitList breaks a comma-separated variable into its non-empty
// entries, tolerating whitespace around them.
func splitList(val string) []string {
	return strings.FieldsFunc(val, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
}

// LoadAccounts parses the VA bootstrap file. A missing path returns a
// default set so the engine can start without configuration.
func LoadAccounts(path string) ([]AccountSpec, error) {
	if path == "" {
		return []AccountSpec{
			{VAID: "VA001", Balance: 100000},
			{VAID: "VA002", Balance: 100000},
			{VAID: "VA003", Balance: 100000},
		}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts file: %w", err)
	}

	var f accountsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse accounts file: %w", err)
	}
	if len(f.Accounts) == 0 {
		return nil, fmt.Errorf("accounts file %s defines no accounts", path)
	}
	for _, a := range f.Accounts {
		if a.VAID == "" {
			return nil, fmt.Errorf("accounts file %s: account with empty va_id", path)
		}
		if a.Balance <= 0 {
			return nil, fmt.Errorf("accounts file %s: account %s has non-positive balance", path, a.VAID)
		}
	}
	return f.Accounts, nil
}

// envOr parses the environment variable into the type of its default,
// falling back to the default when the variable is unset or malformed.
func envOr[T string | int | float64 | bool](key string, def T) T {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}

	var parsed any
	switch any(def).(type) {
	case string:
		parsed = raw
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return def
		}
		parsed = b
	case int:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return def
		}
		parsed = n
	case float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return def
		}
		parsed = f
	}
	return parsed.(T)
}
