package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config aggregates application configuration values.
type Config struct {
	HTTP        HTTPConfig
	Logging     LoggingConfig
	Store       StoreConfig
	Graph       GraphConfig
	Postgres    PostgresConfig
	Redis       RedisConfig
	Rates       RatesConfig
	MobileMoney MobileMoneyConfig
	Chain       ChainConfig
	Locks       LocksConfig
	Payments    PaymentsConfig
	Sweeper     SweeperConfig
}

// HTTPConfig governs HTTP server behaviour.
type HTTPConfig struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	ReadHeaderTimeout  time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	ShutdownTimeout    time.Duration
	AllowedOriginsCSV  string
	IdempotencyEnabled bool
	IdempotencyTTL     time.Duration
}

// LoggingConfig controls structured logging settings.
type LoggingConfig struct {
	Level         string
	Format        string // text|json
	IncludeCaller bool
}

// Store backends.
const (
	StoreMemory   = "memory"
	StoreGraph    = "graph"
	StorePostgres = "postgres"
)

// StoreConfig selects where transactions and escrows are persisted.
type StoreConfig struct {
	Backend string
}

// GraphConfig describes connectivity to the graph database (Neo4j).
type GraphConfig struct {
	URI            string
	Database       string
	Username       string
	Password       string
	MaxConnections int
	TxTimeout      time.Duration
}

// PostgresConfig describes the relational store.
type PostgresConfig struct {
	URL            string
	MaxConns       int
	AutoMigrate    bool
	ConnectTimeout time.Duration
}

// RedisConfig describes the Redis used for locks and idempotency.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RatesConfig tunes the exchange rate cache.
type RatesConfig struct {
	SourceURL    string
	StaticRate   decimal.Decimal
	FallbackRate decimal.Decimal
	TTL          time.Duration
	FetchTimeout time.Duration
}

// Gateway and chain client modes.
const (
	ModeSandbox = "sandbox"
	ModeDaraja  = "daraja"
	ModeRelay   = "relay"
)

// MobileMoneyConfig selects and configures the collection gateway.
type MobileMoneyConfig struct {
	Mode              string
	BaseURL           string
	ConsumerKey       string
	ConsumerSecret    string
	BusinessShortCode string
	Passkey           string
	CallbackURL       string
	CallTimeout       time.Duration
}

// ChainConfig selects and configures the escrow ledger.
type ChainConfig struct {
	Mode            string
	RelayURL        string
	RelayAPIKey     string
	CallTimeout     time.Duration
	ApproverAddress string
}

// Lock backends.
const (
	LocksLocal = "local"
	LocksRedis = "redis"
)

// LocksConfig selects per-identifier locking.
type LocksConfig struct {
	Backend string
	TTL     time.Duration
}

// PaymentsConfig tunes the orchestrator.
type PaymentsConfig struct {
	// PersistTimeout bounds store writes made after an external call.
	PersistTimeout time.Duration
}

// SweeperConfig controls the background pending-deposit sweeper.
type SweeperConfig struct {
	Enabled  bool
	Interval time.Duration
	Workers  int
}

const (
	defaultHost             = "0.0.0.0"
	defaultPort             = 8080
	defaultReadTimeout      = 10 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultIdleTimeout      = 60 * time.Second
	defaultShutdownTimeout  = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultLoggingLevel     = "info"
	defaultLoggingFormat    = "text"
	defaultGraphMaxSessions = 10
	defaultPostgresConns    = 10
	defaultRedisAddr        = "localhost:6379"
	defaultRateTTL          = 300 * time.Second
	defaultRateTimeout      = 5 * time.Second
	defaultCallTimeout      = 15 * time.Second
	defaultChainTimeout     = 30 * time.Second
	defaultLockTTL          = 60 * time.Second
	defaultPersistTimeout   = 10 * time.Second
	defaultReadHeaderTime   = 5 * time.Second
	defaultSweepInterval    = 30 * time.Second
	defaultSweepWorkers     = 4
)

// Load reads configuration from environment variables, applying defaults.
func Load() (Config, error) {
	cfg := Config{
		HTTP: HTTPConfig{
			Host:               valueOrDefault("SERVER_HOST", defaultHost),
			AllowedOriginsCSV:  os.Getenv("SERVER_ALLOWED_ORIGINS"),
			IdempotencyEnabled: parseBoolWithDefault("SERVER_IDEMPOTENCY_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:         valueOrDefault("LOG_LEVEL", defaultLoggingLevel),
			Format:        valueOrDefault("LOG_FORMAT", defaultLoggingFormat),
			IncludeCaller: parseBoolWithDefault("LOG_INCLUDE_CALLER", false),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(valueOrDefault("STORE_BACKEND", StoreMemory)),
		},
		Graph: GraphConfig{
			URI:            os.Getenv("GRAPH_URI"),
			Database:       valueOrDefault("GRAPH_DATABASE", ""),
			Username:       os.Getenv("GRAPH_USERNAME"),
			Password:       os.Getenv("GRAPH_PASSWORD"),
			MaxConnections: parseIntWithDefault("GRAPH_MAX_CONNECTIONS", defaultGraphMaxSessions),
		},
		Postgres: PostgresConfig{
			URL:         os.Getenv("DATABASE_URL"),
			MaxConns:    parseIntWithDefault("DATABASE_MAX_CONNS", defaultPostgresConns),
			AutoMigrate: parseBoolWithDefault("DATABASE_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     valueOrDefault("REDIS_ADDR", defaultRedisAddr),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       parseIntWithDefault("REDIS_DB", 0),
		},
		Rates: RatesConfig{
			SourceURL: os.Getenv("RATE_SOURCE_URL"),
		},
		MobileMoney: MobileMoneyConfig{
			Mode:              strings.ToLower(valueOrDefault("MOBILE_MONEY_MODE", ModeSandbox)),
			BaseURL:           os.Getenv("DARAJA_BASE_URL"),
			ConsumerKey:       os.Getenv("DARAJA_CONSUMER_KEY"),
			ConsumerSecret:    os.Getenv("DARAJA_CONSUMER_SECRET"),
			BusinessShortCode: os.Getenv("DARAJA_SHORTCODE"),
			Passkey:           os.Getenv("DARAJA_PASSKEY"),
			CallbackURL:       os.Getenv("DARAJA_CALLBACK_URL"),
		},
		Chain: ChainConfig{
			Mode:            strings.ToLower(valueOrDefault("CHAIN_MODE", ModeSandbox)),
			RelayURL:        os.Getenv("CHAIN_RELAY_URL"),
			RelayAPIKey:     os.Getenv("CHAIN_RELAY_API_KEY"),
			ApproverAddress: os.Getenv("CHAIN_APPROVER_ADDRESS"),
		},
		Locks: LocksConfig{
			Backend: strings.ToLower(valueOrDefault("LOCKS_BACKEND", LocksLocal)),
		},
		Sweeper: SweeperConfig{
			Enabled: parseBoolWithDefault("SWEEPER_ENABLED", true),
			Workers: parseIntWithDefault("SWEEPER_WORKERS", defaultSweepWorkers),
		},
	}

	port, err := parsePort("SERVER_PORT", defaultPort)
	if err != nil {
		return Config{}, err
	}
	cfg.HTTP.Port = port

	durations := []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"SERVER_READ_TIMEOUT", defaultReadTimeout, &cfg.HTTP.ReadTimeout},
		{"SERVER_READ_HEADER_TIMEOUT", defaultReadHeaderTime, &cfg.HTTP.ReadHeaderTimeout},
		{"SERVER_WRITE_TIMEOUT", defaultWriteTimeout, &cfg.HTTP.WriteTimeout},
		{"SERVER_IDLE_TIMEOUT", defaultIdleTimeout, &cfg.HTTP.IdleTimeout},
		{"SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout, &cfg.HTTP.ShutdownTimeout},
		{"SERVER_IDEMPOTENCY_TTL", defaultIdempotencyTTL, &cfg.HTTP.IdempotencyTTL},
		{"GRAPH_TX_TIMEOUT", 0, &cfg.Graph.TxTimeout},
		{"DATABASE_CONNECT_TIMEOUT", 5 * time.Second, &cfg.Postgres.ConnectTimeout},
		{"RATE_TTL", defaultRateTTL, &cfg.Rates.TTL},
		{"RATE_FETCH_TIMEOUT", defaultRateTimeout, &cfg.Rates.FetchTimeout},
		{"MOBILE_MONEY_TIMEOUT", defaultCallTimeout, &cfg.MobileMoney.CallTimeout},
		{"CHAIN_TIMEOUT", defaultChainTimeout, &cfg.Chain.CallTimeout},
		{"LOCKS_TTL", defaultLockTTL, &cfg.Locks.TTL},
		{"PAYMENTS_PERSIST_TIMEOUT", defaultPersistTimeout, &cfg.Payments.PersistTimeout},
		{"SWEEPER_INTERVAL", defaultSweepInterval, &cfg.Sweeper.Interval},
	}
	for _, d := range durations {
		v, err := parseDurationWithDefault(d.key, d.fallback)
		if err != nil {
			return Config{}, err
		}
		*d.dst = v
	}

	if cfg.Rates.StaticRate, err = parseDecimal("RATE_STATIC"); err != nil {
		return Config{}, err
	}
	if cfg.Rates.FallbackRate, err = parseDecimal("RATE_FALLBACK"); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case StoreMemory:
	case StoreGraph:
		if c.Graph.URI == "" {
			return fmt.Errorf("STORE_BACKEND=%s requires GRAPH_URI", c.Store.Backend)
		}
	case StorePostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("STORE_BACKEND=%s requires DATABASE_URL", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Store.Backend)
	}

	switch c.MobileMoney.Mode {
	case ModeSandbox:
	case ModeDaraja:
		if c.MobileMoney.ConsumerKey == "" || c.MobileMoney.ConsumerSecret == "" ||
			c.MobileMoney.BusinessShortCode == "" || c.MobileMoney.Passkey == "" {
			return fmt.Errorf("MOBILE_MONEY_MODE=daraja requires DARAJA_CONSUMER_KEY, DARAJA_CONSUMER_SECRET, DARAJA_SHORTCODE and DARAJA_PASSKEY")
		}
	default:
		return fmt.Errorf("unknown MOBILE_MONEY_MODE %q", c.MobileMoney.Mode)
	}

	switch c.Chain.Mode {
	case ModeSandbox:
	case ModeRelay:
		if c.Chain.RelayURL == "" {
			return fmt.Errorf("CHAIN_MODE=relay requires CHAIN_RELAY_URL")
		}
	default:
		return fmt.Errorf("unknown CHAIN_MODE %q", c.Chain.Mode)
	}

	switch c.Locks.Backend {
	case LocksLocal:
	case LocksRedis:
		// A lease must outlive the longest critical section: one chain call
		// plus the write that records its result.
		if held := c.Chain.CallTimeout + c.Payments.PersistTimeout; c.Locks.TTL <= held {
			return fmt.Errorf("LOCKS_TTL (%s) must exceed CHAIN_TIMEOUT + PAYMENTS_PERSIST_TIMEOUT (%s)", c.Locks.TTL, held)
		}
	default:
		return fmt.Errorf("unknown LOCKS_BACKEND %q", c.Locks.Backend)
	}
	return nil
}

// NeedsRedis reports whether any enabled component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.Locks.Backend == LocksRedis || c.HTTP.IdempotencyEnabled
}

func valueOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolWithDefault(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		val, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return val
	}
	return fallback
}

func parseIntWithDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return fallback
}

func parseDurationWithDefault(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func parseDecimal(key string) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s value %q: %w", key, v, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func parsePort(key string, fallback int) (int, error) {
	if v := os.Getenv(key); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s value %q: %w", key, v, err)
		}
		if port <= 0 || port > 65535 {
			return 0, fmt.Errorf("port %d is out of range", port)
		}
		return port, nil
	}
	return fallback, nil
}
