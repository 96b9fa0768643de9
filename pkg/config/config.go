package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/spf13/viper"
)

const (
	EnvProduction = "production"
	EnvStaging    = "staging"
	EnvDemo       = "demo"
)

const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Config holds the configuration of the bridgerunner service
type Config struct {
	Environment string
	Network     string
	PrivateKey  string
	// DepositorAddress is used for quote previews when no key is configured
	DepositorAddress string
	Chains           map[amount.ChainID]ChainConfig

	Quote          QuoteConfig
	Poll           PollConfig
	MaxLegs        int
	HubAssets      []string
	WorkerCount    int
	QueueSize      int
	CircuitBreaker CircuitBreakerConfig

	Relay    RelayConfig
	OneClick OneClickConfig

	API           APIConfig
	MetricsPort   string
	MetricsAPIKey string
	Store         StoreConfig
	Events        EventsConfig

	ReconcileSchedule string
	LoggerConfig      LoggerConfig
}

// QuoteConfig controls quote validity and retries
type QuoteConfig struct {
	TTL            time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxRetries     int
}

// PollConfig controls the status poller backoff and budget
type PollConfig struct {
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
	LegTimeout      time.Duration
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled        bool
	Threshold      int
	WindowDuration time.Duration
	ResetTimeout   time.Duration
}

// RelayConfig configures the relay network adapter
type RelayConfig struct {
	Enabled bool
	BaseURL string
	APIKey  string
}

// OneClickConfig configures the 1Click aggregator adapter
type OneClickConfig struct {
	Enabled       bool
	BaseURL       string
	JWT           string
	TokenCacheTTL time.Duration
}

// APIConfig configures the caller facing HTTP API
type APIConfig struct {
	Port               string
	JWTSecret          string
	CORSOrigins        []string
	RequestTimeout     time.Duration
	RateLimitPerMinute int
}

// StoreConfig selects the durable transfer store
type StoreConfig struct {
	Driver      string
	Path        string
	DatabaseURL string
	RedisURL    string
}

// EventsConfig configures AMQP publication of progress events
type EventsConfig struct {
	RabbitMQURL string
	Exchange    string
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
	Format   string
}

// ChainConfig holds the configuration for a specific blockchain
type ChainConfig struct {
	ChainID       amount.ChainID
	RPCURL        string
	GasMultiplier float64
}

// AllowDegraded reports whether simulated quotes may be offered
func (c *Config) AllowDegraded() bool {
	return c.Environment == EnvDemo
}

// NewLogger builds the logger selected by LOG_FORMAT
func (c *Config) NewLogger() logger.Logger {
	if c.LoggerConfig.Format == "json" {
		return logger.NewLogrusLogger(os.Stdout, c.LoggerConfig.Level, "bridgerunner")
	}
	return logger.NewStdLogger(c.LoggerConfig.Coloring, c.LoggerConfig.Level)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENVIRONMENT", DefaultEnvironment)
	v.SetDefault("NETWORK", DefaultNetwork)
	v.SetDefault("QUOTE_TTL", DefaultQuoteTTL.String())
	v.SetDefault("QUOTE_INITIAL_BACKOFF", DefaultQuoteInitialBackoff.String())
	v.SetDefault("QUOTE_MAX_BACKOFF", DefaultQuoteMaxBackoff.String())
	v.SetDefault("QUOTE_MAX_RETRIES", DefaultQuoteMaxRetries)
	v.SetDefault("POLL_INITIAL_INTERVAL", DefaultPollInitialInterval.String())
	v.SetDefault("POLL_MULTIPLIER", DefaultPollMultiplier)
	v.SetDefault("POLL_MAX_INTERVAL", DefaultPollMaxInterval.String())
	v.SetDefault("LEG_TIMEOUT", DefaultLegTimeout.String())
	v.SetDefault("MAX_LEGS", DefaultMaxLegs)
	v.SetDefault("HUB_ASSETS", DefaultHubAssets)
	v.SetDefault("WORKER_COUNT", DefaultWorkerCount)
	v.SetDefault("QUEUE_SIZE", DefaultQueueSize)
	v.SetDefault("CIRCUIT_BREAKER_ENABLED", DefaultCircuitBreakerEnabled)
	v.SetDefault("CIRCUIT_BREAKER_THRESHOLD", DefaultCircuitBreakerThreshold)
	v.SetDefault("CIRCUIT_BREAKER_WINDOW", DefaultCircuitBreakerWindow.String())
	v.SetDefault("CIRCUIT_BREAKER_RESET", DefaultCircuitBreakerReset.String())
	v.SetDefault("RELAY_ENABLED", true)
	v.SetDefault("RELAY_API_URL", DefaultRelayAPIURL)
	v.SetDefault("ONECLICK_ENABLED", true)
	v.SetDefault("ONECLICK_API_URL", DefaultOneClickAPIURL)
	v.SetDefault("ONECLICK_TOKEN_CACHE_TTL", DefaultTokenCacheTTL.String())
	v.SetDefault("API_PORT", DefaultAPIPort)
	v.SetDefault("API_REQUEST_TIMEOUT", DefaultAPIRequestTimeout.String())
	v.SetDefault("API_RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)
	v.SetDefault("METRICS_PORT", DefaultMetricsPort)
	v.SetDefault("STORE_DRIVER", DefaultStoreDriver)
	v.SetDefault("STORE_PATH", DefaultStorePath)
	v.SetDefault("EVENTS_EXCHANGE", DefaultEventsExchange)
	v.SetDefault("RECONCILE_SCHEDULE", DefaultReconcileSchedule)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_COLORING", true)
	v.SetDefault("LOG_FORMAT", "text")
}

// LoadConfig loads the configuration from an optional .env and bridgerunner.yaml
// in dir, then from environment variables which take precedence
func LoadConfig(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}

	v := viper.New()
	v.SetConfigName("bridgerunner")
	v.SetConfigType("yaml")
	v.AddConfigPath(dir)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var err error
	cfg := &Config{
		PrivateKey:    strings.TrimPrefix(strings.TrimSpace(v.GetString("PRIVATE_KEY")), "0x"),
		MetricsAPIKey: v.GetString("METRICS_API_KEY"),
	}

	if cfg.Environment, err = GetEnvEnvironment(v); err != nil {
		return nil, err
	}
	if cfg.Network, err = GetEnvNetwork(v); err != nil {
		return nil, err
	}
	if cfg.DepositorAddress, err = GetEnvDepositorAddress(v); err != nil {
		return nil, err
	}
	if cfg.Chains, err = GetEnvChainConfigs(v, cfg.Network); err != nil {
		return nil, err
	}

	if cfg.Quote.TTL, err = GetEnvDuration(v, "QUOTE_TTL"); err != nil {
		return nil, err
	}
	if cfg.Quote.InitialBackoff, err = GetEnvDuration(v, "QUOTE_INITIAL_BACKOFF"); err != nil {
		return nil, err
	}
	if cfg.Quote.MaxBackoff, err = GetEnvDuration(v, "QUOTE_MAX_BACKOFF"); err != nil {
		return nil, err
	}
	if cfg.Quote.MaxRetries, err = GetEnvPositiveInt(v, "QUOTE_MAX_RETRIES"); err != nil {
		return nil, err
	}

	if cfg.Poll.InitialInterval, err = GetEnvDuration(v, "POLL_INITIAL_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.Poll.Multiplier, err = GetEnvFloat(v, "POLL_MULTIPLIER", 1); err != nil {
		return nil, err
	}
	if cfg.Poll.MaxInterval, err = GetEnvDuration(v, "POLL_MAX_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.Poll.LegTimeout, err = GetEnvDuration(v, "LEG_TIMEOUT"); err != nil {
		return nil, err
	}

	if cfg.MaxLegs, err = GetEnvPositiveInt(v, "MAX_LEGS"); err != nil {
		return nil, err
	}
	cfg.HubAssets = GetEnvList(v, "HUB_ASSETS")
	if cfg.WorkerCount, err = GetEnvPositiveInt(v, "WORKER_COUNT"); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = GetEnvPositiveInt(v, "QUEUE_SIZE"); err != nil {
		return nil, err
	}

	if cfg.CircuitBreaker.Enabled, err = GetEnvBool(v, "CIRCUIT_BREAKER_ENABLED"); err != nil {
		return nil, err
	}
	if cfg.CircuitBreaker.Threshold, err = GetEnvPositiveInt(v, "CIRCUIT_BREAKER_THRESHOLD"); err != nil {
		return nil, err
	}
	if cfg.CircuitBreaker.WindowDuration, err = GetEnvDuration(v, "CIRCUIT_BREAKER_WINDOW"); err != nil {
		return nil, err
	}
	if cfg.CircuitBreaker.ResetTimeout, err = GetEnvDuration(v, "CIRCUIT_BREAKER_RESET"); err != nil {
		return nil, err
	}

	if cfg.Relay.Enabled, err = GetEnvBool(v, "RELAY_ENABLED"); err != nil {
		return nil, err
	}
	if cfg.Relay.BaseURL, err = GetEnvURL(v, "RELAY_API_URL", false); err != nil {
		return nil, err
	}
	cfg.Relay.APIKey = v.GetString("RELAY_API_KEY")

	if cfg.OneClick.Enabled, err = GetEnvBool(v, "ONECLICK_ENABLED"); err != nil {
		return nil, err
	}
	if cfg.OneClick.BaseURL, err = GetEnvURL(v, "ONECLICK_API_URL", false); err != nil {
		return nil, err
	}
	cfg.OneClick.JWT = v.GetString("ONECLICK_JWT")
	if cfg.OneClick.TokenCacheTTL, err = GetEnvDuration(v, "ONECLICK_TOKEN_CACHE_TTL"); err != nil {
		return nil, err
	}

	if cfg.API.Port, err = GetEnvPort(v, "API_PORT"); err != nil {
		return nil, err
	}
	cfg.API.JWTSecret = v.GetString("API_JWT_SECRET")
	cfg.API.CORSOrigins = GetEnvList(v, "API_CORS_ORIGINS")
	if cfg.API.RequestTimeout, err = GetEnvDuration(v, "API_REQUEST_TIMEOUT"); err != nil {
		return nil, err
	}
	if cfg.API.RateLimitPerMinute, err = GetEnvPositiveInt(v, "API_RATE_LIMIT_PER_MINUTE"); err != nil {
		return nil, err
	}
	if cfg.MetricsPort, err = GetEnvPort(v, "METRICS_PORT"); err != nil {
		return nil, err
	}

	cfg.Store.Driver = strings.ToLower(v.GetString("STORE_DRIVER"))
	cfg.Store.Path = v.GetString("STORE_PATH")
	if cfg.Store.DatabaseURL, err = GetEnvURL(v, "DATABASE_URL", true); err != nil {
		return nil, err
	}
	if cfg.Store.RedisURL, err = GetEnvURL(v, "REDIS_URL", true); err != nil {
		return nil, err
	}

	if cfg.Events.RabbitMQURL, err = GetEnvURL(v, "RABBITMQ_URL", true); err != nil {
		return nil, err
	}
	cfg.Events.Exchange = v.GetString("EVENTS_EXCHANGE")
	cfg.ReconcileSchedule = v.GetString("RECONCILE_SCHEDULE")

	if cfg.LoggerConfig.Level, err = GetEnvLogLevel(v); err != nil {
		return nil, err
	}
	if cfg.LoggerConfig.Coloring, err = GetEnvBool(v, "LOG_COLORING"); err != nil {
		return nil, err
	}
	cfg.LoggerConfig.Format = strings.ToLower(v.GetString("LOG_FORMAT"))

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validateConfig checks cross field constraints
func validateConfig(cfg *Config) error {
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain configuration is required")
	}
	if cfg.Poll.MaxInterval < cfg.Poll.InitialInterval {
		return fmt.Errorf("POLL_MAX_INTERVAL (%s) must not be below POLL_INITIAL_INTERVAL (%s)", cfg.Poll.MaxInterval, cfg.Poll.InitialInterval)
	}
	if cfg.Poll.LegTimeout < cfg.Poll.InitialInterval {
		return fmt.Errorf("LEG_TIMEOUT (%s) must not be below POLL_INITIAL_INTERVAL (%s)", cfg.Poll.LegTimeout, cfg.Poll.InitialInterval)
	}
	if cfg.Quote.MaxBackoff < cfg.Quote.InitialBackoff {
		return fmt.Errorf("QUOTE_MAX_BACKOFF (%s) must not be below QUOTE_INITIAL_BACKOFF (%s)", cfg.Quote.MaxBackoff, cfg.Quote.InitialBackoff)
	}
	if !cfg.Relay.Enabled && !cfg.OneClick.Enabled && !cfg.AllowDegraded() {
		return fmt.Errorf("at least one bridge adapter must be enabled")
	}
	for _, symbol := range cfg.HubAssets {
		found := false
		for id := range cfg.Chains {
			if _, err := chains.Stablecoin(id, symbol); err == nil {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("hub asset %s is not available on any configured chain", symbol)
		}
	}

	switch cfg.Store.Driver {
	case StoreMemory:
	case StoreFile:
		if cfg.Store.Path == "" {
			return fmt.Errorf("STORE_PATH is required for the file store")
		}
	case StorePostgres:
		if cfg.Store.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreRedis:
		if cfg.Store.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis store")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER value: %s, must be one of memory, file, postgres, redis", cfg.Store.Driver)
	}

	switch cfg.LoggerConfig.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid LOG_FORMAT value: %s, must be 'text' or 'json'", cfg.LoggerConfig.Format)
	}

	if cfg.ReconcileSchedule != "" {
		if _, err := cron.ParseStandard(cfg.ReconcileSchedule); err != nil {
			return fmt.Errorf("invalid RECONCILE_SCHEDULE value: %s: %w", cfg.ReconcileSchedule, err)
		}
	}
	return nil
}
