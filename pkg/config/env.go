package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/speedrun-hq/bridgerunner/pkg/amount"
	"github.com/speedrun-hq/bridgerunner/pkg/chains"
	"github.com/speedrun-hq/bridgerunner/pkg/logger"
	"github.com/spf13/viper"
)

const (
	// DefaultEnvironment is the deployment environment when ENVIRONMENT is unset
	DefaultEnvironment = EnvProduction

	// DefaultNetwork is the default blockchain network to connect to
	DefaultNetwork = chains.Mainnet

	// DefaultQuoteTTL is the validity of a quote whose adapter declares none
	DefaultQuoteTTL = 30 * time.Second

	// DefaultQuoteInitialBackoff is the first wait between quote retries
	DefaultQuoteInitialBackoff = 500 * time.Millisecond

	// DefaultQuoteMaxBackoff caps the wait between quote retries
	DefaultQuoteMaxBackoff = 10 * time.Second

	// DefaultQuoteMaxRetries bounds quote attempts on transient errors
	DefaultQuoteMaxRetries = 4

	// DefaultPollInitialInterval is the first wait between status polls
	DefaultPollInitialInterval = 2 * time.Second

	// DefaultPollMultiplier grows the poll interval after each tick
	DefaultPollMultiplier = 1.5

	// DefaultPollMaxInterval caps the poll interval
	DefaultPollMaxInterval = 60 * time.Second

	// DefaultLegTimeout bounds the tracking of a single leg
	DefaultLegTimeout = 30 * time.Minute

	// DefaultMaxLegs bounds path synthesis when the intent leaves it open
	DefaultMaxLegs = 3

	// DefaultHubAssets are the intermediate assets path synthesis may route through
	DefaultHubAssets = "USDC"

	// DefaultWorkerCount defines the default number of workers running transfers
	DefaultWorkerCount = 5

	// DefaultQueueSize bounds the number of transfers waiting for a worker
	DefaultQueueSize = 100

	// DefaultAPIPort is the port of the caller facing API
	DefaultAPIPort = "8081"

	// DefaultAPIRequestTimeout bounds non streaming API requests
	DefaultAPIRequestTimeout = 30 * time.Second

	// DefaultMetricsPort defines the default port for the health and metrics server
	DefaultMetricsPort = "8080"

	// DefaultCircuitBreakerEnabled defines whether the circuit breaker is enabled
	DefaultCircuitBreakerEnabled = true

	// DefaultCircuitBreakerThreshold defines the number of failures before the circuit breaker trips
	DefaultCircuitBreakerThreshold = 5

	// DefaultCircuitBreakerWindow defines the time window for the circuit breaker
	DefaultCircuitBreakerWindow = 30 * time.Second

	// DefaultCircuitBreakerReset defines the reset timeout for the circuit breaker
	DefaultCircuitBreakerReset = 60 * time.Second

	// DefaultRelayAPIURL is the relay network quote and status API
	DefaultRelayAPIURL = "https://api.relay.link"

	// DefaultOneClickAPIURL is the 1Click intent API
	DefaultOneClickAPIURL = "https://1click.chaindefuser.com"

	// DefaultTokenCacheTTL is how long the 1Click token list is reused
	DefaultTokenCacheTTL = 10 * time.Minute

	// DefaultStoreDriver keeps transfers in a local JSON file
	DefaultStoreDriver = StoreFile

	// DefaultStorePath is the file used by the file store
	DefaultStorePath = "data/transfers.json"

	// DefaultEventsExchange is the AMQP exchange progress events are published to
	DefaultEventsExchange = "bridge_events"

	// DefaultReconcileSchedule is the cron spec of the timed out leg reconciliation
	DefaultReconcileSchedule = "@every 10m"

	// DefaultGasMultiplier is applied to suggested gas prices (10% buffer)
	DefaultGasMultiplier = 1.1

	// DefaultRateLimitPerMinute bounds transfer submissions per caller
	DefaultRateLimitPerMinute = 30
)

// GetEnvEnvironment returns the deployment environment
func GetEnvEnvironment(v *viper.Viper) (string, error) {
	env := strings.ToLower(strings.TrimSpace(v.GetString("ENVIRONMENT")))
	switch env {
	case EnvProduction, EnvStaging, EnvDemo:
		return env, nil
	}
	return "", fmt.Errorf("invalid ENVIRONMENT value: %s, must be 'production', 'staging' or 'demo'", env)
}

// GetEnvNetwork returns the configured network or defaults to mainnet
func GetEnvNetwork(v *viper.Viper) (string, error) {
	network := v.GetString("NETWORK")
	if network != chains.Mainnet && network != chains.Testnet {
		return "", fmt.Errorf("invalid NETWORK value: %s, must be 'mainnet' or 'testnet'", network)
	}
	return network, nil
}

// GetEnvDuration returns a positive duration, accepting Go duration strings like "30s"
func GetEnvDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := strings.TrimSpace(v.GetString(key))
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", key, raw)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return d, nil
}

// GetEnvPositiveInt returns an integer greater than zero
func GetEnvPositiveInt(v *viper.Viper, key string) (int, error) {
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", key, raw)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be greater than 0", key)
	}
	return n, nil
}

// GetEnvFloat returns a float at least min
func GetEnvFloat(v *viper.Viper, key string, min float64) (float64, error) {
	raw := strings.TrimSpace(v.GetString(key))
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a number", key, raw)
	}
	if f < min {
		return 0, fmt.Errorf("%s must be at least %v", key, min)
	}
	return f, nil
}

// GetEnvBool returns a strict true/false flag
func GetEnvBool(v *viper.Viper, key string) (bool, error) {
	raw := strings.ToLower(strings.TrimSpace(v.GetString(key)))
	switch raw {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", key, raw)
}

// GetEnvPort returns a numeric port
func GetEnvPort(v *viper.Viper, key string) (string, error) {
	port := strings.TrimSpace(v.GetString(key))
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid integer", key, port)
	}
	return port, nil
}

// GetEnvURL returns a URL, empty is allowed when optional
func GetEnvURL(v *viper.Viper, key string, optional bool) (string, error) {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		if optional {
			return "", nil
		}
		return "", fmt.Errorf("%s is required", key)
	}
	if _, err := url.ParseRequestURI(raw); err != nil {
		return "", fmt.Errorf("invalid %s value: %s, must be a valid URL", key, raw)
	}
	return raw, nil
}

// GetEnvLogLevel returns the logger level
func GetEnvLogLevel(v *viper.Viper) (logger.Level, error) {
	return logger.ParseLevel(v.GetString("LOG_LEVEL"))
}

// GetEnvList splits a comma separated value, dropping empty entries
func GetEnvList(v *viper.Viper, key string) []string {
	var out []string
	for _, part := range strings.Split(v.GetString(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// GetEnvChainConfigs returns the configuration of the enabled EVM chains of a network.
// CHAINS restricts the set, CHAIN_<ID>_RPC_URL and CHAIN_<ID>_GAS_MULTIPLIER override defaults.
func GetEnvChainConfigs(v *viper.Viper, network string) (map[amount.ChainID]ChainConfig, error) {
	enabled := make(map[amount.ChainID]bool)
	for _, raw := range GetEnvList(v, "CHAINS") {
		id, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid CHAINS entry: %s, must be a chain id", raw)
		}
		c, ok := chains.Get(amount.ChainID(id))
		if !ok || c.Network != network {
			return nil, fmt.Errorf("chain %d is not a supported %s chain", id, network)
		}
		enabled[c.ID] = true
	}

	out := make(map[amount.ChainID]ChainConfig)
	for _, c := range chains.List(network) {
		if c.Family != chains.FamilyEVM {
			continue
		}
		if len(enabled) > 0 && !enabled[c.ID] {
			continue
		}

		rpcKey := fmt.Sprintf("CHAIN_%d_RPC_URL", c.ID)
		v.SetDefault(rpcKey, c.DefaultRPC)
		rpc, err := GetEnvURL(v, rpcKey, false)
		if err != nil {
			return nil, err
		}

		gasKey := fmt.Sprintf("CHAIN_%d_GAS_MULTIPLIER", c.ID)
		v.SetDefault(gasKey, DefaultGasMultiplier)
		multiplier, err := GetEnvFloat(v, gasKey, 1)
		if err != nil {
			return nil, err
		}

		out[c.ID] = ChainConfig{ChainID: c.ID, RPCURL: rpc, GasMultiplier: multiplier}
	}
	return out, nil
}

// GetEnvDepositorAddress validates the optional explicit depositor address
func GetEnvDepositorAddress(v *viper.Viper) (string, error) {
	addr := strings.TrimSpace(v.GetString("DEPOSITOR_ADDRESS"))
	if addr == "" {
		return "", nil
	}
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid DEPOSITOR_ADDRESS value: %s, must be a valid Ethereum address", addr)
	}
	return addr, nil
}
