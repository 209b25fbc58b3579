// Package config loads rewardsd settings from the environment.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/dawar2151/Learning-Rewards-Protocol/pkg/util/resiliency"
)

// FileEnv names an optional YAML file of defaults, keyed by env var name.
const FileEnv = "REWARDS_CONFIG_FILE"

// Config holds server configuration.
type Config struct {
	Port       string `env:"PORT" envDefault:"8080"`
	HealthPort string `env:"HEALTH_PORT" envDefault:"8081"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat  string `env:"LOG_FORMAT" envDefault:"text"`

	// Empty DatabaseURL selects SQLite at SQLitePath.
	DatabaseURL   string `env:"DATABASE_URL"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/rewards.db"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	RPCURL             string `env:"RPC_URL"`
	ChainID            int64  `env:"CHAIN_ID" envDefault:"0"`
	OperatorPrivateKey string `env:"OPERATOR_PRIVATE_KEY"`
	TokenAddress       string `env:"TOKEN_ADDRESS"`
	RewardAmount       string `env:"REWARD_AMOUNT" envDefault:"1000000000000000000"`

	ClaimWindowID            string        `env:"CLAIM_WINDOW_ID" envDefault:"genesis"`
	ClaimWindowDuration      time.Duration `env:"CLAIM_WINDOW_DURATION" envDefault:"0s"`
	ChallengeTTL             time.Duration `env:"CHALLENGE_TTL" envDefault:"10m"`
	AllowReclaimAfterFailure bool          `env:"ALLOW_RECLAIM_AFTER_FAILURE" envDefault:"true"`
	ReclaimCooldown          time.Duration `env:"RECLAIM_COOLDOWN" envDefault:"15m"`

	ConfirmTimeout      time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"60s"`
	ConfirmPollInterval time.Duration `env:"CONFIRM_POLL_INTERVAL" envDefault:"2s"`
	MinConfirmations    uint64        `env:"MIN_CONFIRMATIONS" envDefault:"1"`
	GasLimitFallback    uint64        `env:"GAS_LIMIT_FALLBACK" envDefault:"100000"`
	RPCMaxAttempts      int           `env:"RPC_MAX_ATTEMPTS" envDefault:"5"`
	RPCBackoffBase      time.Duration `env:"RPC_BACKOFF_BASE" envDefault:"200ms"`
	RPCBackoffMax       time.Duration `env:"RPC_BACKOFF_MAX" envDefault:"5s"`

	ReconcileInterval   time.Duration `env:"RECONCILE_INTERVAL" envDefault:"30s"`
	ReconcileStaleAfter time.Duration `env:"RECONCILE_STALE_AFTER" envDefault:"10m"`

	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"5"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"10"`

	OTelEnabled  bool   `env:"OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"OTEL_ENDPOINT" envDefault:"localhost:4317"`
	OTelInsecure bool   `env:"OTEL_INSECURE" envDefault:"true"`
}

// Load reads the optional config file named by REWARDS_CONFIG_FILE, then
// the process environment, which takes precedence.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(FileEnv), env.ToMap(os.Environ()))
}

// LoadFrom is Load with an explicit file and environment.
func LoadFrom(file string, environ map[string]string) (*Config, error) {
	merged := make(map[string]string)
	if file != "" {
		fromFile, err := readFile(file)
		if err != nil {
			return nil, err
		}
		for k, v := range fromFile {
			merged[k] = v
		}
	}
	for k, v := range environ {
		merged[k] = v
	}

	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: merged}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("config file %s: %s must be a scalar", path, k)
		case nil:
			continue
		}
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// Validate checks the settings needed to serve claims.
func (c *Config) Validate() error {
	var errs []error
	if c.RPCURL == "" {
		errs = append(errs, errors.New("RPC_URL is required"))
	}
	if c.OperatorPrivateKey == "" {
		errs = append(errs, errors.New("OPERATOR_PRIVATE_KEY is required"))
	}
	if !common.IsHexAddress(c.TokenAddress) {
		errs = append(errs, fmt.Errorf("TOKEN_ADDRESS %q is not an address", c.TokenAddress))
	}
	if _, err := c.Reward(); err != nil {
		errs = append(errs, err)
	}
	if c.ClaimWindowDuration == 0 && c.ClaimWindowID == "" {
		errs = append(errs, errors.New("CLAIM_WINDOW_ID is required when CLAIM_WINDOW_DURATION is unset"))
	}
	if c.ClaimWindowDuration < 0 {
		errs = append(errs, errors.New("CLAIM_WINDOW_DURATION must not be negative"))
	}
	if c.ChallengeTTL <= 0 {
		errs = append(errs, errors.New("CHALLENGE_TTL must be positive"))
	}
	if c.ConfirmTimeout <= 0 || c.ConfirmPollInterval <= 0 {
		errs = append(errs, errors.New("CONFIRM_TIMEOUT and CONFIRM_POLL_INTERVAL must be positive"))
	}
	if c.RPCMaxAttempts < 1 {
		errs = append(errs, errors.New("RPC_MAX_ATTEMPTS must be at least 1"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q must be text or json", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Reward returns the per-claim amount in token base units.
func (c *Config) Reward() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(c.RewardAmount), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("REWARD_AMOUNT %q must be a positive integer", c.RewardAmount)
	}
	return amount, nil
}

// Token returns the reward token contract address.
func (c *Config) Token() common.Address {
	return common.HexToAddress(c.TokenAddress)
}

// LiteMode reports whether storage falls back to a local SQLite file.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// Backoff returns the retry policy for chain RPC calls.
func (c *Config) Backoff() resiliency.BackoffPolicy {
	policy := resiliency.DefaultBackoffPolicy()
	policy.Base = c.RPCBackoffBase
	policy.Max = c.RPCBackoffMax
	policy.MaxAttempts = c.RPCMaxAttempts
	return policy
}
