package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cleared-dev/marketledger/internal/id"
	"github.com/cleared-dev/marketledger/internal/ledger"
	"github.com/cleared-dev/marketledger/internal/quota"
)

// FileName is the config file written by init.
const FileName = "marketledger.yaml"

// Store backends.
const (
	BackendCSV      = "csv"
	BackendPostgres = "postgres"
)

// Lock backends.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// Config represents the top-level marketledger.yaml configuration.
type Config struct {
	Marketplace MarketplaceConfig `yaml:"marketplace"`
	Store       StoreConfig       `yaml:"store"`
	Lock        LockConfig        `yaml:"lock"`
	Quota       QuotaConfig       `yaml:"quota"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Logging     LoggingConfig     `yaml:"logging"`
	Git         GitConfig         `yaml:"git"`
}

// MarketplaceConfig identifies the marketplace.
type MarketplaceConfig struct {
	Name string `yaml:"name"`
}

// StoreConfig selects the data store and how calls to it are guarded.
type StoreConfig struct {
	Backend     string        `yaml:"backend"`  // csv or postgres
	DataDir     string        `yaml:"data_dir"` // relative to the project dir
	PostgresDSN string        `yaml:"postgres_dsn,omitempty"`
	Timeout     time.Duration `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	Backoff     time.Duration `yaml:"backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	Breaker     BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the data store circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
	Interval         time.Duration `yaml:"interval"`
}

// LockConfig selects where per-account locks live.
type LockConfig struct {
	Backend   string        `yaml:"backend"` // local or redis
	RedisAddr string        `yaml:"redis_addr,omitempty"`
	Prefix    string        `yaml:"prefix,omitempty"`
	TTL       time.Duration `yaml:"ttl"`
}

// QuotaConfig controls plan changes.
type QuotaConfig struct {
	PlanPurchaseMode string `yaml:"plan_purchase_mode"` // reconcile or direct
}

// LedgerConfig controls money movement.
type LedgerConfig struct {
	WithdrawalOverdraft string `yaml:"withdrawal_overdraft"` // clamp or reject
	CheckFundsOnRequest bool   `yaml:"check_funds_on_request"`
	ReferencePrefix     string `yaml:"reference_prefix"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// GitConfig controls git integration.
type GitConfig struct {
	AutoCommit  bool   `yaml:"auto_commit"`
	AuthorName  string `yaml:"author_name"`
	AuthorEmail string `yaml:"author_email"`
}

// Load reads a marketledger.yaml file from disk.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes a Config to a YAML file.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// Default returns a Config with sensible defaults for a new marketplace.
func Default(name string) *Config {
	return &Config{
		Marketplace: MarketplaceConfig{Name: name},
		Store: StoreConfig{
			Backend:    BackendCSV,
			DataDir:    "data",
			Timeout:    5 * time.Second,
			Retries:    2,
			Backoff:    100 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
				Interval:         time.Minute,
			},
		},
		Lock: LockConfig{
			Backend: LockLocal,
			TTL:     10 * time.Second,
		},
		Quota: QuotaConfig{
			PlanPurchaseMode: string(quota.ModeReconcile),
		},
		Ledger: LedgerConfig{
			WithdrawalOverdraft: string(ledger.OverdraftClamp),
			ReferencePrefix:     id.DefaultPrefix,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Git: GitConfig{
			AutoCommit:  true,
			AuthorName:  "Marketledger",
			AuthorEmail: "ledger@marketledger.dev",
		},
	}
}

// Validate checks enumerated fields and required companions.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case BackendCSV:
		if c.Store.DataDir == "" {
			errs = append(errs, errors.New("store.data_dir is required for the csv backend"))
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q (want csv or postgres)", c.Store.Backend))
	}
	if c.Store.Retries < 0 {
		errs = append(errs, fmt.Errorf("store.retries must not be negative, got %d", c.Store.Retries))
	}

	switch c.Lock.Backend {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock.backend %q (want local or redis)", c.Lock.Backend))
	}

	if _, err := quota.ParseMode(c.Quota.PlanPurchaseMode); err != nil {
		errs = append(errs, fmt.Errorf("quota.plan_purchase_mode: %w", err))
	}
	if p := ledger.OverdraftPolicy(c.Ledger.WithdrawalOverdraft); p != "" && !p.Valid() {
		errs = append(errs, fmt.Errorf("unknown ledger.withdrawal_overdraft %q (want clamp or reject)", p))
	}
	return errors.Join(errs...)
}

// PurchaseMode is the parsed plan purchase mode.
func (c *Config) PurchaseMode() quota.Mode {
	m, err := quota.ParseMode(c.Quota.PlanPurchaseMode)
	if err != nil {
		return quota.ModeReconcile
	}
	return m
}

// Overdraft is the parsed withdrawal overdraft policy.
func (c *Config) Overdraft() ledger.OverdraftPolicy {
	if p := ledger.OverdraftPolicy(c.Ledger.WithdrawalOverdraft); p.Valid() {
		return p
	}
	return ledger.OverdraftClamp
}
