// Package config loads engine configuration from an optional YAML file with
// IMS_-prefixed environment overrides, e.g. IMS_DATABASE_URL.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IMS"

// Config is the complete engine configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Inventory  InventoryConfig  `mapstructure:"inventory"`
	Limits     LimitsConfig     `mapstructure:"limits"`
	Locate     LocateConfig     `mapstructure:"locate"`
	Validation ValidationConfig `mapstructure:"validation"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Seed       SeedConfig       `mapstructure:"seed"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins"`
}

// AuthConfig lists accepted bearer tokens. An empty list disables auth.
type AuthConfig struct {
	Tokens []string `mapstructure:"tokens"`
}

// DatabaseConfig selects PostgreSQL. An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig enables the read-through cache when URL is set.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

type InventoryConfig struct {
	HTBThreshold  float64 `mapstructure:"htb_threshold"`
	Composition   string  `mapstructure:"composition"`
	AllowNegative bool    `mapstructure:"allow_negative"`
	Workers       int     `mapstructure:"workers"`
}

// LimitsConfig holds the share of availability granted to each entity.
// Overrides are keyed by entity id.
type LimitsConfig struct {
	ClientShare          float64            `mapstructure:"client_share"`
	AggregationUnitShare float64            `mapstructure:"aggregation_unit_share"`
	Overrides            map[string]float64 `mapstructure:"overrides"`
}

type LocateConfig struct {
	AutoApprove            bool          `mapstructure:"auto_approve"`
	AutoApproveMaxQuantity float64       `mapstructure:"auto_approve_max_quantity"`
	AutoRejectUnavailable  bool          `mapstructure:"auto_reject_unavailable"`
	TTL                    time.Duration `mapstructure:"ttl"`
	GCBorrowRate           float64       `mapstructure:"gc_borrow_rate"`
	HTBBorrowRate          float64       `mapstructure:"htb_borrow_rate"`
}

type ValidationConfig struct {
	SLA              time.Duration `mapstructure:"sla"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
}

// JobsConfig holds background job intervals; zero disables a job.
type JobsConfig struct {
	ExpireInterval      time.Duration `mapstructure:"expire_interval"`
	RecalculateInterval time.Duration `mapstructure:"recalculate_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json or text
}

// SeedConfig names a YAML fixture file loaded at startup.
type SeedConfig struct {
	File string `mapstructure:"file"`
}

// Load reads configuration. When path is empty, ./config/ims.yaml is used
// if present; otherwise defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ims")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("auth.tokens", []string{})

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", 30*time.Second)

	v.SetDefault("inventory.htb_threshold", 1000)
	v.SetDefault("inventory.composition", "SUM")
	v.SetDefault("inventory.allow_negative", false)
	v.SetDefault("inventory.workers", 8)

	v.SetDefault("limits.client_share", 0.5)
	v.SetDefault("limits.aggregation_unit_share", 1.0)
	v.SetDefault("limits.overrides", map[string]float64{})

	v.SetDefault("locate.auto_approve", false)
	v.SetDefault("locate.auto_approve_max_quantity", 10000)
	v.SetDefault("locate.auto_reject_unavailable", true)
	v.SetDefault("locate.ttl", 24*time.Hour)
	v.SetDefault("locate.gc_borrow_rate", 0.25)
	v.SetDefault("locate.htb_borrow_rate", 5.0)

	v.SetDefault("validation.sla", 150*time.Millisecond)
	v.SetDefault("validation.batch_concurrency", 16)

	v.SetDefault("jobs.expire_interval", time.Minute)
	v.SetDefault("jobs.recalculate_interval", 5*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("seed.file", "")
}

// Validate checks that every value is usable. Errors name the dotted key.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Database.URL != "" {
		if c.Database.MaxConns < 1 {
			return errors.New("database.max_conns must be >= 1")
		}
		if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
			return fmt.Errorf("database.min_conns (%d) must be between 0 and max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
		}
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		return errors.New("redis.url requires database.url")
	}
	if c.Redis.TTL <= 0 {
		return errors.New("redis.ttl must be positive")
	}

	if c.Inventory.HTBThreshold < 0 {
		return errors.New("inventory.htb_threshold must be >= 0")
	}
	switch strings.ToUpper(c.Inventory.Composition) {
	case "SUM", "MAX":
	default:
		return fmt.Errorf("inventory.composition must be SUM or MAX, got %q", c.Inventory.Composition)
	}

	if err := validShare("limits.client_share", c.Limits.ClientShare); err != nil {
		return err
	}
	if err := validShare("limits.aggregation_unit_share", c.Limits.AggregationUnitShare); err != nil {
		return err
	}
	for id, share := range c.Limits.Overrides {
		if err := validShare("limits.overrides."+id, share); err != nil {
			return err
		}
	}

	if c.Locate.AutoApproveMaxQuantity < 0 {
		return errors.New("locate.auto_approve_max_quantity must be >= 0")
	}
	if c.Locate.TTL <= 0 {
		return errors.New("locate.ttl must be positive")
	}
	if c.Locate.GCBorrowRate < 0 || c.Locate.HTBBorrowRate < 0 {
		return errors.New("locate.gc_borrow_rate and locate.htb_borrow_rate must be >= 0")
	}

	if c.Validation.SLA <= 0 {
		return errors.New("validation.sla must be positive")
	}
	if c.Validation.BatchConcurrency < 1 {
		return errors.New("validation.batch_concurrency must be >= 1")
	}
	if c.Jobs.ExpireInterval < 0 || c.Jobs.RecalculateInterval < 0 {
		return errors.New("jobs intervals must be >= 0")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

func validShare(key string, share float64) error {
	if share < 0 || share > 1 {
		return fmt.Errorf("%s must be between 0 and 1, got %v", key, share)
	}
	return nil
}

// Dec converts a configured float to a decimal.
func Dec(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// OverrideShares returns the per-entity limit overrides as decimals.
func (c LimitsConfig) OverrideShares() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(c.Overrides))
	for id, share := range c.Overrides {
		out[id] = decimal.NewFromFloat(share)
	}
	return out
}
