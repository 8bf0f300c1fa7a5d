// Package config loads tally settings and primitive declarations with viper.
//
// Settings come from an optional YAML, JSON or TOML file and from TALLY_
// environment variables, which win over the file. Nested keys use an
// underscore in the environment: store.redis.addr is TALLY_STORE_REDIS_ADDR.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	tallyerrors "github.com/mirkobrombin/go-tally/v1/errors"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "TALLY"

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Bus drivers.
const (
	BusNone   = "none"
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNATS   = "nats"
)

type Config struct {
	Prefix   string        `mapstructure:"prefix"`
	LogLevel string        `mapstructure:"log_level"`
	Store    StoreConfig   `mapstructure:"store"`
	Bus      BusConfig     `mapstructure:"bus"`
	Counters []CounterDecl `mapstructure:"counters"`
	Locks    []LockDecl    `mapstructure:"locks"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

type StoreConfig struct {
	Driver    string         `mapstructure:"driver"`
	OpTimeout time.Duration  `mapstructure:"op_timeout"`
	Redis     RedisConfig    `mapstructure:"redis"`
	SQLite    SQLiteConfig   `mapstructure:"sqlite"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
	Breaker   BreakerConfig  `mapstructure:"breaker"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SQLiteConfig struct {
	DSN string `mapstructure:"dsn"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// BreakerConfig enables the circuit breaker in front of the store when
// Threshold is positive.
type BreakerConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type BusConfig struct {
	Driver  string `mapstructure:"driver"`
	NATSURL string `mapstructure:"nats_url"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// CounterDecl declares a counter named Name on entities of type Type.
// Bounds are set when both Min and Max are present.
type CounterDecl struct {
	Type  string `mapstructure:"type"`
	Name  string `mapstructure:"name"`
	Start int64  `mapstructure:"start"`
	Min   *int64 `mapstructure:"min"`
	Max   *int64 `mapstructure:"max"`
}

// LockDecl declares a lock named Name on entities of type Type. Zero
// durations take the lock package defaults.
type LockDecl struct {
	Type          string        `mapstructure:"type"`
	Name          string        `mapstructure:"name"`
	Timeout       time.Duration `mapstructure:"timeout"`
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// Declarations is the set of primitives a registry is populated with.
type Declarations struct {
	Counters []CounterDecl
	Locks    []LockDecl
}

// Declarations returns the counters and locks declared in c.
func (c *Config) Declarations() Declarations {
	return Declarations{Counters: c.Counters, Locks: c.Locks}
}

// Default returns the settings used when nothing is configured: an
// in-memory store without a bus.
func Default() *Config {
	return &Config{
		Prefix:   "tally",
		LogLevel: "info",
		Store: StoreConfig{
			Driver:    DriverMemory,
			OpTimeout: 5 * time.Second,
			Redis:     RedisConfig{Addr: "localhost:6379"},
			SQLite:    SQLiteConfig{DSN: "file:tally.db"},
			Breaker:   BreakerConfig{Cooldown: 5 * time.Second},
		},
		Bus:     BusConfig{Driver: BusNone, NATSURL: "nats://127.0.0.1:4222"},
		Metrics: MetricsConfig{Addr: ":9090"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("prefix", d.Prefix)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.op_timeout", d.Store.OpTimeout)
	v.SetDefault("store.redis.addr", d.Store.Redis.Addr)
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.sqlite.dsn", d.Store.SQLite.DSN)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.breaker.threshold", 0)
	v.SetDefault("store.breaker.cooldown", d.Store.Breaker.Cooldown)
	v.SetDefault("bus.driver", d.Bus.Driver)
	v.SetDefault("bus.nats_url", d.Bus.NATSURL)
	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// New returns a viper instance with tally defaults and environment binding.
// Callers may bind flags to it before passing it to FromViper.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the file at path, if not empty, applies the environment and
// validates the result.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("tally/config: read %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("tally/config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks drivers and declarations. Every failure matches
// errors.ErrConfiguration.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverRedis, DriverSQLite:
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, tallyerrors.Configuration("store.postgres.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, tallyerrors.Configuration("unknown store driver %q", c.Store.Driver))
	}
	switch c.Bus.Driver {
	case "", BusNone, BusMemory, BusRedis, BusNATS:
	default:
		errs = append(errs, tallyerrors.Configuration("unknown bus driver %q", c.Bus.Driver))
	}
	if c.Bus.Driver == BusRedis && c.Store.Driver != DriverRedis {
		errs = append(errs, tallyerrors.Configuration("the redis bus requires the redis store"))
	}
	if c.Store.OpTimeout < 0 {
		errs = append(errs, tallyerrors.Configuration("store.op_timeout must not be negative"))
	}
	if c.Store.Breaker.Threshold < 0 {
		errs = append(errs, tallyerrors.Configuration("store.breaker.threshold must not be negative"))
	}
	for _, d := range c.Counters {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, d := range c.Locks {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Validate checks a single counter declaration.
func (d CounterDecl) Validate() error {
	if d.Type == "" || d.Name == "" {
		return tallyerrors.Configuration("counter declaration needs a type and a name, got %q/%q", d.Type, d.Name)
	}
	if (d.Min == nil) != (d.Max == nil) {
		return tallyerrors.Configuration("counter %s/%s: min and max must be set together", d.Type, d.Name)
	}
	if d.Min != nil && *d.Min > *d.Max {
		return tallyerrors.Configuration("counter %s/%s: min %d is above max %d", d.Type, d.Name, *d.Min, *d.Max)
	}
	return nil
}

// Validate checks a single lock declaration.
func (d LockDecl) Validate() error {
	if d.Type == "" || d.Name == "" {
		return tallyerrors.Configuration("lock declaration needs a type and a name, got %q/%q", d.Type, d.Name)
	}
	if d.Timeout < 0 || d.RetryInterval < 0 {
		return tallyerrors.Configuration("lock %s/%s: timeout and retry interval must be positive", d.Type, d.Name)
	}
	if d.TTL < 0 {
		return tallyerrors.Configuration("lock %s/%s: ttl must not be negative", d.Type, d.Name)
	}
	return nil
}
