package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"swapkline/internal/kline"

	"github.com/spf13/viper"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

type Config struct {
	Swap     SwapConfig     `mapstructure:"swap"`
	Kline    KlineConfig    `mapstructure:"kline"`
	Server   ServerConfig   `mapstructure:"server"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SwapConfig locates the upstream swap service and paces polling.
type SwapConfig struct {
	Host          string        `mapstructure:"host"`           // e.g. "http://localhost:8080"
	ApplicationID string        `mapstructure:"application_id"` // discovered on the default chain when empty
	Timeout       time.Duration `mapstructure:"timeout"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PoolRefresh   time.Duration `mapstructure:"pool_refresh"`
	BackoffMin    time.Duration `mapstructure:"backoff_min"`
	BackoffMax    time.Duration `mapstructure:"backoff_max"`
}

type KlineConfig struct {
	Intervals []string      `mapstructure:"intervals"`  // subset of 1m 3m 5m 15m 30m 1h 2h 4h 6h 12h 1d 1w
	Tick      time.Duration `mapstructure:"tick"`       // boundary check period
	QueueSize int           `mapstructure:"queue_size"` // per-subscriber queue bound
	Retention time.Duration `mapstructure:"retention"`  // 0 keeps bars forever
	Storage   string        `mapstructure:"storage"`    // "postgres" or "memory"
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	AutoStart bool   `mapstructure:"auto_start"` // start ingestion without waiting for POST /run/ticker
}

// RedisConfig enables the cross-pod mutation relay.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	Buffer   int    `mapstructure:"buffer"`
}

// LogConfig defines the logger configuration options.
type LogConfig struct {
	Level       string `mapstructure:"level"`       // log level: "debug", "info", "warn", "error"
	Format      string `mapstructure:"format"`      // log format: "json" or "console"
	OutputFile  string `mapstructure:"output_file"` // file path to store logs (optional)
	Environment string `mapstructure:"environment"` // environment: "dev" or "prod"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("swap.host", "http://localhost:8080")
	v.SetDefault("swap.timeout", 10*time.Second)
	v.SetDefault("swap.poll_interval", 5*time.Second)
	v.SetDefault("swap.pool_refresh", time.Minute)
	v.SetDefault("swap.backoff_min", time.Second)
	v.SetDefault("swap.backoff_max", 30*time.Second)

	v.SetDefault("kline.tick", time.Second)
	v.SetDefault("kline.queue_size", 256)
	v.SetDefault("kline.retention", 0)
	v.SetDefault("kline.storage", StoragePostgres)

	v.SetDefault("server.addr", ":25080")
	v.SetDefault("server.auto_start", false)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "kline:mutations")
	v.SetDefault("redis.buffer", 1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.environment", "dev")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.dbname", "swapkline")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("postgres.timezone", "UTC")
	v.SetDefault("postgres.ssm_prefix", "/swap-kline/")
}

// Load reads config.yaml from the given directories (or the default locations
// next to the binary) and applies environment overrides such as SERVER_ADDR.
func Load(paths ...string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config") // config.yaml
	v.SetConfigType("yaml")
	setDefaults(v)

	if len(paths) == 0 {
		paths = defaultPaths()
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// Support environment variables with dot notation (e.g., SWAP_HOST)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultPaths() []string {
	ex, _ := os.Executable()
	if strings.Contains(ex, "go-build") {
		pwd, _ := os.Getwd()
		return []string{filepath.Join(pwd, "config"), filepath.Join(pwd, "../../config")}
	}
	return []string{filepath.Join(filepath.Dir(ex), "../config"), "config"}
}

// Validate checks the settings that cannot change once the engine runs.
func (c *Config) Validate() error {
	if _, err := c.KlineIntervals(); err != nil {
		return fmt.Errorf("kline.intervals: %w", err)
	}
	switch c.Kline.Storage {
	case StorageMemory, StoragePostgres:
	default:
		return fmt.Errorf("kline.storage: unknown backend %q", c.Kline.Storage)
	}
	if c.Kline.Tick <= 0 {
		return fmt.Errorf("kline.tick must be positive")
	}
	if c.Swap.BackoffMin <= 0 || c.Swap.BackoffMax < c.Swap.BackoffMin {
		return fmt.Errorf("swap.backoff_min/backoff_max: invalid bounds %s..%s", c.Swap.BackoffMin, c.Swap.BackoffMax)
	}
	return nil
}

// KlineIntervals returns the enabled intervals ordered by width.
func (c *Config) KlineIntervals() ([]kline.Interval, error) {
	return kline.ParseIntervals(c.Kline.Intervals)
}
