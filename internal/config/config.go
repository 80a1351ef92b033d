package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. BUNSYNC_HTTP_PORT.
const EnvPrefix = "BUNSYNC_"

// Config is the full bunsync server configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Upstream   UpstreamConfig   `mapstructure:"upstream"`
	ViewSyncer ViewSyncerConfig `mapstructure:"viewsyncer"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
	// RatePerMinute caps requests per minute for each client group.
	RatePerMinute int `mapstructure:"rate"`
	Burst         int `mapstructure:"burst"`
}

type StorageConfig struct {
	Driver        string `mapstructure:"driver"` // memory, sqlite
	Path          string `mapstructure:"path"`
	PartitionSize int    `mapstructure:"partitionsize"`
	Workers       int    `mapstructure:"workers"`
}

type UpstreamConfig struct {
	Driver string `mapstructure:"driver"` // memory, postgres
	DSN    string `mapstructure:"dsn"`
	// PollInterval is how often the postgres replica version is checked.
	PollInterval time.Duration `mapstructure:"pollinterval"`
	// Tables declares the tables of the memory replica. Keys are
	// lowercased by the loader, so table and column names must be lowercase.
	Tables map[string]TableConfig `mapstructure:"tables"`
}

type TableConfig struct {
	Columns    map[string]string `mapstructure:"columns"`
	PrimaryKey []string          `mapstructure:"primarykey"`
}

type ViewSyncerConfig struct {
	FlushInterval    time.Duration `mapstructure:"flushinterval"`
	CatchupBatchSize int           `mapstructure:"catchupbatch"`
	MaxRetries       int           `mapstructure:"maxretries"`
	Workers          int           `mapstructure:"workers"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns a configuration that runs fully in memory.
func Default() Config {
	return Config{
		Log:  LogConfig{Level: "INFO", Format: "json"},
		HTTP: HTTPConfig{Port: 4848, RatePerMinute: 600, Burst: 50},
		Storage: StorageConfig{
			Driver:        "memory",
			Path:          "bunsync.db",
			PartitionSize: 128,
			Workers:       8,
		},
		Upstream: UpstreamConfig{Driver: "memory", PollInterval: time.Second},
		ViewSyncer: ViewSyncerConfig{
			FlushInterval:    50 * time.Millisecond,
			CatchupBatchSize: 1000,
			MaxRetries:       5,
			Workers:          64,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Load reads an optional config file and .env, then environment variables
// with the given prefix, on top of Default().
func Load(prefix, file string) (*Config, error) {
	cfg := Default()
	v := viper.New()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", file, err)
		}
	} else {
		v.SetConfigFile(".env")
		v.SetConfigType("env")
		// .env is optional
		_ = v.ReadInConfig()
	}

	// BUNSYNC_STORAGE_DRIVER -> storage.driver
	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		if len(pair) != 2 || !strings.HasPrefix(pair[0], prefixUpper) {
			continue
		}
		propKey := strings.TrimPrefix(pair[0], prefixUpper)
		propKey = strings.ToLower(strings.ReplaceAll(propKey, "_", "."))
		propKey = strings.TrimPrefix(propKey, ".")
		v.Set(propKey, pair[1])
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Upstream.Driver {
	case "memory":
	case "postgres":
		if c.Upstream.DSN == "" {
			return fmt.Errorf("upstream.dsn is required for the postgres driver")
		}
		if c.Upstream.PollInterval <= 0 {
			return fmt.Errorf("upstream.pollinterval must be positive")
		}
	default:
		return fmt.Errorf("unknown upstream driver %q", c.Upstream.Driver)
	}
	for name, t := range c.Upstream.Tables {
		if len(t.PrimaryKey) == 0 {
			return fmt.Errorf("upstream table %s needs a primary key", name)
		}
		for _, col := range t.PrimaryKey {
			if _, ok := t.Columns[col]; !ok {
				return fmt.Errorf("upstream table %s: primary key column %s is not declared", name, col)
			}
		}
	}
	if c.Storage.PartitionSize <= 0 {
		return fmt.Errorf("storage.partitionsize must be positive")
	}
	return nil
}
