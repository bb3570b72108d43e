// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Store, Database, Kafka, Redis, Index, Search, Sweeper,
// etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Index    IndexConfig    `yaml:"index"`
	Search   SearchConfig   `yaml:"search"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StoreConfig controls the wide-column store and its handle pool.
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"inMemory"`
	PoolSize   int    `yaml:"poolSize"`
	CacheSize  string `yaml:"cacheSize"`
	DisableWAL bool   `yaml:"disableWAL"`
	NoSync     bool   `yaml:"noSync"`
}

// CacheBytes parses CacheSize ("64MB", "1 GiB"). An empty size is 0.
func (s StoreConfig) CacheBytes() (int64, error) {
	if strings.TrimSpace(s.CacheSize) == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s.CacheSize)
	if err != nil {
		return 0, fmt.Errorf("parsing store cache size %q: %w", s.CacheSize, err)
	}
	return int64(n), nil
}

// DatabaseConfig holds the directory database connection. Driver is
// "postgres" or "sqlite"; Path is the sqlite file (":memory:" for tests).
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns the data source name for the configured driver.
func (d DatabaseConfig) DSN() string {
	if d.Driver == "sqlite" {
		return d.Path
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	MailboxCommits   string `yaml:"mailboxCommits"`
	FolderACLChanges string `yaml:"folderAclChanges"`
	DeadLetter       string `yaml:"deadLetter"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// IndexConfig controls the mailbox and global indexes.
type IndexConfig struct {
	ServerID               string        `yaml:"serverId"`
	Promotable             []string      `yaml:"promotable"`
	CounterRefreshInterval time.Duration `yaml:"counterRefreshInterval"`
	BreakerThreshold       int           `yaml:"breakerThreshold"`
	BreakerResetTimeout    time.Duration `yaml:"breakerResetTimeout"`
}

// SearchConfig controls query execution limits and timeouts.
type SearchConfig struct {
	MaxResults   int           `yaml:"maxResults"`
	DefaultLimit int           `yaml:"defaultLimit"`
	DefaultField string        `yaml:"defaultField"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SweeperConfig controls the orphan sweeper. Schedule is a cron expression
// marking the start of the daily window.
type SweeperConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Schedule           string        `yaml:"schedule"`
	MaxRuntime         time.Duration `yaml:"maxRuntime"`
	MailboxesPerSecond float64       `yaml:"mailboxesPerSecond"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	if c.Store.PoolSize <= 0 {
		return fmt.Errorf("store.poolSize must be positive, got %d", c.Store.PoolSize)
	}
	if _, err := c.Store.CacheBytes(); err != nil {
		return err
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("database.driver must be postgres or sqlite, got %q", c.Database.Driver)
	}
	if c.Index.ServerID == "" {
		return fmt.Errorf("index.serverId must be set")
	}
	if c.Sweeper.Enabled {
		if !gronx.New().IsValid(c.Sweeper.Schedule) {
			return fmt.Errorf("sweeper.schedule %q is not a valid cron expression", c.Sweeper.Schedule)
		}
		if c.Sweeper.MaxRuntime <= 0 {
			return fmt.Errorf("sweeper.maxRuntime must be positive")
		}
	}
	return nil
}

// defaultConfig returns a Config with defaults for local development.
func defaultConfig() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "local"
	}
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Store: StoreConfig{
			Backend:   "widecolumn",
			Path:      "data/index",
			PoolSize:  16,
			CacheSize: "64MB",
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			Host:            "localhost",
			Port:            5432,
			Database:        "mailindex",
			User:            "mailindex",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "mailindex-group",
			Topics: KafkaTopics{
				MailboxCommits:   "mailbox-commits",
				FolderACLChanges: "folder-acl-changes",
				DeadLetter:       "mailbox-commits-dlq",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Index: IndexConfig{
			ServerID:               host,
			Promotable:             []string{"document", "wiki"},
			CounterRefreshInterval: time.Minute,
			BreakerThreshold:       5,
			BreakerResetTimeout:    30 * time.Second,
		},
		Search: SearchConfig{
			MaxResults:   100,
			DefaultLimit: 20,
			DefaultField: "content",
			Timeout:      5 * time.Second,
		},
		Sweeper: SweeperConfig{
			Enabled:            true,
			Schedule:           "0 2 * * *",
			MaxRuntime:         2 * time.Hour,
			MailboxesPerSecond: 20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads MI_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MI_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("MI_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("MI_STORE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.PoolSize = n
		}
	}
	if v := os.Getenv("MI_STORE_CACHE_SIZE"); v != "" {
		cfg.Store.CacheSize = v
	}
	if v := os.Getenv("MI_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MI_DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("MI_DATABASE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Database.Port = port
		}
	}
	if v := os.Getenv("MI_DATABASE_NAME"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("MI_DATABASE_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("MI_DATABASE_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("MI_DATABASE_SSLMODE"); v != "" {
		cfg.Database.SSLMode = v
	}
	if v := os.Getenv("MI_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("MI_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("MI_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MI_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MI_INDEX_SERVER_ID"); v != "" {
		cfg.Index.ServerID = v
	}
	if v := os.Getenv("MI_SWEEPER_SCHEDULE"); v != "" {
		cfg.Sweeper.Schedule = v
	}
	if v := os.Getenv("MI_SWEEPER_MAX_RUNTIME"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sweeper.MaxRuntime = d
		}
	}
	if v := os.Getenv("MI_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("MI_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
