// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Catalog, BooksAPI, Scheduler, Ledger, Postgres, Redis, Kafka, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Catalog   CatalogConfig   `yaml:"catalog"`
	BooksAPI  BooksAPIConfig  `yaml:"booksApi"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Merge     MergeConfig     `yaml:"merge"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// CatalogConfig points at the accession-register CSV that feeds the pipeline.
type CatalogConfig struct {
	InputPath string `yaml:"inputPath"`
	Limit     int    `yaml:"limit"`
}

// BooksAPIConfig holds the external metadata API endpoint and per-request
// limits.
type BooksAPIConfig struct {
	BaseURL        string        `yaml:"baseUrl"`
	APIKey         string        `yaml:"apiKey"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	LangRestrict   string        `yaml:"langRestrict"`
}

// SchedulerConfig controls fetch concurrency and the retry/backoff policy.
type SchedulerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
	Multiplier   float64       `yaml:"multiplier"`
	JitterMax    time.Duration `yaml:"jitterMax"`
}

// LedgerConfig locates the durable progress ledger.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds the optional lookup-cache connection parameters. An empty
// Addr disables the cache.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds the optional event-stream brokers and topics. Empty
// Brokers disables event publication.
type KafkaConfig struct {
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	RecordEnriched string `yaml:"recordEnriched"`
	RunCompleted   string `yaml:"runCompleted"`
}

// MergeConfig controls field-level merge limits.
type MergeConfig struct {
	MaxCategories int `yaml:"maxCategories"`
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
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Catalog: CatalogConfig{
			InputPath: "data/raw/accession-register.csv",
		},
		BooksAPI: BooksAPIConfig{
			BaseURL:        "https://www.googleapis.com/books/v1",
			RequestTimeout: 15 * time.Second,
			LangRestrict:   "en",
		},
		Scheduler: SchedulerConfig{
			Concurrency:  3,
			MaxAttempts:  6,
			InitialDelay: 2 * time.Second,
			MaxDelay:     60 * time.Second,
			Multiplier:   2.0,
			JitterMax:    500 * time.Millisecond,
		},
		Ledger: LedgerConfig{
			Path: "data/processed/progress.ledger",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "bookfinder",
			User:            "bookfinder",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Brokers: nil,
			Topics: KafkaTopics{
				RecordEnriched: "record-enriched",
				RunCompleted:   "run-completed",
			},
		},
		Merge: MergeConfig{
			MaxCategories: 8,
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

// applyEnvOverrides reads BF_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BF_CATALOG_INPUT"); v != "" {
		cfg.Catalog.InputPath = v
	}
	if v := os.Getenv("BF_BOOKS_API_URL"); v != "" {
		cfg.BooksAPI.BaseURL = v
	}
	if v := os.Getenv("BF_BOOKS_API_KEY"); v != "" {
		cfg.BooksAPI.APIKey = v
	}
	if v := os.Getenv("BF_SCHEDULER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.Concurrency = n
		}
	}
	if v := os.Getenv("BF_LEDGER_PATH"); v != "" {
		cfg.Ledger.Path = v
	}
	if v := os.Getenv("BF_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("BF_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("BF_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("BF_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("BF_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("BF_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("BF_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("BF_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("BF_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("BF_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BF_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("BF_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
		}
	}
}

// Validate checks cross-field constraints that defaults cannot fix.
func (c *Config) Validate() error {
	if c.Scheduler.Concurrency <= 0 {
		return fmt.Errorf("scheduler.concurrency must be positive, got %d", c.Scheduler.Concurrency)
	}
	if c.Scheduler.MaxAttempts <= 0 {
		return fmt.Errorf("scheduler.maxAttempts must be positive, got %d", c.Scheduler.MaxAttempts)
	}
	if c.Scheduler.MaxDelay < c.Scheduler.InitialDelay {
		return fmt.Errorf("scheduler.maxDelay %v is below initialDelay %v", c.Scheduler.MaxDelay, c.Scheduler.InitialDelay)
	}
	if c.Ledger.Path == "" {
		return fmt.Errorf("ledger.path is required")
	}
	if c.Merge.MaxCategories <= 0 {
		return fmt.Errorf("merge.maxCategories must be positive, got %d", c.Merge.MaxCategories)
	}
	return nil
}
