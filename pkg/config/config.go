package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the rule engine.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords) must only come from environment variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// LogLevel overrides the environment's default zap level (debug, info, warn, error)
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:""`

	// Database configuration (PostgreSQL) holding scan reports, associations, rules and jobs
	Database DatabaseConfig `yaml:"database"`

	// Redis configuration for the per-scope generation lock (optional)
	Redis RedisConfig `yaml:"redis"`

	// Vocabulary store configuration (OMOP concept tables)
	Vocabulary VocabularyConfig `yaml:"vocabulary"`

	// Rule generation tuning
	Generation GenerationConfig `yaml:"generation"`
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"carrot"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"carrot_rules"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig holds Redis configuration. An empty host disables Redis and
// scope locking falls back to an in-process lock.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"` // Secret - not in YAML
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
}

// VocabularyConfig selects where OMOP vocabulary tables are read from.
// Type "postgres" reads them through the engine database, "mssql" through SQL Server.
type VocabularyConfig struct {
	Type   string `yaml:"type" env:"VOCAB_TYPE" env-default:"postgres"`
	Schema string `yaml:"schema" env:"VOCAB_SCHEMA" env-default:"omop"`

	// SQL Server connection (only when Type is "mssql")
	Host     string `yaml:"host" env:"VOCAB_MSSQL_HOST" env-default:""`
	Port     int    `yaml:"port" env:"VOCAB_MSSQL_PORT" env-default:"1433"`
	User     string `yaml:"user" env:"VOCAB_MSSQL_USER" env-default:""`
	Password string `yaml:"-" env:"VOCAB_MSSQL_PASSWORD"` // Secret - not in YAML
	Database string `yaml:"database" env:"VOCAB_MSSQL_DATABASE" env-default:""`
	Encrypt  bool   `yaml:"encrypt" env:"VOCAB_MSSQL_ENCRYPT" env-default:"true"`

	// CacheTTL bounds how long concept lookups are reused within one resolver.
	CacheTTL time.Duration `yaml:"cache_ttl" env:"VOCAB_CACHE_TTL" env-default:"10m"`
}

// GenerationConfig tunes pagination and fan-out of rule generation runs.
type GenerationConfig struct {
	// PageSize is the number of resolved concepts handled by one page task.
	PageSize int `yaml:"page_size" env:"GEN_PAGE_SIZE" env-default:"1000"`
	// MaxMessageBytes bounds the serialized size of one persisted rule batch.
	MaxMessageBytes int `yaml:"max_message_bytes" env:"GEN_MAX_MESSAGE_BYTES" env-default:"65536"`
	// PagesPerChunk is the number of rule batches grouped per chunk.
	PagesPerChunk int `yaml:"pages_per_chunk" env:"GEN_PAGES_PER_CHUNK" env-default:"10"`
	// MaxWorkers caps concurrent page tasks (the effective limit is min(pageCount, MaxWorkers)).
	MaxWorkers int `yaml:"max_workers" env:"GEN_MAX_WORKERS" env-default:"8"`
	// ResolveWorkers caps concurrent concept lookups while resolving.
	ResolveWorkers int `yaml:"resolve_workers" env:"GEN_RESOLVE_WORKERS" env-default:"8"`
	// PageRetries is the number of retries for a page task after a retryable failure.
	PageRetries int `yaml:"page_retries" env:"GEN_PAGE_RETRIES" env-default:"3"`
	// PageTimeout bounds a single page task attempt.
	PageTimeout time.Duration `yaml:"page_timeout" env:"GEN_PAGE_TIMEOUT" env-default:"5m"`
	// ProgressEvery controls how often resolution progress is written to the job.
	ProgressEvery int `yaml:"progress_every" env:"GEN_PROGRESS_EVERY" env-default:"500"`
	// LockTTL bounds how long a scope lock is held if a run dies without releasing it.
	LockTTL time.Duration `yaml:"lock_ttl" env:"GEN_LOCK_TTL" env-default:"30m"`
}

// Load reads configuration from config.yaml with environment variable overrides.
// The version parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	return LoadFile("config.yaml", version)
}

// LoadFile reads configuration from the given YAML file with environment variable overrides.
func LoadFile(path, version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// Validate checks value ranges that cleanenv cannot express.
func (c *Config) Validate() error {
	switch c.Vocabulary.Type {
	case "postgres":
	case "mssql":
		if c.Vocabulary.Host == "" || c.Vocabulary.Database == "" {
			return fmt.Errorf("vocabulary.host and vocabulary.database are required for mssql")
		}
	default:
		return fmt.Errorf("unsupported vocabulary type %q", c.Vocabulary.Type)
	}
	return c.Generation.Validate()
}

// Validate checks the generation tuning values.
func (g *GenerationConfig) Validate() error {
	if g.PageSize < 1 {
		return fmt.Errorf("generation.page_size must be at least 1, got %d", g.PageSize)
	}
	if g.MaxMessageBytes < 1 {
		return fmt.Errorf("generation.max_message_bytes must be at least 1, got %d", g.MaxMessageBytes)
	}
	if g.PagesPerChunk < 1 {
		return fmt.Errorf("generation.pages_per_chunk must be at least 1, got %d", g.PagesPerChunk)
	}
	if g.MaxWorkers < 1 {
		return fmt.Errorf("generation.max_workers must be at least 1, got %d", g.MaxWorkers)
	}
	if g.ResolveWorkers < 1 {
		return fmt.Errorf("generation.resolve_workers must be at least 1, got %d", g.ResolveWorkers)
	}
	if g.PageRetries < 0 {
		return fmt.Errorf("generation.page_retries must not be negative, got %d", g.PageRetries)
	}
	return nil
}

// DefaultGeneration returns the generation settings used when no file is loaded.
func DefaultGeneration() GenerationConfig {
	return GenerationConfig{
		PageSize:        1000,
		MaxMessageBytes: 64 * 1024,
		PagesPerChunk:   10,
		MaxWorkers:      8,
		ResolveWorkers:  8,
		PageRetries:     3,
		PageTimeout:     5 * time.Minute,
		ProgressEvery:   500,
		LockTTL:         30 * time.Minute,
	}
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the database as a postgres:// URL, the form golang-migrate expects.
func (c *DatabaseConfig) URL() string {
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// ConnectionString returns a SQL Server connection URL for the vocabulary store.
func (c *VocabularyConfig) ConnectionString() string {
	query := url.Values{}
	query.Add("database", c.Database)
	if c.Encrypt {
		query.Add("encrypt", "true")
	} else {
		query.Add("encrypt", "disable")
	}
	u := &url.URL{
		Scheme:   "sqlserver",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		RawQuery: query.Encode(),
	}
	return u.String()
}
