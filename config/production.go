// Package config provides configuration management and environment variable handling for the application
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProductionConfig holds all configuration for production environment
type ProductionConfig struct {
	Database       DatabaseConfig       `json:"database"`
	Server         ServerConfig         `json:"server"`
	API            APIConfig            `json:"api"`
	Logging        LoggingConfig        `json:"logging"`
	Metrics        MetricsConfig        `json:"metrics"`
	Cache          CacheConfig          `json:"cache"`
	Dispatch       DispatchConfig       `json:"dispatch"`
	Reconciliation ReconciliationConfig `json:"reconciliation"`
	Scheduler      SchedulerConfig      `json:"scheduler"`
	StatusProvider StatusProviderConfig `json:"status_provider"`
	Deployment     DeploymentConfig     `json:"deployment"`
}

type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time"`
	SlowQueryLog    bool          `json:"slow_query_log"`
	SlowQueryTime   time.Duration `json:"slow_query_time"`
	AutoMigrate     bool          `json:"auto_migrate"`
}

// DSN returns the postgres connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

// ServerConfig configures the ops HTTP server (health and metrics)
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	HealthTimeout   time.Duration `json:"health_timeout"`
}

// APIConfig configures the internal dispatch API and its service tokens
type APIConfig struct {
	Enabled        bool          `json:"enabled"`
	RequestTimeout time.Duration `json:"request_timeout"`
	TokenTTL       time.Duration `json:"token_ttl"`
	Issuer         string        `json:"issuer"`
	Audience       string        `json:"audience"`
	UseRSAKeys     bool          `json:"use_rsa_keys"`
	PrivateKey     string        `json:"-"`
	PublicKey      string        `json:"-"`
	SecretKey      string        `json:"-"`
}

type LoggingConfig struct {
	Level        string `json:"level"`  // debug, info, warn, error
	Format       string `json:"format"` // json, text
	Output       string `json:"output"` // stdout, file, both
	FilePath     string `json:"file_path"`
	MaxSize      int    `json:"max_size"` // MB
	MaxBackups   int    `json:"max_backups"`
	MaxAge       int    `json:"max_age"` // days
	Compress     bool   `json:"compress"`
	EnableCaller bool   `json:"enable_caller"`

	// SchedulerLogDir receives scheduler.log
	SchedulerLogDir string `json:"scheduler_log_dir"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type CacheConfig struct {
	RedisURL    string        `json:"redis_url"`
	RedisDB     int           `json:"redis_db"`
	RedisPrefix string        `json:"redis_prefix"`
	DialTimeout time.Duration `json:"dial_timeout"`
	PoolSize    int           `json:"pool_size"`
}

// DispatchConfig tunes enqueue, batching and credit holds
type DispatchConfig struct {
	BatchSize           int           `json:"batch_size"`
	Concurrency         int           `json:"concurrency"`
	ReservationTTL      time.Duration `json:"reservation_ttl"`
	InsertChunk         int           `json:"insert_chunk"`
	JobAttempts         int           `json:"job_attempts"`
	JobBackoff          time.Duration `json:"job_backoff"`
	QueueName           string        `json:"queue_name"`
	DuplicateScan       bool          `json:"duplicate_scan"`
	CompletedScanWindow int           `json:"completed_scan_window"`
	// JobRetention keeps completed broker jobs visible to the duplicate scan
	JobRetention        time.Duration `json:"job_retention"`
	ReleaseRetries      int           `json:"release_retries"`
	ReleaseBackoff      time.Duration `json:"release_backoff"`
}

type ReconciliationConfig struct {
	StaleThreshold       time.Duration `json:"stale_threshold"`
	Cooldown             time.Duration `json:"cooldown"`
	ReservationMaxAge    time.Duration `json:"reservation_max_age"`
	SweepLimit           int           `json:"sweep_limit"`
	IdempotencyRetention time.Duration `json:"idempotency_retention"`
	// IdempotencyLease is how long an unfinished claim blocks its key; defaults to twice the API request timeout
	IdempotencyLease     time.Duration `json:"idempotency_lease"`
}

type SchedulerConfig struct {
	Enabled               bool          `json:"enabled"`
	RunOnStart            bool          `json:"run_on_start"`
	CampaignInterval      time.Duration `json:"campaign_interval"`
	ReconcileInterval     time.Duration `json:"reconcile_interval"`
	StatusRefreshInterval time.Duration `json:"status_refresh_interval"`
	CampaignLockTTL       time.Duration `json:"campaign_lock_ttl"`
	ReconcileLockTTL      time.Duration `json:"reconcile_lock_ttl"`
	StatusRefreshLockTTL  time.Duration `json:"status_refresh_lock_ttl"`
	DueLimit              int           `json:"due_limit"`
}

// StatusProviderConfig points at the SMS provider's delivery report API
type StatusProviderConfig struct {
	BaseURL   string        `json:"base_url"`
	Token     string        `json:"token"`
	Timeout   time.Duration `json:"timeout"`
	RateLimit float64       `json:"rate_limit"` // requests per second, 0 = unlimited
	Burst     int           `json:"burst"`
	BatchSize int           `json:"batch_size"`
}

type DeploymentConfig struct {
	Environment string `json:"environment"`
	Version     string `json:"version"`
	CommitHash  string `json:"commit_hash"`
	BuildTime   string `json:"build_time"`
}

// LoadProductionConfig loads and validates configuration from environment variables
func LoadProductionConfig() (*ProductionConfig, error) {
	if err := loadEnvFile(".env"); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &ProductionConfig{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "postgres"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "require"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 100),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute),
			SlowQueryLog:    getEnvBool("DB_SLOW_QUERY_LOG", true),
			SlowQueryTime:   getEnvDuration("DB_SLOW_QUERY_TIME", 1*time.Second),
			AutoMigrate:     getEnvBool("DB_AUTO_MIGRATE", false),
		},
		Server: ServerConfig{
			Host:            getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:            getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthTimeout:   getEnvDuration("SERVER_HEALTH_TIMEOUT", 2*time.Second),
		},
		API: APIConfig{
			Enabled:        getEnvBool("API_ENABLED", false),
			RequestTimeout: getEnvDuration("API_REQUEST_TIMEOUT", 30*time.Second),
			TokenTTL:       getEnvDuration("API_TOKEN_TTL", 15*time.Minute),
			Issuer:         getEnvString("API_TOKEN_ISSUER", "orochi-storefront"),
			Audience:       getEnvString("API_TOKEN_AUDIENCE", "orochi-dispatch"),
			UseRSAKeys:     getEnvBool("API_USE_RSA_KEYS", false),
			PrivateKey:     getEnvString("API_PRIVATE_KEY", ""),
			PublicKey:      getEnvString("API_PUBLIC_KEY", ""),
			SecretKey:      getEnvString("API_SECRET_KEY", ""),
		},
		Logging: LoggingConfig{
			Level:           getEnvString("LOG_LEVEL", "info"),
			Format:          getEnvString("LOG_FORMAT", "json"),
			Output:          getEnvString("LOG_OUTPUT", "stdout"),
			FilePath:        getEnvString("LOG_FILE_PATH", "/var/log/orochi/dispatch.log"),
			MaxSize:         getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups:      getEnvInt("LOG_MAX_BACKUPS", 10),
			MaxAge:          getEnvInt("LOG_MAX_AGE", 30),
			Compress:        getEnvBool("LOG_COMPRESS", true),
			EnableCaller:    getEnvBool("LOG_ENABLE_CALLER", false),
			SchedulerLogDir: getEnvString("LOG_SCHEDULER_DIR", "data"),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
			Path:    getEnvString("METRICS_PATH", "/metrics"),
		},
		Cache: CacheConfig{
			RedisURL:    getEnvString("CACHE_REDIS_URL", "redis://localhost:6379"),
			RedisDB:     getEnvInt("CACHE_REDIS_DB", 0),
			RedisPrefix: getEnvString("CACHE_REDIS_PREFIX", "orochi:"),
			DialTimeout: getEnvDuration("CACHE_DIAL_TIMEOUT", 5*time.Second),
			PoolSize:    getEnvInt("CACHE_POOL_SIZE", 20),
		},
		Dispatch: DispatchConfig{
			BatchSize:           getEnvInt("DISPATCH_BATCH_SIZE", 500),
			Concurrency:         getEnvInt("DISPATCH_CONCURRENCY", 4),
			ReservationTTL:      getEnvDuration("DISPATCH_RESERVATION_TTL", 24*time.Hour),
			InsertChunk:         getEnvInt("DISPATCH_INSERT_CHUNK", 10000),
			JobAttempts:         getEnvInt("DISPATCH_JOB_ATTEMPTS", 5),
			JobBackoff:          getEnvDuration("DISPATCH_JOB_BACKOFF", 3*time.Second),
			QueueName:           getEnvString("DISPATCH_QUEUE_NAME", "campaign-send"),
			DuplicateScan:       getEnvBool("DISPATCH_DUPLICATE_SCAN", true),
			CompletedScanWindow: getEnvInt("DISPATCH_COMPLETED_SCAN_WINDOW", 100),
			JobRetention:        getEnvDuration("DISPATCH_JOB_RETENTION", 24*time.Hour),
			ReleaseRetries:      getEnvInt("DISPATCH_RELEASE_RETRIES", 3),
			ReleaseBackoff:      getEnvDuration("DISPATCH_RELEASE_BACKOFF", 200*time.Millisecond),
		},
		Reconciliation: ReconciliationConfig{
			StaleThreshold:       getEnvDuration("RECONCILE_STALE_THRESHOLD", 15*time.Minute),
			Cooldown:             getEnvDuration("RECONCILE_COOLDOWN", 180*time.Second),
			ReservationMaxAge:    getEnvDuration("RECONCILE_RESERVATION_MAX_AGE", 48*time.Hour),
			SweepLimit:           getEnvInt("RECONCILE_SWEEP_LIMIT", 50),
			IdempotencyRetention: getEnvDuration("RECONCILE_IDEMPOTENCY_RETENTION", 7*24*time.Hour),
			IdempotencyLease:     getEnvDuration("RECONCILE_IDEMPOTENCY_LEASE", 0),
		},
		Scheduler: SchedulerConfig{
			Enabled:               getEnvBool("SCHEDULER_ENABLED", true),
			RunOnStart:            getEnvBool("SCHEDULER_RUN_ON_START", true),
			CampaignInterval:      getEnvDuration("SCHEDULER_CAMPAIGN_INTERVAL", time.Minute),
			ReconcileInterval:     getEnvDuration("SCHEDULER_RECONCILE_INTERVAL", 5*time.Minute),
			StatusRefreshInterval: getEnvDuration("SCHEDULER_STATUS_REFRESH_INTERVAL", 5*time.Minute),
			CampaignLockTTL:       getEnvDuration("SCHEDULER_CAMPAIGN_LOCK_TTL", 90*time.Second),
			ReconcileLockTTL:      getEnvDuration("SCHEDULER_RECONCILE_LOCK_TTL", 330*time.Second),
			StatusRefreshLockTTL:  getEnvDuration("SCHEDULER_STATUS_REFRESH_LOCK_TTL", 330*time.Second),
			DueLimit:              getEnvInt("SCHEDULER_DUE_LIMIT", 50),
		},
		StatusProvider: StatusProviderConfig{
			BaseURL:   getEnvString("STATUS_PROVIDER_BASE_URL", ""),
			Token:     getEnvString("STATUS_PROVIDER_TOKEN", ""),
			Timeout:   getEnvDuration("STATUS_PROVIDER_TIMEOUT", 60*time.Second),
			RateLimit: getEnvFloat("STATUS_PROVIDER_RATE_LIMIT", 5),
			Burst:     getEnvInt("STATUS_PROVIDER_BURST", 1),
			BatchSize: getEnvInt("STATUS_PROVIDER_BATCH_SIZE", 500),
		},
		Deployment: DeploymentConfig{
			Environment: getEnvString("APP_ENV", "production"),
			Version:     getEnvString("VERSION", "1.0.0"),
			CommitHash:  getEnvString("COMMIT_HASH", "unknown"),
			BuildTime:   getEnvString("BUILD_TIME", "unknown"),
		},
	}

	if cfg.Reconciliation.IdempotencyLease <= 0 {
		cfg.Reconciliation.IdempotencyLease = 2 * cfg.API.RequestTimeout
	}

	// Validate the loaded configuration
	if err := ValidateProductionConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadEnvFile loads variables from path without overriding the environment; a missing file is fine
func loadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ValidateProductionConfig validates the production configuration
func ValidateProductionConfig(cfg *ProductionConfig) error {
	var problems []string

	// Validate database configuration
	if cfg.Database.Host == "" {
		problems = append(problems, "DB_HOST is required")
	}
	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		problems = append(problems, "DB_PORT must be between 1 and 65535")
	}
	if cfg.Database.Name == "" {
		problems = append(problems, "DB_NAME is required")
	}
	if cfg.Database.User == "" {
		problems = append(problems, "DB_USER is required")
	}
	if cfg.Database.Password == "" {
		problems = append(problems, "DB_PASSWORD is required")
	}

	// Validate server configuration
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		problems = append(problems, "SERVER_PORT must be between 1 and 65535")
	}
	if cfg.Server.ReadTimeout <= 0 {
		problems = append(problems, "SERVER_READ_TIMEOUT must be positive")
	}
	if cfg.Server.WriteTimeout <= 0 {
		problems = append(problems, "SERVER_WRITE_TIMEOUT must be positive")
	}

	// Validate API configuration if enabled
	if cfg.API.Enabled {
		if cfg.API.UseRSAKeys && cfg.API.PublicKey == "" {
			problems = append(problems, "API_PUBLIC_KEY is required when API_USE_RSA_KEYS is set")
		}
		if !cfg.API.UseRSAKeys && len(cfg.API.SecretKey) < 32 {
			problems = append(problems, "API_SECRET_KEY must be at least 32 characters")
		}
	}

	// Validate logging configuration
	if cfg.Logging.Level != "" {
		validLevels := []string{"debug", "info", "warn", "error"}
		if !slices.Contains(validLevels, cfg.Logging.Level) {
			problems = append(problems, fmt.Sprintf("LOG_LEVEL must be one of: %v", validLevels))
		}
	}
	if out := cfg.Logging.Output; out == "file" || out == "both" {
		if cfg.Logging.FilePath == "" {
			problems = append(problems, "LOG_FILE_PATH is required when LOG_OUTPUT writes to a file")
		}
	}

	if cfg.Cache.RedisURL == "" {
		problems = append(problems, "CACHE_REDIS_URL is required")
	}

	// Validate dispatch configuration
	if cfg.Dispatch.BatchSize <= 0 {
		problems = append(problems, "DISPATCH_BATCH_SIZE must be positive")
	}
	if cfg.Dispatch.Concurrency <= 0 {
		problems = append(problems, "DISPATCH_CONCURRENCY must be positive")
	}
	if cfg.Dispatch.ReservationTTL <= 0 {
		problems = append(problems, "DISPATCH_RESERVATION_TTL must be positive")
	}
	if cfg.Dispatch.InsertChunk <= 0 {
		problems = append(problems, "DISPATCH_INSERT_CHUNK must be positive")
	}
	if cfg.Dispatch.JobAttempts <= 0 {
		problems = append(problems, "DISPATCH_JOB_ATTEMPTS must be positive")
	}

	// Validate reconciliation configuration
	if cfg.Reconciliation.StaleThreshold <= 0 {
		problems = append(problems, "RECONCILE_STALE_THRESHOLD must be positive")
	}
	if cfg.Reconciliation.ReservationMaxAge < cfg.Dispatch.ReservationTTL {
		problems = append(problems, "RECONCILE_RESERVATION_MAX_AGE must not be shorter than DISPATCH_RESERVATION_TTL")
	}

	// Validate scheduler configuration if enabled
	if cfg.Scheduler.Enabled {
		if cfg.Scheduler.CampaignInterval <= 0 || cfg.Scheduler.ReconcileInterval <= 0 || cfg.Scheduler.StatusRefreshInterval <= 0 {
			problems = append(problems, "SCHEDULER_*_INTERVAL values must be positive")
		}
		if cfg.Scheduler.CampaignLockTTL < cfg.Scheduler.CampaignInterval {
			problems = append(problems, "SCHEDULER_CAMPAIGN_LOCK_TTL must cover SCHEDULER_CAMPAIGN_INTERVAL")
		}
	}

	// Validate status provider configuration if set
	if cfg.StatusProvider.BaseURL != "" && cfg.StatusProvider.Token == "" {
		problems = append(problems, "STATUS_PROVIDER_TOKEN is required when STATUS_PROVIDER_BASE_URL is set")
	}

	// Return validation errors if any
	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}

	return nil
}
