package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadProductionConfigDefaultsAndOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DISPATCH_BATCH_SIZE", "250")
	t.Setenv("DISPATCH_DUPLICATE_SCAN", "false")
	t.Setenv("RECONCILE_STALE_THRESHOLD", "20m")
	t.Setenv("STATUS_PROVIDER_RATE_LIMIT", "2.5")
	t.Setenv("DISPATCH_JOB_RETENTION", "6h")
	t.Setenv("SERVER_PORT", "not-a-number")

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)

	assert.Equal(t, 250, cfg.Dispatch.BatchSize)
	assert.False(t, cfg.Dispatch.DuplicateScan)
	assert.Equal(t, 20*time.Minute, cfg.Reconciliation.StaleThreshold)
	assert.InDelta(t, 2.5, cfg.StatusProvider.RateLimit, 1e-9)
	assert.Equal(t, 6*time.Hour, cfg.Dispatch.JobRetention)
	assert.Equal(t, time.Minute, cfg.Reconciliation.IdempotencyLease)
	// Unparsable values fall back to the default
	assert.Equal(t, 8080, cfg.Server.Port)

	assert.Equal(t, 4, cfg.Dispatch.Concurrency)
	assert.Equal(t, 24*time.Hour, cfg.Dispatch.ReservationTTL)
	assert.Equal(t, 180*time.Second, cfg.Reconciliation.Cooldown)
	assert.Equal(t, 48*time.Hour, cfg.Reconciliation.ReservationMaxAge)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.CampaignLockTTL)
	assert.Equal(t, 330*time.Second, cfg.Scheduler.ReconcileLockTTL)
	assert.Equal(t, 50, cfg.Scheduler.DueLimit)
}

func TestLoadProductionConfigReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	env := "DB_PASSWORD=from-file\nDISPATCH_CONCURRENCY=9\n# comment\nCACHE_REDIS_PREFIX='tenant:'\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0o600))

	// godotenv sets variables for the whole process
	t.Cleanup(func() {
		os.Unsetenv("DB_PASSWORD")
		os.Unsetenv("CACHE_REDIS_PREFIX")
	})
	// The process environment wins over the file
	t.Setenv("DISPATCH_CONCURRENCY", "6")

	cfg, err := LoadProductionConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Database.Password)
	assert.Equal(t, 6, cfg.Dispatch.Concurrency)
	assert.Equal(t, "tenant:", cfg.Cache.RedisPrefix)
}

func validConfig() *ProductionConfig {
	return &ProductionConfig{
		Database: DatabaseConfig{Host: "db", Port: 5432, Name: "dispatch", User: "app", Password: "pw"},
		Server:   ServerConfig{Port: 8080, ReadTimeout: time.Second, WriteTimeout: time.Second},
		Logging:  LoggingConfig{Level: "info", Output: "stdout"},
		Cache:    CacheConfig{RedisURL: "redis://localhost:6379"},
		Dispatch: DispatchConfig{
			BatchSize:      500,
			Concurrency:    4,
			ReservationTTL: 24 * time.Hour,
			InsertChunk:    10000,
			JobAttempts:    5,
		},
		Reconciliation: ReconciliationConfig{StaleThreshold: 15 * time.Minute, ReservationMaxAge: 48 * time.Hour},
		Scheduler: SchedulerConfig{
			Enabled:               true,
			CampaignInterval:      time.Minute,
			ReconcileInterval:     5 * time.Minute,
			StatusRefreshInterval: 5 * time.Minute,
			CampaignLockTTL:       90 * time.Second,
		},
	}
}

func TestValidateProductionConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ProductionConfig)
		message string
	}{
		{name: "valid", mutate: func(*ProductionConfig) {}},
		{name: "missing password", mutate: func(c *ProductionConfig) { c.Database.Password = "" }, message: "DB_PASSWORD is required"},
		{name: "bad port", mutate: func(c *ProductionConfig) { c.Server.Port = 70000 }, message: "SERVER_PORT"},
		{name: "bad level", mutate: func(c *ProductionConfig) { c.Logging.Level = "loud" }, message: "LOG_LEVEL"},
		{name: "file output without path", mutate: func(c *ProductionConfig) { c.Logging.Output = "both" }, message: "LOG_FILE_PATH"},
		{name: "zero batch size", mutate: func(c *ProductionConfig) { c.Dispatch.BatchSize = 0 }, message: "DISPATCH_BATCH_SIZE"},
		{name: "max age below ttl", mutate: func(c *ProductionConfig) { c.Reconciliation.ReservationMaxAge = time.Hour }, message: "RECONCILE_RESERVATION_MAX_AGE"},
		{name: "lock shorter than interval", mutate: func(c *ProductionConfig) { c.Scheduler.CampaignLockTTL = 30 * time.Second }, message: "SCHEDULER_CAMPAIGN_LOCK_TTL"},
		{name: "disabled scheduler skips checks", mutate: func(c *ProductionConfig) {
			c.Scheduler.Enabled = false
			c.Scheduler.CampaignLockTTL = 0
		}},
		{name: "provider without token", mutate: func(c *ProductionConfig) { c.StatusProvider.BaseURL = "https://sms.example" }, message: "STATUS_PROVIDER_TOKEN"},
		{name: "api with short secret", mutate: func(c *ProductionConfig) {
			c.API.Enabled = true
			c.API.SecretKey = "short"
		}, message: "API_SECRET_KEY"},
		{name: "api with rsa but no public key", mutate: func(c *ProductionConfig) {
			c.API.Enabled = true
			c.API.UseRSAKeys = true
		}, message: "API_PUBLIC_KEY"},
		{name: "api with secret", mutate: func(c *ProductionConfig) {
			c.API.Enabled = true
			c.API.SecretKey = "0123456789abcdef0123456789abcdef"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := ValidateProductionConfig(cfg)
			if tt.message == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestValidateProductionConfigAggregates(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Host = ""
	cfg.Dispatch.Concurrency = 0

	err := ValidateProductionConfig(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_HOST is required")
	assert.Contains(t, err.Error(), "DISPATCH_CONCURRENCY must be positive")
}

func TestDSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, Name: "dispatch", User: "app", Password: "pw", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=app password=pw dbname=dispatch sslmode=disable TimeZone=UTC", c.DSN())
}
