package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds controller configuration. Integration backends (NATS,
// Redis, Postgres, InfluxDB) are wired only when their URL is set; the
// engine runs self-contained otherwise.
type Config struct {
	Port        string
	LogLevel    string
	NATSUrl     string
	RedisURL    string
	DatabaseURL string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	GlobalGMVCap       decimal.Decimal
	ProviderHourlyCap  decimal.Decimal
	ConcentrationPct   int64
	ConcentrationFloor decimal.Decimal

	CheckpointCron       string
	QuietLead            time.Duration
	HeartbeatMinInterval time.Duration

	DrainWorkers int
	BacklogFloor int
	ProviderURL  string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		NATSUrl:     getEnv("NATS_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		InfluxURL:    getEnv("INFLUXDB_URL", ""),
		InfluxToken:  getEnv("INFLUXDB_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUXDB_ORG", "settledrain"),
		InfluxBucket: getEnv("INFLUXDB_BUCKET", "checkpoints"),

		GlobalGMVCap:       getEnvDecimal("GLOBAL_GMV_CAP", "50000"),
		ProviderHourlyCap:  getEnvDecimal("PROVIDER_HOURLY_CAP", "10000"),
		ConcentrationPct:   int64(getEnvInt("CONCENTRATION_PCT", 25)),
		ConcentrationFloor: getEnvDecimal("CONCENTRATION_FLOOR", "1000"),

		CheckpointCron:       getEnv("CHECKPOINT_CRON", "0 * * * *"),
		QuietLead:            getEnvDuration("QUIET_LEAD", 5*time.Minute),
		HeartbeatMinInterval: getEnvDuration("HEARTBEAT_MIN_INTERVAL", time.Minute),

		DrainWorkers: getEnvInt("DRAIN_WORKERS", 0),
		BacklogFloor: getEnvInt("BACKLOG_FLOOR", 10),
		ProviderURL:  getEnv("PROVIDER_URL", ""),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultValue)
}
