/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables and an optional
 * .env file, providing a centralized way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Config holds all the configuration variables for the packet-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort          string `mapstructure:"SERVER_PORT"`
	Environment         string `mapstructure:"ENVIRONMENT"`
	StoreBackend        string `mapstructure:"STORE_BACKEND"`
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	RedisURL            string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix      string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL         string `mapstructure:"RABBITMQ_URL"`
	EventExchange       string `mapstructure:"EVENT_EXCHANGE"`
	DepositEventQueue   string `mapstructure:"DEPOSIT_EVENT_QUEUE"`
	LedgerAPIBaseURL    string `mapstructure:"LEDGER_API_BASE_URL"`
	LedgerAPIKey        string `mapstructure:"LEDGER_API_KEY"`
	LedgerTimeoutSec    int    `mapstructure:"LEDGER_TIMEOUT_SECONDS"`
	LedgerConfirmTries  int    `mapstructure:"LEDGER_CONFIRM_ATTEMPTS"`
	DirectoryAPIBaseURL string `mapstructure:"DIRECTORY_API_BASE_URL"`
	DirectoryAPIKey     string `mapstructure:"DIRECTORY_API_KEY"`
	ScoreTimeoutSec     int    `mapstructure:"SCORE_TIMEOUT_SECONDS"`
	ScoreCacheTTLSec    int    `mapstructure:"SCORE_CACHE_TTL_SECONDS"`
	JWKSURL             string `mapstructure:"JWKS_URL"`
	JWTAudience         string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer           string `mapstructure:"JWT_ISSUER"`
	JWTHS256Secret      string `mapstructure:"JWT_HS256_SECRET"`
	InternalAPIKey      string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins  string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	PacketExpiryHours           int    `mapstructure:"PACKET_EXPIRY_HOURS"`
	PacketRetentionGraceMinutes int    `mapstructure:"PACKET_RETENTION_GRACE_MINUTES"`
	ClaimMaxPersistRetries      int    `mapstructure:"CLAIM_MAX_PERSIST_RETRIES"`
	ClaimLockTTLSeconds         int    `mapstructure:"CLAIM_LOCK_TTL_SECONDS"`
	ClaimLockWaitMillis         int    `mapstructure:"CLAIM_LOCK_WAIT_MILLIS"`
	ClaimRateLimitPerMinute     int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	ActivityFeedSize            int    `mapstructure:"ACTIVITY_FEED_SIZE"`
	HistoryTTLDays              int    `mapstructure:"HISTORY_TTL_DAYS"`
	RefundSweepSchedule         string `mapstructure:"REFUND_SWEEP_SCHEDULE"`

	TracingEnabled bool   `mapstructure:"TRACING_ENABLED"`
	JaegerEndpoint string `mapstructure:"JAEGER_ENDPOINT"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("ENVIRONMENT", "development")
	viper.SetDefault("STORE_BACKEND", StorePostgres)
	viper.SetDefault("REDIS_KEY_PREFIX", "packets")
	viper.SetDefault("EVENT_EXCHANGE", "packet.events")
	viper.SetDefault("DEPOSIT_EVENT_QUEUE", "packet_service.deposit_confirmed")
	viper.SetDefault("LEDGER_TIMEOUT_SECONDS", 10)
	viper.SetDefault("LEDGER_CONFIRM_ATTEMPTS", 3)
	viper.SetDefault("SCORE_TIMEOUT_SECONDS", 3)
	viper.SetDefault("SCORE_CACHE_TTL_SECONDS", 60)
	viper.SetDefault("PACKET_EXPIRY_HOURS", 24)
	viper.SetDefault("PACKET_RETENTION_GRACE_MINUTES", 60)
	viper.SetDefault("CLAIM_MAX_PERSIST_RETRIES", 5)
	viper.SetDefault("CLAIM_LOCK_TTL_SECONDS", 90)
	viper.SetDefault("CLAIM_LOCK_WAIT_MILLIS", 5000)
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("ACTIVITY_FEED_SIZE", 30)
	viper.SetDefault("HISTORY_TTL_DAYS", 30)
	viper.SetDefault("REFUND_SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("JAEGER_ENDPOINT", "http://localhost:14268/api/traces")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("ENVIRONMENT", "ENVIRONMENT", "APP_ENV")
	_ = viper.BindEnv("STORE_BACKEND")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PACKET_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("DEPOSIT_EVENT_QUEUE")
	_ = viper.BindEnv("LEDGER_API_BASE_URL")
	_ = viper.BindEnv("LEDGER_API_KEY")
	_ = viper.BindEnv("LEDGER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("LEDGER_CONFIRM_ATTEMPTS")
	_ = viper.BindEnv("DIRECTORY_API_BASE_URL")
	_ = viper.BindEnv("DIRECTORY_API_KEY")
	_ = viper.BindEnv("SCORE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SCORE_CACHE_TTL_SECONDS")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE", "JWT_AUDIENCE", "CLERK_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER", "JWT_ISSUER", "CLERK_ISSUER")
	_ = viper.BindEnv("JWT_HS256_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PACKET_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("PACKET_EXPIRY_HOURS")
	_ = viper.BindEnv("PACKET_RETENTION_GRACE_MINUTES")
	_ = viper.BindEnv("CLAIM_MAX_PERSIST_RETRIES")
	_ = viper.BindEnv("CLAIM_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("CLAIM_LOCK_WAIT_MILLIS")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("ACTIVITY_FEED_SIZE")
	_ = viper.BindEnv("HISTORY_TTL_DAYS")
	_ = viper.BindEnv("REFUND_SWEEP_SCHEDULE")
	_ = viper.BindEnv("TRACING_ENABLED")
	_ = viper.BindEnv("JAEGER_ENDPOINT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.StoreBackend = strings.ToLower(strings.TrimSpace(config.StoreBackend))
	switch config.StoreBackend {
	case StorePostgres, StoreRedis, StoreMemory:
	default:
		log.Printf("level=warn component=config msg=\"unknown store backend; using postgres\" store_backend=%q", config.StoreBackend)
		config.StoreBackend = StorePostgres
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.Trim(strings.TrimSpace(config.RedisKeyPrefix), ":")
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "packets"
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.EventExchange = strings.TrimSpace(config.EventExchange)
	if config.EventExchange == "" {
		config.EventExchange = "packet.events"
	}

	positive := func(name string, v *int, def int) {
		if *v <= 0 {
			if *v < 0 {
				log.Printf("level=warn component=config msg=\"negative value configured; using default\" key=%s value=%d default=%d", name, *v, def)
			}
			*v = def
		}
	}
	positive("LEDGER_TIMEOUT_SECONDS", &config.LedgerTimeoutSec, 10)
	positive("LEDGER_CONFIRM_ATTEMPTS", &config.LedgerConfirmTries, 3)
	positive("SCORE_TIMEOUT_SECONDS", &config.ScoreTimeoutSec, 3)
	positive("SCORE_CACHE_TTL_SECONDS", &config.ScoreCacheTTLSec, 60)
	positive("PACKET_EXPIRY_HOURS", &config.PacketExpiryHours, 24)
	positive("PACKET_RETENTION_GRACE_MINUTES", &config.PacketRetentionGraceMinutes, 60)
	positive("CLAIM_MAX_PERSIST_RETRIES", &config.ClaimMaxPersistRetries, 5)
	positive("CLAIM_LOCK_TTL_SECONDS", &config.ClaimLockTTLSeconds, 90)
	positive("CLAIM_LOCK_WAIT_MILLIS", &config.ClaimLockWaitMillis, 5000)
	positive("ACTIVITY_FEED_SIZE", &config.ActivityFeedSize, 30)
	positive("HISTORY_TTL_DAYS", &config.HistoryTTLDays, 30)

	// Zero disables the claim rate limit.
	if config.ClaimRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative claim rate limit configured; disabling\" value=%d", config.ClaimRateLimitPerMinute)
		config.ClaimRateLimitPerMinute = 0
	}

	if strings.TrimSpace(config.RefundSweepSchedule) == "" {
		config.RefundSweepSchedule = "@every 5m"
	}

	return
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var out []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			out = append(out, origin)
		}
	}
	return out
}

func (c Config) ExpiryWindow() time.Duration {
	return time.Duration(c.PacketExpiryHours) * time.Hour
}

func (c Config) RetentionGrace() time.Duration {
	return time.Duration(c.PacketRetentionGraceMinutes) * time.Minute
}

func (c Config) LedgerTimeout() time.Duration {
	return time.Duration(c.LedgerTimeoutSec) * time.Second
}

func (c Config) ScoreTimeout() time.Duration {
	return time.Duration(c.ScoreTimeoutSec) * time.Second
}

func (c Config) ScoreCacheTTL() time.Duration {
	return time.Duration(c.ScoreCacheTTLSec) * time.Second
}

func (c Config) LockTTL() time.Duration {
	return time.Duration(c.ClaimLockTTLSeconds) * time.Second
}

func (c Config) LockWait() time.Duration {
	return time.Duration(c.ClaimLockWaitMillis) * time.Millisecond
}

func (c Config) HistoryTTL() time.Duration {
	return time.Duration(c.HistoryTTLDays) * 24 * time.Hour
}
