package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"festival-booking/internal/services/bank/jdb"
)

type Config struct {
	// Server configuration
	Environment string

	// Storage; an empty DatabaseURL keeps the embedded SQLite database
	DatabaseURL string

	// Redis configuration
	RedisURL string
	CacheTTL time.Duration

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubUserID       string

	// Payment configuration
	PaymentProvider string
	PaymentCurrency string
	PaymentTimeout  time.Duration
	WebhookSecret   string
	JDBConfig       jdb.Config

	// Reservation retries
	ReserveMaxAttempts int
	ReserveRetryDelay  time.Duration
	ReserveRetryJitter time.Duration

	// Sweeper configuration
	PendingPaymentTTL time.Duration
	PaymentFailedTTL  time.Duration
	PendingTTL        time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int

	RateLimitPerMinute int

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	currency := strings.ToUpper(getEnv("PAYMENT_CURRENCY", "LAK"))

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisURL: getEnv("REDIS_URL", ""),
		CacheTTL: getEnvAsDuration("CACHE_TTL", "5m"),

		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubUserID:       getEnv("PUBNUB_USER_ID", "festival-booking"),

		PaymentProvider: getEnv("PAYMENT_PROVIDER", "mock"),
		PaymentCurrency: currency,
		PaymentTimeout:  getEnvAsDuration("PAYMENT_TIMEOUT", "5s"),
		WebhookSecret:   getEnv("WEBHOOK_SECRET", ""),
		JDBConfig: jdb.Config{
			ReceiverID:    getEnv("JDB_RECEIVER_ID", ""),
			TerminalID:    getEnv("JDB_TERMINAL_ID", ""),
			TerminalLabel: getEnv("JDB_TERMINAL_LABEL", ""),
			Currency:      currency,

			PNSubKey:    getEnv("JDB_PN_SUBKEY", ""),
			PNSubSecret: getEnv("JDB_PN_SUBSECRET", ""),
			PNUUID:      getEnv("JDB_PN_UUID", ""),
			PNCipherKey: getEnv("JDB_PN_CIPHER_KEY", ""),

			BaseURL:   getEnv("JDB_BASE_URL", ""),
			PartnerID: getEnv("JDB_PARTNER_ID", ""),
			ClientID:  getEnv("JDB_CLIENT_ID", ""),
			ClientKey: getEnv("JDB_CLIENT_KEY", ""),
			HMACKey:   getEnv("JDB_HMAC_KEY", ""),

			TokenRefreshInterval: getEnvAsDuration("JDB_TOKEN_REFRESH_INTERVAL", "10m"),
			HTTPTimeout:          getEnvAsDuration("JDB_HTTP_TIMEOUT", "10s"),
		},

		ReserveMaxAttempts: getEnvAsInt("RESERVE_MAX_ATTEMPTS", 3),
		ReserveRetryDelay:  getEnvAsDuration("RESERVE_RETRY_DELAY", "100ms"),
		ReserveRetryJitter: getEnvAsDuration("RESERVE_RETRY_JITTER", "50ms"),

		PendingPaymentTTL: getEnvAsDuration("PENDING_PAYMENT_TTL", "15m"),
		PaymentFailedTTL:  getEnvAsDuration("PAYMENT_FAILED_TTL", "5m"),
		PendingTTL:        getEnvAsDuration("PENDING_TTL", "30m"),
		SweepInterval:     getEnvAsDuration("SWEEP_INTERVAL", "1m"),
		SweepBatchSize:    getEnvAsInt("SWEEP_BATCH_SIZE", 100),

		RateLimitPerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 30),

		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
