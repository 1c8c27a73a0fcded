package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string
	LogFormat   string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	// Webhook signing secrets, one per event source. The service refuses to
	// start when either is empty.
	PaymentWebhookSecret string
	ConnectWebhookSecret string

	// SignatureToleranceSec bounds the age of a webhook signature timestamp.
	SignatureToleranceSec int

	DefaultCurrency   string
	PlatformFeeBps    int
	LowStockThreshold int
	DefaultTenantID   int64

	// PlanPriceMap maps processor price ids to plan codes. Parsed once at
	// startup; handed to the subscription service as an immutable value.
	PlanPriceMap map[string]string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

var ErrMissingWebhookSecret = errors.New("missing_webhook_secret")

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "atelier"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		LogFormat:   getenv("LOG_FORMAT", "json"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "atelier"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		PaymentWebhookSecret:  strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", "")),
		ConnectWebhookSecret:  strings.TrimSpace(getenv("CONNECT_WEBHOOK_SECRET", "")),
		SignatureToleranceSec: getenvInt("WEBHOOK_SIGNATURE_TOLERANCE", 300),

		DefaultCurrency:   strings.ToUpper(getenv("DEFAULT_CURRENCY", "USD")),
		PlatformFeeBps:    getenvInt("PLATFORM_FEE_BPS", 500),
		LowStockThreshold: getenvInt("LOW_STOCK_THRESHOLD", 2),
		DefaultTenantID:   getenvInt64("DEFAULT_TENANT", 0),

		PlanPriceMap: parsePlanPriceMap(getenv("PLAN_PRICE_MAP", "")),

		SMTPHost:     getenv("SMTP_HOST", "localhost"),
		SMTPPort:     getenvInt("SMTP_PORT", 1025),
		SMTPUsername: getenv("SMTP_USERNAME", ""),
		SMTPPassword: getenv("SMTP_PASSWORD", ""),
		SMTPFrom:     getenv("SMTP_FROM", "no-reply@makerstall.dev"),
	}
}

// Validate rejects configurations the service must not start with.
func (c Config) Validate() error {
	if c.PaymentWebhookSecret == "" || c.ConnectWebhookSecret == "" {
		return ErrMissingWebhookSecret
	}
	return nil
}

// parsePlanPriceMap parses "price_id:plan,price_id:plan" pairs.
func parsePlanPriceMap(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		kv := strings.SplitN(pair, ":", 2)
		if len(kv) != 2 {
			continue
		}
		priceID := strings.TrimSpace(kv[0])
		plan := strings.ToLower(strings.TrimSpace(kv[1]))
		if priceID == "" || plan == "" {
			continue
		}
		out[priceID] = plan
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}
