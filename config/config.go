package config

import (
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Order configuration
	Currency       string
	OrderFee       decimal.Decimal
	OrderRefPrefix string

	// Reservation lifecycle. The TTL is how long an unpaid checkout may hold
	// inventory before the sweep returns it to the pool.
	ReservationTTL           time.Duration
	ReservationSweepInterval time.Duration

	// Notification configuration
	SenderName                string
	SenderAddress             string
	QRServiceURL              string
	NotificationMaxAttempts   int
	NotificationRetryBackoff  time.Duration
	ConfirmationRetryInterval time.Duration
	ConfirmationRetryMinAge   time.Duration

	// Payment gateway configuration
	Gateway GatewayConfig

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

type GatewayConfig struct {
	BaseURL         string
	CheckoutURL     string
	MerchantID      string
	ClientID        string
	ClientKey       string
	IntegritySecret string
	ReturnURL       string
	CancelURL       string
	NotifyURL       string

	// PubNub channel the provider pushes payment notifications on.
	PNSubscribeKey string
	PNSecretKey    string
	PNUUID         string
	PNChannel      string

	// Circuit breaker tuning for outbound provider calls.
	BreakerTimeout      time.Duration
	BreakerMaxRequests  int
	BreakerFailureRatio float64
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Orders
		Currency:       getEnv("ORDER_CURRENCY", "LKR"),
		OrderFee:       getEnvAsDecimal("ORDER_FEE", "0"),
		OrderRefPrefix: getEnv("ORDER_REF_PREFIX", "TKT"),

		// Reservations
		ReservationTTL:           getEnvAsDuration("RESERVATION_TTL", "10m"),
		ReservationSweepInterval: getEnvAsDuration("RESERVATION_SWEEP_INTERVAL", "30s"),

		// Notifications
		SenderName:                getEnv("MAIL_SENDER_NAME", "Ticket Desk"),
		SenderAddress:             getEnv("MAIL_SENDER_ADDRESS", "tickets@localhost"),
		QRServiceURL:              getEnv("QR_SERVICE_URL", "https://api.qrserver.com/v1/create-qr-code/"),
		NotificationMaxAttempts:   getEnvAsInt("NOTIFICATION_MAX_ATTEMPTS", 5),
		NotificationRetryBackoff:  getEnvAsDuration("NOTIFICATION_RETRY_BACKOFF", "2s"),
		ConfirmationRetryInterval: getEnvAsDuration("CONFIRMATION_RETRY_INTERVAL", "5m"),
		ConfirmationRetryMinAge:   getEnvAsDuration("CONFIRMATION_RETRY_MIN_AGE", "10m"),

		// Gateway
		Gateway: GatewayConfig{
			BaseURL:         getEnv("GATEWAY_BASE_URL", ""),
			CheckoutURL:     getEnv("GATEWAY_CHECKOUT_URL", ""),
			MerchantID:      getEnv("GATEWAY_MERCHANT_ID", ""),
			ClientID:        getEnv("GATEWAY_CLIENT_ID", ""),
			ClientKey:       getEnv("GATEWAY_CLIENT_KEY", ""),
			IntegritySecret: getEnv("GATEWAY_INTEGRITY_SECRET", ""),
			ReturnURL:       getEnv("GATEWAY_RETURN_URL", ""),
			CancelURL:       getEnv("GATEWAY_CANCEL_URL", ""),
			NotifyURL:       getEnv("GATEWAY_NOTIFY_URL", ""),
			PNSubscribeKey:  getEnv("GATEWAY_PN_SUBSCRIBE_KEY", ""),
			PNSecretKey:     getEnv("GATEWAY_PN_SECRET_KEY", ""),
			PNUUID:          getEnv("GATEWAY_PN_UUID", "ticket-backend"),
			PNChannel:       getEnv("GATEWAY_PN_CHANNEL", ""),

			BreakerTimeout:      getEnvAsDuration("GATEWAY_BREAKER_TIMEOUT", "60s"),
			BreakerMaxRequests:  getEnvAsInt("GATEWAY_BREAKER_MAX_REQUESTS", 100),
			BreakerFailureRatio: getEnvAsFloat("GATEWAY_BREAKER_FAILURE_RATIO", 0.6),
		},

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
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
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsDecimal(key string, defaultValue string) decimal.Decimal {
	valueStr := getEnv(key, defaultValue)
	if value, err := decimal.NewFromString(valueStr); err == nil {
		return value
	}
	value, _ := decimal.NewFromString(defaultValue)
	return value
}
