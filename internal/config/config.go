/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payout-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                     string `mapstructure:"SERVER_PORT"`
	DatabaseURL                    string `mapstructure:"DATABASE_URL"`
	RedisURL                       string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix           string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                    string `mapstructure:"RABBITMQ_URL"`
	PaymentEventQueue              string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	RailAPIBaseURL                 string `mapstructure:"RAIL_API_BASE_URL"`
	RailAPIKey                     string `mapstructure:"RAIL_API_KEY"`
	AuthJWKSURL                    string `mapstructure:"AUTH_JWKS_URL"`
	IdentityServiceURL             string `mapstructure:"IDENTITY_SERVICE_URL"`
	IdentityServiceInternalAPIKey  string `mapstructure:"IDENTITY_SERVICE_INTERNAL_API_KEY"`
	InternalAPIKey                 string `mapstructure:"INTERNAL_API_KEY"`
	AdminSettlementSecret          string `mapstructure:"ADMIN_SETTLEMENT_SECRET"`
	DefaultCurrency                string `mapstructure:"DEFAULT_CURRENCY"`
	OnboardingReturnURL            string `mapstructure:"ONBOARDING_RETURN_URL"`
	PayoutRequestRateLimitPerMin   int    `mapstructure:"PAYOUT_REQUEST_RATE_LIMIT_PER_MINUTE"`
	WebhookIntakeRateLimitPerMin   int    `mapstructure:"WEBHOOK_INTAKE_RATE_LIMIT_PER_MINUTE"`
	StoreCallTimeoutSeconds        int    `mapstructure:"STORE_CALL_TIMEOUT_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("PAYMENT_EVENT_QUEUE", "payout_service.payment_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "payouts:rate_limit")
	viper.SetDefault("DEFAULT_CURRENCY", "JPY")
	viper.SetDefault("PAYOUT_REQUEST_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("STORE_CALL_TIMEOUT_SECONDS", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("RAIL_API_BASE_URL")
	_ = viper.BindEnv("RAIL_API_KEY")
	_ = viper.BindEnv("AUTH_JWKS_URL")
	_ = viper.BindEnv("IDENTITY_SERVICE_URL")
	_ = viper.BindEnv("IDENTITY_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYOUT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("ADMIN_SETTLEMENT_SECRET")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("ONBOARDING_RETURN_URL")
	_ = viper.BindEnv("PAYOUT_REQUEST_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("WEBHOOK_INTAKE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("STORE_CALL_TIMEOUT_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	if config.InternalAPIKey == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYOUT_SERVICE_INTERNAL_API_KEY"))
	}
	config.AdminSettlementSecret = strings.TrimSpace(config.AdminSettlementSecret)
	config.IdentityServiceInternalAPIKey = strings.TrimSpace(config.IdentityServiceInternalAPIKey)
	if config.IdentityServiceInternalAPIKey == "" {
		config.IdentityServiceInternalAPIKey = config.InternalAPIKey
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "payouts:rate_limit"
	}

	config.DefaultCurrency = strings.ToUpper(strings.TrimSpace(config.DefaultCurrency))
	if config.DefaultCurrency == "" {
		config.DefaultCurrency = "JPY"
	}

	if config.PayoutRequestRateLimitPerMin < 0 {
		log.Printf("level=warn component=config msg=\"negative payout request rate limit; disabling\" limit=%d", config.PayoutRequestRateLimitPerMin)
		config.PayoutRequestRateLimitPerMin = 0
	}
	if config.WebhookIntakeRateLimitPerMin < 0 {
		config.WebhookIntakeRateLimitPerMin = 0
	}
	if config.StoreCallTimeoutSeconds <= 0 {
		config.StoreCallTimeoutSeconds = 10
	}

	return
}
