/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort             string  `mapstructure:"SERVER_PORT"`
	DatabaseURL            string  `mapstructure:"DATABASE_URL"`
	RedisURL               string  `mapstructure:"REDIS_URL"`
	RedisLockPrefix        string  `mapstructure:"REDIS_LOCK_PREFIX"`
	RabbitMQURL            string  `mapstructure:"RABBITMQ_URL"`
	JWKSURL                string  `mapstructure:"JWKS_URL"`
	StripeAPIBaseURL       string  `mapstructure:"STRIPE_API_BASE_URL"`
	StripeSecretKey        string  `mapstructure:"STRIPE_SECRET_KEY"`
	PayoutCurrency         string  `mapstructure:"PAYOUT_CURRENCY"`
	PlatformFeePercent     float64 `mapstructure:"PLATFORM_FEE_PERCENT"`
	OperatorAllowlist      string  `mapstructure:"OPERATOR_ALLOWLIST"`
	TransferTimeoutSeconds int     `mapstructure:"TRANSFER_TIMEOUT_SECONDS"`
	DispatchLockTTLSeconds int     `mapstructure:"DISPATCH_LOCK_TTL_SECONDS"`
	SweepSchedule          string  `mapstructure:"SETTLEMENT_SWEEP_SCHEDULE"`
	SweepOperatorIdentity  string  `mapstructure:"SWEEP_OPERATOR_IDENTITY"`
	SweepEventBatchLimit   int     `mapstructure:"SWEEP_EVENT_BATCH_LIMIT"`
}

// PlatformFeeBasisPoints converts the configured percentage rate into integer
// basis points for the fee calculator.
func (c Config) PlatformFeeBasisPoints() int64 {
	return int64(math.Round(c.PlatformFeePercent * 100))
}

// Operators parses the comma-separated allow-list into individual identities.
func (c Config) Operators() []string {
	parts := strings.Split(c.OperatorAllowlist, ",")
	operators := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			operators = append(operators, trimmed)
		}
	}
	return operators
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
	viper.SetDefault("SERVER_PORT", "8086")
	viper.SetDefault("REDIS_LOCK_PREFIX", "parkloop:settlement_lock")
	viper.SetDefault("STRIPE_API_BASE_URL", "https://api.stripe.com")
	viper.SetDefault("PAYOUT_CURRENCY", "usd")
	viper.SetDefault("PLATFORM_FEE_PERCENT", 15.0)
	viper.SetDefault("TRANSFER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("DISPATCH_LOCK_TTL_SECONDS", 120)
	viper.SetDefault("SETTLEMENT_SWEEP_SCHEDULE", "*/15 * * * *") // every 15 minutes
	viper.SetDefault("SWEEP_OPERATOR_IDENTITY", "settlement-sweep@parkloop.internal")
	viper.SetDefault("SWEEP_EVENT_BATCH_LIMIT", 20)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_LOCK_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("STRIPE_API_BASE_URL")
	_ = viper.BindEnv("STRIPE_SECRET_KEY")
	_ = viper.BindEnv("PAYOUT_CURRENCY")
	_ = viper.BindEnv("PLATFORM_FEE_PERCENT")
	_ = viper.BindEnv("OPERATOR_ALLOWLIST")
	_ = viper.BindEnv("TRANSFER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("DISPATCH_LOCK_TTL_SECONDS")
	_ = viper.BindEnv("SETTLEMENT_SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_OPERATOR_IDENTITY")
	_ = viper.BindEnv("SWEEP_EVENT_BATCH_LIMIT")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.OperatorAllowlist = strings.TrimSpace(config.OperatorAllowlist)
	config.PayoutCurrency = strings.ToLower(strings.TrimSpace(config.PayoutCurrency))
	if config.PayoutCurrency == "" {
		config.PayoutCurrency = "usd"
	}

	if config.PlatformFeePercent < 0 {
		log.Printf("level=warn component=config msg=\"negative platform fee percent configured; coercing to zero\" fee_percent=%f", config.PlatformFeePercent)
		config.PlatformFeePercent = 0
	}
	if config.PlatformFeePercent > 100 {
		log.Printf("level=warn component=config msg=\"platform fee percent too high; capping at 100\" fee_percent=%f", config.PlatformFeePercent)
		config.PlatformFeePercent = 100
	}

	if config.TransferTimeoutSeconds <= 0 {
		config.TransferTimeoutSeconds = 30
	}
	if config.DispatchLockTTLSeconds <= 0 {
		config.DispatchLockTTLSeconds = 120
	}
	if config.SweepEventBatchLimit <= 0 {
		config.SweepEventBatchLimit = 20
	}

	return
}
