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
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the stream-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix     string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	DepositEventQueue        string `mapstructure:"DEPOSIT_EVENT_QUEUE"`
	ProgramID                string `mapstructure:"PROGRAM_ID"`
	FeeOwner                 string `mapstructure:"FEE_OWNER"`
	JWKSURL                  string `mapstructure:"JWKS_URL"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	RedeemRateLimitPerMinute int    `mapstructure:"REDEEM_RATE_LIMIT_PER_MINUTE"`
	ExpirySweepSchedule      string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
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
	viper.SetDefault("DEPOSIT_EVENT_QUEUE", "stream_service.deposit_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "paystream:rate_limit")
	viper.SetDefault("REDEEM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "@every 1m")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "STREAM_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("DEPOSIT_EVENT_QUEUE")
	_ = viper.BindEnv("PROGRAM_ID")
	_ = viper.BindEnv("FEE_OWNER")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "STREAM_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("REDEEM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")

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
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("STREAM_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "paystream:rate_limit"
	}
	config.ProgramID = strings.TrimSpace(config.ProgramID)
	config.FeeOwner = strings.TrimSpace(config.FeeOwner)

	if config.RedeemRateLimitPerMinute <= 0 {
		config.RedeemRateLimitPerMinute = 30
	}
	if strings.TrimSpace(config.ExpirySweepSchedule) == "" {
		config.ExpirySweepSchedule = "@every 1m"
	}

	return
}
