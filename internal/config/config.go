package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from an optional env file and from environment variables.
type Config struct {
	HTTPServerAddress  string        `mapstructure:"HTTP_SERVER_ADDRESS"`
	AllowedOrigins     []string      `mapstructure:"ALLOWED_ORIGINS"`
	DatabaseURL        string        `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns   int           `mapstructure:"DATABASE_MAX_CONNS"`
	RedisServerAddress string        `mapstructure:"REDIS_SERVER_ADDRESS"`
	RedisPassword      string        `mapstructure:"REDIS_PASSWORD"`
	TokenSecretKey     string        `mapstructure:"TOKEN_SECRET_KEY"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
	SendTimeout        time.Duration `mapstructure:"SEND_TIMEOUT"`
	RelayConcurrency   int           `mapstructure:"RELAY_CONCURRENCY"`
	ResolveLockTTL     time.Duration `mapstructure:"RESOLVE_LOCK_TTL"`
	SchedulerInterval  time.Duration `mapstructure:"SCHEDULER_INTERVAL"`
	RateLimitMax       int           `mapstructure:"RATE_LIMIT_MAX"`
	RateLimitWindow    time.Duration `mapstructure:"RATE_LIMIT_WINDOW"`
	ShutdownTimeout    time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var defaults = map[string]any{
	"HTTP_SERVER_ADDRESS":  "0.0.0.0:8080",
	"ALLOWED_ORIGINS":      []string{"http://localhost:5173"},
	"DATABASE_URL":         "",
	"DATABASE_MAX_CONNS":   10,
	"REDIS_SERVER_ADDRESS": "",
	"REDIS_PASSWORD":       "",
	"TOKEN_SECRET_KEY":     "",
	"LOG_LEVEL":            "info",
	"SEND_TIMEOUT":         "2s",
	"RELAY_CONCURRENCY":    16,
	"RESOLVE_LOCK_TTL":     "30s",
	"SCHEDULER_INTERVAL":   "10s",
	"RATE_LIMIT_MAX":       100,
	"RATE_LIMIT_WINDOW":    "15m",
	"SHUTDOWN_TIMEOUT":     "10s",
}

// LoadConfig reads configuration from the env file at path (if it exists) and environment variables.
// Environment variables win over the file.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.AutomaticEnv()

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			v.SetConfigFile(path)
			v.SetConfigType("env")
			if err = v.ReadInConfig(); err != nil {
				return config, fmt.Errorf("read config file %s: %w", path, err)
			}
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return config, fmt.Errorf("stat config file %s: %w", path, statErr)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("unmarshal config: %w", err)
	}

	err = validateConfig(config)
	return
}

func validateConfig(config Config) error {
	if config.HTTPServerAddress == "" {
		return fmt.Errorf("HTTP_SERVER_ADDRESS is required")
	}
	if config.SendTimeout <= 0 {
		return fmt.Errorf("SEND_TIMEOUT must be positive")
	}
	if config.RelayConcurrency <= 0 {
		return fmt.Errorf("RELAY_CONCURRENCY must be positive")
	}
	if config.ResolveLockTTL <= 0 {
		return fmt.Errorf("RESOLVE_LOCK_TTL must be positive")
	}
	if config.SchedulerInterval < 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must not be negative")
	}
	if config.RateLimitMax <= 0 || config.RateLimitWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_MAX and RATE_LIMIT_WINDOW must be positive")
	}
	if config.TokenSecretKey != "" && len(config.TokenSecretKey) < 32 {
		return fmt.Errorf("TOKEN_SECRET_KEY must be at least 32 characters")
	}
	if config.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}
