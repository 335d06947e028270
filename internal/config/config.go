// Package config reads process configuration from the environment. The
// binaries load a .env file first, so values there act as defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/tinoosan/tally/internal/fx"
	"github.com/tinoosan/tally/internal/service/aggregate"
)

type Config struct {
	// HTTP Server
	HTTPAddr string

	// Database; empty means the in-memory store
	DatabaseURL string
	DBMigrate   bool

	// Logging
	LogLevel  string
	LogFormat string

	// AMQP; empty URL disables event publishing
	AMQPURL      string
	AMQPExchange string

	// Import
	ImportBatchSize       int
	ImportCacheCapacity   int
	ImportMaxErrorSamples int
	ImportDedupWithinFile bool
	DefaultCurrency       string

	// Forecast window for average spending
	ForecastWindowMode  string
	ForecastLookback    int
	ForecastGranularity int

	// FXRates seeds the static converter, e.g. "EUR/USD=1.08,GBP/USD=1.27"
	FXRates string

	DevSeed bool
}

func Load() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DatabaseURL: strings.TrimSpace(getEnv("DATABASE_URL", "")),
		DBMigrate:   getEnvBool("DB_MIGRATE", true),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		AMQPURL:      getEnv("AMQP_URL", ""),
		AMQPExchange: getEnv("AMQP_EXCHANGE", "tally"),

		ImportBatchSize:       getEnvInt("IMPORT_BATCH_SIZE", 500),
		ImportCacheCapacity:   getEnvInt("IMPORT_CACHE_CAPACITY", 1000),
		ImportMaxErrorSamples: getEnvInt("IMPORT_MAX_ERROR_SAMPLES", 50),
		ImportDedupWithinFile: getEnvBool("IMPORT_DEDUP_WITHIN_FILE", false),
		DefaultCurrency:       strings.ToUpper(getEnv("DEFAULT_CURRENCY", "USD")),

		ForecastWindowMode:  getEnv("FORECAST_WINDOW_MODE", string(aggregate.WindowFixed)),
		ForecastLookback:    getEnvInt("FORECAST_LOOKBACK_MONTHS", 3),
		ForecastGranularity: getEnvInt("FORECAST_GRANULARITY_MONTHS", 1),

		FXRates: getEnv("FX_RATES", ""),

		DevSeed: getEnvBool("DEV_SEED", false),
	}
}

// Window is the configured average-spending window.
func (c *Config) Window() aggregate.Window {
	return aggregate.Window{
		Mode:        aggregate.WindowMode(c.ForecastWindowMode),
		Lookback:    c.ForecastLookback,
		Granularity: c.ForecastGranularity,
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errors []string

	if c.HTTPAddr == "" {
		errors = append(errors, "HTTP address cannot be empty")
	}

	if c.DatabaseURL != "" {
		if u, err := url.Parse(c.DatabaseURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid database URL: %v", err))
		} else if u.Scheme != "postgres" && u.Scheme != "postgresql" {
			errors = append(errors, fmt.Sprintf("invalid database URL scheme '%s': must be 'postgres' or 'postgresql'", u.Scheme))
		}
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		errors = append(errors, fmt.Sprintf("invalid log format '%s': must be 'json' or 'text'", c.LogFormat))
	}

	if c.AMQPURL != "" {
		if u, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if u.Scheme != "amqp" && u.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", u.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
	}

	if c.ImportBatchSize < 1 || c.ImportBatchSize > 10000 {
		errors = append(errors, fmt.Sprintf("invalid import batch size %d: must be between 1 and 10000", c.ImportBatchSize))
	}
	if c.ImportCacheCapacity < 1 {
		errors = append(errors, fmt.Sprintf("invalid import cache capacity %d: must be at least 1", c.ImportCacheCapacity))
	}
	if c.ImportMaxErrorSamples < 0 {
		errors = append(errors, fmt.Sprintf("invalid import error sample limit %d: must not be negative", c.ImportMaxErrorSamples))
	}
	if len(c.DefaultCurrency) != 3 {
		errors = append(errors, fmt.Sprintf("invalid default currency '%s': must be a 3-letter code", c.DefaultCurrency))
	}

	if _, err := aggregate.ParseWindowMode(c.ForecastWindowMode); err != nil {
		errors = append(errors, fmt.Sprintf("invalid forecast window mode '%s': must be 'fixed' or 'granularity'", c.ForecastWindowMode))
	}
	if c.ForecastLookback < 1 {
		errors = append(errors, fmt.Sprintf("invalid forecast lookback %d: must be at least 1", c.ForecastLookback))
	}
	if c.ForecastGranularity < 1 {
		errors = append(errors, fmt.Sprintf("invalid forecast granularity %d: must be at least 1", c.ForecastGranularity))
	}

	if _, err := fx.ParseTable(c.FXRates); err != nil {
		errors = append(errors, fmt.Sprintf("invalid FX rates: %v", err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}
