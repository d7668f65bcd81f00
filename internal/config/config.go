// Package config loads service settings from the environment and an optional
// .env file using Viper.
package config

import (
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all the configuration variables for the consumables service.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseDriver          string `mapstructure:"DATABASE_DRIVER"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	SQLitePath              string `mapstructure:"SQLITE_PATH"`
	InitialFreeCredits      int    `mapstructure:"INITIAL_FREE_CREDITS"`
	RevenueCatWebhookSecret string `mapstructure:"REVENUECAT_WEBHOOK_SECRET"`
	ConsumableProducts      string `mapstructure:"CONSUMABLE_PRODUCTS"`
	WebhookAsync            bool   `mapstructure:"WEBHOOK_ASYNC"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	EventsExchange          string `mapstructure:"EVENTS_EXCHANGE"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogLevel                string `mapstructure:"LOG_LEVEL"`

	// Products maps a store product id to the credits it grants, parsed from
	// CONSUMABLE_PRODUCTS ("credits_10:10,credits_50:50").
	Products map[string]int `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional
// .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_DRIVER", DriverPostgres)
	viper.SetDefault("SQLITE_PATH", "consumables.db")
	viper.SetDefault("INITIAL_FREE_CREDITS", 0)
	viper.SetDefault("WEBHOOK_ASYNC", false)
	viper.SetDefault("EVENTS_EXCHANGE", "consumables.events")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")
	viper.SetDefault("LOG_LEVEL", "info")

	// Bind explicitly so Unmarshal sees keys that only exist in the environment.
	for _, key := range []string{
		"SERVER_PORT", "PORT", "DATABASE_DRIVER", "DATABASE_URL", "SQLITE_PATH",
		"INITIAL_FREE_CREDITS", "REVENUECAT_WEBHOOK_SECRET", "CONSUMABLE_PRODUCTS",
		"WEBHOOK_ASYNC", "RABBITMQ_URL", "EVENTS_EXCHANGE", "CORS_ALLOWED_ORIGINS", "LOG_LEVEL",
	} {
		_ = viper.BindEnv(key)
	}

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	config.DatabaseDriver = strings.ToLower(strings.TrimSpace(config.DatabaseDriver))
	if config.DatabaseDriver != DriverPostgres && config.DatabaseDriver != DriverSQLite {
		log.Printf("level=warn component=config msg=\"unknown DATABASE_DRIVER; using postgres\" value=%q", config.DatabaseDriver)
		config.DatabaseDriver = DriverPostgres
	}

	if config.InitialFreeCredits < 0 {
		log.Printf("level=warn component=config msg=\"negative INITIAL_FREE_CREDITS; using 0\" value=%d", config.InitialFreeCredits)
		config.InitialFreeCredits = 0
	}

	config.RevenueCatWebhookSecret = strings.TrimSpace(config.RevenueCatWebhookSecret)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.EventsExchange = strings.TrimSpace(config.EventsExchange)
	if config.EventsExchange == "" {
		config.EventsExchange = "consumables.events"
	}

	if config.WebhookAsync && config.DatabaseDriver != DriverPostgres {
		log.Printf("level=warn component=config msg=\"WEBHOOK_ASYNC requires postgres; processing webhooks inline\" driver=%s", config.DatabaseDriver)
		config.WebhookAsync = false
	}

	config.Products = ParseProductCatalog(config.ConsumableProducts)
	return
}

// ParseProductCatalog parses "product_id:credits" pairs separated by commas.
// Malformed entries and non-positive credit amounts are skipped with a warning.
func ParseProductCatalog(raw string) map[string]int {
	products := make(map[string]int)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// Product ids may contain ':', the credit count is after the last one.
		idx := strings.LastIndex(entry, ":")
		if idx <= 0 {
			log.Printf("level=warn component=config msg=\"invalid CONSUMABLE_PRODUCTS entry\" value=%q", entry)
			continue
		}
		productID := strings.TrimSpace(entry[:idx])
		credits, err := strconv.Atoi(strings.TrimSpace(entry[idx+1:]))
		if err != nil || credits <= 0 || productID == "" {
			log.Printf("level=warn component=config msg=\"invalid CONSUMABLE_PRODUCTS entry\" value=%q err=%v", entry, err)
			continue
		}
		products[productID] = credits
	}
	return products
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
