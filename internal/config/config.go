package config

import (
	"fmt"
	"os"
)

type Config struct {
	DBSource        string
	Port            string
	Env             string
	DefaultCurrency string
	WebhookSecret   string
	NATSURL         string
}

func Load() (*Config, error) {
	dbSource := os.Getenv("DB_SOURCE")
	if dbSource == "" {
		return nil, fmt.Errorf("DB_SOURCE environment variable is required")
	}

	port := os.Getenv("SERVER_PORT")
	if port == "" {
		port = "8080"
	}

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	currency := os.Getenv("DEFAULT_CURRENCY")
	if currency == "" {
		currency = "KES"
	}

	return &Config{
		DBSource:        dbSource,
		Port:            port,
		Env:             env,
		DefaultCurrency: currency,
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		NATSURL:         os.Getenv("NATS_URL"),
	}, nil
}
