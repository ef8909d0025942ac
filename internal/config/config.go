// Package config содержит логику чтения конфигурации сервиса оплаты спринтов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress     string `env:"RUN_ADDRESS"`
	DatabaseURI    string `env:"DATABASE_URI"`
	GatewayBaseURL string `env:"GATEWAY_BASE_URL"`
	WebhookSecret  string `env:"WEBHOOK_SECRET"`

	GatewaySecretKey string        `env:"GATEWAY_SECRET_KEY"`
	GatewayTimeout   time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	AuthSecret     string   `env:"AUTH_SECRET"`
	AdminToken     string   `env:"ADMIN_TOKEN"`
	AppBaseURL     string   `env:"APP_BASE_URL" envDefault:"http://localhost:3000"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	AMQPURL string `env:"AMQP_URL"`

	CommissionPercent int  `env:"COMMISSION_PERCENT" envDefault:"10"`
	TxAttempts        uint `env:"FULFILL_TX_ATTEMPTS" envDefault:"3"`

	VerifyInitialDelay time.Duration `env:"VERIFY_INITIAL_DELAY" envDefault:"1s"`
	VerifyMaxDelay     time.Duration `env:"VERIFY_MAX_DELAY" envDefault:"5s"`
	VerifyMaxAttempts  int           `env:"VERIFY_MAX_ATTEMPTS" envDefault:"10"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"1m"`
	ReconcileAfter    time.Duration `env:"RECONCILE_AFTER" envDefault:"2m"`
	ReconcileMaxAge   time.Duration `env:"RECONCILE_MAX_AGE" envDefault:"24h"`
}

// RedirectURL — страница возврата после оплаты, на которой запускается проверка.
func (c *Config) RedirectURL() string {
	return strings.TrimRight(c.AppBaseURL, "/") + "/payment/verify"
}

// LoginURL — страница входа для продолжения проверки без сессии.
func (c *Config) LoginURL() string {
	return strings.TrimRight(c.AppBaseURL, "/") + "/login"
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayBaseURL := cfg.GatewayBaseURL
	envWebhookSecret := cfg.WebhookSecret

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GatewayBaseURL, "g", "", "payment gateway base URL")
	flag.StringVar(&cfg.WebhookSecret, "w", "", "payment gateway webhook secret")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayBaseURL != "" {
		cfg.GatewayBaseURL = envGatewayBaseURL
	}
	if envWebhookSecret != "" {
		cfg.WebhookSecret = envWebhookSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.CommissionPercent < 0 || c.CommissionPercent > 100 {
		return fmt.Errorf("COMMISSION_PERCENT must be within 0..100, got %d", c.CommissionPercent)
	}
	if c.VerifyMaxAttempts <= 0 {
		return errors.New("VERIFY_MAX_ATTEMPTS must be positive")
	}
	if c.VerifyInitialDelay <= 0 || c.VerifyMaxDelay < c.VerifyInitialDelay {
		return fmt.Errorf("invalid verification delays: initial %s, max %s", c.VerifyInitialDelay, c.VerifyMaxDelay)
	}
	return nil
}
