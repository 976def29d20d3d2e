// Package config содержит логику чтения конфигурации сервиса payledger.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса payledger.
//
// Отсутствие RedisAddress или ключей провайдера не является ошибкой запуска:
// соответствующие подсистемы переходят в деградированный режим.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	RedisAddress string `env:"REDIS_ADDRESS"`

	ProviderBaseURL   string `env:"PROVIDER_BASE_URL"`
	ProviderKeyID     string `env:"PROVIDER_KEY_ID"`
	ProviderKeySecret string `env:"PROVIDER_KEY_SECRET"`
	WebhookSecret     string `env:"WEBHOOK_SECRET"`
	AuthSecret        string `env:"AUTH_SECRET"`

	CreditRetryAttempts int           `env:"CREDIT_RETRY_ATTEMPTS" envDefault:"3"`
	CreditRetryDelay    time.Duration `env:"CREDIT_RETRY_DELAY" envDefault:"500ms"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for rate limiting")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if cfg.CreditRetryAttempts < 1 {
		cfg.CreditRetryAttempts = 1
	}

	return cfg, nil
}
