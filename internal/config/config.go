// Package config содержит логику чтения конфигурации сервиса витрины.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса витрины.
type Config struct {
	RunAddress      string        `env:"RUN_ADDRESS"`
	DatabaseURI     string        `env:"DATABASE_URI"`
	RedisAddress    string        `env:"REDIS_ADDRESS"`
	SessionSecret   string        `env:"SESSION_SECRET"`
	AdminToken      string        `env:"ADMIN_TOKEN"`
	TelegramToken   string        `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID  string        `env:"TELEGRAM_CHAT_ID"`
	UploadAPIKey    string        `env:"IMGBB_API_KEY"`
	UploadHost      string        `env:"IMGBB_HOST"`
	SiteURL         string        `env:"SITE_URL"`
	CatalogCacheTTL time.Duration `env:"CATALOG_CACHE_TTL"`
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
	envCacheTTL := cfg.CatalogCacheTTL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "r", "localhost:6379", "redis address for local storage")
	flag.DurationVar(&cfg.CatalogCacheTTL, "cache-ttl", 5*time.Minute, "product cache TTL")

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
	if envCacheTTL != 0 {
		cfg.CatalogCacheTTL = envCacheTTL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.CatalogCacheTTL <= 0 {
		cfg.CatalogCacheTTL = 5 * time.Minute
	}
	if cfg.UploadHost == "" {
		cfg.UploadHost = "https://api.imgbb.com"
	}

	return cfg, nil
}
