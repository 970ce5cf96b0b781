package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppEnv            string        `envconfig:"APP_ENV" default:"development"`
	Port              string        `envconfig:"PORT" default:"8080"`
	AllowedOrigin     string        `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`
	DatabaseURL       string        `envconfig:"DATABASE_URL"`
	RedisAddr         string        `envconfig:"REDIS_ADDR"`
	RedisPassword     string        `envconfig:"REDIS_PASSWORD"`
	RedisDB           int           `envconfig:"REDIS_DB" default:"0"`
	AuthSecret        string        `envconfig:"AUTH_SECRET"`
	AccessTokenTTL    time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"8h"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat         string        `envconfig:"LOG_FORMAT" default:"json"`
	ImportChunkWrites int           `envconfig:"IMPORT_CHUNK_WRITES" default:"200"`
	ImportLockTTL     time.Duration `envconfig:"IMPORT_LOCK_TTL" default:"10m"`
	CatalogCacheTTL   time.Duration `envconfig:"CATALOG_CACHE_TTL" default:"30s"`
	PhoneRegion       string        `envconfig:"PHONE_REGION" default:"EG"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.PhoneRegion = strings.ToUpper(strings.TrimSpace(cfg.PhoneRegion))
	if cfg.ImportChunkWrites < 1 {
		cfg.ImportChunkWrites = 200
	}
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = 8 * time.Hour
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) IsProduction() bool {
	return c.AppEnv == "production"
}
