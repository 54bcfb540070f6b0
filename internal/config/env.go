package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every variable name in Env.
const EnvPrefix = "NOTIFYD_"

// Env carries deployment overrides and secrets that should not live in the config file.
// Non-empty values win over the file.
type Env struct {
	HTTPAddr  string `env:"HTTP_ADDR"`
	JWTSecret string `env:"JWT_SECRET"`
	LogLevel  string `env:"LOG_LEVEL"`
	Timezone  string `env:"TIMEZONE"`

	StorageDriver string `env:"STORAGE_DRIVER"`
	StoragePath   string `env:"STORAGE_PATH"`
	RedisURL      string `env:"REDIS_URL"`
	PostgresURL   string `env:"POSTGRES_URL"`

	TelegramToken string   `env:"TELEGRAM_TOKEN"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:","`
	ProbeURL      string   `env:"NETWORK_PROBE_URL"`
}

// LoadEnv reads dotenv files into the process environment (existing variables are
// kept) and parses the NOTIFYD_* variables. Without files it tries ./.env and
// ignores its absence.
func LoadEnv(files ...string) (Env, error) {
	if len(files) == 0 {
		_ = godotenv.Load()
	} else if err := godotenv.Load(files...); err != nil {
		return Env{}, fmt.Errorf("dotenv: %w", err)
	}
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Prefix: EnvPrefix}); err != nil {
		return Env{}, errors.Join(errors.New("parse environment"), err)
	}
	return e, nil
}

// Apply overlays the environment onto cfg.
func (e Env) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.HTTP.Addr, e.HTTPAddr)
	set(&cfg.HTTP.JWTSecret, e.JWTSecret)
	set(&cfg.Logging.Level, e.LogLevel)
	set(&cfg.Timezone, e.Timezone)
	set(&cfg.Network.ProbeURL, e.ProbeURL)

	if strings.TrimSpace(e.StorageDriver) != "" || strings.TrimSpace(e.StoragePath) != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{}
		}
		set(&cfg.Storage.Driver, e.StorageDriver)
		set(&cfg.Storage.Path, e.StoragePath)
	}
	if cfg.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
		case "redis":
			set(&cfg.Storage.URL, e.RedisURL)
		case "postgres", "postgresql", "pg":
			set(&cfg.Storage.URL, e.PostgresURL)
		}
	}

	if strings.TrimSpace(e.TelegramToken) != "" {
		if cfg.Sender.Telegram == nil {
			cfg.Sender.Telegram = &TelegramSender{}
		}
		cfg.Sender.Telegram.Token = strings.TrimSpace(e.TelegramToken)
	}

	if brokers := nonEmpty(e.KafkaBrokers); len(brokers) > 0 {
		if cfg.Kafka == nil {
			cfg.Kafka = &KafkaConfig{}
		}
		cfg.Kafka.Brokers = brokers
	}
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
