package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port          int
	NatsURL       string
	NatsToken     string
	DatabaseURL   string
	LogLevel      string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	Model         string
	SessionTTL    time.Duration
	SessionBucket string
	APIToken      string
}

func Load() Config {
	return Config{
		Port:          envInt("QUAESTOR_PORT", 8760),
		NatsURL:       envStr("NATS_URL", ""),
		NatsToken:     envStr("NATS_TOKEN", ""),
		DatabaseURL:   envStr("DATABASE_URL", ""),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		OpenAIAPIKey:  envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL: envStr("OPENAI_BASE_URL", ""),
		Model:         envStr("QUAESTOR_MODEL", "gpt-4o"),
		SessionTTL:    envDur("QUAESTOR_SESSION_TTL", time.Hour),
		SessionBucket: envStr("QUAESTOR_SESSION_BUCKET", "quaestor-sessions"),
		APIToken:      envStr("QUAESTOR_API_TOKEN", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
