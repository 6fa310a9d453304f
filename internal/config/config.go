package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrMissingDatabaseDSN = errors.New("DB_DSN is required")

type Config struct {
	HTTP      HTTPConfig
	Redis     RedisConfig
	DB        DBConfig
	Rate      RateConfig
	Providers ProvidersConfig
	Log       LogConfig
}

type HTTPConfig struct {
	ListenAddr    string
	HealthPath    string
	MetricsPath   string
	ReadTimeout   time.Duration
	ClientTimeout time.Duration
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	InflightTTL time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RateConfig struct {
	PerHour int64
}

type ProvidersConfig struct {
	GenericImageBaseURL  string
	GenericTextBaseURL   string
	ChatABaseURL         string
	ChatAKey             string
	ChatABackupKey       string
	ChatBBaseURL         string
	ChatBKey             string
	ChatBBackupKey       string
	LocalBaseURL         string
	RouterBaseURL        string
	RouterKey            string
	RouterBackupKey      string
	ExperimentalEndpoint string
	GenericKey           string
	GenerationTimeout    time.Duration
	ReasoningTimeout     time.Duration
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:    mustEnv("LISTEN_ADDR", ":8080"),
			HealthPath:    mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:   mustEnv("METRICS_PATH", "/metrics"),
			ReadTimeout:   mustDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			ClientTimeout: mustDuration("HTTP_CLIENT_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Addr:        mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:    mustEnv("REDIS_PASSWORD", ""),
			DB:          mustInt("REDIS_DB", 0),
			InflightTTL: mustDuration("INFLIGHT_TTL", 5*time.Minute),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "polychat.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 60)),
		},
		Providers: ProvidersConfig{
			GenericImageBaseURL:  mustEnv("GENERIC_IMAGE_BASE_URL", "https://image.pollinations.ai"),
			GenericTextBaseURL:   mustEnv("GENERIC_TEXT_BASE_URL", "https://text.pollinations.ai"),
			GenericKey:           mustEnv("GENERIC_API_KEY", ""),
			ChatABaseURL:         mustEnv("CHAT_A_BASE_URL", "https://api.openai.com/v1"),
			ChatAKey:             mustEnv("CHAT_A_API_KEY", ""),
			ChatABackupKey:       mustEnv("CHAT_A_BACKUP_API_KEY", ""),
			ChatBBaseURL:         mustEnv("CHAT_B_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			ChatBKey:             mustEnv("CHAT_B_API_KEY", ""),
			ChatBBackupKey:       mustEnv("CHAT_B_BACKUP_API_KEY", ""),
			LocalBaseURL:         mustEnv("LOCAL_BASE_URL", "http://127.0.0.1:11434"),
			RouterBaseURL:        mustEnv("ROUTER_BASE_URL", "https://openrouter.ai/api/v1"),
			RouterKey:            mustEnv("ROUTER_API_KEY", ""),
			RouterBackupKey:      mustEnv("ROUTER_BACKUP_API_KEY", ""),
			ExperimentalEndpoint: mustEnv("EXPERIMENTAL_ENDPOINT", ""),
			GenerationTimeout:    mustDuration("GENERATION_TIMEOUT", 60*time.Second),
			ReasoningTimeout:     mustDuration("REASONING_TIMEOUT", 180*time.Second),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	return cfg, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
