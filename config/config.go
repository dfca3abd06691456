package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Websocket timing, shared by the dashboard and chat endpoints.
const (
	WriteWait      = 10 * time.Second
	PongWait       = 60 * time.Second
	PingPeriod     = (PongWait * 9) / 10
	MaxMessageSize = 4096
)

type Config struct {
	Env           string
	ServerAddr    string
	OperatorToken string
	Memory        bool
	NATS          NATSConfig

	// ChatTokenSecret signs counterparty chat tokens. Empty disables the check.
	ChatTokenSecret string
	ChatTokenTTL    time.Duration
}

type NATSConfig struct {
	URL            string
	StreamName     string // stream holding the nested messages of every conversation
	SubjectPrefix  string
	BucketPrefix   string // prefix for the KV bucket of each collection
	RPCPrefix      string
	RequestTimeout time.Duration
}

// Load reads configuration from the environment. In development a .env file
// is loaded first when present.
func Load() (Config, error) {
	if getEnv("CONSOLE_ENV", "development") == "development" {
		_ = godotenv.Load(".env")
	}

	cfg := Config{
		Env:           getEnv("CONSOLE_ENV", "development"),
		ServerAddr:    getEnv("SERVER_ADDR", ":8080"),
		OperatorToken: getEnv("OPERATOR_TOKEN", ""),
		Memory:        getEnvBool("CONSOLE_MEMORY_STORE", false),

		ChatTokenSecret: getEnv("CHAT_TOKEN_SECRET", ""),
		ChatTokenTTL:    getEnvDuration("CHAT_TOKEN_TTL", 24*time.Hour),

		NATS: NATSConfig{
			URL:            getEnv("NATS_URL", "nats://127.0.0.1:4222"),
			StreamName:     getEnv("NATS_STREAM", "SUPPORT_MESSAGES"),
			SubjectPrefix:  getEnv("NATS_SUBJECT_PREFIX", "support.messages"),
			BucketPrefix:   getEnv("NATS_BUCKET_PREFIX", "console_"),
			RPCPrefix:      getEnv("NATS_RPC_PREFIX", "console.rpc"),
			RequestTimeout: getEnvDuration("NATS_REQUEST_TIMEOUT", 5*time.Second),
		},
	}

	if cfg.IsProduction() && cfg.OperatorToken == "" {
		return Config{}, fmt.Errorf("OPERATOR_TOKEN is required in production")
	}
	if cfg.IsProduction() && cfg.ChatTokenSecret == "" {
		return Config{}, fmt.Errorf("CHAT_TOKEN_SECRET is required in production")
	}
	if !cfg.Memory && cfg.NATS.URL == "" {
		return Config{}, fmt.Errorf("NATS_URL is required unless CONSOLE_MEMORY_STORE is set")
	}

	return cfg, nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
