// Package config loads runtime configuration from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the process-wide configuration resolved at startup.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Anthropic ProviderConfig
	OpenAI    ProviderConfig
	Search    SearchConfig

	// CredentialKey is the 32-byte vault master key, decoded from the
	// 64-hex-char KILO_CREDENTIAL_KEY environment variable.
	CredentialKey []byte

	LogPath  string
	LogLevel string
}

type ServerConfig struct {
	Addr string
}

type DatabaseConfig struct {
	URL string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

type SearchConfig struct {
	APIKey   string
	Endpoint string
}

// Load reads configuration from environment variables (optionally .env).
func Load() (Config, error) {
	// Overload so .env values deterministically control development runs.
	_ = godotenv.Overload()

	cfg := Config{}
	cfg.Server.Addr = strings.TrimSpace(os.Getenv("SERVER_ADDR"))
	cfg.Database.URL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.Redis.Password = strings.TrimSpace(os.Getenv("REDIS_PASSWORD"))
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		cfg.Redis.DB = n
	}
	cfg.Anthropic.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	cfg.Anthropic.BaseURL = strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL"))
	cfg.OpenAI.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.OpenAI.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	cfg.Search.APIKey = strings.TrimSpace(os.Getenv("SEARCH_API_KEY"))
	cfg.Search.Endpoint = strings.TrimSpace(os.Getenv("SEARCH_ENDPOINT"))
	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))
	cfg.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))

	// Defaults after env so explicit values always win.
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	key, err := decodeCredentialKey(os.Getenv("KILO_CREDENTIAL_KEY"))
	if err != nil {
		return Config{}, err
	}
	cfg.CredentialKey = key

	return cfg, nil
}

// decodeCredentialKey enforces the 64-hex-char wire format for the vault
// master key. An empty value is allowed so development runs without stored
// credentials can boot; the vault rejects a nil key at call time.
func decodeCredentialKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("KILO_CREDENTIAL_KEY must be 64 hex characters, got %d", len(raw))
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("KILO_CREDENTIAL_KEY is not valid hex: %w", err)
	}
	return key, nil
}
