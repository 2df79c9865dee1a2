package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Server
	ServerPort string
	Env        string
	LogLevel   string

	// CORS
	AllowedOrigins []string

	// Storage. Empty values select the in-memory implementations.
	DatabaseURL string
	ValkeyAddr  string

	// Auth. An empty secret disables JWT checks on the API.
	JWTSecret string

	// Chat client
	RelayURL             string
	BackendURL           string
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
	TypingIdle           time.Duration
}

// Load reads configuration from the environment. Call godotenv.Load first
// if a .env file should be honoured.
func Load() Config {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("SERVER_PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:5173,http://127.0.0.1:5173")
	v.SetDefault("RELAY_URL", "ws://localhost:8080/ws")
	v.SetDefault("BACKEND_URL", "http://localhost:8080")
	v.SetDefault("RECONNECT_BASE_DELAY", time.Second)
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", 5)
	v.SetDefault("TYPING_IDLE", 3*time.Second)

	cfg := Config{
		ServerPort:           v.GetString("SERVER_PORT"),
		Env:                  v.GetString("ENV"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		AllowedOrigins:       strings.Split(v.GetString("ALLOWED_ORIGINS"), ","),
		DatabaseURL:          v.GetString("DATABASE_URL"),
		ValkeyAddr:           v.GetString("VALKEY_ADDR"),
		JWTSecret:            v.GetString("JWT_SECRET"),
		RelayURL:             v.GetString("RELAY_URL"),
		BackendURL:           v.GetString("BACKEND_URL"),
		ReconnectBaseDelay:   v.GetDuration("RECONNECT_BASE_DELAY"),
		ReconnectMaxAttempts: v.GetInt("RECONNECT_MAX_ATTEMPTS"),
		TypingIdle:           v.GetDuration("TYPING_IDLE"),
	}

	for i := range cfg.AllowedOrigins {
		cfg.AllowedOrigins[i] = strings.TrimSpace(cfg.AllowedOrigins[i])
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}

	return cfg
}
