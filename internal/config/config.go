package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath    string
	OutputDir string
	LogLevel  slog.Level

	APIBaseURL      string
	APITimeoutMs    int
	APIRateLimitRPS int

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string
	GoogleUserinfoURL  string

	HandshakeMaxAttempts int
	HandshakePoll        time.Duration
	IframeReadyTimeout   time.Duration
	PersistCheckInterval time.Duration
	PersistCheckAttempts int
	WatchIntervalSec     int
	WatchPageURL         string
	WatchAutoExport      bool
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:    getEnv("DB_PATH", filepath.Join(cwd, "data", "widget.db")),
		OutputDir: getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),
		LogLevel:  getEnvLevel("LOG_LEVEL", slog.LevelInfo),

		APIBaseURL:      getEnv("INFFITS_API_BASE_URL", "https://api.inffits.com"),
		APITimeoutMs:    getEnvInt("INFFITS_API_TIMEOUT_MS", 15000),
		APIRateLimitRPS: getEnvInt("INFFITS_API_RATE_LIMIT_RPS", 5),

		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GoogleRedirectURI:  getEnv("GOOGLE_REDIRECT_URI", ""),
		GoogleUserinfoURL:  getEnv("GOOGLE_USERINFO_URL", "https://openidconnect.googleapis.com/v1/userinfo"),

		HandshakeMaxAttempts: getEnvInt("HANDSHAKE_MAX_ATTEMPTS", 20),
		HandshakePoll:        getEnvDuration("HANDSHAKE_POLL_MS", time.Second),
		IframeReadyTimeout:   getEnvDuration("IFRAME_READY_TIMEOUT_MS", 15*time.Second),
		PersistCheckInterval: getEnvDuration("PERSIST_CHECK_INTERVAL_MS", 100*time.Millisecond),
		PersistCheckAttempts: getEnvInt("PERSIST_CHECK_ATTEMPTS", 50),
		WatchIntervalSec:     getEnvInt("WATCH_INTERVAL_SEC", 300),
		WatchPageURL:         getEnv("WATCH_PAGE_URL", ""),
		WatchAutoExport:      getEnvBool("WATCH_AUTO_EXPORT", false),
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	return value == "1" || value == "true" || value == "yes"
}

// getEnvDuration reads a millisecond count.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	ms := getEnvInt(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value := strings.TrimSpace(getEnv(key, ""))
	if value == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return fallback
	}
	return level
}
