package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"chatline/internal/models"

	"github.com/joho/godotenv"
)

type Config struct {
	APIURL string
	// WSURL defaults to APIURL with the scheme switched to ws/wss.
	WSURL string
	Token string
	Role  models.Role

	PollInterval     time.Duration
	AckTimeout       time.Duration
	ReconnectBackoff time.Duration
	APIRPS           float64

	DBFile      string
	MetricsAddr string
	LogLevel    string

	FakeAddr      string
	FakeAdminAddr string
}

// Load reads the configuration from the environment, after loading envFile
// if it exists. The token is only required when needsToken is set.
func Load(envFile string, needsToken bool) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	pollInterval, err := time.ParseDuration(getEnv("CHATLINE_POLL_INTERVAL", "10s"))
	if err != nil {
		return nil, fmt.Errorf("CHATLINE_POLL_INTERVAL: %w", err)
	}
	ackTimeout, err := time.ParseDuration(getEnv("CHATLINE_ACK_TIMEOUT", "30s"))
	if err != nil {
		return nil, fmt.Errorf("CHATLINE_ACK_TIMEOUT: %w", err)
	}
	backoff, err := time.ParseDuration(getEnv("CHATLINE_RECONNECT_BACKOFF", "2s"))
	if err != nil {
		return nil, fmt.Errorf("CHATLINE_RECONNECT_BACKOFF: %w", err)
	}
	rps, err := strconv.ParseFloat(getEnv("CHATLINE_API_RPS", "5"), 64)
	if err != nil {
		return nil, fmt.Errorf("CHATLINE_API_RPS: %w", err)
	}
	role, ok := models.ParseRole(getEnv("CHATLINE_ROLE", "user"))
	if !ok {
		return nil, fmt.Errorf("CHATLINE_ROLE must be user or counsellor")
	}

	cfg := &Config{
		APIURL:           strings.TrimSuffix(getEnv("CHATLINE_API_URL", "http://localhost:8090"), "/"),
		WSURL:            strings.TrimSuffix(os.Getenv("CHATLINE_WS_URL"), "/"),
		Token:            os.Getenv("CHATLINE_TOKEN"),
		Role:             role,
		PollInterval:     pollInterval,
		AckTimeout:       ackTimeout,
		ReconnectBackoff: backoff,
		APIRPS:           rps,
		DBFile:           getEnv("CHATLINE_DB", "chatline.db"),
		MetricsAddr:      os.Getenv("CHATLINE_METRICS_ADDR"),
		LogLevel:         getEnv("CHATLINE_LOG_LEVEL", "info"),
		FakeAddr:         getEnv("CHATLINE_FAKE_ADDR", ":8090"),
		FakeAdminAddr:    getEnv("CHATLINE_FAKE_ADMIN_ADDR", "localhost:8091"),
	}
	if cfg.WSURL == "" {
		cfg.WSURL = WebSocketURL(cfg.APIURL)
	}

	if err := cfg.Validate(needsToken); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(needsToken bool) error {
	if c.Token == "" && needsToken {
		return fmt.Errorf("CHATLINE_TOKEN is required")
	}

	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("CHATLINE_API_URL must be an http(s) URL")
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("CHATLINE_POLL_INTERVAL must be greater than 0")
	}

	if c.AckTimeout <= 0 {
		return fmt.Errorf("CHATLINE_ACK_TIMEOUT must be greater than 0")
	}

	if c.ReconnectBackoff < 0 {
		return fmt.Errorf("CHATLINE_RECONNECT_BACKOFF must not be negative")
	}

	if c.APIRPS < 0 {
		return fmt.Errorf("CHATLINE_API_RPS must not be negative")
	}

	return nil
}

// WebSocketURL switches an http(s) base URL to ws(s).
func WebSocketURL(apiURL string) string {
	switch {
	case strings.HasPrefix(apiURL, "https://"):
		return "wss://" + strings.TrimPrefix(apiURL, "https://")
	case strings.HasPrefix(apiURL, "http://"):
		return "ws://" + strings.TrimPrefix(apiURL, "http://")
	}
	return apiURL
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
