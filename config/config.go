package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	LogFormat      string
	LogLevel       slog.Level
	Redis          RedisConfig
	TURN           TURNConfig
	Match          MatchConfig
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// TURNConfig describes the ICE servers handed to clients. When Secret is set
// TURN credentials are minted per request, otherwise the static
// Username/Credential pair is served.
type TURNConfig struct {
	STUNURLs       []string
	TURNURLs       []string
	Secret         string
	TTL            time.Duration
	UsernamePrefix string
	Username       string
	Credential     string
}

type MatchConfig struct {
	WaitTTL time.Duration // how long a waiting registration stays matchable
	RoomTTL time.Duration
}

func Load() (*Config, error) {
	// Parse allowed origins (comma-separated)
	origins := splitCommaSeparated(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return nil, err
	}
	level, err := ParseLogLevel(getEnv("LOG_LEVEL", "info"))
	if err != nil {
		return nil, err
	}
	turnTTL, err := getEnvDuration("TURN_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	waitTTL, err := getEnvDuration("MATCH_WAIT_TTL", 60*time.Second)
	if err != nil {
		return nil, err
	}
	roomTTL, err := getEnvDuration("ROOM_TTL", 24*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
		LogLevel:       level,
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		TURN: TURNConfig{
			STUNURLs:       splitCommaSeparated(getEnv("STUN_URLS", "stun:stun.l.google.com:19302")),
			TURNURLs:       splitCommaSeparated(getEnv("TURN_URLS", "")),
			Secret:         getEnv("TURN_SECRET", ""),
			TTL:            turnTTL,
			UsernamePrefix: getEnv("TURN_USERNAME_PREFIX", "pairing"),
			Username:       getEnv("TURN_USERNAME", ""),
			Credential:     getEnv("TURN_CREDENTIAL", ""),
		},
		Match: MatchConfig{
			WaitTTL: waitTTL,
			RoomTTL: roomTTL,
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with
func (c *Config) Validate() error {
	if c.Environment == "production" && c.JWTSecret == "change-me-in-production" {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if len(c.TURN.TURNURLs) > 0 && c.TURN.Secret == "" && (c.TURN.Username == "" || c.TURN.Credential == "") {
		return fmt.Errorf("TURN_URLS requires TURN_SECRET or TURN_USERNAME/TURN_CREDENTIAL")
	}
	if c.Match.WaitTTL <= 0 {
		return fmt.Errorf("MATCH_WAIT_TTL must be > 0")
	}
	return nil
}

// NewLogger builds the process logger from LOG_FORMAT and LOG_LEVEL
func NewLogger(format string, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	return slog.New(handler), nil
}

func ParseLogLevel(value string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return level, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitCommaSeparated(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
