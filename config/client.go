package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/pflag"
)

// ClientConfig configures the headless pairing client
type ClientConfig struct {
	ServerURL       string
	LogFormat       string
	LogLevel        slog.Level
	PairingTimeout  time.Duration
	ReconnectDelay  time.Duration
	RequeueInterval time.Duration
	S3Bucket        string
	S3Region        string
	S3PublicBaseURL string
	AudioFile       string
	VideoFile       string
	AutoStart       bool
}

// LoadClient parses pairclient flags. Flag defaults come from the
// environment so the binary can run unchanged in containers.
func LoadClient(args []string) (*ClientConfig, error) {
	flags := pflag.NewFlagSet("pairclient", pflag.ContinueOnError)

	var cfg ClientConfig
	var logLevel string
	flags.StringVar(&cfg.ServerURL, "server", getEnv("PAIRING_SERVER_URL", "http://localhost:8080"), "base URL of the relay and match server")
	flags.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "log format: text or json")
	flags.StringVar(&logLevel, "log-level", getEnv("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flags.DurationVar(&cfg.PairingTimeout, "pairing-timeout", 5*time.Second, "how long a joined room may wait for the next negotiation step")
	flags.DurationVar(&cfg.ReconnectDelay, "reconnect-delay", 250*time.Millisecond, "debounce before searching again after a skip or failure")
	flags.DurationVar(&cfg.RequeueInterval, "requeue-interval", 20*time.Second, "how often a waiting client renews its match registration")
	flags.StringVar(&cfg.S3Bucket, "s3-bucket", getEnv("S3_BUCKET", ""), "bucket for chat attachments; empty disables uploads")
	flags.StringVar(&cfg.S3Region, "s3-region", getEnv("AWS_REGION", "us-east-1"), "region of the attachment bucket")
	flags.StringVar(&cfg.S3PublicBaseURL, "s3-public-url", getEnv("S3_PUBLIC_URL", ""), "public base URL for uploaded attachments")
	flags.StringVar(&cfg.AudioFile, "audio-file", "", "Ogg/Opus file sent as the local audio track")
	flags.StringVar(&cfg.VideoFile, "video-file", "", "IVF/VP8 file sent as the local video track")
	flags.BoolVar(&cfg.AutoStart, "auto-start", true, "start searching for a partner right after media is ready")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	level, err := ParseLogLevel(logLevel)
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = level

	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("--server is required")
	}
	if cfg.PairingTimeout <= 0 || cfg.ReconnectDelay <= 0 || cfg.RequeueInterval <= 0 {
		return nil, fmt.Errorf("timeouts must be > 0")
	}
	return &cfg, nil
}
