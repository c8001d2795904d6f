package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the environment configuration shared by the chatsync binaries.
type Config struct {
	// Widget host settings.
	BackendURL    string
	WidgetID      string
	SessionID     string
	SystemPrompt  string
	ErrorFallback string
	StreamReplies bool
	PollInterval  time.Duration
	PollCeiling   int
	FrameInterval time.Duration

	// Simulator settings.
	Port        int
	DatabaseURL string
	NatsURL     string
	NatsToken   string

	LogLevel string
}

func Load() Config {
	return Config{
		BackendURL:    envStr("CHATSYNC_BACKEND_URL", "http://localhost:8760"),
		WidgetID:      envStr("CHATSYNC_WIDGET_ID", "default"),
		SessionID:     envStr("CHATSYNC_SESSION_ID", ""),
		SystemPrompt:  envStr("CHATSYNC_SYSTEM_PROMPT", ""),
		ErrorFallback: envStr("CHATSYNC_ERROR_FALLBACK", ""),
		StreamReplies: envBool("CHATSYNC_STREAM", true),
		PollInterval:  envDur("CHATSYNC_POLL_INTERVAL", 4*time.Second),
		PollCeiling:   envInt("CHATSYNC_POLL_CEILING", 10),
		FrameInterval: envDur("CHATSYNC_FRAME_INTERVAL", 33*time.Millisecond),

		Port:        envInt("MOCKSAAS_PORT", 8760),
		DatabaseURL: envStr("DATABASE_URL", ""),
		NatsURL:     envStr("NATS_URL", ""),
		NatsToken:   envStr("NATS_TOKEN", ""),

		LogLevel: envStr("LOG_LEVEL", "info"),
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

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
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
