package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice bridge service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	// Remote speech model stream.
	ModelWSURL   string
	VoiceID      string
	SystemPrompt string
	MaxTokens    int
	TopP         float64
	Temperature  float64

	// Provider-imposed stream lifetime and the margin before it at which
	// the session manager proactively reconnects.
	SessionMaxLifetime time.Duration
	ReconnectMargin    time.Duration

	HandshakeRetries      int
	HandshakeBackoff      time.Duration
	ReconnectFailureLimit int

	// Conversation turns replayed into a fresh stream on reconnect.
	HistoryTurns int
	DatabaseURL  string

	// Delegation backend for tagged sub-tasks.
	DelegateMode         string
	DelegateHTTPURL      string
	DelegateTimeout      time.Duration
	DelegatePollInterval time.Duration
	DelegateTagOpen      string
	DelegateTagClose     string
	OpenAIAPIKey         string
	OpenAIModel          string

	// Caller-side audio defaults.
	CallerSampleRate  int
	CallerChannels    int
	FrameDuration     time.Duration
	PlaybackBufferCap int
	MixerEnergyFloor  float64

	// RecordDir, when set, stores a WAV of each call's mixed model-side
	// capture under this directory.
	RecordDir string
}

const defaultSystemPrompt = "You are a friendly voice assistant. Keep responses short and conversational, " +
	"one to three sentences unless the caller asks for more."

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("VOXWIRE_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("VOXWIRE_METRICS_NAMESPACE", "voxwire"),
		AllowAnyOrigin:   false,

		ModelWSURL:   stringsTrimSpace("VOXWIRE_MODEL_WS_URL"),
		VoiceID:      envOrDefault("VOXWIRE_VOICE_ID", "matthew"),
		SystemPrompt: envOrDefault("VOXWIRE_SYSTEM_PROMPT", defaultSystemPrompt),
		MaxTokens:    1024,
		TopP:         0.9,
		Temperature:  0.7,

		SessionMaxLifetime: 8 * time.Minute,
		ReconnectMargin:    time.Minute,

		HandshakeRetries:      3,
		HandshakeBackoff:      500 * time.Millisecond,
		ReconnectFailureLimit: 3,

		HistoryTurns: 10,
		DatabaseURL:  stringsTrimSpace("VOXWIRE_DATABASE_URL"),

		DelegateMode:         envOrDefault("VOXWIRE_DELEGATE_MODE", "auto"),
		DelegateHTTPURL:      stringsTrimSpace("VOXWIRE_DELEGATE_HTTP_URL"),
		DelegateTimeout:      30 * time.Second,
		DelegatePollInterval: time.Second,
		DelegateTagOpen:      envOrDefault("VOXWIRE_DELEGATE_TAG_OPEN", "<delegate>"),
		DelegateTagClose:     envOrDefault("VOXWIRE_DELEGATE_TAG_CLOSE", "</delegate>"),
		OpenAIAPIKey:         stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:          envOrDefault("VOXWIRE_OPENAI_MODEL", "gpt-4o"),

		CallerSampleRate:  48000,
		CallerChannels:    2,
		FrameDuration:     60 * time.Millisecond,
		PlaybackBufferCap: 32,
		MixerEnergyFloor:  120,
		RecordDir:         stringsTrimSpace("VOXWIRE_RECORD_DIR"),

		ShutdownTimeout: 15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("VOXWIRE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionMaxLifetime, err = durationFromEnv("VOXWIRE_SESSION_MAX_LIFETIME", cfg.SessionMaxLifetime)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectMargin, err = durationFromEnv("VOXWIRE_RECONNECT_MARGIN", cfg.ReconnectMargin)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeBackoff, err = durationFromEnv("VOXWIRE_HANDSHAKE_BACKOFF", cfg.HandshakeBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.DelegateTimeout, err = durationFromEnv("VOXWIRE_DELEGATE_TIMEOUT", cfg.DelegateTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DelegatePollInterval, err = durationFromEnv("VOXWIRE_DELEGATE_POLL_INTERVAL", cfg.DelegatePollInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.FrameDuration, err = durationFromEnv("VOXWIRE_FRAME_DURATION", cfg.FrameDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTokens, err = intFromEnv("VOXWIRE_MAX_TOKENS", cfg.MaxTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryTurns, err = intFromEnv("VOXWIRE_HISTORY_TURNS", cfg.HistoryTurns)
	if err != nil {
		return Config{}, err
	}
	cfg.HandshakeRetries, err = intFromEnv("VOXWIRE_HANDSHAKE_RETRIES", cfg.HandshakeRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.ReconnectFailureLimit, err = intFromEnv("VOXWIRE_RECONNECT_FAILURE_LIMIT", cfg.ReconnectFailureLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.CallerSampleRate, err = intFromEnv("VOXWIRE_CALLER_SAMPLE_RATE", cfg.CallerSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.CallerChannels, err = intFromEnv("VOXWIRE_CALLER_CHANNELS", cfg.CallerChannels)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackBufferCap, err = intFromEnv("VOXWIRE_PLAYBACK_BUFFER_CAP", cfg.PlaybackBufferCap)
	if err != nil {
		return Config{}, err
	}
	cfg.TopP, err = floatFromEnv("VOXWIRE_TOP_P", cfg.TopP)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("VOXWIRE_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.MixerEnergyFloor, err = floatFromEnv("VOXWIRE_MIXER_ENERGY_FLOOR", cfg.MixerEnergyFloor)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("VOXWIRE_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.SessionMaxLifetime < 10*time.Second {
		return Config{}, fmt.Errorf("VOXWIRE_SESSION_MAX_LIFETIME must be at least 10s")
	}
	if cfg.ReconnectMargin <= 0 || cfg.ReconnectMargin >= cfg.SessionMaxLifetime {
		return Config{}, fmt.Errorf("VOXWIRE_RECONNECT_MARGIN must be positive and below VOXWIRE_SESSION_MAX_LIFETIME")
	}
	if cfg.HistoryTurns <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_HISTORY_TURNS must be positive")
	}
	if cfg.HandshakeRetries <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_HANDSHAKE_RETRIES must be positive")
	}
	if cfg.ReconnectFailureLimit <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_RECONNECT_FAILURE_LIMIT must be positive")
	}
	if cfg.FrameDuration < 10*time.Millisecond || cfg.FrameDuration > time.Second {
		return Config{}, fmt.Errorf("VOXWIRE_FRAME_DURATION must be between 10ms and 1s")
	}
	if cfg.CallerSampleRate <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_CALLER_SAMPLE_RATE must be positive")
	}
	if cfg.CallerChannels != 1 && cfg.CallerChannels != 2 {
		return Config{}, fmt.Errorf("VOXWIRE_CALLER_CHANNELS must be 1 or 2")
	}
	if cfg.PlaybackBufferCap <= 0 {
		return Config{}, fmt.Errorf("VOXWIRE_PLAYBACK_BUFFER_CAP must be positive")
	}
	if strings.TrimSpace(cfg.DelegateTagOpen) == "" || strings.TrimSpace(cfg.DelegateTagClose) == "" {
		return Config{}, fmt.Errorf("delegate tag markers must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
