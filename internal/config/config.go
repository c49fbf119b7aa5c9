package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ent0n29/convmode/internal/brain"
)

// Config contains all runtime settings for the conversation-mode service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DedupWindow          time.Duration
	DedupShortThreshold  float64
	DedupLongThreshold   float64
	DedupCommitCooldown  time.Duration
	DedupCommitBackoff   time.Duration
	TurnSilenceTimeout   time.Duration
	TurnInterruptible    bool
	CorrelatorMaxEntries int
	CorrelatorTTL        time.Duration
	SessionRetention     time.Duration
	JanitorInterval      time.Duration

	ContextFetchTimeout time.Duration
	ContextLimit        int
	PlaybackTimeout     time.Duration
	AutoRespond         bool
	DefaultAgents       []string

	BrainMode          string
	BrainHTTPURL       string
	OpenAIAPIKey       string
	OpenAIModel        string
	OpenAIBaseURL      string
	AnthropicAPIKey    string
	AnthropicModel     string
	AnthropicBaseURL   string
	GeminiAPIKey       string
	GeminiModel        string
	GeminiBaseURL      string
	BrainMaxTokens     int
	BrainTemperature   float64
	BrainRetryAttempts int

	DatabaseURL string
	RedactPII   bool
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "convmode"),
		ShutdownTimeout:  15 * time.Second,

		DedupWindow:          500 * time.Millisecond,
		DedupShortThreshold:  0.9,
		DedupLongThreshold:   0.8,
		DedupCommitCooldown:  40 * time.Millisecond,
		DedupCommitBackoff:   25 * time.Millisecond,
		TurnSilenceTimeout:   1500 * time.Millisecond,
		TurnInterruptible:    true,
		CorrelatorMaxEntries: 1024,
		CorrelatorTTL:        10 * time.Minute,
		SessionRetention:     2 * time.Minute,
		JanitorInterval:      30 * time.Second,

		ContextFetchTimeout: 350 * time.Millisecond,
		ContextLimit:        12,
		PlaybackTimeout:     30 * time.Second,
		AutoRespond:         true,
		DefaultAgents:       splitList(envOrDefault("DEFAULT_AGENTS", "assistant")),

		BrainMode:          envOrDefault("BRAIN_MODE", "auto"),
		BrainHTTPURL:       stringsTrimSpace("BRAIN_HTTP_URL"),
		OpenAIAPIKey:       stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIModel:        envOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:      stringsTrimSpace("OPENAI_BASE_URL"),
		AnthropicAPIKey:    stringsTrimSpace("ANTHROPIC_API_KEY"),
		AnthropicModel:     envOrDefault("ANTHROPIC_MODEL", "claude-3-5-haiku-latest"),
		AnthropicBaseURL:   stringsTrimSpace("ANTHROPIC_BASE_URL"),
		GeminiAPIKey:       stringsTrimSpace("GEMINI_API_KEY"),
		GeminiModel:        envOrDefault("GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiBaseURL:      stringsTrimSpace("GEMINI_BASE_URL"),
		BrainMaxTokens:     512,
		BrainRetryAttempts: 2,

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
		RedactPII:   true,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"DEDUP_WINDOW", &cfg.DedupWindow},
		{"DEDUP_COMMIT_COOLDOWN", &cfg.DedupCommitCooldown},
		{"DEDUP_COMMIT_BACKOFF", &cfg.DedupCommitBackoff},
		{"TURN_SILENCE_TIMEOUT", &cfg.TurnSilenceTimeout},
		{"CORRELATOR_TTL", &cfg.CorrelatorTTL},
		{"SESSION_RETENTION", &cfg.SessionRetention},
		{"SESSION_JANITOR_INTERVAL", &cfg.JanitorInterval},
		{"CONTEXT_FETCH_TIMEOUT", &cfg.ContextFetchTimeout},
		{"PLAYBACK_TIMEOUT", &cfg.PlaybackTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"CORRELATOR_MAX_ENTRIES", &cfg.CorrelatorMaxEntries},
		{"CONTEXT_LIMIT", &cfg.ContextLimit},
		{"BRAIN_MAX_TOKENS", &cfg.BrainMaxTokens},
		{"BRAIN_RETRY_ATTEMPTS", &cfg.BrainRetryAttempts},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{"DEDUP_SHORT_THRESHOLD", &cfg.DedupShortThreshold},
		{"DEDUP_LONG_THRESHOLD", &cfg.DedupLongThreshold},
		{"BRAIN_TEMPERATURE", &cfg.BrainTemperature},
	}
	for _, f := range floats {
		if *f.dst, err = floatFromEnv(f.key, *f.dst); err != nil {
			return Config{}, err
		}
	}
	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"TURN_INTERRUPTIBLE", &cfg.TurnInterruptible},
		{"AUTO_RESPOND", &cfg.AutoRespond},
		{"MEMORY_REDACT_PII", &cfg.RedactPII},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	for _, th := range []struct {
		key string
		v   float64
	}{
		{"DEDUP_SHORT_THRESHOLD", c.DedupShortThreshold},
		{"DEDUP_LONG_THRESHOLD", c.DedupLongThreshold},
	} {
		if th.v <= 0 || th.v > 1 {
			return fmt.Errorf("%s must be in (0, 1]", th.key)
		}
	}
	if c.DedupWindow < 50*time.Millisecond {
		return fmt.Errorf("DEDUP_WINDOW must be at least 50ms")
	}
	if c.CorrelatorMaxEntries <= 0 {
		return fmt.Errorf("CORRELATOR_MAX_ENTRIES must be positive")
	}
	if c.PlaybackTimeout < time.Second {
		return fmt.Errorf("PLAYBACK_TIMEOUT must be at least 1s")
	}
	if c.ContextLimit <= 0 {
		return fmt.Errorf("CONTEXT_LIMIT must be positive")
	}
	if c.BrainRetryAttempts < 0 {
		return fmt.Errorf("BRAIN_RETRY_ATTEMPTS must be >= 0")
	}
	if c.BrainTemperature < 0 || c.BrainTemperature > 2 {
		return fmt.Errorf("BRAIN_TEMPERATURE must be in [0, 2]")
	}
	if len(c.DefaultAgents) == 0 {
		return fmt.Errorf("DEFAULT_AGENTS must name at least one agent")
	}
	return nil
}

// Brain maps the model settings onto the generator factory config.
func (c Config) Brain() brain.Config {
	return brain.Config{
		Mode:           c.BrainMode,
		HTTPURL:        c.BrainHTTPURL,
		OpenAIKey:      c.OpenAIAPIKey,
		OpenAIModel:    c.OpenAIModel,
		OpenAIBaseURL:  c.OpenAIBaseURL,
		AnthropicKey:   c.AnthropicAPIKey,
		AnthropicModel: c.AnthropicModel,
		AnthropicURL:   c.AnthropicBaseURL,
		GeminiKey:      c.GeminiAPIKey,
		GeminiModel:    c.GeminiModel,
		GeminiBaseURL:  c.GeminiBaseURL,
		MaxTokens:      int64(c.BrainMaxTokens),
		Temperature:    c.BrainTemperature,
		RetryAttempts:  c.BrainRetryAttempts,
	}
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
