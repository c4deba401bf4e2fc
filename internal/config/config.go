package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the FrontDesk orchestrator.
type Config struct {
	Port      int
	Version   string
	Store     StoreConfig
	LLM       LLMConfig
	Tools     ToolsConfig
	Firm      FirmConfig
	Screening ScreeningConfig
	Telemetry TelemetryConfig
}

type StoreConfig struct {
	// RedisURL is the conversation store connection string. Empty means
	// the in-memory store is used (local development, tests).
	RedisURL           string
	TTL                time.Duration
	MaxHistoryMessages int
}

type LLMConfig struct {
	// Primary provider. Provider selects the wire protocol: "openai"
	// (any chat-completions compatible endpoint) or "anthropic".
	Provider string
	Endpoint string
	APIKey   string
	Model    string

	// Fallback provider, tried only after the primary exhausts retries.
	FallbackProvider string
	FallbackEndpoint string
	FallbackAPIKey   string
	FallbackModel    string

	Temperature    float64
	RequestTimeout time.Duration
	MaxIterations  int
}

type ToolsConfig struct {
	// BaseURL of the internal scheduling/CRM service the tools call into.
	BaseURL       string
	ServiceSecret string
	Timeout       time.Duration
}

type FirmConfig struct {
	// SettingsURL is the firm-settings service that serves persona text.
	SettingsURL   string
	ServiceSecret string
	CacheTTL      time.Duration
}

type ScreeningConfig struct {
	// Enabled toggles caller-input screening before a turn runs.
	Enabled bool
	// MaxChars bounds one utterance. Phone transcripts are short; anything
	// past this is garbage or abuse.
	MaxChars int
	// HighSensitivity also flags probing phrases like prompt disclosure
	// requests, at the cost of more false positives.
	HighSensitivity bool
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("ORCHESTRATOR_PORT", 8080),
		Version: envStr("ORCHESTRATOR_VERSION", "0.2.0"),
		Store: StoreConfig{
			RedisURL:           envStr("CONVERSATION_REDIS_URL", ""),
			TTL:                envDur("CONVERSATION_TTL", time.Hour),
			MaxHistoryMessages: envInt("CONVERSATION_MAX_HISTORY", 50),
		},
		LLM: LLMConfig{
			Provider:         envStr("LLM_PROVIDER", "openai"),
			Endpoint:         envStr("LLM_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:           envStr("LLM_API_KEY", ""),
			Model:            envStr("LLM_MODEL", "gpt-4o-mini"),
			FallbackProvider: envStr("LLM_FALLBACK_PROVIDER", ""),
			FallbackEndpoint: envStr("LLM_FALLBACK_ENDPOINT", ""),
			FallbackAPIKey:   envStr("LLM_FALLBACK_API_KEY", ""),
			FallbackModel:    envStr("LLM_FALLBACK_MODEL", ""),
			Temperature:      envFloat("LLM_TEMPERATURE", 0.7),
			RequestTimeout:   envDur("LLM_REQUEST_TIMEOUT", 60*time.Second),
			MaxIterations:    envInt("LLM_MAX_TOOL_ITERATIONS", 10),
		},
		Tools: ToolsConfig{
			BaseURL:       envStr("TOOLS_SERVICE_URL", "http://localhost:8081"),
			ServiceSecret: envStr("TOOLS_SERVICE_SECRET", ""),
			Timeout:       envDur("TOOLS_TIMEOUT", 15*time.Second),
		},
		Firm: FirmConfig{
			SettingsURL:   envStr("FIRM_SETTINGS_URL", ""),
			ServiceSecret: envStr("FIRM_SETTINGS_SECRET", ""),
			CacheTTL:      envDur("FIRM_SETTINGS_CACHE_TTL", 5*time.Minute),
		},
		Screening: ScreeningConfig{
			Enabled:         envBool("SCREENING_ENABLED", true),
			MaxChars:        envInt("SCREENING_MAX_CHARS", 2000),
			HighSensitivity: envBool("SCREENING_HIGH_SENSITIVITY", false),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "frontdesk-orchestrator"),
		},
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
		if i, err := strconv.Atoi(v); err == nil {
			return i
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
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
