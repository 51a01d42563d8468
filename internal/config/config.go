package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the assistant service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool
	CORSOrigins      []string

	LogLevel  string
	LogFormat string

	StoreDriver  string
	DatabaseURL  string
	DynamoTable  string
	HistoryLimit int

	GeminiAPIKey       string
	GeminiBaseURL      string
	GenerationModels   []string
	Temperature        float64
	MaxOutputTokens    int
	MaxRetries         int
	RetryBaseDelay     time.Duration
	AdvanceOnRateLimit bool
	GenerationTimeout  time.Duration

	MaxUploadBytes int64

	FanoutSendTimeout time.Duration
	RedisURL          string
	RedisChannel      string

	TwilioAccountSID     string
	TwilioAuthToken      string
	TwilioWhatsAppNumber string
	TwilioBaseURL        string
	BridgeLanguage       string

	SSMParamPrefix string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8000"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "medintel"),
		AllowAnyOrigin:       false,
		CORSOrigins:          listFromEnv("CORS_ORIGINS", []string{"*"}),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("LOG_FORMAT", "json"),
		StoreDriver:          strings.ToLower(envOrDefault("STORE_DRIVER", "auto")),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		DynamoTable:          envOrDefault("DYNAMODB_TABLE", "medintel-conversations"),
		HistoryLimit:         100,
		GeminiAPIKey:         stringsTrimSpace("GEMINI_API_KEY"),
		GeminiBaseURL:        envOrDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		GenerationModels:     listFromEnv("GENERATION_MODELS", []string{"gemini-2.0-flash", "gemini-1.5-flash"}),
		Temperature:          0.7,
		MaxOutputTokens:      1500,
		MaxRetries:           3,
		RetryBaseDelay:       time.Second,
		AdvanceOnRateLimit:   true,
		GenerationTimeout:    60 * time.Second,
		MaxUploadBytes:       10 << 20,
		FanoutSendTimeout:    5 * time.Second,
		RedisURL:             stringsTrimSpace("REDIS_URL"),
		RedisChannel:         envOrDefault("REDIS_FANOUT_CHANNEL", "medintel:fanout"),
		TwilioAccountSID:     stringsTrimSpace("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:      stringsTrimSpace("TWILIO_AUTH_TOKEN"),
		TwilioWhatsAppNumber: stringsTrimSpace("TWILIO_WHATSAPP_NUMBER"),
		TwilioBaseURL:        envOrDefault("TWILIO_BASE_URL", "https://api.twilio.com"),
		BridgeLanguage:       strings.ToLower(envOrDefault("BRIDGE_DEFAULT_LANGUAGE", "english")),
		SSMParamPrefix:       strings.TrimRight(stringsTrimSpace("SSM_PARAM_PREFIX"), "/"),
		ShutdownTimeout:      15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.HistoryLimit, err = intFromEnv("HISTORY_LIMIT", cfg.HistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.Temperature, err = floatFromEnv("GENERATION_TEMPERATURE", cfg.Temperature)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxOutputTokens, err = intFromEnv("GENERATION_MAX_OUTPUT_TOKENS", cfg.MaxOutputTokens)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxRetries, err = intFromEnv("GENERATION_MAX_RETRIES", cfg.MaxRetries)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryBaseDelay, err = durationFromEnv("GENERATION_RETRY_BASE_DELAY", cfg.RetryBaseDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.AdvanceOnRateLimit, err = boolFromEnv("GENERATION_ADVANCE_ON_RATE_LIMIT", cfg.AdvanceOnRateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.GenerationTimeout, err = durationFromEnv("GENERATION_TIMEOUT", cfg.GenerationTimeout)
	if err != nil {
		return Config{}, err
	}
	maxUpload, err := intFromEnv("UPLOAD_MAX_BYTES", int(cfg.MaxUploadBytes))
	if err != nil {
		return Config{}, err
	}
	cfg.MaxUploadBytes = int64(maxUpload)
	cfg.FanoutSendTimeout, err = durationFromEnv("FANOUT_SEND_TIMEOUT", cfg.FanoutSendTimeout)
	if err != nil {
		return Config{}, err
	}

	switch cfg.StoreDriver {
	case "auto", "memory", "postgres", "dynamodb":
	default:
		return Config{}, fmt.Errorf("STORE_DRIVER must be one of auto, memory, postgres, dynamodb")
	}
	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER=postgres")
	}
	if len(cfg.GenerationModels) == 0 {
		return Config{}, fmt.Errorf("GENERATION_MODELS must list at least one model")
	}
	if cfg.HistoryLimit <= 0 {
		return Config{}, fmt.Errorf("HISTORY_LIMIT must be positive")
	}
	if cfg.MaxRetries <= 0 {
		return Config{}, fmt.Errorf("GENERATION_MAX_RETRIES must be positive")
	}
	if cfg.MaxOutputTokens <= 0 {
		return Config{}, fmt.Errorf("GENERATION_MAX_OUTPUT_TOKENS must be positive")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return Config{}, fmt.Errorf("GENERATION_TEMPERATURE must be within [0, 2]")
	}
	if cfg.MaxUploadBytes <= 0 {
		return Config{}, fmt.Errorf("UPLOAD_MAX_BYTES must be positive")
	}
	if cfg.FanoutSendTimeout <= 0 {
		return Config{}, fmt.Errorf("FANOUT_SEND_TIMEOUT must be positive")
	}

	return cfg, nil
}

// BridgeEnabled reports whether outbound WhatsApp delivery is configured.
func (c Config) BridgeEnabled() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != "" && c.TwilioWhatsAppNumber != ""
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

func listFromEnv(key string, fallback []string) []string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
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
