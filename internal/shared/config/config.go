package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// ModelRate is the cost of a model in cost units per 1000 tokens.
type ModelRate struct {
	PromptPer1k     float64 `json:"prompt_per_1k"`
	CompletionPer1k float64 `json:"completion_per_1k"`
}

// GuildPolicy holds per-guild overrides for authorization and limits.
type GuildPolicy struct {
	BlockedUsers          []string `json:"blocked_users"`
	RequireAuthorizedRole bool     `json:"require_authorized_role"`
	MessagesPerMinute     int64    `json:"messages_per_minute"`
	TokensPerHour         int64    `json:"tokens_per_hour"`
}

// Config holds all configuration for the admission core
type Config struct {
	// Server
	Port string
	Env  string

	// Database (usage ledger; in-memory fallback when empty)
	DatabaseURL string

	// Redis (counter store; in-memory fallback when empty)
	RedisURL string

	// OpenAI
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIMaxTokens   int
	OpenAITemperature float64

	// Content filter
	BlockedTerms              []string
	MaxMessageLength          int
	CapsRatioThreshold        float64
	CapsMinLength             int
	SpecialCharRatioThreshold float64

	// Rate limiting
	BaseMessagesPerMinute  int64
	BaseTokensPerHour      int64
	PremiumMultiplier      float64
	FailClosedOnStoreError bool

	// Authorization
	AuthorizedRoles []string
	BlockedUsers    []string
	GuildPolicies   map[string]GuildPolicy

	// Pricing
	ModelRateTable    map[string]ModelRate
	FallbackModelRate ModelRate
}

// defaultRateTable carries rates for the models the bot is expected to relay
// to. Override or extend via MODEL_RATE_TABLE.
var defaultRateTable = map[string]ModelRate{
	"gpt-4":         {PromptPer1k: 0.03, CompletionPer1k: 0.06},
	"gpt-4-turbo":   {PromptPer1k: 0.01, CompletionPer1k: 0.03},
	"gpt-4o":        {PromptPer1k: 0.0025, CompletionPer1k: 0.01},
	"gpt-4o-mini":   {PromptPer1k: 0.00015, CompletionPer1k: 0.0006},
	"gpt-3.5-turbo": {PromptPer1k: 0.0005, CompletionPer1k: 0.0015},
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:       getEnv("OPENAI_MODEL", "gpt-4"),
		OpenAIMaxTokens:   getEnvInt("OPENAI_MAX_TOKENS", 500),
		OpenAITemperature: getEnvFloat("OPENAI_TEMPERATURE", 0.7),

		BlockedTerms:              getEnvList("BLOCKED_TERMS", []string{"spam", "inappropriate", "offensive"}),
		MaxMessageLength:          getEnvInt("MAX_MESSAGE_LENGTH", 2000),
		CapsRatioThreshold:        getEnvFloat("CAPS_RATIO_THRESHOLD", 0.7),
		CapsMinLength:             getEnvInt("CAPS_MIN_LENGTH", 10),
		SpecialCharRatioThreshold: getEnvFloat("SPECIAL_CHAR_RATIO_THRESHOLD", 0.3),

		BaseMessagesPerMinute:  int64(getEnvInt("RATE_LIMIT_MESSAGES_PER_MINUTE", 5)),
		BaseTokensPerHour:      int64(getEnvInt("RATE_LIMIT_TOKENS_PER_HOUR", 10000)),
		PremiumMultiplier:      getEnvFloat("PREMIUM_MULTIPLIER", 2.0),
		FailClosedOnStoreError: getEnvBool("FAIL_CLOSED_ON_STORE_ERROR", true),

		AuthorizedRoles: getEnvList("AUTHORIZED_ROLES", []string{"admin", "moderator", "openai-user", "premium"}),
		BlockedUsers:    getEnvList("BLOCKED_USERS", nil),

		FallbackModelRate: ModelRate{
			PromptPer1k:     getEnvFloat("FALLBACK_PROMPT_RATE_PER_1K", 0.03),
			CompletionPer1k: getEnvFloat("FALLBACK_COMPLETION_RATE_PER_1K", 0.06),
		},
	}

	rates := make(map[string]ModelRate, len(defaultRateTable))
	for model, rate := range defaultRateTable {
		rates[model] = rate
	}
	if raw := os.Getenv("MODEL_RATE_TABLE"); raw != "" {
		var overrides map[string]ModelRate
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			return nil, fmt.Errorf("invalid MODEL_RATE_TABLE: %w", err)
		}
		for model, rate := range overrides {
			rates[model] = rate
		}
	}
	cfg.ModelRateTable = rates

	if raw := os.Getenv("GUILD_POLICIES"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.GuildPolicies); err != nil {
			return nil, fmt.Errorf("invalid GUILD_POLICIES: %w", err)
		}
	}

	// Validate required fields
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if cfg.BaseMessagesPerMinute <= 0 || cfg.BaseTokensPerHour <= 0 {
		return nil, fmt.Errorf("rate limits must be positive")
	}
	if cfg.PremiumMultiplier < 1 {
		return nil, fmt.Errorf("PREMIUM_MULTIPLIER must be >= 1")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
