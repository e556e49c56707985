package suggest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config describes the suggestion backend. SB_LLM_* variables win; the
// common OPENAI_* variables are honored as fallbacks so existing agent
// environments work unchanged.
type Config struct {
	Enabled bool

	BaseURL string
	APIKey  string
	Model   string

	ChatPath string
	Timeout  time.Duration
}

// FromEnv assembles a Config from the environment. The engine is enabled
// whenever an API key is present unless SB_LLM_ENABLED=false.
func FromEnv() Config {
	apiKey := strings.TrimSpace(os.Getenv("SB_LLM_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	baseURL := strings.TrimSpace(os.Getenv("SB_LLM_BASE_URL"))
	if baseURL == "" {
		baseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	model := strings.TrimSpace(os.Getenv("SB_LLM_MODEL"))
	if model == "" {
		model = strings.TrimSpace(os.Getenv("OPENAI_MODEL"))
	}
	if model == "" {
		model = "gpt-4-turbo-preview"
	}

	return Config{
		Enabled:  apiKey != "" && parseBoolEnv("SB_LLM_ENABLED", true),
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Model:    model,
		ChatPath: defaultEnv("SB_LLM_CHAT_PATH", "/v1/chat/completions"),
		Timeout:  parseDurationMillisEnv("SB_LLM_TIMEOUT_MS", 30_000),
	}
}

// Validate rejects configs that would fail on every request.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("SB_LLM_BASE_URL is required when the suggestion engine is enabled")
	}
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("SB_LLM_API_KEY is required when the suggestion engine is enabled")
	}
	bu := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if strings.HasSuffix(bu, "/v1") && strings.HasPrefix(c.ChatPath, "/v1/") {
		return fmt.Errorf("SB_LLM_BASE_URL ends with /v1 while SB_LLM_CHAT_PATH is %q; this would call /v1/v1/...", c.ChatPath)
	}
	return nil
}

func defaultEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func parseDurationMillisEnv(key string, fallbackMillis int) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return time.Duration(fallbackMillis) * time.Millisecond
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return time.Duration(fallbackMillis) * time.Millisecond
	}
	return time.Duration(n) * time.Millisecond
}
