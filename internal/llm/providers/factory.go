package providers

import (
	"fmt"
	"os"
	"strings"

	"github.com/forgeflow/forgeflow/internal/config"
	"github.com/forgeflow/forgeflow/internal/llm"
)

// New builds a provider from an LLM config snapshot. Callers construct a
// fresh provider per agent invocation so that configuration overrides applied
// between runs take effect without restarting.
func New(cfg config.LLMConfig) (llm.Provider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = apiKeyFromEnv(cfg.Provider)
	}

	switch strings.ToLower(cfg.Provider) {
	case "anthropic", "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY is not set")
		}
		return NewAnthropicProvider(cfg), nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		return NewOpenAIProvider(cfg), nil
	case "google", "gemini":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY is not set")
		}
		return NewGoogleProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func apiKeyFromEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "anthropic", "":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "google", "gemini":
		if key := os.Getenv("GOOGLE_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}
