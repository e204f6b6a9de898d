// Package llm selects the LLM backend used by agent-facing test scenarios.
// The provider is a closed set chosen once at construction; call sites never
// probe the client shape at runtime.
package llm

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/e2e-harness/harness/config"
)

// Provider generates a completion for a prompt. Every backend implements
// exactly this capability and nothing more.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt string) (string, error)
}

// New constructs the provider named by cfg. API keys are read from the
// environment variable named in cfg; for launched services the same variable
// must appear in the harness env allow-list.
func New(cfg *config.LLMConfig) (Provider, error) {
	if cfg == nil || cfg.Provider == "" || cfg.Provider == "mock" {
		return NewMock(nil), nil
	}

	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
		if apiKey == "" {
			return nil, fmt.Errorf("llm provider %s: environment variable %s is not set",
				cfg.Provider, cfg.APIKeyEnv)
		}
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}

	switch cfg.Provider {
	case "openai":
		return &openAIProvider{
			baseURL: defaultString(cfg.BaseURL, "https://api.openai.com"),
			model:   defaultString(cfg.Model, "gpt-4o-mini"),
			apiKey:  apiKey,
			http:    httpClient,
		}, nil
	case "anthropic":
		return &anthropicProvider{
			baseURL: defaultString(cfg.BaseURL, "https://api.anthropic.com"),
			model:   defaultString(cfg.Model, "claude-sonnet-4-20250514"),
			apiKey:  apiKey,
			http:    httpClient,
		}, nil
	case "gemini":
		return &geminiProvider{
			baseURL: defaultString(cfg.BaseURL, "https://generativelanguage.googleapis.com"),
			model:   defaultString(cfg.Model, "gemini-2.0-flash"),
			apiKey:  apiKey,
			http:    httpClient,
		}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
