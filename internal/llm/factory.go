package llm

import (
	"fmt"

	"concierge/internal/config"
	"concierge/internal/logging"
)

// NewClientFromConfig creates a completion client for the configured provider.
func NewClientFromConfig(cfg *config.Config) (Client, error) {
	log := logging.Get(logging.CategoryLLM)

	switch cfg.LLM.Provider {
	case "openai", "":
		log.Info("using OpenAI completion provider (model=%s)", cfg.LLM.Model)
		return NewOpenAIClientWithConfig(OpenAIConfig{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.GetLLMTimeout(),
		}), nil

	case "azure":
		log.Info("using Azure OpenAI completion provider (model=%s)", cfg.LLM.Model)
		return NewOpenAIClientWithConfig(OpenAIConfig{
			APIKey:    cfg.LLM.APIKey,
			BaseURL:   cfg.LLM.BaseURL,
			Model:     cfg.LLM.Model,
			AzureAuth: true,
			Timeout:   cfg.GetLLMTimeout(),
		}), nil

	case "gemini":
		log.Info("using Gemini completion provider (model=%s)", cfg.LLM.Model)
		return NewGeminiClient(cfg.LLM.APIKey, cfg.LLM.Model)

	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
}
