// Package llm abstracts the language model used for agent planning and
// argument repair. Two providers are supported: a local Ollama server
// and any OpenAI-compatible API.
package llm

import (
	"context"
	"fmt"

	"github.com/haasonsaas/conduit/internal/config"
)

// Client generates completions for agent prompts.
type Client interface {
	// Generate returns the completion for a single prompt.
	Generate(ctx context.Context, prompt string) (string, error)
	// Model names the model in use, for logs and summaries.
	Model() string
}

// New builds the provider named in the configuration.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case "ollama":
		return NewOllama(cfg.Ollama), nil
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an api key")
		}
		return NewOpenAI(cfg.OpenAI), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
