package agent

import (
	"fmt"
	"strings"

	"looper/pkg/config"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// ProviderForModel maps a model selector to its provider. Models prefixed
// "ollama/" are served locally; "gpt-" and "o3"/"o4" models go to OpenAI;
// "gemini-" goes to Google; everything "claude-" goes to Anthropic.
func ProviderForModel(model string) (string, error) {
	switch {
	case strings.HasPrefix(model, "ollama/"):
		return ProviderOllama, nil
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "o4"):
		return ProviderOpenAI, nil
	case strings.HasPrefix(model, "gemini-"):
		return ProviderGoogle, nil
	case strings.HasPrefix(model, "claude-"):
		return ProviderAnthropic, nil
	default:
		return "", fmt.Errorf("cannot determine provider for model %q", model)
	}
}

// ClientFactory creates clients for model selectors. Factory is the real
// implementation; tests substitute a ClientFactoryFunc.
type ClientFactory interface {
	NewClient(model string) (LLMClient, error)
}

// ClientFactoryFunc adapts a function to ClientFactory.
type ClientFactoryFunc func(model string) (LLMClient, error)

// NewClient implements ClientFactory.
func (f ClientFactoryFunc) NewClient(model string) (LLMClient, error) {
	return f(model)
}

// Factory creates LLM clients for model selectors.
type Factory struct {
	cfg config.AgentConfig
}

// NewFactory creates a client factory.
func NewFactory(cfg config.AgentConfig) *Factory {
	return &Factory{cfg: cfg}
}

// NewClient creates a client for the given model selector. API keys come from
// the secrets layer, which prefers decrypted secrets over environment
// variables.
func (f *Factory) NewClient(model string) (LLMClient, error) {
	provider, err := ProviderForModel(model)
	if err != nil {
		return nil, err
	}

	switch provider {
	case ProviderAnthropic:
		key, err := config.GetSecret(f.cfg.AnthropicKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("anthropic API key unavailable: %w", err)
		}
		return NewClaudeClient(key, model), nil
	case ProviderOpenAI:
		key, err := config.GetSecret(f.cfg.OpenAIKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("openai API key unavailable: %w", err)
		}
		return NewOpenAIClient(key, model), nil
	case ProviderGoogle:
		key, err := config.GetSecret(f.cfg.GoogleKeyEnv)
		if err != nil {
			return nil, fmt.Errorf("google API key unavailable: %w", err)
		}
		return NewGeminiClient(key, model), nil
	case ProviderOllama:
		return NewOllamaClient(f.cfg.OllamaHost, strings.TrimPrefix(model, "ollama/")), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}
}
