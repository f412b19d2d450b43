package providers

import (
	"fmt"

	"github.com/nanoclaw/nanoclaw/pkg/config"
)

var defaultAPIBases = map[string]string{
	"openrouter": "https://openrouter.ai/api/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"zhipu":      "https://open.bigmodel.cn/api/paas/v4",
	"deepseek":   "https://api.deepseek.com/v1",
	"moonshot":   "https://api.moonshot.cn/v1",
}

// CreateProvider builds the provider named in the agent defaults, or
// infers one from the default model when no name is configured.
func CreateProvider(cfg *config.Config) (LLMProvider, error) {
	name := cfg.Agents.Defaults.Provider
	if name == "" {
		name = InferProviderFromModel(cfg.Agents.Defaults.Model)
	}
	return CreateProviderByName(name, cfg, cfg.Agents.Defaults.Model)
}

// CreateProviderByName builds a specific provider, used by the /model
// command to switch providers at runtime.
func CreateProviderByName(name string, cfg *config.Config, defaultModel string) (LLMProvider, error) {
	pc, err := providerConfig(name, cfg)
	if err != nil {
		return nil, err
	}
	if pc.APIKey == "" && name != "vllm" {
		return nil, fmt.Errorf("no API key configured for provider %q", name)
	}

	base := pc.APIBase
	if base == "" {
		base = defaultAPIBases[name]
	}

	if name == "anthropic" {
		return NewAnthropicProvider(pc.APIKey, base, defaultModel), nil
	}
	return NewOpenAIProvider(pc.APIKey, base, defaultModel), nil
}

func providerConfig(name string, cfg *config.Config) (config.ProviderConfig, error) {
	switch name {
	case "anthropic":
		return cfg.Providers.Anthropic, nil
	case "openai":
		return cfg.Providers.OpenAI, nil
	case "openrouter":
		return cfg.Providers.OpenRouter, nil
	case "groq":
		return cfg.Providers.Groq, nil
	case "zhipu":
		return cfg.Providers.Zhipu, nil
	case "deepseek":
		return cfg.Providers.DeepSeek, nil
	case "moonshot":
		return cfg.Providers.Moonshot, nil
	case "vllm":
		return cfg.Providers.VLLM, nil
	default:
		return config.ProviderConfig{}, fmt.Errorf("unknown provider %q", name)
	}
}
