package providers

import "strings"

// InferProviderFromModel infers a provider label from a model
// identifier, for routing when no provider is configured explicitly.
func InferProviderFromModel(model string) string {
	m := strings.TrimSpace(strings.ToLower(model))
	if m == "" {
		return "unknown"
	}

	if idx := strings.Index(m, "/"); idx > 0 {
		switch m[:idx] {
		case "openrouter", "anthropic", "openai", "google", "meta-llama":
			return "openrouter"
		case "moonshot":
			return "moonshot"
		case "groq":
			return "groq"
		case "zhipu", "glm", "zai":
			return "zhipu"
		case "deepseek":
			return "openrouter"
		case "vllm":
			return "vllm"
		}
	}

	switch {
	case strings.Contains(m, "claude"):
		return "anthropic"
	case strings.Contains(m, "kimi") || strings.Contains(m, "moonshot"):
		return "moonshot"
	case strings.Contains(m, "gpt") || strings.Contains(m, "o1") || strings.Contains(m, "o3") || strings.Contains(m, "o4"):
		return "openai"
	case strings.Contains(m, "glm") || strings.Contains(m, "zhipu") || strings.Contains(m, "zai"):
		return "zhipu"
	case strings.Contains(m, "groq"):
		return "groq"
	case strings.Contains(m, "deepseek"):
		return "deepseek"
	default:
		return "unknown"
	}
}
