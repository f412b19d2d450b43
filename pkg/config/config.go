package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so allow_from can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	// Try []string first
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	// Try []interface{} to handle mixed types
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agents     AgentsConfig     `json:"agents"`
	Channels   ChannelsConfig   `json:"channels"`
	Providers  ProvidersConfig  `json:"providers"`
	Tools      ToolsConfig      `json:"tools"`
	Commands   CommandsConfig   `json:"commands"`
	Extensions ExtensionsConfig `json:"extensions"`
	Logging    LoggingConfig    `json:"logging"`
	mu         sync.RWMutex
}

type AgentsConfig struct {
	Defaults AgentDefaults `json:"defaults"`
}

type AgentDefaults struct {
	Workspace           string  `json:"workspace" env:"NANOCLAW_AGENTS_DEFAULTS_WORKSPACE"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace" env:"NANOCLAW_AGENTS_DEFAULTS_RESTRICT_TO_WORKSPACE"`
	Provider            string  `json:"provider" env:"NANOCLAW_AGENTS_DEFAULTS_PROVIDER"`
	Model               string  `json:"model" env:"NANOCLAW_AGENTS_DEFAULTS_MODEL"`
	MaxTokens           int     `json:"max_tokens" env:"NANOCLAW_AGENTS_DEFAULTS_MAX_TOKENS"`
	Temperature         float64 `json:"temperature" env:"NANOCLAW_AGENTS_DEFAULTS_TEMPERATURE"`
	MaxToolIterations   int     `json:"max_tool_iterations" env:"NANOCLAW_AGENTS_DEFAULTS_MAX_TOOL_ITERATIONS"`
	HTTPTimeout         int     `json:"http_timeout" env:"NANOCLAW_AGENTS_DEFAULTS_HTTP_TIMEOUT"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Slack    SlackConfig    `json:"slack"`
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled" env:"NANOCLAW_CHANNELS_WHATSAPP_ENABLED"`
	BridgeURL string              `json:"bridge_url" env:"NANOCLAW_CHANNELS_WHATSAPP_BRIDGE_URL"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"NANOCLAW_CHANNELS_WHATSAPP_ALLOW_FROM"`
}

type TelegramConfig struct {
	Enabled   bool                `json:"enabled" env:"NANOCLAW_CHANNELS_TELEGRAM_ENABLED"`
	Token     string              `json:"token" env:"NANOCLAW_CHANNELS_TELEGRAM_TOKEN"`
	Proxy     string              `json:"proxy" env:"NANOCLAW_CHANNELS_TELEGRAM_PROXY"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"NANOCLAW_CHANNELS_TELEGRAM_ALLOW_FROM"`
}

type DiscordConfig struct {
	Enabled   bool                `json:"enabled" env:"NANOCLAW_CHANNELS_DISCORD_ENABLED"`
	Token     string              `json:"token" env:"NANOCLAW_CHANNELS_DISCORD_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"NANOCLAW_CHANNELS_DISCORD_ALLOW_FROM"`
}

type SlackConfig struct {
	Enabled   bool                `json:"enabled" env:"NANOCLAW_CHANNELS_SLACK_ENABLED"`
	BotToken  string              `json:"bot_token" env:"NANOCLAW_CHANNELS_SLACK_BOT_TOKEN"`
	AppToken  string              `json:"app_token" env:"NANOCLAW_CHANNELS_SLACK_APP_TOKEN"`
	AllowFrom FlexibleStringSlice `json:"allow_from" env:"NANOCLAW_CHANNELS_SLACK_ALLOW_FROM"`
}

type LoggingConfig struct {
	Level           string `json:"level" env:"NANOCLAW_LOGGING_LEVEL"`
	FileEnabled     bool   `json:"file_enabled" env:"NANOCLAW_LOGGING_FILE_ENABLED"`
	FilePath        string `json:"file_path" env:"NANOCLAW_LOGGING_FILE_PATH"`
	RotationEnabled bool   `json:"rotation_enabled" env:"NANOCLAW_LOGGING_ROTATION_ENABLED"`
	MaxAgeDays      int    `json:"max_age_days" env:"NANOCLAW_LOGGING_MAX_AGE_DAYS"`
	MaxSizeMB       int    `json:"max_size_mb" env:"NANOCLAW_LOGGING_MAX_SIZE_MB"`
}

type ProvidersConfig struct {
	Anthropic  ProviderConfig `json:"anthropic"`
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	Groq       ProviderConfig `json:"groq"`
	Zhipu      ProviderConfig `json:"zhipu"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	Moonshot   ProviderConfig `json:"moonshot"`
	VLLM       ProviderConfig `json:"vllm"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key"`
	APIBase string `json:"api_base"`
	Proxy   string `json:"proxy,omitempty"`
}

type BraveConfig struct {
	Enabled    bool   `json:"enabled" env:"NANOCLAW_TOOLS_WEB_BRAVE_ENABLED"`
	APIKey     string `json:"api_key" env:"NANOCLAW_TOOLS_WEB_BRAVE_API_KEY"`
	MaxResults int    `json:"max_results" env:"NANOCLAW_TOOLS_WEB_BRAVE_MAX_RESULTS"`
}

type DuckDuckGoConfig struct {
	Enabled    bool `json:"enabled" env:"NANOCLAW_TOOLS_WEB_DUCKDUCKGO_ENABLED"`
	MaxResults int  `json:"max_results" env:"NANOCLAW_TOOLS_WEB_DUCKDUCKGO_MAX_RESULTS"`
}

type WebToolsConfig struct {
	Brave      BraveConfig      `json:"brave"`
	DuckDuckGo DuckDuckGoConfig `json:"duckduckgo"`
}

type ToolsConfig struct {
	Web WebToolsConfig `json:"web"`
}

// CommandsConfig narrows which slash commands a bot accepts. An empty
// allowed list means every registered command is available.
type CommandsConfig struct {
	Allowed []string `json:"allowed" env:"NANOCLAW_COMMANDS_ALLOWED"`
}

type ExtensionsConfig struct {
	// Names of extensions to activate, in pipeline order.
	Enabled    []string         `json:"enabled" env:"NANOCLAW_EXTENSIONS_ENABLED"`
	Compaction CompactionConfig `json:"compaction"`
	Credits    CreditsConfig    `json:"credits"`
}

type CompactionConfig struct {
	MaxTokens       int    `json:"max_tokens" env:"NANOCLAW_EXTENSIONS_COMPACTION_MAX_TOKENS"`
	ContextHeadroom int    `json:"context_headroom" env:"NANOCLAW_EXTENSIONS_COMPACTION_CONTEXT_HEADROOM"`
	ArchiveDir      string `json:"archive_dir" env:"NANOCLAW_EXTENSIONS_COMPACTION_ARCHIVE_DIR"`
}

type CreditsConfig struct {
	InitialBalance float64 `json:"initial_balance" env:"NANOCLAW_EXTENSIONS_CREDITS_INITIAL_BALANCE"`
	CostPerReply   float64 `json:"cost_per_reply" env:"NANOCLAW_EXTENSIONS_CREDITS_COST_PER_REPLY"`
}

func DefaultConfig() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Workspace:           "~/.nanoclaw/workspace",
				RestrictToWorkspace: true,
				Provider:            "",
				Model:               "claude-sonnet-4-5",
				MaxTokens:           8192,
				Temperature:         0.7,
				MaxToolIterations:   20,
			},
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				Enabled:   false,
				BridgeURL: "ws://localhost:3001",
				AllowFrom: FlexibleStringSlice{},
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			Discord: DiscordConfig{
				Enabled:   false,
				Token:     "",
				AllowFrom: FlexibleStringSlice{},
			},
			Slack: SlackConfig{
				Enabled:   false,
				BotToken:  "",
				AppToken:  "",
				AllowFrom: FlexibleStringSlice{},
			},
		},
		Providers: ProvidersConfig{
			Anthropic:  ProviderConfig{},
			OpenAI:     ProviderConfig{},
			OpenRouter: ProviderConfig{},
			Groq:       ProviderConfig{},
			Zhipu:      ProviderConfig{},
			DeepSeek:   ProviderConfig{},
			Moonshot:   ProviderConfig{},
			VLLM:       ProviderConfig{},
		},
		Tools: ToolsConfig{
			Web: WebToolsConfig{
				Brave: BraveConfig{
					Enabled:    false,
					APIKey:     "",
					MaxResults: 5,
				},
				DuckDuckGo: DuckDuckGoConfig{
					Enabled:    true,
					MaxResults: 5,
				},
			},
		},
		Commands: CommandsConfig{
			Allowed: nil,
		},
		Extensions: ExtensionsConfig{
			Enabled: []string{"compaction"},
			Compaction: CompactionConfig{
				MaxTokens:       100000,
				ContextHeadroom: 4000,
				ArchiveDir:      "",
			},
			Credits: CreditsConfig{
				InitialBalance: 100,
				CostPerReply:   1,
			},
		},
		Logging: LoggingConfig{
			Level:           "info",
			FileEnabled:     true,
			FilePath:        "~/.nanoclaw/workspace/nanoclaw.log",
			RotationEnabled: true,
			MaxAgeDays:      7,
			MaxSizeMB:       50,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	applyProviderEnvOverrides(cfg)
	resolveProviderEnvRefs(cfg)

	return cfg, nil
}

func applyProviderEnvOverrides(cfg *Config) {
	type providerEnvBinding struct {
		target *ProviderConfig
		apiKey string
	}
	bindings := []providerEnvBinding{
		{target: &cfg.Providers.Anthropic, apiKey: "NANOCLAW_PROVIDERS_ANTHROPIC_API_KEY"},
		{target: &cfg.Providers.OpenAI, apiKey: "NANOCLAW_PROVIDERS_OPENAI_API_KEY"},
		{target: &cfg.Providers.OpenRouter, apiKey: "NANOCLAW_PROVIDERS_OPENROUTER_API_KEY"},
		{target: &cfg.Providers.Groq, apiKey: "NANOCLAW_PROVIDERS_GROQ_API_KEY"},
		{target: &cfg.Providers.Zhipu, apiKey: "NANOCLAW_PROVIDERS_ZHIPU_API_KEY"},
		{target: &cfg.Providers.DeepSeek, apiKey: "NANOCLAW_PROVIDERS_DEEPSEEK_API_KEY"},
		{target: &cfg.Providers.Moonshot, apiKey: "NANOCLAW_PROVIDERS_MOONSHOT_API_KEY"},
		{target: &cfg.Providers.VLLM, apiKey: "NANOCLAW_PROVIDERS_VLLM_API_KEY"},
	}

	for _, b := range bindings {
		if v := strings.TrimSpace(os.Getenv(b.apiKey)); v != "" {
			b.target.APIKey = v
		}
	}
}

func resolveProviderEnvRefs(cfg *Config) {
	providers := []*ProviderConfig{
		&cfg.Providers.Anthropic,
		&cfg.Providers.OpenAI,
		&cfg.Providers.OpenRouter,
		&cfg.Providers.Groq,
		&cfg.Providers.Zhipu,
		&cfg.Providers.DeepSeek,
		&cfg.Providers.Moonshot,
		&cfg.Providers.VLLM,
	}
	for _, p := range providers {
		p.APIKey = resolveEnvRef(p.APIKey)
		p.APIBase = resolveEnvRef(p.APIBase)
		p.Proxy = resolveEnvRef(p.Proxy)
	}
}

// resolveEnvRef expands "${VAR}" and "$VAR" style references so config
// files can point at the environment instead of embedding secrets.
func resolveEnvRef(v string) string {
	s := strings.TrimSpace(v)
	if s == "" {
		return v
	}
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		key := strings.TrimSpace(s[2 : len(s)-1])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return v
	}
	if strings.HasPrefix(s, "$") && len(s) > 1 {
		key := strings.TrimSpace(s[1:])
		if key == "" {
			return v
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
	}
	return v
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Agents.Defaults.Workspace)
}

// ArchiveDir returns the compaction archive directory, defaulting to
// a subdirectory of the workspace.
func (c *Config) ArchiveDir() string {
	c.mu.RLock()
	dir := c.Extensions.Compaction.ArchiveDir
	c.mu.RUnlock()
	if dir != "" {
		return expandHome(dir)
	}
	return filepath.Join(c.WorkspacePath(), "archive")
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Providers.OpenRouter.APIKey != "" {
		return c.Providers.OpenRouter.APIKey
	}
	if c.Providers.Anthropic.APIKey != "" {
		return c.Providers.Anthropic.APIKey
	}
	if c.Providers.OpenAI.APIKey != "" {
		return c.Providers.OpenAI.APIKey
	}
	if c.Providers.Zhipu.APIKey != "" {
		return c.Providers.Zhipu.APIKey
	}
	if c.Providers.DeepSeek.APIKey != "" {
		return c.Providers.DeepSeek.APIKey
	}
	if c.Providers.Moonshot.APIKey != "" {
		return c.Providers.Moonshot.APIKey
	}
	if c.Providers.Groq.APIKey != "" {
		return c.Providers.Groq.APIKey
	}
	if c.Providers.VLLM.APIKey != "" {
		return c.Providers.VLLM.APIKey
	}
	return ""
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Providers.OpenRouter.APIKey != "" {
		if c.Providers.OpenRouter.APIBase != "" {
			return c.Providers.OpenRouter.APIBase
		}
		return "https://openrouter.ai/api/v1"
	}
	if c.Providers.Zhipu.APIKey != "" {
		return c.Providers.Zhipu.APIBase
	}
	if c.Providers.VLLM.APIKey != "" && c.Providers.VLLM.APIBase != "" {
		return c.Providers.VLLM.APIBase
	}
	return ""
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
