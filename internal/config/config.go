// Package config loads the server configuration: a YAML file for structure
// and defaults, environment variables for secrets and deploy-time overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Plugins PluginsConfig `yaml:"plugins"`
	LLM     LLMConfig     `yaml:"llm"`
	Memory  MemoryConfig  `yaml:"memory"`
	Chat    ChatConfig    `yaml:"chat"`

	// Secrets, environment-only: never read from the YAML file.
	DatabaseURL      string `yaml:"-"`
	RedisAddr        string `yaml:"-"`
	RedisPassword    string `yaml:"-"`
	OpenAIAPIKey     string `yaml:"-"`
	MemoryKey        string `yaml:"-"`
	MemorySigningKey string `yaml:"-"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type PluginsConfig struct {
	Dir       string                            `yaml:"dir"`
	Deny      []string                          `yaml:"deny"`
	Overrides map[string]map[string]interface{} `yaml:"overrides"`
	// Timeouts in milliseconds; zero keeps the bridge defaults.
	HookTimeoutMs    int `yaml:"hook_timeout_ms"`
	ReadyTimeoutMs   int `yaml:"ready_timeout_ms"`
	SyscallTimeoutMs int `yaml:"syscall_timeout_ms"`
}

type LLMConfig struct {
	Model        string  `yaml:"model"`
	BaseURL      string  `yaml:"base_url"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	SystemPrompt string  `yaml:"system_prompt"`
}

type MemoryConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`
}

type ChatConfig struct {
	HistoryLimit int `yaml:"history_limit"`
}

// Load reads the YAML file at path (missing file means defaults only), then
// applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server:  ServerConfig{Port: "8090", Env: "development"},
		Plugins: PluginsConfig{Dir: "./plugins"},
		LLM:     LLMConfig{Model: "gpt-4o-mini", MaxTokens: 4096, Temperature: 0.7},
		Memory:  MemoryConfig{Backend: "memory"},
		Chat:    ChatConfig{HistoryLimit: 50},
	}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config %s: %w", path, err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setIfPresent(&c.Server.Port, "PORT")
	setIfPresent(&c.Plugins.Dir, "FRONTCLAW_PLUGIN_DIR")
	setIfPresent(&c.LLM.Model, "OPENAI_MODEL")
	setIfPresent(&c.LLM.BaseURL, "OPENAI_BASE_URL")
	setIfPresent(&c.DatabaseURL, "DATABASE_URL")
	setIfPresent(&c.RedisAddr, "REDIS_ADDR")
	setIfPresent(&c.RedisPassword, "REDIS_PASSWORD")
	setIfPresent(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	setIfPresent(&c.MemoryKey, "FRONTCLAW_MEMORY_KEY")
	setIfPresent(&c.MemorySigningKey, "FRONTCLAW_MEMORY_SIGNING_KEY")

	if v := os.Getenv("FRONTCLAW_MEMORY_BACKEND"); v != "" {
		c.Memory.Backend = v
	}
	if v := os.Getenv("FRONTCLAW_HISTORY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Chat.HistoryLimit = n
		}
	}
}

func (c *Config) validate() error {
	switch c.Memory.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("memory.backend must be \"memory\" or \"redis\", got %q", c.Memory.Backend)
	}
	if c.Memory.Backend == "redis" && c.RedisAddr == "" {
		return fmt.Errorf("memory.backend is redis but REDIS_ADDR is not set")
	}
	return nil
}

// IsDevelopment reports whether stack traces may be produced in wire errors
// (they are still stripped at the boundary).
func (c *Config) IsDevelopment() bool { return c.Server.Env == "development" }

func setIfPresent(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
