package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("OPENAI_MODEL", "")
	t.Setenv("FRONTCLAW_MEMORY_BACKEND", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8090", cfg.Server.Port)
	assert.Equal(t, "./plugins", cfg.Plugins.Dir)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "memory", cfg.Memory.Backend)
	assert.Equal(t, 50, cfg.Chat.HistoryLimit)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_YAMLAndEnvLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frontclaw.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: "9000"
  env: production
llm:
  model: gpt-4o
  max_tokens: 1024
chat:
  history_limit: 10
`), 0o644))

	t.Setenv("PORT", "9100")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("FRONTCLAW_HISTORY_LIMIT", "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9100", cfg.Server.Port, "env beats yaml")
	assert.Equal(t, "gpt-4o", cfg.LLM.Model)
	assert.Equal(t, 1024, cfg.LLM.MaxTokens)
	assert.Equal(t, 25, cfg.Chat.HistoryLimit)
	assert.Equal(t, "sk-test", cfg.OpenAIAPIKey)
	assert.False(t, cfg.IsDevelopment())
}

func TestLoad_RedisBackendRequiresAddr(t *testing.T) {
	t.Setenv("FRONTCLAW_MEMORY_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("FRONTCLAW_MEMORY_BACKEND", "dynamo")
	_, err := Load("")
	require.Error(t, err)
}
