package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/cadre-chat/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestConfigUnmarshal(t *testing.T) {
	raw := `
port: "9000"
logLevel: debug
logJSON: true
chat:
  endpoint: https://cadre.example.com/api/
  readTimeout: 45s
  chunkSize: 1024
backend:
  enabled: true
  token: secret
  systemPrompt: You summarize weekly reports.
  llm:
    provider: anthropic
    model: some-model
    maxTokens: 512
`
	var cfg config
	require.NoError(t, yaml.Unmarshal([]byte(raw), &cfg))

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, 45*time.Second, cfg.Chat.ReadTimeout)
	assert.Equal(t, 1024, cfg.Chat.ChunkSize)
	assert.True(t, cfg.Backend.Enabled)
	assert.Equal(t, "secret", cfg.Backend.Token)
	assert.Equal(t, "You summarize weekly reports.", cfg.Backend.SystemPrompt)

	llm, ok := cfg.Backend.LLM.(*anthropicConfig)
	require.True(t, ok, "llm config = %T, want *anthropicConfig", cfg.Backend.LLM)
	assert.Equal(t, "some-model", llm.Model)
	assert.Equal(t, 512, llm.MaxTokens)

	cfg, err := cfg.withDefaults(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "https://cadre.example.com/api", cfg.Chat.Endpoint)
}

func TestConfigProviders(t *testing.T) {
	tests := []struct {
		name    string
		llm     string
		wantErr bool
		check   func(t *testing.T, cfg llmConfig)
	}{
		{
			name: "Ollama",
			llm:  "provider: ollama\nmodel: llama3.2\nhost: http://ollama:11434",
			check: func(t *testing.T, cfg llmConfig) {
				llm, err := cfg.llm("", discardLogger())
				require.NoError(t, err)
				assert.IsType(t, services.Ollama{}, llm)
			},
		},
		{
			name: "OpenAI",
			llm:  "provider: openai\nmodel: gpt-4o-mini\nbaseURL: http://localhost:1234/v1",
			check: func(t *testing.T, cfg llmConfig) {
				c := cfg.(*openAIConfig)
				assert.Equal(t, "http://localhost:1234/v1", c.BaseURL)
				llm, err := cfg.llm("", discardLogger())
				require.NoError(t, err)
				assert.IsType(t, services.OpenAI{}, llm)
			},
		},
		{
			name: "OpenRouter",
			llm:  "provider: openrouter\nmodel: some/model\napiKey: key",
			check: func(t *testing.T, cfg llmConfig) {
				llm, err := cfg.llm("", discardLogger())
				require.NoError(t, err)
				assert.IsType(t, services.OpenRouter{}, llm)
			},
		},
		{
			name: "Anthropic without max tokens",
			llm:  "provider: anthropic\nmodel: some-model",
			check: func(t *testing.T, cfg llmConfig) {
				_, err := cfg.llm("", discardLogger())
				assert.Error(t, err)
			},
		},
		{
			name: "Missing model",
			llm:  "provider: ollama",
			check: func(t *testing.T, cfg llmConfig) {
				_, err := cfg.llm("", discardLogger())
				assert.Error(t, err)
			},
		},
		{
			name:    "Missing provider",
			llm:     "model: some-model",
			wantErr: true,
		},
		{
			name:    "Unknown provider",
			llm:     "provider: gemini\nmodel: some-model",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := "backend:\n  enabled: true\n  llm:\n    " + strings.ReplaceAll(tt.llm, "\n", "\n    ") + "\n"

			var cfg config
			err := yaml.Unmarshal([]byte(raw), &cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg.Backend.LLM)
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	t.Setenv("CADRECHAT_TOKEN", "from-env")
	cfgDir := t.TempDir()

	cfg, err := config{Backend: backendConfig{Enabled: true, LLM: &ollamaConfig{}}}.withDefaults(cfgDir)
	require.NoError(t, err)

	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, defaultLogLevel, cfg.LogLevel)
	assert.Equal(t, filepath.Join(cfgDir, appDirName), cfg.DataDir)
	assert.Equal(t, "http://localhost:"+defaultPort, cfg.Chat.Endpoint)
	assert.Equal(t, "from-env", cfg.Backend.Token)

	_, err = config{}.withDefaults(cfgDir)
	assert.Error(t, err, "endpoint is required without the development backend")

	_, err = config{Backend: backendConfig{Enabled: true}}.withDefaults(cfgDir)
	assert.Error(t, err, "llm is required with the development backend")

	_, err = config{Chat: chatConfig{Endpoint: "http://x", ReadTimeout: -time.Second}}.withDefaults(cfgDir)
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"7000\"\nchat:\n  endpoint: http://report\n"), 0o600))

	t.Setenv("CADRECHAT_CONFIG", path)
	assert.Equal(t, path, configPath(dir))

	cfg, err := loadConfig(configPath(dir))
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "http://report", cfg.Chat.Endpoint)
	assert.False(t, cfg.Backend.Enabled)

	_, err = loadConfig(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	t.Setenv("CADRECHAT_CONFIG", "")
	assert.Equal(t, filepath.Join(dir, appDirName, "config.yaml"), configPath(dir))
}
