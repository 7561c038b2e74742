package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MegaGrindStone/cadre-chat/internal/backend"
	"github.com/MegaGrindStone/cadre-chat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (backend.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type config struct {
	Port     string        `yaml:"port"`
	LogLevel string        `yaml:"logLevel"`
	LogJSON  bool          `yaml:"logJSON"`
	DataDir  string        `yaml:"dataDir"`
	Chat     chatConfig    `yaml:"chat"`
	Backend  backendConfig `yaml:"backend"`
}

type chatConfig struct {
	Endpoint    string        `yaml:"endpoint"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
	ChunkSize   int           `yaml:"chunkSize"`
}

type backendConfig struct {
	Enabled      bool
	Token        string
	SystemPrompt string
	LLM          llmConfig
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

const (
	defaultPort       = "8080"
	defaultLogLevel   = "info"
	defaultOllamaHost = "http://localhost:11434"

	appDirName = "cadrechat"
)

func loadConfig(path string) (config, error) {
	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	cfg := config{}
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}
	return cfg, nil
}

// configPath returns $CADRECHAT_CONFIG, or config.yaml in the application's directory under cfgDir.
func configPath(cfgDir string) string {
	if p := os.Getenv("CADRECHAT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(cfgDir, appDirName, "config.yaml")
}

// withDefaults fills in unset values and validates the result. cfgDir is the user configuration
// directory used for the default data directory.
func (c config) withDefaults(cfgDir string) (config, error) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.DataDir == "" {
		c.DataDir = filepath.Join(cfgDir, appDirName)
	}
	if c.Backend.Token == "" {
		c.Backend.Token = os.Getenv("CADRECHAT_TOKEN")
	}
	if c.Chat.ReadTimeout < 0 {
		return config{}, fmt.Errorf("chat readTimeout must not be negative")
	}

	if c.Chat.Endpoint == "" {
		if !c.Backend.Enabled {
			return config{}, fmt.Errorf("chat endpoint is required when the development backend is disabled")
		}
		// The development backend is mounted on this server.
		c.Chat.Endpoint = "http://localhost:" + c.Port
	}
	c.Chat.Endpoint = strings.TrimRight(c.Chat.Endpoint, "/")

	if c.Backend.Enabled && c.Backend.LLM == nil {
		return config{}, fmt.Errorf("backend llm is required when the development backend is enabled")
	}

	return c, nil
}

func (b *backendConfig) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Enabled      bool           `yaml:"enabled"`
		Token        string         `yaml:"token"`
		SystemPrompt string         `yaml:"systemPrompt"`
		LLM          map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	b.Enabled = rawConfig.Enabled
	b.Token = rawConfig.Token
	b.SystemPrompt = rawConfig.SystemPrompt

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	b.LLM = llm

	return nil
}

func (o ollamaConfig) llm(systemPrompt string, _ *slog.Logger) (backend.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	llm, err := services.NewOllama(host, o.Model, systemPrompt)
	if err != nil {
		return nil, err
	}
	return llm, nil
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (backend.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, _ *slog.Logger) (backend.LLM, error) {
	if a.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return nil, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.BaseURL, a.Model, systemPrompt, a.MaxTokens), nil
}

func (o openRouterConfig) llm(systemPrompt string, logger *slog.Logger) (backend.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.BaseURL, o.Model, systemPrompt, logger), nil
}
