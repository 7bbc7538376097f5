// Package config loads service settings from an optional YAML file, a .env
// file and RULEASSIST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Nats      NatsConfig      `mapstructure:"nats"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Prompts   PromptsConfig   `mapstructure:"prompts"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port           string        `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DatabaseConfig selects PostgreSQL stores when URL is set and in-memory stores otherwise.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

type RedisConfig struct {
	URL      string        `mapstructure:"url"`
	RulesTTL time.Duration `mapstructure:"rules_ttl"`
}

// NatsConfig selects JetStream when URL is set and an in-process channel otherwise.
type NatsConfig struct {
	URL string `mapstructure:"url"`
}

type LLMConfig struct {
	Provider        string        `mapstructure:"provider"`
	Model           string        `mapstructure:"model"`
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CallTimeout     time.Duration `mapstructure:"call_timeout"`
	MaxRetries      uint64        `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
}

type KnowledgeConfig struct {
	TopK         int           `mapstructure:"top_k"`
	ChunkSize    int           `mapstructure:"chunk_size"`
	ChunkOverlap int           `mapstructure:"chunk_overlap"`
	MinScore     float64       `mapstructure:"min_score"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type PromptsConfig struct {
	File string `mapstructure:"file"`
}

type WorkflowConfig struct {
	DefaultIndustry        string `mapstructure:"default_industry"`
	HistoryTurns           int    `mapstructure:"history_turns"`
	GenerationAttempts     int    `mapstructure:"generation_attempts"`
	ConversationalResponse bool   `mapstructure:"conversational_response"`
	ConflictReview         bool   `mapstructure:"conflict_review"`
	ArtifactDir            string `mapstructure:"artifact_dir"`
	Package                string `mapstructure:"package"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

var defaults = map[string]any{
	"server.port":                      "8080",
	"server.request_timeout":           "120s",
	"database.url":                     "",
	"redis.url":                        "",
	"redis.rules_ttl":                  "30s",
	"nats.url":                         "",
	"llm.provider":                     "gemini",
	"llm.model":                        "",
	"llm.api_key":                      "",
	"llm.base_url":                     "",
	"llm.call_timeout":                 "60s",
	"llm.max_retries":                  2,
	"llm.initial_interval":             "500ms",
	"llm.max_interval":                 "5s",
	"embedding.provider":               "",
	"embedding.model":                  "",
	"knowledge.top_k":                  3,
	"knowledge.chunk_size":             1000,
	"knowledge.chunk_overlap":          100,
	"knowledge.min_score":              0.0,
	"knowledge.cache_ttl":              "10m",
	"prompts.file":                     "",
	"workflow.default_industry":        "generic",
	"workflow.history_turns":           3,
	"workflow.generation_attempts":     2,
	"workflow.conversational_response": false,
	"workflow.conflict_review":         true,
	"workflow.artifact_dir":            "",
	"workflow.package":                 "com.ruleassist.rules",
	"tracing.enabled":                  false,
	"tracing.endpoint":                 "localhost:4318",
	"tracing.service_name":             "ruleassist",
}

// legacyEnv binds unprefixed variables used by existing deployments.
var legacyEnv = map[string][]string{
	"database.url":     {"RULEASSIST_DATABASE_URL", "DATABASE_URL"},
	"server.port":      {"RULEASSIST_SERVER_PORT", "PORT"},
	"llm.api_key":      {"RULEASSIST_LLM_API_KEY", "GEMINI_API_KEY"},
	"redis.url":        {"RULEASSIST_REDIS_URL", "REDIS_URL"},
	"nats.url":         {"RULEASSIST_NATS_URL", "NATS_URL"},
	"tracing.enabled":  {"RULEASSIST_TRACING_ENABLED", "OTEL_ENABLED"},
	"tracing.endpoint": {"RULEASSIST_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT"},
}

// Load reads configuration. path may name an explicit YAML file; when empty,
// ruleassist.yaml is looked up in the working directory and ./config.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetEnvPrefix("RULEASSIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, envs := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("ruleassist")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.LLM.Provider) {
	case "gemini", "ollama":
	default:
		return fmt.Errorf("llm.provider %q is not supported (gemini, ollama)", c.LLM.Provider)
	}
	if c.Knowledge.ChunkSize <= 0 {
		return errors.New("knowledge.chunk_size must be positive")
	}
	if c.Knowledge.ChunkOverlap < 0 || c.Knowledge.ChunkOverlap >= c.Knowledge.ChunkSize {
		return errors.New("knowledge.chunk_overlap must be between 0 and chunk_size")
	}
	if c.Workflow.HistoryTurns < 0 {
		return errors.New("workflow.history_turns must not be negative")
	}
	return nil
}

// EmbeddingProvider defaults to the completion provider.
func (c *Config) EmbeddingProvider() string {
	if c.Embedding.Provider != "" {
		return strings.ToLower(c.Embedding.Provider)
	}
	return strings.ToLower(c.LLM.Provider)
}
