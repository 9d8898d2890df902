package main

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/coalesce"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/contextwin"
)

//go:embed config.schema.json
var configSchema []byte

const (
	sinkStdout = "stdout"
	sinkPulse  = "pulse"
	sinkBoth   = "both"

	storeMemory = "memory"
	storeMongo  = "mongo"
)

type (
	// Config is the genstream configuration file.
	Config struct {
		RenderInterval time.Duration   `yaml:"render_interval"`
		StoreInterval  time.Duration   `yaml:"store_interval"`
		StoreTimeout   time.Duration   `yaml:"store_timeout"`
		Budget         BudgetConfig    `yaml:"budget"`
		Redis          *RedisConfig    `yaml:"redis"`
		Sink           SinkConfig      `yaml:"sink"`
		Store          StoreConfig     `yaml:"store"`
		Provider       *ProviderConfig `yaml:"provider"`
	}

	// BudgetConfig describes the context window used by -select and live
	// turns.
	BudgetConfig struct {
		ModelMaxTokens   int  `yaml:"model_max_tokens"`
		ThinkingBudget   int  `yaml:"thinking_budget"`
		ToolCallsAllowed bool `yaml:"tool_calls_allowed"`
		VisionEnabled    bool `yaml:"vision_enabled"`
	}

	// RedisConfig locates the Redis server backing Pulse streams and the
	// replicated rate limit budget.
	RedisConfig struct {
		Addr        string `yaml:"addr"`
		PasswordEnv string `yaml:"password_env"`
		DB          int    `yaml:"db"`
	}

	// SinkConfig selects the display sink.
	SinkConfig struct {
		Kind         string `yaml:"kind"`
		StreamMaxLen int    `yaml:"stream_max_len"`
	}

	// StoreConfig selects the message store.
	StoreConfig struct {
		Kind       string `yaml:"kind"`
		URI        string `yaml:"uri"`
		Database   string `yaml:"database"`
		Collection string `yaml:"collection"`
	}

	// ProviderConfig configures the model used by live turns.
	ProviderConfig struct {
		Kind           string  `yaml:"kind"`
		Model          string  `yaml:"model"`
		APIKeyEnv      string  `yaml:"api_key_env"`
		BaseURL        string  `yaml:"base_url"`
		Region         string  `yaml:"region"`
		MaxTokens      int     `yaml:"max_tokens"`
		ThinkingBudget int64   `yaml:"thinking_budget"`
		Temperature    float64 `yaml:"temperature"`
		QPS            float64 `yaml:"qps"`
		MaxQPS         float64 `yaml:"max_qps"`
	}
)

// defaultConfig returns the configuration used when no file is given.
func defaultConfig() *Config {
	return &Config{
		RenderInterval: coalesce.DefaultRenderInterval,
		StoreInterval:  coalesce.DefaultStoreInterval,
		StoreTimeout:   coalesce.DefaultStoreTimeout,
		Budget:         BudgetConfig{ModelMaxTokens: 8192},
		Sink:           SinkConfig{Kind: sinkStdout},
		Store:          StoreConfig{Kind: storeMemory},
	}
}

// loadConfig reads, validates and decodes the file at path. An empty path
// yields the defaults.
func loadConfig(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator supplied flag
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

// parseConfig validates data against the embedded schema and decodes it over
// the defaults.
func parseConfig(data []byte) (*Config, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := validateConfig(doc); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// validateConfig checks the YAML document against the embedded JSON schema.
// The document goes through a JSON round trip so the validator sees JSON
// numbers and string keyed maps only.
func validateConfig(doc any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(configSchema))
	if err != nil {
		return fmt.Errorf("unmarshal schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("config.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	return schema.Validate(inst)
}

// check enforces the constraints the schema cannot express.
func (c *Config) check() error {
	if c.Sink.Kind == "" {
		c.Sink.Kind = sinkStdout
	}
	if c.Store.Kind == "" {
		c.Store.Kind = storeMemory
	}
	if c.usesPulse() && c.Redis == nil {
		return errors.New("pulse sink requires a redis section")
	}
	if c.Budget.ThinkingBudget >= c.Budget.ModelMaxTokens {
		return fmt.Errorf("thinking budget %d must be lower than model_max_tokens %d", c.Budget.ThinkingBudget, c.Budget.ModelMaxTokens)
	}
	if p := c.Provider; p != nil && p.MaxQPS > 0 && p.QPS > p.MaxQPS {
		return fmt.Errorf("provider qps %g exceeds max_qps %g", p.QPS, p.MaxQPS)
	}
	return nil
}

func (c *Config) usesPulse() bool {
	return c.Sink.Kind == sinkPulse || c.Sink.Kind == sinkBoth
}

func (c *Config) budget() contextwin.Budget {
	return contextwin.Budget{ModelMaxTokens: c.Budget.ModelMaxTokens, ThinkingBudget: c.Budget.ThinkingBudget}
}
