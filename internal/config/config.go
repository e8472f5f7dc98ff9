// Package config handles Majordomo configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/majordomo/config.yaml, /etc/majordomo/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "majordomo", "config.yaml"))
	}

	paths = append(paths, "/etc/majordomo/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Majordomo configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Model     ModelConfig     `yaml:"model"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Geo       GeoConfig       `yaml:"geo"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the HTTP/WebSocket bind address.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8765
}

// Addr returns the address:port string for net.Listen.
func (l ListenConfig) Addr() string {
	port := l.Port
	if port == 0 {
		port = 8765
	}
	return fmt.Sprintf("%s:%d", l.Address, port)
}

// AnthropicConfig defines the LLM API settings. The API key may also be
// supplied via the ANTHROPIC_API_KEY environment variable, which takes
// precedence over the file value.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// ResolveAPIKey returns the effective API key.
func (a AnthropicConfig) ResolveAPIKey() string {
	if env := os.Getenv("ANTHROPIC_API_KEY"); env != "" {
		return env
	}
	return a.APIKey
}

// ModelConfig defines conversation defaults.
type ModelConfig struct {
	Name          string  `yaml:"name"`            // Default: claude-sonnet-4-20250514
	MaxTokens     int     `yaml:"max_tokens"`      // Default: 4096
	Temperature   float64 `yaml:"temperature"`     // Default: 1.0
	MaxIterations int     `yaml:"max_iterations"`  // Tool-call loop cap, default 8
	SystemPrompt  string  `yaml:"system_prompt"`   // Base system prompt
	RelevanceMax  int     `yaml:"relevance_max"`   // Max tools after relevance narrowing (0 = no narrowing)
}

// SchedulerConfig defines task scheduler behavior.
type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"` // Default: 5s
}

// BridgeConfig defines remote-agent bridge behavior.
type BridgeConfig struct {
	PingInterval   time.Duration `yaml:"ping_interval"`   // Heartbeat interval, default 30s
	DefaultTimeout time.Duration `yaml:"default_timeout"` // Per-call wait, default 60s
}

// RetrievalConfig defines the document retrieval collaborator.
type RetrievalConfig struct {
	Enabled   bool   `yaml:"enabled"`
	OllamaURL string `yaml:"ollama_url"` // Embedding endpoint base URL
	Model     string `yaml:"model"`      // Embedding model, default nomic-embed-text
	TopK      int    `yaml:"top_k"`      // Documents per query, default 3
}

// GeoConfig defines the IP geolocation collaborator.
type GeoConfig struct {
	CacheSize int `yaml:"cache_size"` // LRU entries, default 512
}

// MQTTConfig defines the optional notification mirror.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Topic    string `yaml:"topic"` // Default: majordomo/notifications
}

// Load reads and parses the config file at path, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a config with all defaults applied, for tests and
// first-run scenarios where no file exists yet.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Model.Name == "" {
		c.Model.Name = "claude-sonnet-4-20250514"
	}
	if c.Model.MaxTokens == 0 {
		c.Model.MaxTokens = 4096
	}
	if c.Model.Temperature == 0 {
		c.Model.Temperature = 1.0
	}
	if c.Model.MaxIterations == 0 {
		c.Model.MaxIterations = 8
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = 5 * time.Second
	}
	if c.Bridge.PingInterval == 0 {
		c.Bridge.PingInterval = 30 * time.Second
	}
	if c.Bridge.DefaultTimeout == 0 {
		c.Bridge.DefaultTimeout = 60 * time.Second
	}
	if c.Retrieval.Model == "" {
		c.Retrieval.Model = "nomic-embed-text"
	}
	if c.Retrieval.TopK == 0 {
		c.Retrieval.TopK = 3
	}
	if c.Geo.CacheSize == 0 {
		c.Geo.CacheSize = 512
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "majordomo/notifications"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}
