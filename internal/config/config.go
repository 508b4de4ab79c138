// Package config handles memoryd configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/memoryd/config.yaml, /etc/memoryd/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "memoryd", "config.yaml"))
	}

	paths = append(paths, "/etc/memoryd/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all memoryd configuration. The field set is closed: presets
// are constructors returning this record, and nothing writes ad-hoc keys.
type Config struct {
	Listen    ListenConfig `yaml:"listen"`
	DataDir   string       `yaml:"data_dir"`
	DBName    string       `yaml:"db_name"`
	LogLevel  string       `yaml:"log_level"`
	LogFormat string       `yaml:"log_format"` // text or json

	// Working memory: sliding window of the current conversation, counted
	// in turns. The in-RAM ring holds 2x this many messages.
	WorkingMemorySize int `yaml:"working_memory_size"`

	// Episodic memory.
	MaxEpisodesPerUser       int `yaml:"max_episodes_per_user"`
	EpisodeSummaryMaxLength  int `yaml:"episode_summary_max_length"`
	EpisodeCompressThreshold int `yaml:"episode_compress_threshold"`

	// Semantic memory.
	MaxProfileTags  int `yaml:"max_profile_tags"`
	MaxFactsPerUser int `yaml:"max_facts_per_user"`

	// Forgetting.
	MemoryDecayDays        int     `yaml:"memory_decay_days"`
	MinImportanceThreshold float64 `yaml:"min_importance_threshold"`
	AccessCountWeight      float64 `yaml:"access_count_weight"`
	TimeDecayWeight        float64 `yaml:"time_decay_weight"`

	LLM    LLMConfig    `yaml:"llm"`
	Vector VectorConfig `yaml:"vector"`

	// Retrieval cache.
	CacheTTLSeconds int  `yaml:"cache_ttl_seconds"`
	EnableCache     bool `yaml:"enable_cache"`

	// Debug retention: persist raw messages to the messages table.
	PersistMessages bool `yaml:"persist_messages"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the extraction LLM settings.
type LLMConfig struct {
	Provider        string `yaml:"provider"` // openai, zhipu, mock
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	Model           string `yaml:"model"`
	ExtractionModel string `yaml:"extraction_model"`
	MaxRetries      int    `yaml:"max_retries"`
	TimeoutSeconds  int    `yaml:"timeout_seconds"`
}

// VectorConfig defines the optional vector retrieval backend.
type VectorConfig struct {
	Enabled             bool    `yaml:"enabled"`
	Dim                 int     `yaml:"dim"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxRetrievalResults int     `yaml:"max_retrieval_results"`
	EmbeddingModel      string  `yaml:"embedding_model"`
	EmbeddingBaseURL    string  `yaml:"embedding_base_url"`
}

// DBPath returns the full path to the relational database file.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBName)
}

// VectorDBPath returns the full path to the vector index file.
func (c *Config) VectorDBPath() string {
	return filepath.Join(c.DataDir, "vectors.db")
}

// Load reads configuration from a YAML file. Environment variables in the
// file are expanded before parsing, and LLM credentials fall back to the
// LLM_API_KEY / LLM_BASE_URL environment variables when unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)

	return cfg, nil
}

// applyEnv fills LLM credentials from the environment when the config file
// left them empty.
func applyEnv(cfg *Config) {
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("LLM_API_KEY")
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = os.Getenv("LLM_BASE_URL")
	}
}

// Default returns the default configuration (the balanced profile's
// structural defaults with the openai provider).
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Port: 8080},
		DataDir:   "./data",
		DBName:    "memory.db",
		LogLevel:  "info",
		LogFormat: "text",

		WorkingMemorySize: 10,

		MaxEpisodesPerUser:       100,
		EpisodeSummaryMaxLength:  200,
		EpisodeCompressThreshold: 5,

		MaxProfileTags:  20,
		MaxFactsPerUser: 50,

		MemoryDecayDays:        30,
		MinImportanceThreshold: 0.2,
		AccessCountWeight:      0.3,
		TimeDecayWeight:        0.7,

		LLM: LLMConfig{
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			ExtractionModel: "gpt-4o-mini",
			MaxRetries:      3,
			TimeoutSeconds:  30,
		},
		Vector: VectorConfig{
			Enabled:             false,
			Dim:                 384,
			SimilarityThreshold: 0.7,
			MaxRetrievalResults: 5,
			EmbeddingModel:      "text-embedding-3-small",
		},

		CacheTTLSeconds: 3600,
		EnableCache:     true,
	}
}

// Minimal returns the lowest-cost preset: small caps, no vector search,
// and the deterministic mock provider. Suitable for tests and demos.
func Minimal() *Config {
	cfg := Default()
	cfg.WorkingMemorySize = 5
	cfg.MaxEpisodesPerUser = 20
	cfg.MaxFactsPerUser = 10
	cfg.Vector.Enabled = false
	cfg.LLM.Provider = "mock"
	applyEnv(cfg)
	return cfg
}

// Balanced returns the effect/cost balance preset.
func Balanced() *Config {
	cfg := Default()
	cfg.WorkingMemorySize = 10
	cfg.MaxEpisodesPerUser = 50
	cfg.MaxFactsPerUser = 30
	cfg.Vector.Enabled = false
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4o-mini"
	applyEnv(cfg)
	return cfg
}

// FullFeatured returns the best-effect preset with vector retrieval enabled.
func FullFeatured() *Config {
	cfg := Default()
	cfg.WorkingMemorySize = 15
	cfg.MaxEpisodesPerUser = 100
	cfg.MaxFactsPerUser = 50
	cfg.Vector.Enabled = true
	cfg.LLM.Provider = "openai"
	cfg.LLM.Model = "gpt-4o"
	applyEnv(cfg)
	return cfg
}

// Preset returns a named preset configuration.
func Preset(name string) (*Config, error) {
	switch name {
	case "minimal":
		return Minimal(), nil
	case "balanced":
		return Balanced(), nil
	case "full_featured":
		return FullFeatured(), nil
	default:
		return nil, fmt.Errorf("unknown preset %q (valid: minimal, balanced, full_featured)", name)
	}
}

// Validate checks the configuration for values the server refuses to run
// with. A failure here is fatal at startup.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case "openai", "zhipu", "mock":
	default:
		return fmt.Errorf("unknown llm provider %q (valid: openai, zhipu, mock)", c.LLM.Provider)
	}

	if c.WorkingMemorySize <= 0 {
		return fmt.Errorf("working_memory_size must be positive, got %d", c.WorkingMemorySize)
	}
	if c.MaxEpisodesPerUser <= 0 || c.MaxFactsPerUser <= 0 || c.MaxProfileTags <= 0 {
		return fmt.Errorf("per-user caps must be positive")
	}
	if c.EpisodeCompressThreshold <= 0 {
		return fmt.Errorf("episode_compress_threshold must be positive, got %d", c.EpisodeCompressThreshold)
	}
	if c.MemoryDecayDays <= 0 {
		return fmt.Errorf("memory_decay_days must be positive, got %d", c.MemoryDecayDays)
	}
	if c.MinImportanceThreshold < 0 || c.MinImportanceThreshold > 1 {
		return fmt.Errorf("min_importance_threshold must be in [0,1], got %v", c.MinImportanceThreshold)
	}
	if c.TimeDecayWeight < 0 || c.AccessCountWeight < 0 {
		return fmt.Errorf("decay weights must be non-negative")
	}
	if c.Vector.Enabled {
		if c.Vector.Dim <= 0 {
			return fmt.Errorf("vector.dim must be positive, got %d", c.Vector.Dim)
		}
		if c.Vector.SimilarityThreshold < 0 || c.Vector.SimilarityThreshold > 1 {
			return fmt.Errorf("vector.similarity_threshold must be in [0,1], got %v", c.Vector.SimilarityThreshold)
		}
	}
	if c.Vector.MaxRetrievalResults <= 0 {
		return fmt.Errorf("vector.max_retrieval_results must be positive, got %d", c.Vector.MaxRetrievalResults)
	}
	return nil
}
