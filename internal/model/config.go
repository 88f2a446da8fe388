package model

import (
	"fmt"
	"time"
)

// Config holds the complete factorcanon configuration
type Config struct {
	Oracle OracleConfig `mapstructure:"oracle" yaml:"oracle"`
	LLM    LLMConfig    `mapstructure:"llm" yaml:"llm"`
	Cache  CacheConfig  `mapstructure:"cache" yaml:"cache"`
	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Input  InputConfig  `mapstructure:"input" yaml:"input"`
	Output OutputConfig `mapstructure:"output" yaml:"output"`
}

// OracleConfig controls how the categorization oracle is driven
type OracleConfig struct {
	MaxBatchSize          int     `mapstructure:"max_batch_size" yaml:"max_batch_size"`                   // Labels per sub-batch
	StallLimit            int     `mapstructure:"stall_limit" yaml:"stall_limit"`                         // Consecutive zero-progress passes before giving up
	TimeoutSeconds        float64 `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`                 // Per-call deadline
	MaxRetries            int     `mapstructure:"max_retries" yaml:"max_retries"`                         // Failed attempts before a label is abandoned
	Concurrency           int     `mapstructure:"concurrency" yaml:"concurrency"`                         // Sub-batches in flight per pass
	SeedSize              int     `mapstructure:"seed_size" yaml:"seed_size"`                             // Labels in the initial seeding call
	MaxPasses             int     `mapstructure:"max_passes" yaml:"max_passes"`                           // Hard bound on passes per run
	GroupExamples         int     `mapstructure:"group_examples" yaml:"group_examples"`                   // Example members shown per group in the prompt
	RequireFullResolution bool    `mapstructure:"require_full_resolution" yaml:"require_full_resolution"` // Unresolved labels fail the run
	RequestsPerSecond     float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	Burst                 int     `mapstructure:"burst" yaml:"burst"`
}

// Timeout returns the per-call deadline as a duration
func (c OracleConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// LLMConfig selects the language model behind the oracle
type LLMConfig struct {
	Provider    string  `mapstructure:"provider" yaml:"provider"` // openai, anthropic, ollama, gemini
	Model       string  `mapstructure:"model" yaml:"model"`
	APIKey      string  `mapstructure:"api_key" yaml:"api_key,omitempty"`
	BaseURL     string  `mapstructure:"base_url" yaml:"base_url,omitempty"`
	Timeout     int     `mapstructure:"timeout" yaml:"timeout"` // seconds, HTTP client level
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
}

// CacheConfig controls the oracle response cache
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Dir       string        `mapstructure:"dir" yaml:"dir"`
	MemoryTTL time.Duration `mapstructure:"memory_ttl" yaml:"memory_ttl"`
	DiskTTL   time.Duration `mapstructure:"disk_ttl" yaml:"disk_ttl"`
}

// StoreConfig locates the persisted canonical mapping
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// InputConfig describes the FactorRecord tables
type InputConfig struct {
	LabelColumn string `mapstructure:"label_column" yaml:"label_column"`
}

// OutputConfig controls materialized artifacts
type OutputConfig struct {
	Dir         string `mapstructure:"dir" yaml:"dir"`
	MetricsFile string `mapstructure:"metrics_file" yaml:"metrics_file,omitempty"`
	Verbose     bool   `mapstructure:"verbose" yaml:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Oracle: OracleConfig{
			MaxBatchSize:      50,
			StallLimit:        3,
			TimeoutSeconds:    60,
			MaxRetries:        3,
			Concurrency:       8,
			SeedSize:          200,
			MaxPasses:         50,
			GroupExamples:     6,
			RequestsPerSecond: 5,
			Burst:             5,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			Model:       "gpt-4o-mini",
			Timeout:     90,
			MaxTokens:   4096,
			Temperature: 0.1,
		},
		Cache: CacheConfig{
			Enabled:   true,
			Dir:       ".factorcanon/cache",
			MemoryTTL: time.Hour,
			DiskTTL:   7 * 24 * time.Hour,
		},
		Store: StoreConfig{
			Path: ".factorcanon/mapping.db",
		},
		Input: InputConfig{
			LabelColumn: "factor",
		},
		Output: OutputConfig{
			Dir: "./factorcanon-output",
		},
	}
}

// Validate rejects configurations the convergence loop cannot run with
func (c *Config) Validate() error {
	o := c.Oracle
	switch {
	case o.MaxBatchSize <= 0:
		return fmt.Errorf("oracle.max_batch_size must be positive, got %d", o.MaxBatchSize)
	case o.StallLimit <= 0:
		return fmt.Errorf("oracle.stall_limit must be positive, got %d", o.StallLimit)
	case o.TimeoutSeconds <= 0:
		return fmt.Errorf("oracle.timeout_seconds must be positive, got %v", o.TimeoutSeconds)
	case o.MaxRetries <= 0:
		return fmt.Errorf("oracle.max_retries must be positive, got %d", o.MaxRetries)
	case o.MaxPasses <= 0:
		return fmt.Errorf("oracle.max_passes must be positive, got %d", o.MaxPasses)
	}
	if c.Input.LabelColumn == "" {
		return fmt.Errorf("input.label_column is required")
	}
	return nil
}
