// Package config holds querysmith configuration loaded from
// .querysmith/config.json with QUERYSMITH_* environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is the single source of truth for querysmith configuration.
// Every tunable the engine exposes lives here rather than being hard-coded;
// the zero value of any field falls back to the documented default.
type Config struct {
	// =========================================================================
	// STORE CONFIGURATION
	// =========================================================================

	// StorePath is the SQLite database holding the knowledge and learning
	// stores. Default: <workspace>/.querysmith/store.db
	StorePath string `json:"store_path,omitempty"`

	// DataSource is the analytics database the executor and introspector
	// connect to (a SQLite file path). Read-only access.
	DataSource string `json:"data_source,omitempty"`

	// KnowledgeDir is the directory of seed knowledge files
	// (tables/, business/, queries/).
	KnowledgeDir string `json:"knowledge_dir,omitempty"`

	// =========================================================================
	// RETRIEVAL CONFIGURATION
	// =========================================================================

	// TopK caps the number of context items retrieval may return.
	TopK int `json:"top_k,omitempty"`

	// MinRelevance is the score below which retrieval results are dropped.
	MinRelevance float64 `json:"min_relevance,omitempty"`

	// =========================================================================
	// ENGINE CONFIGURATION
	// =========================================================================

	// RetryBound is the maximum number of repair cycles per session.
	RetryBound int `json:"retry_bound,omitempty"`

	// DefaultLimit is the LIMIT value injected when a draft omits one.
	DefaultLimit int `json:"default_limit,omitempty"`

	// DraftTimeoutSec bounds one call to the drafting collaborator.
	DraftTimeoutSec int `json:"draft_timeout_sec,omitempty"`

	// ExecTimeoutSec bounds one execution round-trip.
	ExecTimeoutSec int `json:"exec_timeout_sec,omitempty"`

	// =========================================================================
	// EMBEDDING CONFIGURATION
	// =========================================================================

	Embedding *EmbeddingConfig `json:"embedding,omitempty"`

	// =========================================================================
	// LOGGING
	// =========================================================================

	Logging *LoggingConfig `json:"logging,omitempty"`
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	// Provider: "ollama", "genai", or "" (retrieval stays lexical-only).
	Provider string `json:"provider,omitempty"`

	OllamaEndpoint string `json:"ollama_endpoint,omitempty"`
	OllamaModel    string `json:"ollama_model,omitempty"`

	GenAIAPIKey string `json:"genai_api_key,omitempty"`
	GenAIModel  string `json:"genai_model,omitempty"`
}

// LoggingConfig mirrors the logging package's file-based debug logging knobs.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level,omitempty"`
}

// Defaults. The retrieval threshold and retry bound are deliberate config
// knobs rather than constants; these are the values used when unset.
const (
	DefaultTopK         = 10
	DefaultMinRelevance = 0.05
	DefaultRetryBound   = 3
	DefaultSQLLimit     = 50
	DefaultDraftTimeout = 30 * time.Second
	DefaultExecTimeout  = 15 * time.Second
)

// DefaultConfigPath returns the default path to .querysmith/config.json.
func DefaultConfigPath() string {
	root, err := FindWorkspaceRoot()
	if err != nil {
		return filepath.Join(".querysmith", "config.json")
	}
	return filepath.Join(root, ".querysmith", "config.json")
}

// FindWorkspaceRoot walks up from the working directory looking for a
// .querysmith directory or go.mod. Falls back to the working directory.
func FindWorkspaceRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	originalDir := dir
	for {
		if _, err := os.Stat(filepath.Join(dir, ".querysmith")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return originalDir, nil
}

// Load reads configuration from the given path, then applies environment
// overrides. A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to the given path.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// =============================================================================
// RESOLVED GETTERS - zero values fall back to defaults
// =============================================================================

// GetTopK returns the retrieval result cap.
func (c *Config) GetTopK() int {
	if c.TopK > 0 {
		return c.TopK
	}
	return DefaultTopK
}

// GetMinRelevance returns the retrieval relevance threshold.
func (c *Config) GetMinRelevance() float64 {
	if c.MinRelevance > 0 {
		return c.MinRelevance
	}
	return DefaultMinRelevance
}

// GetRetryBound returns the per-session repair cycle bound.
func (c *Config) GetRetryBound() int {
	if c.RetryBound > 0 {
		return c.RetryBound
	}
	return DefaultRetryBound
}

// GetDefaultLimit returns the LIMIT value injected into unbounded drafts.
func (c *Config) GetDefaultLimit() int {
	if c.DefaultLimit > 0 {
		return c.DefaultLimit
	}
	return DefaultSQLLimit
}

// GetDraftTimeout returns the per-draft timeout.
func (c *Config) GetDraftTimeout() time.Duration {
	if c.DraftTimeoutSec > 0 {
		return time.Duration(c.DraftTimeoutSec) * time.Second
	}
	return DefaultDraftTimeout
}

// GetExecTimeout returns the per-execution timeout.
func (c *Config) GetExecTimeout() time.Duration {
	if c.ExecTimeoutSec > 0 {
		return time.Duration(c.ExecTimeoutSec) * time.Second
	}
	return DefaultExecTimeout
}

// GetStorePath returns the knowledge/learning store database path.
func (c *Config) GetStorePath() string {
	if c.StorePath != "" {
		return c.StorePath
	}
	root, err := FindWorkspaceRoot()
	if err != nil {
		root = "."
	}
	return filepath.Join(root, ".querysmith", "store.db")
}

// GetEmbedding returns the embedding configuration, never nil.
func (c *Config) GetEmbedding() EmbeddingConfig {
	if c.Embedding != nil {
		return *c.Embedding
	}
	return EmbeddingConfig{}
}

// GetLogging returns the logging configuration, never nil.
func (c *Config) GetLogging() LoggingConfig {
	if c.Logging != nil {
		return *c.Logging
	}
	return LoggingConfig{}
}

// applyEnvOverrides lets QUERYSMITH_* environment variables take priority
// over the config file. Invalid values are ignored, not fatal.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("QUERYSMITH_STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("QUERYSMITH_DATA_SOURCE"); v != "" {
		c.DataSource = v
	}
	if v := os.Getenv("QUERYSMITH_KNOWLEDGE_DIR"); v != "" {
		c.KnowledgeDir = v
	}
	if v := os.Getenv("QUERYSMITH_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.TopK = n
		}
	}
	if v := os.Getenv("QUERYSMITH_MIN_RELEVANCE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.MinRelevance = f
		}
	}
	if v := os.Getenv("QUERYSMITH_RETRY_BOUND"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RetryBound = n
		}
	}
	if v := os.Getenv("QUERYSMITH_DEFAULT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DefaultLimit = n
		}
	}
	if v := os.Getenv("QUERYSMITH_DRAFT_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DraftTimeoutSec = n
		}
	}
	if v := os.Getenv("QUERYSMITH_EXEC_TIMEOUT_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ExecTimeoutSec = n
		}
	}
	if v := os.Getenv("QUERYSMITH_EMBEDDING_PROVIDER"); v != "" {
		if c.Embedding == nil {
			c.Embedding = &EmbeddingConfig{}
		}
		c.Embedding.Provider = v
	}
	if v := os.Getenv("GENAI_API_KEY"); v != "" {
		if c.Embedding == nil {
			c.Embedding = &EmbeddingConfig{}
		}
		if c.Embedding.GenAIAPIKey == "" {
			c.Embedding.GenAIAPIKey = v
		}
	}
}
