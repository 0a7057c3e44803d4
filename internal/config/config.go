// Package config provides configuration loading and structs for the arbiter server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug      bool             `yaml:"debug" toml:"debug"`
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Storage    StorageConfig    `yaml:"storage" toml:"storage"`
	Embedding  EmbeddingConfig  `yaml:"embedding" toml:"embedding"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" toml:"retrieval"`
	Resolver   ResolverConfig   `yaml:"resolver" toml:"resolver"`
	Verifier   VerifierConfig   `yaml:"verifier" toml:"verifier"`
	Confidence ConfidenceConfig `yaml:"confidence" toml:"confidence"`
	Cache      CacheConfig      `yaml:"cache" toml:"cache"`
	Generation GenerationConfig `yaml:"generation" toml:"generation"`
	Budget     BudgetConfig     `yaml:"budget" toml:"budget"`
	Indexing   IndexingConfig   `yaml:"indexing" toml:"indexing"`
	Watch      WatchConfig      `yaml:"watch" toml:"watch"`
}

// Duration is a time.Duration that reads and writes as a Go duration string ("30s")
// in both YAML and TOML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string          `yaml:"host" toml:"host"`
	Port           int             `yaml:"port" toml:"port"`
	RequestTimeout Duration        `yaml:"request_timeout" toml:"request_timeout"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
}

// RateLimitConfig is the per-client token bucket applied to the HTTP API.
// RequestsPerSecond <= 0 disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" toml:"requests_per_second"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// StorageConfig holds paths for the database, indices, and the answer cache.
type StorageConfig struct {
	DatabasePath    string `yaml:"database_path" toml:"database_path"`
	BleveIndexPath  string `yaml:"bleve_index_path" toml:"bleve_index_path"`
	VectorIndexPath string `yaml:"vector_index_path" toml:"vector_index_path"`
	CachePath       string `yaml:"cache_path" toml:"cache_path"`
}

// EmbeddingConfig selects and configures the embedding backend.
type EmbeddingConfig struct {
	// Provider is one of "hash" (offline), "onnx" (cgo builds), or "gemini".
	Provider   string   `yaml:"provider" toml:"provider"`
	ModelPath  string   `yaml:"model_path" toml:"model_path"`
	Model      string   `yaml:"model" toml:"model"`
	APIKey     string   `yaml:"api_key" toml:"api_key"`
	Dimensions int      `yaml:"dimensions" toml:"dimensions"`
	MaxTokens  int      `yaml:"max_tokens" toml:"max_tokens"`
	CacheSize  int      `yaml:"cache_size" toml:"cache_size"`
	Timeout    Duration `yaml:"timeout" toml:"timeout"`
}

// RetrievalConfig holds hybrid retrieval settings.
type RetrievalConfig struct {
	TopKCandidates int      `yaml:"top_k_candidates" toml:"top_k_candidates"`
	MaxResults     int      `yaml:"max_results" toml:"max_results"`
	LexicalWeight  float64  `yaml:"lexical_weight" toml:"lexical_weight"`
	SemanticWeight float64  `yaml:"semantic_weight" toml:"semantic_weight"`
	Fuzzy          bool     `yaml:"fuzzy" toml:"fuzzy"`
	Fuzziness      int      `yaml:"fuzziness" toml:"fuzziness"`
	RetryBackoff   Duration `yaml:"retry_backoff" toml:"retry_backoff"`
}

// ResolverConfig holds precedence resolution settings.
type ResolverConfig struct {
	OverrideThreshold int     `yaml:"override_threshold" toml:"override_threshold"`
	PriorMargin       float64 `yaml:"prior_margin" toml:"prior_margin"`
}

// VerifierConfig holds citation verification settings.
type VerifierConfig struct {
	MinRunWords     int     `yaml:"min_run_words" toml:"min_run_words"`
	MinRunRatio     float64 `yaml:"min_run_ratio" toml:"min_run_ratio"`
	MinBlockOverlap float64 `yaml:"min_block_overlap" toml:"min_block_overlap"`
}

// ConfidenceConfig holds confidence scoring settings.
type ConfidenceConfig struct {
	MinRelevance float64 `yaml:"min_relevance" toml:"min_relevance"`
}

// CacheConfig holds answer cache settings.
type CacheConfig struct {
	Enabled           *bool    `yaml:"enabled" toml:"enabled"`
	SemanticThreshold float64  `yaml:"semantic_threshold" toml:"semantic_threshold"`
	TTL               Duration `yaml:"ttl" toml:"ttl"`
	RecordHits        bool     `yaml:"record_hits" toml:"record_hits"`
	SweepSchedule     string   `yaml:"sweep_schedule" toml:"sweep_schedule"`
}

// EnabledOrDefault returns whether the cache is on; defaults to true when unset.
func (c *CacheConfig) EnabledOrDefault() bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return true
}

// GenerationConfig selects and configures the answer generator.
type GenerationConfig struct {
	// Provider is one of "claude", "gemini", or "extractive" (offline).
	Provider       string   `yaml:"provider" toml:"provider"`
	Model          string   `yaml:"model" toml:"model"`
	APIKey         string   `yaml:"api_key" toml:"api_key"`
	Timeout        Duration `yaml:"timeout" toml:"timeout"`
	MaxTokens      int      `yaml:"max_tokens" toml:"max_tokens"`
	Temperature    float64  `yaml:"temperature" toml:"temperature"`
	MaxAttempts    int      `yaml:"max_attempts" toml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff" toml:"initial_backoff"`
}

// BudgetConfig holds the cost ceiling and the ledger backend.
type BudgetConfig struct {
	DailyLimitUSD     float64  `yaml:"daily_limit_usd" toml:"daily_limit_usd"`
	InputCostPerMTok  float64  `yaml:"input_cost_per_mtok" toml:"input_cost_per_mtok"`
	OutputCostPerMTok float64  `yaml:"output_cost_per_mtok" toml:"output_cost_per_mtok"`
	Window            Duration `yaml:"window" toml:"window"`
	// Ledger is "sqlite" (shares the main database) or "postgres".
	Ledger      string `yaml:"ledger" toml:"ledger"`
	PostgresDSN string `yaml:"postgres_dsn" toml:"postgres_dsn"`
}

// IndexingConfig holds settings for the indexing-required response and manifest chunking.
type IndexingConfig struct {
	SecondsPerSource int `yaml:"seconds_per_source" toml:"seconds_per_source"`
	// ChunkWords and ChunkOverlap size the windows cut from manifest pages that arrive unchunked.
	ChunkWords   int `yaml:"chunk_words" toml:"chunk_words"`
	ChunkOverlap int `yaml:"chunk_overlap" toml:"chunk_overlap"`
}

// WatchConfig holds manifest directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories" toml:"directories"`
	Extensions  []string `yaml:"extensions" toml:"extensions"`
	Recursive   *bool    `yaml:"recursive" toml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Files ending in .toml are parsed as TOML; everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if isTOML(path) {
		err = toml.Unmarshal(data, &cfg)
	} else {
		err = yaml.Unmarshal(data, &cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	applyEnv(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	cfg.Storage.VectorIndexPath = expandPath(cfg.Storage.VectorIndexPath, configDir)
	cfg.Storage.CachePath = expandPath(cfg.Storage.CachePath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path in the format implied by its extension.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings the answering pipeline cannot honor.
func (c *Config) Validate() error {
	r := c.Retrieval
	if r.LexicalWeight < 0 || r.SemanticWeight < 0 || r.LexicalWeight > 1 || r.SemanticWeight > 1 {
		return fmt.Errorf("retrieval weights must be within [0,1]")
	}
	if r.SemanticWeight <= r.LexicalWeight {
		return fmt.Errorf("retrieval.semantic_weight (%.2f) must be greater than retrieval.lexical_weight (%.2f)",
			r.SemanticWeight, r.LexicalWeight)
	}
	if c.Resolver.OverrideThreshold < 0 || c.Resolver.OverrideThreshold > 100 {
		return fmt.Errorf("resolver.override_threshold must be within [0,100]")
	}
	if c.Cache.SemanticThreshold <= 0 || c.Cache.SemanticThreshold > 1 {
		return fmt.Errorf("cache.semantic_threshold must be within (0,1]")
	}
	if c.Verifier.MinRunRatio <= 0 || c.Verifier.MinRunRatio > 1 {
		return fmt.Errorf("verifier.min_run_ratio must be within (0,1]")
	}
	switch c.Embedding.Provider {
	case "hash", "onnx", "gemini":
	default:
		return fmt.Errorf("unknown embedding provider: %s (supported: hash, onnx, gemini)", c.Embedding.Provider)
	}
	switch c.Generation.Provider {
	case "claude", "gemini", "extractive":
	default:
		return fmt.Errorf("unknown generation provider: %s (supported: claude, gemini, extractive)", c.Generation.Provider)
	}
	switch c.Budget.Ledger {
	case "sqlite":
	case "postgres":
		if c.Budget.PostgresDSN == "" {
			return fmt.Errorf("budget.postgres_dsn is required when budget.ledger is postgres")
		}
	default:
		return fmt.Errorf("unknown ledger: %s (supported: sqlite, postgres)", c.Budget.Ledger)
	}
	if c.Cache.SweepSchedule != "" {
		if _, err := cron.ParseStandard(c.Cache.SweepSchedule); err != nil {
			return fmt.Errorf("invalid cache.sweep_schedule %q: %w", c.Cache.SweepSchedule, err)
		}
	}
	if c.Indexing.ChunkOverlap >= c.Indexing.ChunkWords {
		return fmt.Errorf("indexing.chunk_overlap (%d) must be smaller than indexing.chunk_words (%d)",
			c.Indexing.ChunkOverlap, c.Indexing.ChunkWords)
	}
	return nil
}

// applyEnv fills secrets from the environment when the file leaves them empty.
func applyEnv(cfg *Config) {
	if cfg.Generation.APIKey == "" {
		switch cfg.Generation.Provider {
		case "claude":
			cfg.Generation.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		case "gemini":
			cfg.Generation.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
		}
	}
	if cfg.Embedding.APIKey == "" && cfg.Embedding.Provider == "gemini" {
		cfg.Embedding.APIKey = firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY")
	}
	if cfg.Budget.PostgresDSN == "" {
		cfg.Budget.PostgresDSN = os.Getenv("ARBITER_POSTGRES_DSN")
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
