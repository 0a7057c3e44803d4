package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = Duration(60 * time.Second)
	}
	if cfg.Server.RateLimit.RequestsPerSecond > 0 && cfg.Server.RateLimit.Burst == 0 {
		cfg.Server.RateLimit.Burst = int(cfg.Server.RateLimit.RequestsPerSecond) + 1
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/arbiter/data/db/arbiter.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/arbiter/data/indices/bleve"
	}
	if cfg.Storage.VectorIndexPath == "" {
		cfg.Storage.VectorIndexPath = "/usr/local/var/arbiter/data/indices/vectors.bin"
	}
	if cfg.Storage.CachePath == "" {
		cfg.Storage.CachePath = "/usr/local/var/arbiter/data/cache"
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "hash"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "gemini-embedding-001"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = Duration(10 * time.Second)
	}
	if cfg.Retrieval.TopKCandidates == 0 {
		cfg.Retrieval.TopKCandidates = 50
	}
	if cfg.Retrieval.MaxResults == 0 {
		cfg.Retrieval.MaxResults = 8
	}
	if cfg.Retrieval.LexicalWeight == 0 && cfg.Retrieval.SemanticWeight == 0 {
		cfg.Retrieval.LexicalWeight = 0.35
		cfg.Retrieval.SemanticWeight = 0.65
	}
	if cfg.Retrieval.Fuzziness == 0 {
		cfg.Retrieval.Fuzziness = 1
	}
	if cfg.Retrieval.RetryBackoff == 0 {
		cfg.Retrieval.RetryBackoff = Duration(200 * time.Millisecond)
	}
	if cfg.Resolver.OverrideThreshold == 0 {
		cfg.Resolver.OverrideThreshold = 50
	}
	if cfg.Resolver.PriorMargin == 0 {
		cfg.Resolver.PriorMargin = 0.05
	}
	if cfg.Verifier.MinRunWords == 0 {
		cfg.Verifier.MinRunWords = 5
	}
	if cfg.Verifier.MinRunRatio == 0 {
		cfg.Verifier.MinRunRatio = 0.8
	}
	if cfg.Verifier.MinBlockOverlap == 0 {
		cfg.Verifier.MinBlockOverlap = 0.5
	}
	if cfg.Confidence.MinRelevance == 0 {
		cfg.Confidence.MinRelevance = 0.35
	}
	if cfg.Cache.SemanticThreshold == 0 {
		cfg.Cache.SemanticThreshold = 0.95
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = Duration(7 * 24 * time.Hour)
	}
	if cfg.Cache.SweepSchedule == "" {
		cfg.Cache.SweepSchedule = "@hourly"
	}
	if cfg.Generation.Provider == "" {
		cfg.Generation.Provider = "extractive"
	}
	if cfg.Generation.Model == "" {
		switch cfg.Generation.Provider {
		case "claude":
			cfg.Generation.Model = "claude-sonnet-4-5"
		case "gemini":
			cfg.Generation.Model = "gemini-2.5-flash"
		default:
			cfg.Generation.Model = "extractive"
		}
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = Duration(30 * time.Second)
	}
	if cfg.Generation.MaxTokens == 0 {
		cfg.Generation.MaxTokens = 1024
	}
	if cfg.Generation.Temperature == 0 {
		cfg.Generation.Temperature = 0.2
	}
	if cfg.Generation.MaxAttempts == 0 {
		cfg.Generation.MaxAttempts = 3
	}
	if cfg.Generation.InitialBackoff == 0 {
		cfg.Generation.InitialBackoff = Duration(500 * time.Millisecond)
	}
	if cfg.Budget.DailyLimitUSD == 0 {
		cfg.Budget.DailyLimitUSD = 10
	}
	if cfg.Budget.InputCostPerMTok == 0 {
		cfg.Budget.InputCostPerMTok = 3
	}
	if cfg.Budget.OutputCostPerMTok == 0 {
		cfg.Budget.OutputCostPerMTok = 15
	}
	if cfg.Budget.Window == 0 {
		cfg.Budget.Window = Duration(24 * time.Hour)
	}
	if cfg.Budget.Ledger == "" {
		cfg.Budget.Ledger = "sqlite"
	}
	if cfg.Indexing.SecondsPerSource == 0 {
		cfg.Indexing.SecondsPerSource = 45
	}
	if cfg.Indexing.ChunkWords == 0 {
		cfg.Indexing.ChunkWords = 120
	}
	if cfg.Indexing.ChunkOverlap == 0 {
		cfg.Indexing.ChunkOverlap = 20
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".yaml", ".yml", ".json"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
