package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  host: "127.0.0.1"
  port: 9000
storage:
  database_path: "test.db"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
	if cfg.Storage.DatabasePath == "" {
		t.Error("database_path should be set")
	}
	if cfg.Debug {
		t.Error("debug should default to false when unset")
	}
	if cfg.Resolver.OverrideThreshold != 50 {
		t.Errorf("override threshold default: got %d", cfg.Resolver.OverrideThreshold)
	}
	if cfg.Cache.SemanticThreshold != 0.95 {
		t.Errorf("semantic threshold default: got %v", cfg.Cache.SemanticThreshold)
	}
	if cfg.Retrieval.SemanticWeight <= cfg.Retrieval.LexicalWeight {
		t.Error("semantic weight should default above lexical weight")
	}
	if !cfg.Cache.EnabledOrDefault() {
		t.Error("cache should be enabled by default")
	}
}

func TestLoad_durations(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
cache:
  ttl: "2h"
generation:
  timeout: "5s"
  initial_backoff: "100ms"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cache.TTL.Std() != 2*time.Hour {
		t.Errorf("ttl: got %v", cfg.Cache.TTL.Std())
	}
	if cfg.Generation.Timeout.Std() != 5*time.Second {
		t.Errorf("timeout: got %v", cfg.Generation.Timeout.Std())
	}
	if cfg.Generation.InitialBackoff.Std() != 100*time.Millisecond {
		t.Errorf("backoff: got %v", cfg.Generation.InitialBackoff.Std())
	}
}

func TestLoad_toml(t *testing.T) {
	path := writeConfig(t, "config.toml", `
debug = true

[server]
host = "0.0.0.0"
port = 7070

[cache]
semantic_threshold = 0.9
ttl = "30m"

[budget]
daily_limit_usd = 2.5
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Debug {
		t.Error("debug should be true")
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port: got %d", cfg.Server.Port)
	}
	if cfg.Cache.SemanticThreshold != 0.9 {
		t.Errorf("semantic threshold: got %v", cfg.Cache.SemanticThreshold)
	}
	if cfg.Cache.TTL.Std() != 30*time.Minute {
		t.Errorf("ttl: got %v", cfg.Cache.TTL.Std())
	}
	if cfg.Budget.DailyLimitUSD != 2.5 {
		t.Errorf("daily limit: got %v", cfg.Budget.DailyLimitUSD)
	}
}

func TestLoad_expandPathDotSlashRelativeToConfigDir(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
storage:
  database_path: "./data/db/arbiter.db"
watch:
  directories: ["./manifests"]
`)
	dir := filepath.Dir(path)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	wantDB := filepath.Join(dir, "data", "db", "arbiter.db")
	if cfg.Storage.DatabasePath != wantDB {
		t.Errorf("database_path: got %q, want %q", cfg.Storage.DatabasePath, wantDB)
	}
	if len(cfg.Watch.Directories) != 1 || cfg.Watch.Directories[0] != filepath.Join(dir, "manifests") {
		t.Errorf("watch directories: got %v", cfg.Watch.Directories)
	}
	if !cfg.Watch.RecursiveOrDefault() {
		t.Error("recursive should default to true")
	}
}

func TestLoad_rejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"lexical outweighs semantic", "retrieval:\n  lexical_weight: 0.7\n  semantic_weight: 0.3\n"},
		{"threshold above 100", "resolver:\n  override_threshold: 120\n"},
		{"semantic threshold above 1", "cache:\n  semantic_threshold: 1.5\n"},
		{"unknown generator", "generation:\n  provider: \"oracle\"\n"},
		{"unknown embedder", "embedding:\n  provider: \"word2vec\"\n"},
		{"postgres without dsn", "budget:\n  ledger: \"postgres\"\n"},
		{"bad duration", "cache:\n  ttl: \"soon\"\n"},
		{"bad sweep schedule", "cache:\n  sweep_schedule: \"every tuesday\"\n"},
		{"overlap exceeds window", "indexing:\n  chunk_words: 10\n  chunk_overlap: 10\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("ARBITER_POSTGRES_DSN", "")
			path := writeConfig(t, "config.yaml", tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_apiKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	path := writeConfig(t, "config.yaml", "generation:\n  provider: \"claude\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Generation.APIKey != "sk-test" {
		t.Errorf("api key: got %q", cfg.Generation.APIKey)
	}
	if cfg.Generation.Model == "" {
		t.Error("model should default per provider")
	}
}

func TestSave_roundTrip(t *testing.T) {
	path := writeConfig(t, "config.yaml", "server:\n  port: 9100\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Watch.Directories = []string{"/srv/manifests"}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	again, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Server.Port != 9100 {
		t.Errorf("port: got %d", again.Server.Port)
	}
	if len(again.Watch.Directories) != 1 || again.Watch.Directories[0] != "/srv/manifests" {
		t.Errorf("watch directories: got %v", again.Watch.Directories)
	}
}
