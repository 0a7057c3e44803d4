package main

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hyperjump/arbiter/internal/models"
	"github.com/hyperjump/arbiter/internal/server"
)

func TestArgsReorder(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after question are moved first",
			args:     []string{"can I trade 2:1", "-game", "1"},
			expected: []string{"-game", "1", "can I trade 2:1"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-game", "1", "can I trade 2:1"},
			expected: []string{"-game", "1", "can I trade 2:1"},
		},
		{
			name:     "question only returns unchanged",
			args:     []string{"setup"},
			expected: []string{"setup"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple words then flags",
			args:     []string{"robber", "rules", "-expansions", "5,6"},
			expected: []string{"-expansions", "5,6", "robber", "rules"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := argsReorder(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("argsReorder() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseIDs(t *testing.T) {
	tests := []struct {
		in      string
		want    []int64
		wantErr bool
	}{
		{"", nil, false},
		{"5", []int64{5}, false},
		{"5, 6,,7", []int64{5, 6, 7}, false},
		{"5,x", nil, true},
		{"0", nil, true},
		{"-3", nil, true},
	}
	for _, tt := range tests {
		got, err := parseIDs(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseIDs(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseIDs(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseSourceTypes(t *testing.T) {
	got := parseSourceTypes("FAQ, errata,")
	want := []models.SourceType{models.SourceFAQ, models.SourceErrata}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseSourceTypes() = %v, want %v", got, want)
	}
	if parseSourceTypes("") != nil {
		t.Error("blank input should yield nil")
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
storage:
  database_path: "./arbiter.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS the cwd may resolve through /private; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if !cfg.Debug {
		t.Error("debug should be true from cwd config.yaml")
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "arbiter.toml")
	content := `
[server]
host = "127.0.0.1"
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}
}

const testConfig = `
storage:
  database_path: "./data/arbiter.db"
  bleve_index_path: "./data/bleve"
  vector_index_path: "./data/vectors.bin"
  cache_path: "./data/cache"
embedding:
  provider: "hash"
  dimensions: 32
generation:
  provider: "extractive"
indexing:
  chunk_words: 40
  chunk_overlap: 5
`

const testManifest = `
game:
  id: 1
  name: Harbors
  default_edition: "2e"
expansions:
  - id: 5
    name: Seafarers
sources:
  - id: 10
    type: rulebook
    title: Rulebook
    chunks:
      - id: rb-p8
        page: 8
        section: Maritime Trade
        text: You may trade 4 identical resources with the bank for 1 resource of your choice.
  - id: 11
    type: expansion
    expansion_id: 5
    title: Seafarers rules
    chunks:
      - id: sf-p12
        page: 12
        section: Harbor Trade
        text: A player with a harbor trades 2 identical resources for 1 resource.
        overrides: rb-p8
        override_confidence: 90
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfig), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catan.yaml"), []byte(testManifest), 0600))
	return path
}

func TestInitializeComponents_endToEnd(t *testing.T) {
	configPath := writeTestConfig(t)
	cfg, _, err := loadConfig(configPath)
	require.NoError(t, err)
	ctx := context.Background()

	c, err := initializeComponents(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, c.Cache, "cache is on by default")

	rep, err := c.Loader.LoadManifest(ctx, filepath.Join(filepath.Dir(configPath), "catan.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Chunks)

	outcome, err := c.Answers.Ask(ctx, models.AskRequest{
		GameID:             1,
		Question:           "How many resources do I trade with a harbor?",
		ActiveExpansionIDs: []int64{5},
	})
	require.NoError(t, err)
	require.Nil(t, outcome.Indexing)
	require.NotNil(t, outcome.Answer)
	require.NotEmpty(t, outcome.Answer.HistoryID)

	tx, err := c.Answers.History(ctx, outcome.Answer.HistoryID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), tx.GameID)

	report, err := statusDirect(ctx, cfg, c)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Stats.Chunks)
	assert.Positive(t, report.DiskUsageBytes)
	c.Close()

	// The loader persisted the vector index, so a fresh start loads it.
	reopened, err := initializeComponents(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.VectorIndex.Size())
}

func TestInitializeComponents_rebuildsVectorsFromStorage(t *testing.T) {
	configPath := writeTestConfig(t)
	cfg, _, err := loadConfig(configPath)
	require.NoError(t, err)
	ctx := context.Background()

	c, err := initializeComponents(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	_, err = c.Loader.LoadManifest(ctx, filepath.Join(filepath.Dir(configPath), "catan.yaml"))
	require.NoError(t, err)
	c.Close()

	require.NoError(t, os.Remove(cfg.Storage.VectorIndexPath))
	reopened, err := initializeComponents(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 2, reopened.VectorIndex.Size())
}

func TestViaHTTP(t *testing.T) {
	configPath := writeTestConfig(t)
	cfg, _, err := loadConfig(configPath)
	require.NoError(t, err)
	ctx := context.Background()

	c, err := initializeComponents(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	ts := httptest.NewServer(server.NewServer(c.Answers, &cfg.Server, zap.NewNop()).Handler())
	defer ts.Close()

	// Nothing is loaded yet, so the game is unknown.
	_, err = askViaHTTP(ts.URL, models.AskRequest{GameID: 1, Question: "setup?"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GAME_NOT_FOUND")

	_, err = c.Loader.LoadManifest(ctx, filepath.Join(filepath.Dir(configPath), "catan.yaml"))
	require.NoError(t, err)

	outcome, err := askViaHTTP(ts.URL, models.AskRequest{GameID: 1, Question: "How does maritime trade work?"})
	require.NoError(t, err)
	require.NotNil(t, outcome.Answer)

	report, err := statusViaHTTP(ts.URL)
	require.NoError(t, err)
	require.NotNil(t, report.Stats)
	assert.Equal(t, int64(1), report.Stats.Games)

	require.NoError(t, reingestViaHTTP(ts.URL, 10))
	err = reingestViaHTTP(ts.URL, 999)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SOURCE_NOT_FOUND")
}
