package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hyperjump/arbiter/internal/config"
	"github.com/hyperjump/arbiter/internal/ingest"
)

// recorder is a Reloader that records the paths it was asked to load and unload.
type recorder struct {
	mu       sync.Mutex
	loaded   []string
	unloaded []string
	fail     bool
}

func (r *recorder) LoadManifest(ctx context.Context, path string) (*ingest.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = append(r.loaded, path)
	if r.fail {
		return nil, errors.New("invalid manifest")
	}
	return &ingest.Report{Path: path, GameID: 1, Chunks: 2}, nil
}

func (r *recorder) Unload(ctx context.Context, path string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unloaded = append(r.unloaded, path)
	return 2, nil
}

func (r *recorder) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.loaded), len(r.unloaded)
}

func (r *recorder) loadedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.loaded...)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func startWatcher(t *testing.T, cfg config.WatchConfig, rec *recorder) *Watcher {
	t.Helper()
	w := New(cfg, rec, WithDebounce(50*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_loadsExistingManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "harbors.yaml"), "game: {}")
	writeFile(t, filepath.Join(dir, "nested", "orchards.json"), "{}")
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	rec := &recorder{}
	startWatcher(t, config.WatchConfig{Directories: []string{dir}, Extensions: []string{".yaml", ".json"}}, rec)

	loaded, _ := rec.counts()
	if loaded != 2 {
		t.Errorf("expected 2 manifests loaded at start, got %v", rec.loadedPaths())
	}
}

func TestWatcher_nonRecursiveSkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "harbors.yaml"), "game: {}")
	writeFile(t, filepath.Join(dir, "nested", "orchards.yaml"), "game: {}")

	off := false
	rec := &recorder{}
	startWatcher(t, config.WatchConfig{Directories: []string{dir}, Extensions: []string{".yaml"}, Recursive: &off}, rec)

	paths := rec.loadedPaths()
	if len(paths) != 1 || filepath.Base(paths[0]) != "harbors.yaml" {
		t.Errorf("expected only the top-level manifest, got %v", paths)
	}
}

func TestWatcher_debouncedReload(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, config.WatchConfig{Directories: []string{dir}, Extensions: []string{".yaml"}}, rec)

	path := filepath.Join(dir, "harbors.yaml")
	for i := 0; i < 3; i++ {
		writeFile(t, path, "game: {}")
	}
	if !waitFor(t, func() bool { n, _ := rec.counts(); return n >= 1 }) {
		t.Fatal("expected a reload after writes")
	}
	time.Sleep(150 * time.Millisecond)
	if n, _ := rec.counts(); n > 2 {
		t.Errorf("rapid writes should collapse, got %d reloads", n)
	}
}

func TestWatcher_removeUnloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harbors.yaml")
	writeFile(t, path, "game: {}")
	rec := &recorder{}
	startWatcher(t, config.WatchConfig{Directories: []string{dir}, Extensions: []string{".yaml"}}, rec)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if !waitFor(t, func() bool { _, n := rec.counts(); return n == 1 }) {
		t.Error("expected the removed manifest to be unloaded")
	}
}

func TestWatcher_newDirectoryIsWatched(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	startWatcher(t, config.WatchConfig{Directories: []string{dir}, Extensions: []string{".yaml"}}, rec)

	sub := filepath.Join(dir, "expansions")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	writeFile(t, filepath.Join(sub, "seafarers.yaml"), "game: {}")
	if !waitFor(t, func() bool { n, _ := rec.counts(); return n >= 1 }) {
		t.Error("manifest in a new subdirectory should be loaded")
	}
}

func TestWatcher_failedReloadKeepsWatching(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{fail: true}
	startWatcher(t, config.WatchConfig{Directories: []string{dir}, Extensions: []string{".yaml"}}, rec)

	writeFile(t, filepath.Join(dir, "broken.yaml"), "game: [")
	if !waitFor(t, func() bool { n, _ := rec.counts(); return n >= 1 }) {
		t.Fatal("expected a reload attempt")
	}
	writeFile(t, filepath.Join(dir, "second.yaml"), "game: {}")
	if !waitFor(t, func() bool { n, _ := rec.counts(); return n >= 2 }) {
		t.Error("watcher should keep running after a failed reload")
	}
}

func TestWatcher_createsMissingRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "manifests")
	w := startWatcher(t, config.WatchConfig{Directories: []string{dir}}, &recorder{})
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("missing root should be created: %v", err)
	}
	if dirs := w.Directories(); len(dirs) != 1 || dirs[0] != dir {
		t.Errorf("Directories() = %v", dirs)
	}
}

func TestWatcher_stopIsIdempotent(t *testing.T) {
	w := New(config.WatchConfig{Directories: []string{t.TempDir()}}, &recorder{})
	w.Stop()
	if err := w.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	w.Stop()
	w.Stop()
}

func TestInDir(t *testing.T) {
	tests := []struct {
		dir  string
		path string
		want bool
	}{
		{"/srv/manifests", "/srv/manifests", true},
		{"/srv/manifests", "/srv/manifests/catan.yaml", true},
		{"/srv/manifests", "/srv/other", false},
		{"/srv/manifests", "/srv/manifests/../other", false},
	}
	for _, tt := range tests {
		if got := inDir(tt.dir, filepath.Clean(tt.path)); got != tt.want {
			t.Errorf("inDir(%q, %q) = %v, want %v", tt.dir, tt.path, got, tt.want)
		}
	}
}
