package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSized(t *testing.T, path string, n int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, make([]byte, n), 0600))
}

func TestDiskUsageBytes(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "arbiter.db")
	writeSized(t, db, 100)
	writeSized(t, db+"-wal", 20)
	writeSized(t, filepath.Join(dir, "bleve", "store", "root.bolt"), 7)
	writeSized(t, filepath.Join(dir, "bleve", "index_meta.json"), 3)
	writeSized(t, filepath.Join(dir, "vectors.bin"), 50)

	tests := []struct {
		name  string
		paths []string
		want  int64
	}{
		{"database with wal sidecar", []string{db}, 120},
		{"directory is walked", []string{filepath.Join(dir, "bleve")}, 10},
		{"missing and empty paths skipped", []string{"", filepath.Join(dir, "cache"), db}, 120},
		{"overlapping paths count once", []string{dir, db, filepath.Join(dir, "vectors.bin")}, 180},
		{"nothing", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DiskUsageBytes(tt.paths...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
