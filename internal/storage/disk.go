package storage

import (
	"errors"
	"io/fs"
	"path/filepath"
)

// sqliteSidecars are the files SQLite keeps next to a database in WAL mode.
var sqliteSidecars = []string{"-wal", "-shm", "-journal"}

// DiskUsageBytes sums the size of the files under the given paths. A path may name a
// file or a directory. Files named directly also count their SQLite sidecars. Missing
// and empty paths are skipped, and a file reached through overlapping paths counts once.
func DiskUsageBytes(paths ...string) (int64, error) {
	seen := make(map[string]struct{})
	var total int64
	add := func(root string) error {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if _, ok := seen[path]; ok {
				return nil
			}
			seen[path] = struct{}{}
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
			return nil
		})
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, p := range paths {
		if p == "" {
			continue
		}
		p = filepath.Clean(p)
		if err := add(p); err != nil {
			return 0, err
		}
		for _, suffix := range sqliteSidecars {
			if err := add(p + suffix); err != nil {
				return 0, err
			}
		}
	}
	return total, nil
}
