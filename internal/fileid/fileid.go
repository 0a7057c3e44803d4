// Package fileid derives stable identifiers for manifest files and their contents.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
)

const (
	manifestPrefix = "manifest:"
	digestPrefix   = "sha256:"
)

// ManifestKey returns a stable key for the manifest at path. Equivalent spellings of
// the same path yield the same key.
func ManifestKey(path string) string {
	return manifestPrefix + hash([]byte(filepath.Clean(path)))
}

// Digest returns the content digest of a manifest body. Reloading a manifest whose
// digest is unchanged is a no-op.
func Digest(content []byte) string {
	return digestPrefix + hash(content)
}

func hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
