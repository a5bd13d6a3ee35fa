package transfer

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// DefaultETagAlgorithm is used when no algorithm is configured.
const DefaultETagAlgorithm = "md5"

// NewDigest returns the hash for an entity-tag algorithm name.
func NewDigest(algorithm string) (hash.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "", DefaultETagAlgorithm:
		return md5.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "sha256":
		return sha256.New(), nil
	}
	return nil, fmt.Errorf("unsupported etag algorithm %q", algorithm)
}

// FileETag streams a file through the configured hash and returns the
// lowercase hex digest wrapped in double quotes. The file is never buffered
// whole.
func FileETag(fsys afero.Fs, path, algorithm string) (string, error) {
	h, err := NewDigest(algorithm)
	if err != nil {
		return "", err
	}
	f, err := fsys.Open(path)
	if err != nil {
		return "", fmt.Errorf("open for digest: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return `"` + hex.EncodeToString(h.Sum(nil)) + `"`, nil
}
