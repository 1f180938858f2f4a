// Package integrity computes BLAKE3 digests of the ML artifact bundle's
// model files at startup. HashFile rejects a path with "..", an
// unreadable file and a zero-length file before it's handed to the ONNX
// runtime, where a bad file tends to fail in a much more confusing way;
// it does not compare the digest against a reference, so a non-empty
// truncated or corrupted file is not detected.
package integrity

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// validatePath rejects path traversal attempts before opening a file.
func validatePath(path string) error {
	cleanPath := filepath.Clean(path)
	if strings.Contains(cleanPath, "..") {
		return errors.New("path traversal detected")
	}
	return nil
}

// BLAKE3Hasher computes BLAKE3 digests.
type BLAKE3Hasher struct{}

// NewBLAKE3Hasher creates a hasher.
func NewBLAKE3Hasher() *BLAKE3Hasher {
	return &BLAKE3Hasher{}
}

// Hash computes the BLAKE3 digest of data.
func (h *BLAKE3Hasher) Hash(data []byte) []byte {
	hasher := blake3.New()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// HashFile computes the BLAKE3 digest of the file at path. An empty or
// unreadable file surfaces as an error rather than a zero-length digest,
// since a truncated model file still opens fine.
func (h *BLAKE3Hasher) HashFile(path string) ([]byte, error) {
	if err := validatePath(path); err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("artifact file %s is empty", filepath.Base(path))
	}

	return h.HashReader(f)
}

// HashReader computes the BLAKE3 digest of everything read from r.
func (h *BLAKE3Hasher) HashReader(r io.Reader) ([]byte, error) {
	hasher := blake3.New()
	if _, err := io.Copy(hasher, r); err != nil {
		return nil, fmt.Errorf("failed to hash data: %w", err)
	}
	return hasher.Sum(nil), nil
}
