package artifact

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// HashContents returns the hex BLAKE3 digest of contents. The digest is
// stable across processes so it can be compared between builds.
func HashContents(contents []byte) string {
	sum := blake3.Sum256(contents)
	return hex.EncodeToString(sum[:])
}

// HashFile streams the file at path through BLAKE3.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
