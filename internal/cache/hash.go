package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// HashFile returns the lowercase hex MD5 of the file contents at path. The
// file is streamed, so hashing a multi-gigabyte video stays at constant
// memory. MD5 is used as a content fingerprint here, not for security.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("cache: open %q: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("cache: hash %q: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
