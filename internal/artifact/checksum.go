package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/audetic/agent/internal/release"
)

// ParseChecksumLine reads a "<hex>  <filename>" checksum resource. A bare
// digest is accepted too. When a filename is present it must name archive.
func ParseChecksumLine(data []byte, archive string) (string, error) {
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("%w: checksum file is empty", ErrChecksumMismatch)
	}

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		digest := strings.ToLower(fields[0])
		if !release.IsSHA256Hex(digest) {
			continue
		}
		if len(fields) == 1 {
			return digest, nil
		}
		// sha256sum prefixes binary-mode names with '*'.
		name := filepath.Base(strings.TrimPrefix(fields[len(fields)-1], "*"))
		if name == archive {
			return digest, nil
		}
	}
	return "", fmt.Errorf("%w: no digest for %s in checksum file", ErrChecksumMismatch, archive)
}

// FileSHA256 returns the hex digest of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
