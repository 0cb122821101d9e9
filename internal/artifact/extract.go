package artifact

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxExtractBytes bounds the total uncompressed size of an archive.
const maxExtractBytes = 512 << 20

// extractTarGz unpacks src into dest and returns the path of the single
// regular file named binaryName. Absolute paths, parent traversal and links
// are layout errors.
func extractTarGz(src, dest, binaryName string) (string, error) {
	f, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("%w: not a gzip stream: %v", ErrArchiveLayout, err)
	}
	defer gzr.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}

	tr := tar.NewReader(gzr)
	var (
		matches []string
		total   int64
	)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: read tar: %v", ErrArchiveLayout, err)
		}

		rel := filepath.Clean(filepath.FromSlash(hdr.Name))
		if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: entry %q escapes the staging directory", ErrArchiveLayout, hdr.Name)
		}
		target := filepath.Join(dest, rel)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > maxExtractBytes {
				return "", fmt.Errorf("%w: archive expands beyond %d bytes", ErrArchiveLayout, maxExtractBytes)
			}
			if err := writeEntry(target, tr, hdr.Size); err != nil {
				return "", err
			}
			if filepath.Base(rel) == binaryName {
				matches = append(matches, target)
			}
		case tar.TypeSymlink, tar.TypeLink:
			return "", fmt.Errorf("%w: link entry %q", ErrArchiveLayout, hdr.Name)
		default:
			// Devices, fifos and PAX globals are never part of a release.
			continue
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s not found in archive", ErrArchiveLayout, binaryName)
	case 1:
	default:
		return "", fmt.Errorf("%w: %d entries named %s", ErrArchiveLayout, len(matches), binaryName)
	}

	if err := os.Chmod(matches[0], 0o755); err != nil {
		return "", fmt.Errorf("chmod %s: %w", matches[0], err)
	}
	return matches[0], nil
}

func writeEntry(target string, r io.Reader, size int64) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(out, r, size); err != nil {
		out.Close()
		return fmt.Errorf("%w: truncated entry %s: %v", ErrArchiveLayout, filepath.Base(target), err)
	}
	return out.Close()
}
