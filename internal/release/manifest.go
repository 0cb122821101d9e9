package release

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Manifest describes one published version and its per-target artifacts.
type Manifest struct {
	Version     string                    `json:"version"`
	Channel     string                    `json:"channel,omitempty"`
	ReleaseDate string                    `json:"release_date,omitempty"`
	NotesURL    string                    `json:"notes_url,omitempty"`
	Targets     map[string]TargetArtifact `json:"targets"`
}

// TargetArtifact is the archive published for a single target.
type TargetArtifact struct {
	Archive string `json:"archive"`
	SHA256  string `json:"sha256"`
	Sig     string `json:"sig,omitempty"`
	Size    int64  `json:"size,omitempty"`
}

// ParseManifest decodes and sanity-checks a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrManifest, err)
	}
	if _, err := ParseVersion(m.Version); err != nil {
		return nil, fmt.Errorf("%w: version field: %v", ErrManifest, err)
	}
	if len(m.Targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrManifest)
	}
	return &m, nil
}

// Entry returns the artifact for target after validating its required fields.
// It performs no I/O, so callers can reject a bad entry before downloading.
func (m *Manifest) Entry(target Target) (TargetArtifact, error) {
	if target == "" {
		return TargetArtifact{}, fmt.Errorf("%w: no target for this platform", ErrManifest)
	}
	entry, ok := m.Targets[string(target)]
	if !ok {
		return TargetArtifact{}, fmt.Errorf("%w: target %s not available in manifest %s", ErrManifest, target, m.Version)
	}
	if err := entry.Validate(); err != nil {
		return TargetArtifact{}, fmt.Errorf("target %s: %w", target, err)
	}
	return entry, nil
}

// Validate checks the fields a fetch depends on.
func (a TargetArtifact) Validate() error {
	if strings.TrimSpace(a.Archive) == "" {
		return fmt.Errorf("%w: missing archive", ErrManifest)
	}
	if a.Archive != path.Base(a.Archive) || a.Archive == "." || a.Archive == ".." || strings.Contains(a.Archive, `\`) {
		return fmt.Errorf("%w: archive name %q must be a bare file name", ErrManifest, a.Archive)
	}
	if strings.TrimSpace(a.SHA256) == "" {
		return fmt.Errorf("%w: missing sha256", ErrManifest)
	}
	if !IsSHA256Hex(a.SHA256) {
		return fmt.Errorf("%w: sha256 %q is not a 64-character hex digest", ErrManifest, a.SHA256)
	}
	if a.Size < 0 {
		return fmt.Errorf("%w: negative size", ErrManifest)
	}
	return nil
}

// IsSHA256Hex reports whether s is a hex-encoded SHA-256 digest.
func IsSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
