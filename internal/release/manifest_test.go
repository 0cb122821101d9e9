package release

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validDigest = strings.Repeat("ab", 32)

func TestManifestEntry(t *testing.T) {
	m := &Manifest{
		Version: "1.3.0",
		Targets: map[string]TargetArtifact{
			"linux-x86_64-gnu":  {Archive: "audetic-1.3.0-linux-x86_64-gnu.tar.gz", SHA256: validDigest, Size: 10},
			"macos-aarch64":     {Archive: "audetic.tar.gz"},
			"macos-x86_64":      {SHA256: validDigest},
			"windows-x86_64":    {Archive: "../evil.tar.gz", SHA256: validDigest},
			"linux-aarch64-gnu": {Archive: "a.tar.gz", SHA256: "deadbeef"},
		},
	}

	entry, err := m.Entry("linux-x86_64-gnu")
	require.NoError(t, err)
	assert.Equal(t, int64(10), entry.Size)

	for _, target := range []Target{"macos-aarch64", "macos-x86_64", "windows-x86_64", "linux-aarch64-gnu", "linux-x86_64-musl", ""} {
		_, err := m.Entry(target)
		assert.ErrorIs(t, err, ErrManifest, "target %q", target)
	}
}

func TestParseManifest(t *testing.T) {
	doc := `{"version":"1.3.0","channel":"stable","release_date":"2025-01-02","notes_url":"https://audetic.ai/notes/1.3.0",
	"targets":{"linux-x86_64-gnu":{"archive":"a.tar.gz","sha256":"` + validDigest + `"}}}`
	m, err := ParseManifest([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "https://audetic.ai/notes/1.3.0", m.NotesURL)

	_, err = ParseManifest([]byte(`{"version":"1.3.0"}`))
	assert.ErrorIs(t, err, ErrManifest)

	_, err = ParseManifest([]byte(`{"version":"one","targets":{"x":{}}}`))
	assert.ErrorIs(t, err, ErrManifest)

	_, err = ParseManifest([]byte(`not json`))
	assert.ErrorIs(t, err, ErrManifest)
}

func TestTargetFor(t *testing.T) {
	no := func() bool { return false }
	yes := func() bool { return true }

	assert.Equal(t, Target("linux-x86_64-gnu"), targetFor("linux", "amd64", no))
	assert.Equal(t, Target("linux-aarch64-musl"), targetFor("linux", "arm64", yes))
	assert.Equal(t, Target("macos-aarch64"), targetFor("darwin", "arm64", no))
	assert.Equal(t, Target("windows-x86_64"), targetFor("windows", "amd64", no))
	assert.Equal(t, Target(""), targetFor("windows", "arm64", no))
	assert.Equal(t, Target(""), targetFor("freebsd", "amd64", no))
	assert.Equal(t, Target(""), targetFor("linux", "riscv64", no))
}
