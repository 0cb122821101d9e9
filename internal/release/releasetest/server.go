// Package releasetest serves a fake distribution endpoint for tests.
package releasetest

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Entry is one file inside a built archive.
type Entry struct {
	Name     string
	Body     string
	Mode     int64
	Typeflag byte
	Linkname string
}

// BuildArchive returns a gzip tarball of entries.
func BuildArchive(t testing.TB, entries ...Entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:     e.Name,
			Mode:     e.Mode,
			Size:     int64(len(e.Body)),
			Typeflag: e.Typeflag,
			Linkname: e.Linkname,
			ModTime:  time.Unix(1700000000, 0),
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if hdr.Size > 0 {
			if _, err := tw.Write([]byte(e.Body)); err != nil {
				t.Fatalf("tar body: %v", err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// ReleaseArchive is the standard layout: binary, unit template and config.
func ReleaseArchive(t testing.TB, binaryName, binaryBody string) []byte {
	return BuildArchive(t,
		Entry{Name: "audetic/", Typeflag: tar.TypeDir, Mode: 0o755},
		Entry{Name: "audetic/" + binaryName, Body: binaryBody, Mode: 0o755},
		Entry{Name: "audetic/audetic.service", Body: "[Unit]\nDescription=Audetic\n"},
		Entry{Name: "audetic/config.toml", Body: "# starter config\n"},
	)
}

// Digest is the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Artifact is what the server publishes for one target of a version.
type Artifact struct {
	Archive  string
	Body     []byte
	SHA256   string // manifest digest; defaults to Digest(Body)
	Size     int64
	Sig      string
	SigBody  []byte
	Checksum string // served as <archive>.sha256 when non-empty
}

// Server is a fake install.audetic.ai.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	pointers  map[string]string
	manifests map[string]map[string]Artifact
	hits      map[string]int
	failNext  map[string]int
	holds     map[string]*hold
}

type hold struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// NewServer starts a server that is closed with t.
func NewServer(t testing.TB) *Server {
	s := &Server{
		pointers:  make(map[string]string),
		manifests: make(map[string]map[string]Artifact),
		hits:      make(map[string]int),
		failNext:  make(map[string]int),
		holds:     make(map[string]*hold),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// SetPointer publishes version on channel.
func (s *Server) SetPointer(channel, version string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pointers[channel] = version
}

// Publish adds an artifact for target under version.
func (s *Server) Publish(version, target string, a Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.SHA256 == "" {
		a.SHA256 = Digest(a.Body)
	}
	if s.manifests[version] == nil {
		s.manifests[version] = make(map[string]Artifact)
	}
	s.manifests[version][target] = a
}

// FailNext makes the next n requests to path return 503.
func (s *Server) FailNext(path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[path] = n
}

// Hold parks requests to path until release is called. entered receives
// once the first held request arrives.
func (s *Server) Hold(path string) (entered <-chan struct{}, release func()) {
	h := &hold{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s.mu.Lock()
	s.holds[path] = h
	s.mu.Unlock()
	return h.entered, func() {
		h.once.Do(func() {
			s.mu.Lock()
			delete(s.holds, path)
			s.mu.Unlock()
			close(h.release)
		})
	}
}

// Hits returns how often path was requested.
func (s *Server) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// ArchiveHits counts archive downloads across all versions.
func (s *Server) ArchiveHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for path, c := range s.hits {
		if strings.HasSuffix(path, ".tar.gz") {
			n += c
		}
	}
	return n
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	s.mu.Lock()
	h := s.holds[path]
	s.mu.Unlock()
	if h != nil {
		select {
		case h.entered <- struct{}{}:
		default:
		}
		<-h.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.hits[path]++
	if s.failNext[path] > 0 {
		s.failNext[path]--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	switch {
	case path == "/cli/version":
		s.writePointer(w, "stable")
		return
	case strings.HasPrefix(path, "/cli/version-"):
		s.writePointer(w, strings.TrimPrefix(path, "/cli/version-"))
		return
	case strings.HasPrefix(path, "/cli/releases/"):
	default:
		http.NotFound(w, r)
		return
	}

	parts := strings.SplitN(strings.TrimPrefix(path, "/cli/releases/"), "/", 2)
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	version, name := parts[0], parts[1]
	targets, ok := s.manifests[version]
	if !ok {
		http.NotFound(w, r)
		return
	}

	if name == "manifest.json" {
		doc := map[string]any{
			"version":      version,
			"channel":      "stable",
			"release_date": "2025-06-01",
			"notes_url":    "https://audetic.ai/releases/" + version,
		}
		entries := make(map[string]any, len(targets))
		for target, a := range targets {
			e := map[string]any{"archive": a.Archive, "sha256": a.SHA256}
			if a.Size != 0 {
				e["size"] = a.Size
			}
			if a.Sig != "" {
				e["sig"] = a.Sig
			}
			entries[target] = e
		}
		doc["targets"] = entries
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
		return
	}

	for _, a := range targets {
		switch name {
		case a.Archive:
			_, _ = w.Write(a.Body)
			return
		case a.Archive + ".sha256":
			if a.Checksum == "" {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte(a.Checksum))
			return
		case a.Sig:
			if a.SigBody != nil {
				_, _ = w.Write(a.SigBody)
				return
			}
		}
	}
	http.NotFound(w, r)
}

func (s *Server) writePointer(w http.ResponseWriter, channel string) {
	v, ok := s.pointers[channel]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	_, _ = w.Write([]byte(v + "\n"))
}
