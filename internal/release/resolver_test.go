package release

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audetic/agent/internal/httputil"
)

type distServer struct {
	*httptest.Server
	pointerHits  atomic.Int32
	manifestHits atomic.Int32
	pointer      string
	manifest     string
}

func newDistServer(t *testing.T, pointer, manifest string) *distServer {
	t.Helper()
	d := &distServer{pointer: pointer, manifest: manifest}
	mux := http.NewServeMux()
	mux.HandleFunc("/cli/version", func(w http.ResponseWriter, r *http.Request) {
		d.pointerHits.Add(1)
		fmt.Fprintln(w, d.pointer)
	})
	mux.HandleFunc("/cli/version-beta", func(w http.ResponseWriter, r *http.Request) {
		d.pointerHits.Add(1)
		fmt.Fprintln(w, "2.0.0-beta.1")
	})
	mux.HandleFunc("/cli/releases/", func(w http.ResponseWriter, r *http.Request) {
		d.manifestHits.Add(1)
		if d.manifest == "" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, d.manifest)
	})
	d.Server = httptest.NewServer(mux)
	t.Cleanup(d.Close)
	return d
}

func testClient() *httputil.Client {
	c := httputil.NewClient(2*time.Second, "audetic-updater/test")
	c.Retry = httputil.NoRetry()
	return c
}

func manifestDoc(version string) string {
	return `{"version":"` + version + `","targets":{"linux-x86_64-gnu":{"archive":"a.tar.gz","sha256":"` + validDigest + `"}}}`
}

func TestResolverURLs(t *testing.T) {
	r := NewResolver("https://install.audetic.ai/", nil)
	assert.Equal(t, "https://install.audetic.ai/cli/version", r.VersionURL("stable"))
	assert.Equal(t, "https://install.audetic.ai/cli/version-beta", r.VersionURL("beta"))
	assert.Equal(t, "https://install.audetic.ai/cli/releases/1.3.0/manifest.json", r.ManifestURL("1.3.0"))
	assert.Equal(t, "https://install.audetic.ai/cli/releases/1.3.0/a.tar.gz.sha256", r.ChecksumURL("1.3.0", "a.tar.gz"))
}

func TestResolveNewerFetchesManifest(t *testing.T) {
	srv := newDistServer(t, "1.3.0", manifestDoc("1.3.0"))
	r := NewResolver(srv.URL, testClient())

	res, err := r.Resolve(context.Background(), "stable", MustParseVersion("1.2.0"), false)
	require.NoError(t, err)
	assert.True(t, res.NeedsUpdate)
	require.NotNil(t, res.Manifest)
	assert.Equal(t, "1.3.0", res.Manifest.Version)
	assert.EqualValues(t, 1, srv.manifestHits.Load())
}

func TestResolveEqualSkipsManifest(t *testing.T) {
	srv := newDistServer(t, "1.2.0", manifestDoc("1.2.0"))
	r := NewResolver(srv.URL, testClient())

	res, err := r.Resolve(context.Background(), "stable", MustParseVersion("1.2.0"), false)
	require.NoError(t, err)
	assert.False(t, res.NeedsUpdate)
	assert.Nil(t, res.Manifest)
	assert.EqualValues(t, 1, srv.pointerHits.Load())
	assert.EqualValues(t, 0, srv.manifestHits.Load())

	res, err = r.Resolve(context.Background(), "stable", MustParseVersion("1.2.0"), true)
	require.NoError(t, err)
	assert.NotNil(t, res.Manifest, "force fetches the manifest even when equal")
}

func TestResolveChannelPointer(t *testing.T) {
	srv := newDistServer(t, "1.2.0", "")
	r := NewResolver(srv.URL, testClient())

	v, err := r.LatestVersion(context.Background(), "beta")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0-beta.1", v.String())
}

func TestResolveErrors(t *testing.T) {
	t.Run("garbage pointer", func(t *testing.T) {
		srv := newDistServer(t, "<!doctype html>", "")
		_, err := NewResolver(srv.URL, testClient()).Resolve(context.Background(), "stable", MustParseVersion("1.2.0"), false)
		assert.ErrorIs(t, err, ErrParse)
	})

	t.Run("missing manifest", func(t *testing.T) {
		srv := newDistServer(t, "1.3.0", "")
		_, err := NewResolver(srv.URL, testClient()).Resolve(context.Background(), "stable", MustParseVersion("1.2.0"), false)
		assert.ErrorIs(t, err, ErrNetwork)
		assert.True(t, httputil.IsNotFound(err))
	})

	t.Run("manifest version mismatch", func(t *testing.T) {
		srv := newDistServer(t, "1.3.0", manifestDoc("1.4.0"))
		_, err := NewResolver(srv.URL, testClient()).Resolve(context.Background(), "stable", MustParseVersion("1.2.0"), false)
		assert.ErrorIs(t, err, ErrManifest)
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := newDistServer(t, "1.3.0", "")
		url := srv.URL
		srv.Close()
		_, err := NewResolver(url, testClient()).LatestVersion(context.Background(), "stable")
		assert.ErrorIs(t, err, ErrNetwork)
	})
}
