package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/audetic/agent/internal/httputil"
	"github.com/audetic/agent/internal/logging"
	"github.com/audetic/agent/internal/release"
	"github.com/audetic/agent/internal/signing"
)

var log = logging.L("artifact")

const (
	markerFile      = ".staged"
	extractDir      = "extract"
	maxChecksumSize = 4 << 10
	maxSigSize      = 16 << 10
)

// Config wires a Fetcher.
type Config struct {
	// UpdatesDir is the root of every <version>/<target> staging directory.
	UpdatesDir string
	Resolver   *release.Resolver
	// PublicKeys verifies archive signatures. Empty means no key configured.
	PublicKeys       []signing.PublicKey
	RequireSignature bool
	BinaryName       string
	// DownloadTimeout bounds one whole staging attempt.
	DownloadTimeout time.Duration
	// StallTimeout aborts an archive transfer that delivers no bytes for
	// this long.
	StallTimeout time.Duration
}

// Fetcher downloads, verifies and unpacks release archives into isolated
// staging directories. A staging directory is owned by whoever holds the
// update lock.
type Fetcher struct {
	cfg Config
	// client fetches the small checksum and signature resources.
	client *httputil.Client
	// stream carries archives. It has no whole-request deadline.
	stream *httputil.Client
}

var errStalled = errors.New("download stalled")

func New(cfg Config) *Fetcher {
	if cfg.BinaryName == "" {
		cfg.BinaryName = release.BinaryName()
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = 10 * time.Minute
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = time.Minute
	}
	client := cfg.Resolver.Client()
	stream := httputil.NewStreamingClient(client.HTTP.Timeout, client.UserAgent)
	stream.Retry = client.Retry
	return &Fetcher{cfg: cfg, client: client, stream: stream}
}

// Request names the artifact to stage.
type Request struct {
	Version release.Version
	Target  release.Target
	Entry   release.TargetArtifact
	// Force discards any cached staging directory and downloads again.
	Force bool
}

// Staged is a verified, unpacked candidate binary.
type Staged struct {
	Version string `json:"version"`
	Target  string `json:"target"`
	Archive string `json:"archive"`
	SHA256  string `json:"sha256"`
	// ManifestSHA256 is the digest the manifest declared when staged.
	ManifestSHA256 string `json:"manifest_sha256"`
	BinaryPath     string `json:"binary_path"`
	// BinarySHA256 is the digest of the unpacked binary, re-checked before a
	// cached staging directory is reused.
	BinarySHA256 string `json:"binary_sha256"`
	// SignatureSkipped is set when a signature was published but no key
	// was configured and policy allowed proceeding.
	SignatureSkipped bool `json:"signature_skipped,omitempty"`

	Dir         string `json:"-"`
	ArchivePath string `json:"-"`
	Reused      bool   `json:"-"`
}

// StagingDir returns the directory reserved for (version, target).
func (f *Fetcher) StagingDir(version string, target release.Target) string {
	return filepath.Join(f.cfg.UpdatesDir, version, string(target))
}

// Fetch stages req. The manifest entry is validated before any network
// request, and nothing is unpacked until the archive digest matches.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Staged, error) {
	if err := req.Entry.Validate(); err != nil {
		return nil, err
	}
	if req.Target == "" {
		return nil, fmt.Errorf("%w: no target for this platform", release.ErrManifest)
	}

	version := req.Version.String()
	dir := f.StagingDir(version, req.Target)

	if !req.Force {
		if st, ok := f.cached(dir, req); ok {
			logging.FromContext(ctx, log).Info("reusing staged artifact", "version", version, "target", req.Target, "dir", dir)
			return st, nil
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("clear staging dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	st, err := f.stage(ctx, dir, version, req)
	if err != nil {
		if rmErr := f.Discard(version, req.Target); rmErr != nil {
			err = errors.Join(err, fmt.Errorf("discard staging dir: %w", rmErr))
		}
		return nil, err
	}
	return st, nil
}

func (f *Fetcher) stage(ctx context.Context, dir, version string, req Request) (*Staged, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.DownloadTimeout)
	defer cancel()

	archive := req.Entry.Archive
	expected, source, err := f.expectedDigest(ctx, version, req.Entry)
	if err != nil {
		return nil, err
	}

	logger := logging.FromContext(ctx, log)
	archivePath := filepath.Join(dir, archive)
	url := f.cfg.Resolver.ArchiveURL(version, archive)
	logger.Info("downloading artifact", "version", version, "target", req.Target, "url", url)

	actual, size, err := f.download(ctx, url, archivePath, req.Entry.Size)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(actual, expected) {
		logger.Warn("checksum mismatch",
			"version", version,
			"expected", expected,
			"actual", actual,
			"digestSource", source,
		)
		return nil, fmt.Errorf("%w: %s expected %s (%s), got %s", ErrChecksumMismatch, archive, expected, source, actual)
	}
	if req.Entry.Size > 0 && size != req.Entry.Size {
		return nil, fmt.Errorf("%w: %s is %d bytes, manifest declares %d", ErrChecksumMismatch, archive, size, req.Entry.Size)
	}

	skipped, err := f.checkSignature(ctx, version, archivePath, req.Entry)
	if err != nil {
		return nil, err
	}

	binary, err := extractTarGz(archivePath, filepath.Join(dir, extractDir), f.cfg.BinaryName)
	if err != nil {
		return nil, err
	}
	binarySum, err := FileSHA256(binary)
	if err != nil {
		return nil, err
	}

	st := &Staged{
		Version:          version,
		Target:           string(req.Target),
		Archive:          archive,
		SHA256:           strings.ToLower(actual),
		ManifestSHA256:   strings.ToLower(req.Entry.SHA256),
		Dir:              dir,
		ArchivePath:      archivePath,
		BinaryPath:       binary,
		BinarySHA256:     binarySum,
		SignatureSkipped: skipped,
	}
	if err := writeMarker(dir, st); err != nil {
		return nil, err
	}
	logger.Info("artifact staged", "version", version, "target", req.Target, "binary", binary)
	return st, nil
}

// expectedDigest prefers the detached <archive>.sha256 resource and falls
// back to the manifest digest when it is not published.
func (f *Fetcher) expectedDigest(ctx context.Context, version string, entry release.TargetArtifact) (string, string, error) {
	url := f.cfg.Resolver.ChecksumURL(version, entry.Archive)
	body, err := f.client.GetBody(ctx, url, maxChecksumSize)
	if err != nil {
		var se *httputil.StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusForbidden) {
			return strings.ToLower(entry.SHA256), "manifest", nil
		}
		return "", "", networkErr(err)
	}

	digest, err := ParseChecksumLine(body, entry.Archive)
	if err != nil {
		return "", "", err
	}
	if !strings.EqualFold(digest, entry.SHA256) {
		log.Warn("checksum resource overrides manifest digest", "archive", entry.Archive)
	}
	return digest, "checksum file", nil
}

// download streams url into dest via a .partial file, hashing as it goes.
// When limit is positive no more than limit+1 bytes are read. A transfer
// that delivers nothing for StallTimeout is aborted.
func (f *Fetcher) download(ctx context.Context, url, dest string, limit int64) (string, int64, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stall := time.AfterFunc(f.cfg.StallTimeout, func() { cancel(errStalled) })
	defer stall.Stop()

	resp, err := f.stream.Get(ctx, url)
	if err != nil {
		return "", 0, transferErr(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", 0, networkErr(&httputil.StatusError{StatusCode: resp.StatusCode, URL: url})
	}
	if limit > 0 && resp.ContentLength > limit {
		return "", 0, fmt.Errorf("%w: %s is %d bytes, manifest declares %d", ErrChecksumMismatch, filepath.Base(dest), resp.ContentLength, limit)
	}

	partial := dest + ".partial"
	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, err
	}
	fail := func(err error) (string, int64, error) {
		out.Close()
		_ = os.Remove(partial)
		return "", 0, err
	}

	var body io.Reader = &activityReader{r: resp.Body, onData: func() { stall.Reset(f.cfg.StallTimeout) }}
	if limit > 0 {
		body = io.LimitReader(body, limit+1)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(out, h), body)
	if err != nil {
		return fail(transferErr(ctx, err))
	}
	if limit > 0 && n > limit {
		return fail(fmt.Errorf("%w: %s exceeds the %d bytes the manifest declares", ErrChecksumMismatch, filepath.Base(dest), limit))
	}
	if err := out.Sync(); err != nil {
		return fail(err)
	}
	if err := out.Close(); err != nil {
		return "", 0, err
	}
	if err := os.Rename(partial, dest); err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// activityReader calls onData whenever a read returns bytes.
type activityReader struct {
	r      io.Reader
	onData func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.onData()
	}
	return n, err
}

// transferErr reports a stall as a network failure rather than the bare
// cancellation it surfaces as.
func transferErr(ctx context.Context, err error) error {
	if errors.Is(context.Cause(ctx), errStalled) {
		return fmt.Errorf("%w: %w: %v", release.ErrNetwork, errStalled, err)
	}
	return networkErr(err)
}

// checkSignature applies the require_signature policy. It returns true when
// a published signature was not checked because no key is configured.
func (f *Fetcher) checkSignature(ctx context.Context, version, archivePath string, entry release.TargetArtifact) (bool, error) {
	hasKeys := len(f.cfg.PublicKeys) > 0

	if entry.Sig == "" {
		if f.cfg.RequireSignature {
			return false, fmt.Errorf("%w: %s has no signature and signatures are required", ErrSignature, entry.Archive)
		}
		return false, nil
	}

	if !hasKeys {
		if f.cfg.RequireSignature {
			return false, fmt.Errorf("%w: no verification key configured", ErrSignature)
		}
		log.Warn("signature verification skipped by policy",
			"archive", entry.Archive,
			"reason", "no public key configured and require_signature is false",
		)
		return true, nil
	}

	sigURL := entry.Sig
	if !strings.HasPrefix(sigURL, "https://") && !strings.HasPrefix(sigURL, "http://") {
		sigURL = f.cfg.Resolver.ArchiveURL(version, filepath.Base(entry.Sig))
	}
	sig, err := f.client.GetBody(ctx, sigURL, maxSigSize)
	if err != nil {
		if httputil.IsNotFound(err) {
			return false, fmt.Errorf("%w: signature %s not published", ErrSignature, entry.Sig)
		}
		return false, networkErr(err)
	}

	if err := signing.VerifyFile(f.cfg.PublicKeys, archivePath, sig); err != nil {
		return false, fmt.Errorf("%w: %v", ErrSignature, err)
	}
	log.Info("archive signature verified", "archive", entry.Archive)
	return false, nil
}

func (f *Fetcher) cached(dir string, req Request) (*Staged, bool) {
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		return nil, false
	}
	var st Staged
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false
	}
	if st.Version != req.Version.String() || st.Target != string(req.Target) || st.Archive != req.Entry.Archive ||
		!strings.EqualFold(st.ManifestSHA256, req.Entry.SHA256) {
		return nil, false
	}
	// The unpacked binary and the archive must still hash to what was
	// verified.
	if st.BinarySHA256 == "" || !strings.HasPrefix(st.BinaryPath, filepath.Join(dir, extractDir)+string(filepath.Separator)) {
		return nil, false
	}
	if sum, err := FileSHA256(st.BinaryPath); err != nil || !strings.EqualFold(sum, st.BinarySHA256) {
		return nil, false
	}
	archivePath := filepath.Join(dir, st.Archive)
	sum, err := FileSHA256(archivePath)
	if err != nil || !strings.EqualFold(sum, st.SHA256) {
		return nil, false
	}
	st.Dir = dir
	st.ArchivePath = archivePath
	st.Reused = true
	return &st, true
}

func writeMarker(dir string, st *Staged) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, markerFile), data, 0o644)
}

// Discard removes the staging directory for (version, target) and the
// version directory when it becomes empty.
func (f *Fetcher) Discard(version string, target release.Target) error {
	dir := f.StagingDir(version, target)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if entries, err := os.ReadDir(parent); err == nil && len(entries) == 0 {
		_ = os.Remove(parent)
	}
	return nil
}

// Prune keeps the newest keep version directories plus any named in protect
// and removes the rest.
func (f *Fetcher) Prune(keep int, protect ...string) error {
	entries, err := os.ReadDir(f.cfg.UpdatesDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	type staged struct {
		name string
		v    release.Version
	}
	var versions []staged
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := release.ParseVersion(e.Name())
		if err != nil {
			// Not ours.
			continue
		}
		versions = append(versions, staged{name: e.Name(), v: v})
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].v.GreaterThan(versions[j].v) })

	keepSet := make(map[string]bool, len(protect))
	for _, p := range protect {
		keepSet[p] = true
	}
	for i, s := range versions {
		if i < keep || keepSet[s.name] {
			continue
		}
		log.Debug("pruning staged version", "version", s.name)
		if err := os.RemoveAll(filepath.Join(f.cfg.UpdatesDir, s.name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func networkErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", release.ErrNetwork, err)
}
