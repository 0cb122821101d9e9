package release

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/audetic/agent/internal/httputil"
	"github.com/audetic/agent/internal/logging"
)

var log = logging.L("release")

const (
	DefaultChannel = "stable"

	maxPointerBytes  = 128
	maxManifestBytes = 1 << 20
)

// Resolver maps a channel to its published version and manifest. It only
// reads from the network and is safe for concurrent use.
type Resolver struct {
	baseURL string
	client  *httputil.Client
}

// NewResolver builds a resolver rooted at baseURL (e.g. https://install.audetic.ai).
func NewResolver(baseURL string, client *httputil.Client) *Resolver {
	if client == nil {
		client = httputil.NewClient(30*time.Second, "audetic-updater")
	}
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Client exposes the HTTP client so the artifact fetcher shares its
// timeout and retry policy.
func (r *Resolver) Client() *httputil.Client { return r.client }

// VersionURL is the plain-text pointer for channel.
func (r *Resolver) VersionURL(channel string) string {
	if channel == "" || channel == DefaultChannel {
		return r.baseURL + "/cli/version"
	}
	return r.baseURL + "/cli/version-" + url.PathEscape(channel)
}

// ManifestURL is the manifest location for version.
func (r *Resolver) ManifestURL(version string) string {
	return r.releaseURL(version, "manifest.json")
}

// ArchiveURL is the download location of archive within version.
func (r *Resolver) ArchiveURL(version, archive string) string {
	return r.releaseURL(version, archive)
}

// ChecksumURL is the optional detached digest published next to archive.
func (r *Resolver) ChecksumURL(version, archive string) string {
	return r.ArchiveURL(version, archive) + ".sha256"
}

func (r *Resolver) releaseURL(version, name string) string {
	return r.baseURL + "/cli/releases/" + url.PathEscape(version) + "/" + url.PathEscape(name)
}

// LatestVersion fetches the version pointer for channel.
func (r *Resolver) LatestVersion(ctx context.Context, channel string) (Version, error) {
	body, err := r.client.GetBody(ctx, r.VersionURL(channel), maxPointerBytes)
	if err != nil {
		return Version{}, wrapNetwork(err)
	}
	return ParseVersion(string(body))
}

// Manifest fetches and decodes the manifest for version.
func (r *Resolver) Manifest(ctx context.Context, version Version) (*Manifest, error) {
	body, err := r.client.GetBody(ctx, r.ManifestURL(version.String()), maxManifestBytes)
	if err != nil {
		return nil, wrapNetwork(err)
	}
	m, err := ParseManifest(body)
	if err != nil {
		return nil, err
	}
	mv, _ := ParseVersion(m.Version)
	if !mv.Equal(version) {
		return nil, fmt.Errorf("%w: manifest version %s does not match pointer %s", ErrManifest, m.Version, version)
	}
	return m, nil
}

// Resolution is the outcome of comparing the channel pointer with the
// running version.
type Resolution struct {
	Channel     string
	Current     Version
	Remote      Version
	NeedsUpdate bool
	// Manifest is only fetched when an install would proceed.
	Manifest *Manifest
}

// Resolve fetches the pointer and, when remote is newer than current or force
// is set, the manifest. An unparseable current version never blocks a forced
// install but otherwise counts as "older than anything".
func (r *Resolver) Resolve(ctx context.Context, channel string, current Version, force bool) (Resolution, error) {
	remote, err := r.LatestVersion(ctx, channel)
	if err != nil {
		return Resolution{}, err
	}

	res := Resolution{
		Channel:     channel,
		Current:     current,
		Remote:      remote,
		NeedsUpdate: remote.GreaterThan(current),
	}
	log.Debug("resolved channel pointer",
		"channel", channel,
		"current", current.String(),
		"remote", remote.String(),
		"needsUpdate", res.NeedsUpdate,
	)

	if !res.NeedsUpdate && !force {
		return res, nil
	}

	m, err := r.Manifest(ctx, remote)
	if err != nil {
		return res, err
	}
	res.Manifest = m
	return res, nil
}

func wrapNetwork(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrNetwork, err)
}
