package release

import "errors"

var (
	// ErrNetwork covers transport failures and unexpected HTTP statuses.
	ErrNetwork = errors.New("release: network error")
	// ErrParse means the remote version pointer is not a semantic version.
	ErrParse = errors.New("release: unparseable version")
	// ErrManifest means the manifest is malformed or lacks an entry for the target.
	ErrManifest = errors.New("release: invalid manifest")
)
