package artifact

import "errors"

// Integrity failures. Any of these discards the staging directory.
var (
	ErrChecksumMismatch = errors.New("artifact: checksum mismatch")
	ErrSignature        = errors.New("artifact: signature verification failed")
	ErrArchiveLayout    = errors.New("artifact: unexpected archive layout")
)

// IsIntegrity reports whether err means the downloaded bytes cannot be trusted.
func IsIntegrity(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) ||
		errors.Is(err, ErrSignature) ||
		errors.Is(err, ErrArchiveLayout)
}
