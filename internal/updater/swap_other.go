//go:build !windows

package updater

import "os"

// swapLive atomically replaces live with src. Both must be in one directory.
func swapLive(src, live string) error {
	return os.Rename(src, live)
}
