//go:build !windows

package main

import "errors"

// isWindowsService always returns false on non-Windows platforms.
func isWindowsService() bool { return false }

// runAsService is a no-op stub on non-Windows platforms.
func runAsService() error {
	return errors.New("windows service mode is not available on this platform")
}
