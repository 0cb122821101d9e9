package release

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Target identifies the platform an archive was built for, e.g. linux-x86_64-gnu.
type Target string

// BinaryName is the executable name expected inside every archive.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "audetic.exe"
	}
	return "audetic"
}

// DetectTarget resolves the running platform. It returns "" when no
// artifacts are published for this os/arch.
func DetectTarget() Target {
	return targetFor(runtime.GOOS, runtime.GOARCH, isMusl)
}

func targetFor(goos, goarch string, musl func() bool) Target {
	var arch string
	switch goarch {
	case "amd64":
		arch = "x86_64"
	case "arm64":
		arch = "aarch64"
	default:
		return ""
	}

	switch goos {
	case "linux":
		libc := "gnu"
		if musl != nil && musl() {
			libc = "musl"
		}
		return Target("linux-" + arch + "-" + libc)
	case "darwin":
		return Target("macos-" + arch)
	case "windows":
		if arch == "x86_64" {
			return "windows-x86_64"
		}
	}
	return ""
}

// isMusl looks for the musl dynamic loader, which glibc systems never ship.
func isMusl() bool {
	matches, err := filepath.Glob("/lib/ld-musl-*.so.1")
	if err == nil && len(matches) > 0 {
		return true
	}
	if data, err := os.ReadFile("/etc/os-release"); err == nil {
		return strings.Contains(strings.ToLower(string(data)), "id=alpine")
	}
	return false
}
