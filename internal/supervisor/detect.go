package supervisor

import (
	"context"
	"os"
	"runtime"
	"time"
)

// Options drives supervisor detection.
type Options struct {
	ServiceName  string
	LaunchdLabel string
	DataDir      string
	// Probe checks for an installed unit when the current process was not
	// started by a supervisor, e.g. an operator running `audetic update`.
	Probe bool
}

// DefaultLaunchdLabel is the job label the installer registers.
const DefaultLaunchdLabel = "ai.audetic.audetic"

// Detect picks the broker for this process.
func Detect(opts Options) Broker {
	if opts.LaunchdLabel == "" {
		opts.LaunchdLabel = DefaultLaunchdLabel
	}
	kind, ok := detectKind(opts, execRunner)
	if !ok {
		log.Debug("no supervisor detected, using manual broker")
		return NewManualBroker(opts.DataDir)
	}
	label := opts.LaunchdLabel
	if kind == KindLaunchd {
		if name := os.Getenv("XPC_SERVICE_NAME"); name != "" && name != "0" {
			label = name
		}
	}
	log.Debug("supervisor detected", "kind", kind)
	return NewServiceBroker(kind, opts.ServiceName, label, opts.DataDir)
}

func detectKind(opts Options, run Runner) (Kind, bool) {
	switch runtime.GOOS {
	case "windows":
		if isWindowsService() || (opts.Probe && windowsServiceInstalled(opts.ServiceName)) {
			return KindSCM, true
		}
		return "", false
	case "darwin":
		if name := os.Getenv("XPC_SERVICE_NAME"); name != "" && name != "0" {
			return KindLaunchd, true
		}
		if opts.Probe && probe(run, "launchctl", "print", launchdDomain()+"/"+opts.LaunchdLabel) {
			return KindLaunchd, true
		}
		return "", false
	}

	if os.Getenv("INVOCATION_ID") != "" {
		if os.Getuid() != 0 {
			return KindSystemdUser, true
		}
		return KindSystemd, true
	}
	if opts.Probe {
		unit := unitName(opts.ServiceName)
		if probe(run, "systemctl", "--user", "is-enabled", "--quiet", unit) {
			return KindSystemdUser, true
		}
		if probe(run, "systemctl", "is-enabled", "--quiet", unit) {
			return KindSystemd, true
		}
	}
	return "", false
}

func probe(run Runner, name string, args ...string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return run(ctx, name, args...) == nil
}
