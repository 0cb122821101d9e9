package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Kind names a supervision scheme.
type Kind string

const (
	KindSystemd     Kind = "systemd"
	KindSystemdUser Kind = "systemd-user"
	KindLaunchd     Kind = "launchd"
	KindSCM         Kind = "windows-service"
	KindManual      Kind = "manual"
)

// KindOf names the scheme b restarts through. Brokers that do not report a
// kind are treated as manual.
func KindOf(b Broker) Kind {
	if k, ok := b.(interface{ Kind() Kind }); ok {
		return k.Kind()
	}
	return KindManual
}

// Runner executes a supervisor command. Swapped in tests.
type Runner func(ctx context.Context, name string, args ...string) error

func execRunner(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}

// ServiceBroker restarts the service through its supervisor.
type ServiceBroker struct {
	pendingApply
	kind    Kind
	service string
	label   string
	run     Runner
}

// NewServiceBroker builds a broker for kind. service is the systemd unit or
// Windows service name; label is the launchd job label.
func NewServiceBroker(kind Kind, service, label, dataDir string) *ServiceBroker {
	return &ServiceBroker{
		pendingApply: pendingApply{dataDir: dataDir},
		kind:         kind,
		service:      service,
		label:        label,
		run:          execRunner,
	}
}

func (b *ServiceBroker) Kind() Kind { return b.kind }

func (b *ServiceBroker) String() string { return string(b.kind) }

// restartTimeout bounds the supervisor command, not the restart itself.
const restartTimeout = 30 * time.Second

func (b *ServiceBroker) RequestRestart(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, restartTimeout)
	defer cancel()

	log.Info("requesting service restart", "supervisor", b.kind, "service", b.service)
	switch b.kind {
	case KindSCM:
		return restartWindowsService(ctx, b.service)
	default:
		name, args := b.restartCommand()
		if name == "" {
			return fmt.Errorf("unknown supervisor %q", b.kind)
		}
		return b.run(ctx, name, args...)
	}
}

// restartCommand is queued with --no-block on systemd so the restart
// survives systemd killing the caller's cgroup.
func (b *ServiceBroker) restartCommand() (string, []string) {
	switch b.kind {
	case KindSystemd:
		return "systemctl", []string{"--no-block", "restart", unitName(b.service)}
	case KindSystemdUser:
		return "systemctl", []string{"--user", "--no-block", "restart", unitName(b.service)}
	case KindLaunchd:
		return "launchctl", []string{"kickstart", "-k", launchdDomain() + "/" + b.label}
	}
	return "", nil
}

func unitName(service string) string {
	if strings.HasSuffix(service, ".service") {
		return service
	}
	return service + ".service"
}

func launchdDomain() string {
	if uid := os.Getuid(); uid > 0 {
		return "gui/" + strconv.Itoa(uid)
	}
	return "system"
}
