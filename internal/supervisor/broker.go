package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/audetic/agent/internal/logging"
)

var log = logging.L("supervisor")

// ErrUnsupervised is returned by RequestRestart when nothing manages the
// process. The caller should fall back to MarkPendingApply.
var ErrUnsupervised = errors.New("process is not running under a supervisor")

const pendingApplyFile = "pending-apply"

// Broker is the only view the update engine has of the process supervisor.
type Broker interface {
	// RequestRestart asks the supervisor to restart the service so the new
	// binary takes over.
	RequestRestart(ctx context.Context) error
	// MarkPendingApply records that version is installed but not yet
	// running, to be picked up at the next launch.
	MarkPendingApply(version string) error
}

// pendingApply writes and consumes the flag file shared by all brokers.
type pendingApply struct {
	dataDir string
}

func (p pendingApply) MarkPendingApply(version string) error {
	if err := os.MkdirAll(p.dataDir, 0o755); err != nil {
		return err
	}
	body := fmt.Sprintf("%s %d\n", version, time.Now().Unix())
	path := filepath.Join(p.dataDir, pendingApplyFile)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		return fmt.Errorf("write pending-apply flag: %w", err)
	}
	log.Info("marked update pending apply", "version", version, "path", path)
	return nil
}

// ConsumePendingApply returns the version flagged by MarkPendingApply and
// removes the flag. ok is false when no flag exists.
func ConsumePendingApply(dataDir string) (version string, ok bool, err error) {
	path := filepath.Join(dataDir, pendingApplyFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", false, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return "", false, nil
	}
	return fields[0], true, nil
}

// ManualBroker serves foreground runs with no supervisor.
type ManualBroker struct {
	pendingApply
}

func NewManualBroker(dataDir string) *ManualBroker {
	return &ManualBroker{pendingApply{dataDir: dataDir}}
}

func (*ManualBroker) RequestRestart(context.Context) error {
	return ErrUnsupervised
}

func (*ManualBroker) String() string { return string(KindManual) }

func (*ManualBroker) Kind() Kind { return KindManual }
