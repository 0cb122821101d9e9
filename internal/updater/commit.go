package updater

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/audetic/agent/internal/artifact"
	"github.com/audetic/agent/internal/state"
)

// replaceLive is swapped out in tests to simulate a failing rename.
var replaceLive = swapLive

func (c *Coordinator) binaryStem() string {
	return strings.TrimSuffix(filepath.Base(c.cfg.BinaryPath), ".exe")
}

// tmpPath sits next to the live binary so the final rename never crosses a
// filesystem boundary.
func (c *Coordinator) tmpPath(version string) string {
	return filepath.Join(filepath.Dir(c.cfg.BinaryPath), c.binaryStem()+"-"+version+".tmp")
}

func (c *Coordinator) backupPath(version string) string {
	return filepath.Join(filepath.Dir(c.cfg.BinaryPath), c.binaryStem()+"-"+version+".bak")
}

// commit backs up the live binary, persists the pending marker and renames
// the staged copy into place. st is updated in memory and on disk only when
// the rename succeeds; on any earlier failure the live binary is untouched.
func (c *Coordinator) commit(st *state.UpdateState, staged *artifact.Staged, current string) error {
	live := c.cfg.BinaryPath
	info, err := os.Stat(live)
	if err != nil {
		return fmt.Errorf("stat live binary: %w", err)
	}

	tmp := c.tmpPath(staged.Version)
	if err := copyFile(staged.BinaryPath, tmp, 0o755); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("copy staged binary next to %s: %w", live, err)
	}

	backup := c.backupPath(current)
	if err := copyFile(live, backup, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmp)
		if backup != st.BackupPath {
			_ = os.Remove(backup)
		}
		return fmt.Errorf("back up live binary: %w", err)
	}

	prev := *st
	next := *st
	next.Pending = &state.Pending{
		Version:         staged.Version,
		PreviousVersion: current,
		BackupPath:      backup,
		CommittedAt:     c.now().Unix(),
	}
	next.BackupPath = backup
	next.BackupVersion = current
	if err := c.store.Save(next); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("persist pending marker: %w", err)
	}

	if err := replaceLive(tmp, live); err != nil {
		_ = os.Remove(tmp)
		err = fmt.Errorf("%w: replace %s: %v", ErrManualIntervention, live, err)
		if saveErr := c.store.Save(prev); saveErr != nil {
			err = errors.Join(err, fmt.Errorf("clear pending marker: %w", saveErr))
		}
		if backup != prev.BackupPath {
			_ = os.Remove(backup)
		}
		return err
	}
	syncDir(filepath.Dir(live))

	if prev.BackupPath != "" && prev.BackupPath != backup {
		if err := os.Remove(prev.BackupPath); err != nil && !os.IsNotExist(err) {
			log.Warn("failed to remove superseded backup", "path", prev.BackupPath, "error", err)
		}
	}
	*st = next
	return nil
}

// restoreBackup renames the backup over the live binary. The backup file is
// consumed.
func (c *Coordinator) restoreBackup(backup string) error {
	if backup == "" {
		return fmt.Errorf("%w: no backup recorded", ErrPrecondition)
	}
	if _, err := os.Stat(backup); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: backup %s is missing", ErrPrecondition, backup)
		}
		return fmt.Errorf("stat backup: %w", err)
	}
	if err := replaceLive(backup, c.cfg.BinaryPath); err != nil {
		return fmt.Errorf("%w: restore %s from %s: %v", ErrManualIntervention, c.cfg.BinaryPath, backup, err)
	}
	syncDir(filepath.Dir(c.cfg.BinaryPath))
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile honours umask; the live binary must stay executable.
	return os.Chmod(dst, mode)
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
