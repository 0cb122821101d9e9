//go:build windows

package updater

import (
	"errors"
	"os"
)

// swapLive replaces live with src. A running executable cannot be
// overwritten on Windows but it can be renamed, so the live file is moved
// aside first and moved back if the second rename fails.
func swapLive(src, live string) error {
	old := live + ".old"
	_ = os.Remove(old)
	if err := os.Rename(live, old); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(src, live); err != nil {
		if rbErr := os.Rename(old, live); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}
