//go:build !windows

package supervisor

import (
	"context"
	"errors"
)

const HelperCommand = "restart-service"

var errNotWindows = errors.New("windows service control is only available on windows")

func isWindowsService() bool { return false }

func windowsServiceInstalled(string) bool { return false }

func restartWindowsService(context.Context, string) error { return errNotWindows }

// RestartService is only meaningful on windows.
func RestartService(context.Context, string) error { return errNotWindows }
