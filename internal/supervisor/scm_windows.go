//go:build windows

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

// HelperCommand is the hidden subcommand that performs the SCM restart from
// a detached process, since a service cannot start itself after stopping.
const HelperCommand = "restart-service"

func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	return err == nil && ok
}

func windowsServiceInstalled(name string) bool {
	m, err := mgr.Connect()
	if err != nil {
		return false
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return false
	}
	s.Close()
	return true
}

// restartWindowsService spawns a detached copy of this binary to run
// RestartService so the stop does not kill the requester mid-way.
func restartWindowsService(ctx context.Context, name string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	cmd := exec.Command(exe, HelperCommand, "--name", name)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: windows.DETACHED_PROCESS | windows.CREATE_NEW_PROCESS_GROUP,
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start restart helper: %w", err)
	}
	return cmd.Process.Release()
}

// RestartService stops and starts the named service through the SCM.
func RestartService(ctx context.Context, name string) error {
	m, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("failed to connect to SCM: %w", err)
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		return fmt.Errorf("failed to open service: %w", err)
	}
	defer s.Close()

	status, err := s.Control(svc.Stop)
	if err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	if err := waitState(ctx, s, status, svc.Stopped); err != nil {
		return fmt.Errorf("waiting for service to stop: %w", err)
	}

	if err := s.Start(); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	status, err = s.Query()
	if err != nil {
		return fmt.Errorf("failed to query service: %w", err)
	}
	if err := waitState(ctx, s, status, svc.Running); err != nil {
		return fmt.Errorf("waiting for service to start: %w", err)
	}
	return nil
}

func waitState(ctx context.Context, s *mgr.Service, status svc.Status, want svc.State) error {
	deadline := time.Now().Add(30 * time.Second)
	for status.State != want {
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout, service state is %d", status.State)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
		var err error
		status, err = s.Query()
		if err != nil {
			return fmt.Errorf("failed to query service: %w", err)
		}
	}
	return nil
}
