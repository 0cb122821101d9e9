//go:build windows

package main

import (
	"fmt"

	"golang.org/x/sys/windows/svc"

	"github.com/audetic/agent/internal/logging"
)

// isWindowsService reports whether the process was started by the Windows
// Service Control Manager. Must be called early, before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

type audeticService struct{}

// runAsService runs the daemon under the Windows Service Control Manager.
func runAsService() error {
	return svc.Run("audetic", &audeticService{})
}

// Execute is the SCM callback. It starts the daemon, reports Running, then
// blocks until the SCM sends Stop or Shutdown.
func (s *audeticService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	d, err := startDaemon()
	if err != nil {
		log.Error("service start failed", logging.KeyError, err)
		changes <- svc.Status{State: svc.StopPending}
		return true, uint32(exitCode(err))
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("running as Windows service")

	for {
		select {
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				changes <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				log.Info("SCM requested stop")
				changes <- svc.Status{State: svc.StopPending}
				d.stop()
				return false, 0
			default:
				log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
			}
		case err := <-d.fatal:
			log.Error("component failed, stopping service", logging.KeyError, err)
			changes <- svc.Status{State: svc.StopPending}
			d.stop()
			return true, exitFailure
		}
	}
}
