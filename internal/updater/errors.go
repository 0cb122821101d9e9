package updater

import (
	"errors"
	"fmt"

	"github.com/audetic/agent/internal/artifact"
	"github.com/audetic/agent/internal/release"
)

// Phase is a state of the install state machine.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseChecking       Phase = "checking"
	PhaseDownloading    Phase = "downloading"
	PhaseVerifying      Phase = "verifying"
	PhaseStaged         Phase = "staged"
	PhaseCommitting     Phase = "committing"
	PhaseHealthChecking Phase = "health_checking"
	PhaseCommitted      Phase = "committed"
	PhaseRolledBack     Phase = "rolled_back"
	PhaseDisabled       Phase = "disabled"
)

var (
	// ErrPrecondition means the requested operation cannot start, e.g. a
	// rollback with no backup on disk.
	ErrPrecondition = errors.New("precondition not met")
	// ErrManualIntervention is returned when the live binary could not be
	// swapped or restored and an operator has to look at it.
	ErrManualIntervention = errors.New("manual intervention required")
	// ErrHealthCheck means a freshly installed binary failed its self-test.
	ErrHealthCheck = errors.New("post-update health check failed")
)

// PhaseError records the phase a run was in when it failed.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func phaseErr(phase Phase, err error) error {
	if err == nil {
		return nil
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		return err
	}
	return &PhaseError{Phase: phase, Err: err}
}

// PhaseOf returns the phase recorded in err, or PhaseIdle.
func PhaseOf(err error) Phase {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return PhaseIdle
}

// IsTransient reports network, parse and manifest failures. They are retried
// with backoff.
func IsTransient(err error) bool {
	return errors.Is(err, release.ErrNetwork) ||
		errors.Is(err, release.ErrParse) ||
		errors.Is(err, release.ErrManifest)
}

// IsIntegrity reports checksum, signature and archive layout failures.
func IsIntegrity(err error) bool {
	return artifact.IsIntegrity(err)
}
