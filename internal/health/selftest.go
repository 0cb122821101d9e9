package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrSelfTest is returned when a freshly started binary fails its startup
// checks.
var ErrSelfTest = errors.New("self-test failed")

// Probe checks one subsystem.
type Probe struct {
	Name  string
	Check func(ctx context.Context) (Status, string)
}

// SelfTest runs every probe, records the results in m and fails if any probe
// is Unhealthy or did not report before ctx expired. Degraded passes.
func SelfTest(ctx context.Context, m *Monitor, probes ...Probe) error {
	var failed []string
	for _, p := range probes {
		status, msg := runProbe(ctx, p)
		m.Update(p.Name, status, msg)
		if status == Unhealthy || status == Unknown {
			failed = append(failed, fmt.Sprintf("%s: %s", p.Name, msg))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %s", ErrSelfTest, strings.Join(failed, "; "))
	}
	log.Info("self-test passed", "probes", len(probes))
	return nil
}

func runProbe(ctx context.Context, p Probe) (Status, string) {
	if err := ctx.Err(); err != nil {
		return Unknown, "not run: " + err.Error()
	}

	type result struct {
		status Status
		msg    string
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{Unhealthy, fmt.Sprintf("panic: %v", r)}
			}
		}()
		s, msg := p.Check(ctx)
		ch <- result{s, msg}
	}()

	select {
	case r := <-ch:
		return r.status, r.msg
	case <-ctx.Done():
		return Unknown, "timed out: " + ctx.Err().Error()
	}
}

// DirWritable probes that dir exists (creating it) and accepts a file.
func DirWritable(name, dir string) Probe {
	return Probe{Name: name, Check: func(context.Context) (Status, string) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Unhealthy, err.Error()
		}
		f, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return Unhealthy, err.Error()
		}
		path := f.Name()
		f.Close()
		_ = os.Remove(path)
		return Healthy, ""
	}}
}

// FileReadable probes that path can be read. A missing file is Degraded
// unless required.
func FileReadable(name, path string, required bool) Probe {
	return Probe{Name: name, Check: func(context.Context) (Status, string) {
		f, err := os.Open(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && !required {
				return Degraded, filepath.Base(path) + " does not exist yet"
			}
			return Unhealthy, err.Error()
		}
		f.Close()
		return Healthy, ""
	}}
}

// Func wraps an error-returning check.
func Func(name string, fn func(ctx context.Context) error) Probe {
	return Probe{Name: name, Check: func(ctx context.Context) (Status, string) {
		if err := fn(ctx); err != nil {
			return Unhealthy, err.Error()
		}
		return Healthy, ""
	}}
}
