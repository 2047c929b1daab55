package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"havoc/internal/logging"

	"github.com/coreos/go-systemd/v22/dbus"
	"go.uber.org/zap"
)

// InitSystem identifies the process supervisor of the host
type InitSystem string

const (
	InitSystemd InitSystem = "systemd"
	InitSysV    InitSystem = "sysv"
	InitUnknown InitSystem = "unknown"
)

const initExe = "/proc/1/exe"

// ErrUnknownInit is returned when the init system could not be determined
var ErrUnknownInit = errors.New("unable to determine init system")

// Reloader asks the service manager to reload a service
type Reloader interface {
	Reload(ctx context.Context, service string) error
}

// CommandRunner runs an external command and returns its combined output
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// DetectInit resolves the executable of pid 1
func DetectInit(readlink func(string) (string, error)) (InitSystem, error) {
	target, err := readlink(initExe)
	if err != nil {
		return InitUnknown, fmt.Errorf("%w: %v", ErrUnknownInit, err)
	}
	if filepath.Base(target) == "systemd" {
		return InitSystemd, nil
	}
	return InitSysV, nil
}

// NewReloader picks the reloader for the host init system
func NewReloader() Reloader {
	initSystem, err := DetectInit(os.Readlink)
	if err != nil {
		logging.Logger().Warn("Init system detection failed, reloads will fail", zap.Error(err))
		return unknownReloader{err: err}
	}

	logging.Logger().Debug("Detected init system", zap.String("init", string(initSystem)))
	return ReloaderFor(initSystem, runCommand)
}

// ReloaderFor returns the reloader for initSystem using run for external commands
func ReloaderFor(initSystem InitSystem, run CommandRunner) Reloader {
	switch initSystem {
	case InitSystemd:
		return &SystemdReloader{connect: connectSystemd, run: run}
	case InitSysV:
		return &SysVReloader{run: run}
	default:
		return unknownReloader{err: ErrUnknownInit}
	}
}

type unitReloader interface {
	ReloadUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

func connectSystemd(ctx context.Context) (unitReloader, error) {
	return dbus.NewWithContext(ctx)
}

// SystemdReloader reloads units over D-Bus and falls back to systemctl
type SystemdReloader struct {
	connect func(ctx context.Context) (unitReloader, error)
	run     CommandRunner
}

// Reload implements Reloader
func (r *SystemdReloader) Reload(ctx context.Context, service string) error {
	conn, err := r.connect(ctx)
	if err != nil {
		logging.Logger().Debug("D-Bus unavailable, falling back to systemctl", zap.Error(err))
		return r.systemctl(ctx, service)
	}
	defer conn.Close()

	unit := service
	if !strings.Contains(unit, ".") {
		unit += ".service"
	}
	done := make(chan string, 1)
	if _, err := conn.ReloadUnitContext(ctx, unit, "replace", done); err != nil {
		return fmt.Errorf("failed to reload %s: %w", unit, err)
	}

	select {
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("reload job for %s finished with %q", unit, result)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SystemdReloader) systemctl(ctx context.Context, service string) error {
	if out, err := r.run(ctx, "systemctl", "reload", service); err != nil {
		return commandError("systemctl reload "+service, out, err)
	}
	return nil
}

// SysVReloader reloads through the service wrapper
type SysVReloader struct {
	run CommandRunner
}

// Reload implements Reloader
func (r *SysVReloader) Reload(ctx context.Context, service string) error {
	if out, err := r.run(ctx, "service", service, "reload"); err != nil {
		return commandError("service "+service+" reload", out, err)
	}
	return nil
}

type unknownReloader struct {
	err error
}

func (r unknownReloader) Reload(ctx context.Context, service string) error {
	return r.err
}

func commandError(command string, out []byte, err error) error {
	output := strings.TrimSpace(string(out))
	if output == "" {
		return fmt.Errorf("%s: %w", command, err)
	}
	return fmt.Errorf("%s: %w: %s", command, err, logging.Truncate(output))
}
