package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"havoc/internal/logging"
	"havoc/internal/render"

	"go.uber.org/zap"
)

const defaultMode fs.FileMode = 0644

// WriteError reports a configuration that could not be written. Nothing was reloaded.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ReloadError reports a failed service reload. The new file stays in place.
type ReloadError struct {
	Service string
	Err     error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("failed to reload %s: %v", e.Service, e.Err)
}

func (e *ReloadError) Unwrap() error {
	return e.Err
}

// Applier writes rendered configs to the target path and reloads the service
type Applier struct {
	path     string
	service  string
	reloader Reloader
}

// NewApplier creates an Applier
func NewApplier(path, service string, reloader Reloader) *Applier {
	return &Applier{path: path, service: service, reloader: reloader}
}

// Path returns the target file
func (a *Applier) Path() string {
	return a.path
}

// Apply replaces the target file with cfg and reloads the service
func (a *Applier) Apply(ctx context.Context, cfg render.Config) error {
	if err := WriteAtomic(a.path, []byte(cfg.Text)); err != nil {
		return &WriteError{Path: a.path, Err: err}
	}
	log := logging.FromContext(ctx)
	log.Info("Configuration written",
		zap.String("path", a.path),
		zap.String("fingerprint", cfg.Fingerprint.String()))

	if err := a.reloader.Reload(ctx, a.service); err != nil {
		return &ReloadError{Service: a.service, Err: err}
	}
	log.Info("Service reloaded", zap.String("service", a.service))

	return nil
}

// Preview logs what Apply would do without touching the file or the service
func (a *Applier) Preview(ctx context.Context, cfg render.Config, changed bool) {
	logging.FromContext(ctx).Info("Dry run, configuration not deployed",
		zap.String("path", a.path),
		zap.String("service", a.service),
		zap.Bool("changed", changed),
		zap.String("fingerprint", cfg.Fingerprint.String()),
		zap.String("config", logging.Truncate(cfg.Text)))
}

// WriteAtomic replaces path with data through a temporary file in the same
// directory. The mode of an existing file is kept.
func WriteAtomic(path string, data []byte) (err error) {
	mode := defaultMode
	if info, statErr := os.Stat(path); statErr == nil {
		mode = info.Mode().Perm()
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return statErr
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
