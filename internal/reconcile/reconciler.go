package reconcile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"havoc/internal/config"
	"havoc/internal/deploy"
	"havoc/internal/logging"
	"havoc/internal/pool"
	"havoc/internal/render"
	"havoc/internal/report"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ExitCode is the process status of a single cycle
type ExitCode int

const (
	ExitSuccess ExitCode = 0
	ExitFailure ExitCode = 1
)

// DefaultPublishTimeout bounds report publishing when Options.PublishTimeout is unset
const DefaultPublishTimeout = 5 * time.Second

// Options are the per-cycle inputs taken from configuration
type Options struct {
	Pools              []string
	TemplatePath       string
	VarsPath           string
	Hostname           string
	CPUCount           int
	CPUReserved        int
	DryRun             bool
	ReloadFailureFatal bool
	PublishTimeout     time.Duration
}

// OptionsFromConfig maps the loaded configuration onto Options
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Pools:              cfg.Pools,
		TemplatePath:       cfg.Template,
		VarsPath:           cfg.TemplateVars,
		Hostname:           cfg.Hostname,
		CPUCount:           cfg.CPUs,
		CPUReserved:        cfg.SystemCPUs,
		DryRun:             cfg.DryRun,
		ReloadFailureFatal: cfg.ReloadFailureFatal,
		PublishTimeout:     cfg.Etcd.DialTimeout,
	}
}

// Plan is the outcome of discovery, rendering and change detection
type Plan struct {
	Mapping      pool.Mapping
	Config       render.Config
	ReloadNeeded bool
}

// Reconciler runs reconciliation cycles
type Reconciler struct {
	opts     Options
	resolver *pool.Resolver
	applier  *deploy.Applier
	sinks    []report.Sink

	readFile func(string) ([]byte, error)
	now      func() time.Time
}

// New creates a Reconciler. Every finished cycle is published to sinks.
func New(opts Options, resolver *pool.Resolver, applier *deploy.Applier, sinks ...report.Sink) *Reconciler {
	return &Reconciler{
		opts:     opts,
		resolver: resolver,
		applier:  applier,
		sinks:    sinks,
		readFile: os.ReadFile,
		now:      time.Now,
	}
}

// Plan resolves every pool, renders the template and compares the result
// with the deployed file. It never writes. A *deploy.ReadError is returned
// together with a plan whose ReloadNeeded is false.
func (r *Reconciler) Plan(ctx context.Context) (*Plan, error) {
	mapping := r.resolver.Resolve(ctx, r.opts.Pools)

	source, err := r.readFile(r.opts.TemplatePath)
	if err != nil {
		return nil, &render.TemplateError{Name: r.templateName(), Stage: render.StageRead, Err: err}
	}

	vars, err := render.LoadVars(r.opts.VarsPath)
	if err != nil {
		return nil, &render.TemplateError{Name: r.templateName(), Stage: render.StageRead, Err: err}
	}

	cfg, err := render.Render(r.templateName(), string(source), render.Data{
		Pools:       mapping,
		Hostname:    r.opts.Hostname,
		CPUCount:    r.opts.CPUCount,
		CPUReserved: r.opts.CPUReserved,
		Vars:        vars,
	})
	if err != nil {
		return nil, err
	}

	plan := &Plan{Mapping: mapping, Config: cfg}
	changed, err := deploy.HasChanged(cfg.Text, r.applier.Path())
	if err != nil {
		return plan, err
	}
	plan.ReloadNeeded = changed
	return plan, nil
}

func (r *Reconciler) templateName() string {
	return filepath.Base(r.opts.TemplatePath)
}

// RunOnce runs one cycle and publishes its report. It never panics.
func (r *Reconciler) RunOnce(ctx context.Context) (code ExitCode) {
	cycleID := uuid.NewString()
	ctx = logging.WithCycleID(ctx, cycleID)
	log := logging.FromContext(ctx)

	rep := report.Report{
		CycleID:   cycleID,
		Hostname:  r.opts.Hostname,
		StartedAt: r.now(),
		DryRun:    r.opts.DryRun,
	}
	log.Info("Starting reconciliation cycle", zap.Strings("pools", r.opts.Pools), zap.Bool("dry_run", r.opts.DryRun))

	defer func() {
		if p := recover(); p != nil {
			log.Error("Reconciliation cycle panicked", zap.Any("panic", p), zap.Stack("stack"))
			rep.Error = fmt.Sprint(p)
			code = ExitFailure
		}

		rep.FinishedAt = r.now()
		rep.Outcome = report.OutcomeSuccess
		if code != ExitSuccess {
			rep.Outcome = report.OutcomeFailure
		}
		log.Info("Reconciliation cycle finished",
			zap.String("outcome", string(rep.Outcome)),
			zap.Bool("changed", rep.Changed),
			zap.Bool("applied", rep.Applied),
			zap.Duration("duration", rep.Duration()))

		// detached from shutdown, bounded by PublishTimeout
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.publishTimeout())
		report.Publish(publishCtx, r.sinks, rep)
		cancel()
	}()

	return r.cycle(ctx, log, &rep)
}

func (r *Reconciler) publishTimeout() time.Duration {
	if r.opts.PublishTimeout > 0 {
		return r.opts.PublishTimeout
	}
	return DefaultPublishTimeout
}

func (r *Reconciler) cycle(ctx context.Context, log *zap.Logger, rep *report.Report) ExitCode {
	plan, err := r.Plan(ctx)
	if plan != nil {
		rep.Pools = plan.Mapping.Counts()
		rep.Fingerprint = plan.Config.Fingerprint.String()
		rep.Changed = plan.ReloadNeeded
	}

	var readErr *deploy.ReadError
	switch {
	case errors.As(err, &readErr):
		log.Warn("Deployed configuration unreadable, leaving it in place",
			zap.String("path", readErr.Path),
			zap.Error(readErr.Err))
		if r.opts.DryRun {
			r.applier.Preview(ctx, plan.Config, plan.ReloadNeeded)
		}
		return ExitSuccess
	case err != nil:
		log.Error("Failed to render configuration", zap.String("template", r.opts.TemplatePath), zap.Error(err))
		rep.Error = err.Error()
		return ExitFailure
	}

	if r.opts.DryRun {
		r.applier.Preview(ctx, plan.Config, plan.ReloadNeeded)
		return ExitSuccess
	}

	if !plan.ReloadNeeded {
		log.Info("Configuration unchanged", zap.String("path", r.applier.Path()))
		return ExitSuccess
	}

	err = r.applier.Apply(ctx, plan.Config)

	var reloadErr *deploy.ReloadError
	switch {
	case err == nil:
		rep.Applied = true
		return ExitSuccess
	case errors.As(err, &reloadErr):
		rep.Applied = true
		rep.ReloadError = err.Error()
		log.Error("Configuration written but reload failed",
			zap.String("service", reloadErr.Service),
			zap.Bool("fatal", r.opts.ReloadFailureFatal),
			zap.Error(reloadErr.Err))
		if r.opts.ReloadFailureFatal {
			rep.Error = err.Error()
			return ExitFailure
		}
		return ExitSuccess
	default:
		log.Error("Failed to deploy configuration", zap.String("path", r.applier.Path()), zap.Error(err))
		rep.Error = err.Error()
		return ExitFailure
	}
}
