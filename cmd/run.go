package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"havoc/internal/config"
	"havoc/internal/deploy"
	"havoc/internal/logging"
	"havoc/internal/metrics"
	"havoc/internal/pool"
	"havoc/internal/provider"
	"havoc/internal/reconcile"
	"havoc/internal/report"
	"havoc/internal/server"
	"havoc/internal/watch"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runOnce        bool
	runDryRun      bool
	runWatch       bool
	runPools       string
	runTemplate    string
	runHAProxyCfg  string
	runInterval    string
	runService     string
	runHostname    string
	runCPUs        int
	runSystemCPUs  int
	runReportFile  string
	runHealthAddr  string
	runMetricsAddr string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile the HAProxy configuration",
	Long: `Discover the instances of every pool, render the template and deploy the
result when it differs from the current HAProxy configuration.

Without --once the reconciliation repeats every --interval until SIGINT or
SIGTERM. With --once a single cycle runs and its result is the exit code.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		applyRunFlags(cmd, cfg)

		if cfg.LogFile != "" {
			if err := logging.SetOutputFile(cfg.LogFile); err != nil {
				logging.Logger().Fatal("Failed to open log file", zap.String("path", cfg.LogFile), zap.Error(err))
			}
		}

		if err := cfg.Validate(); err != nil {
			logging.Logger().Fatal("Invalid configuration", zap.Error(err))
		}

		logging.Logger().Info("Configuration loaded",
			zap.Strings("pools", cfg.Pools),
			zap.String("template", cfg.Template),
			zap.String("haproxy_cfg", cfg.HAProxyCfg),
			zap.String("service", cfg.Service),
			zap.Bool("dry_run", cfg.DryRun),
			zap.Bool("aws", cfg.AWS.IsEnabled()),
			zap.Bool("openstack", cfg.OpenStack.IsEnabled()))

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		code := reconcileWith(ctx, *cfg, runOnce)
		stop()

		_ = logging.Sync()
		os.Exit(int(code))
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runOnce, "once", false, "Run a single cycle and exit with its status")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Print the rendered configuration instead of deploying it")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Run a cycle whenever the template changes")
	runCmd.Flags().StringVar(&runPools, "pools", "", "Comma-delimited list of backend pools")
	runCmd.Flags().StringVar(&runTemplate, "template", "", "HAProxy configuration template")
	runCmd.Flags().StringVar(&runHAProxyCfg, "haproxy-cfg", "", "Deployed HAProxy configuration file")
	runCmd.Flags().StringVar(&runInterval, "interval", "", "Wait between cycles (5m, 5min, 30sec, 1hour)")
	runCmd.Flags().StringVar(&runService, "service", "", "Service reloaded after a deploy")
	runCmd.Flags().StringVar(&runHostname, "log-send-hostname", "", "Hostname for the syslog header")
	runCmd.Flags().IntVar(&runCPUs, "cpus", 0, "CPUs reserved for HAProxy (nbproc)")
	runCmd.Flags().IntVar(&runSystemCPUs, "system-cpus", 0, "CPUs reserved for the system")
	runCmd.Flags().StringVar(&runReportFile, "report-file", "", "Write the last cycle report to this JSON file")
	runCmd.Flags().StringVar(&runHealthAddr, "health-addr", "", "Serve gRPC health checks on this address")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

// applyRunFlags overrides cfg with the flags set on the command line
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("dry-run") {
		cfg.DryRun = runDryRun
	}
	if flags.Changed("watch") {
		cfg.WatchTemplate = runWatch
	}
	if flags.Changed("pools") {
		cfg.Pools = config.ParsePools(runPools)
	}
	if flags.Changed("template") {
		cfg.Template = runTemplate
	}
	if flags.Changed("haproxy-cfg") {
		cfg.HAProxyCfg = runHAProxyCfg
	}
	if flags.Changed("interval") {
		cfg.Interval = runInterval
	}
	if flags.Changed("service") {
		cfg.Service = runService
	}
	if flags.Changed("log-send-hostname") {
		cfg.Hostname = runHostname
	}
	if flags.Changed("cpus") {
		cfg.CPUs = runCPUs
	}
	if flags.Changed("system-cpus") {
		cfg.SystemCPUs = runSystemCPUs
	}
	if flags.Changed("report-file") {
		cfg.ReportFile = runReportFile
	}
	if flags.Changed("health-addr") {
		cfg.HealthAddr = runHealthAddr
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = runMetricsAddr
	}
}

// nodeName identifies this host in shared report storage
func nodeName(cfg config.Config) string {
	if cfg.Hostname != "" {
		return cfg.Hostname
	}
	if name, err := os.Hostname(); err == nil {
		return name
	}
	return "unknown"
}

func reconcileWith(ctx context.Context, cfg config.Config, once bool) reconcile.ExitCode {
	clients, err := provider.NewClients(ctx, cfg)
	if err != nil {
		logging.Logger().Error("Failed to set up providers", zap.Error(err))
		return reconcile.ExitFailure
	}
	logging.Logger().Debug("Providers ready", zap.Stringer("clients", clients))

	m := metrics.New()
	health := server.NewHealth()

	resolver := pool.NewResolver(clients.Adapters(cfg), provider.FiltersFromConfig(cfg), cfg.ProviderTimeout)
	resolver.OnDiscoveryError = m.DiscoveryFailed

	applier := deploy.NewApplier(cfg.HAProxyCfg, cfg.Service, deploy.NewReloader())

	sinks := []report.Sink{m, health}
	if cfg.ReportFile != "" {
		sinks = append(sinks, report.NewFileSink(cfg.ReportFile))
	}
	if len(cfg.Etcd.Endpoints) > 0 {
		etcdSink, err := report.NewEtcdSink(cfg.Etcd.Endpoints, cfg.Etcd.DialTimeout, cfg.Etcd.Prefix, nodeName(cfg))
		if err != nil {
			logging.Logger().Warn("etcd report sink disabled", zap.Error(err))
		} else {
			defer etcdSink.Close()
			sinks = append(sinks, etcdSink)
		}
	}

	rec := reconcile.New(reconcile.OptionsFromConfig(cfg), resolver, applier, sinks...)

	if once {
		return rec.RunOnce(ctx)
	}

	srv := server.NewServer(cfg.HealthAddr, cfg.MetricsAddr, health, m.Handler())
	if err := srv.Start(ctx); err != nil {
		logging.Logger().Error("Failed to start endpoints", zap.Error(err))
		return reconcile.ExitFailure
	}

	triggers := reconcile.NewTriggers()
	if cfg.WatchTemplate {
		watcher := watch.New(cfg.Template, watch.DefaultDebounce, triggers)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logging.Logger().Error("Template watcher stopped", zap.Error(err))
			}
		}()
	}

	interval := config.ParseInterval(cfg.Interval)
	logging.Logger().Info("Starting reconciliation loop", zap.Duration("interval", interval))

	scheduler := reconcile.NewScheduler(rec, interval, triggers)
	ready := false
	scheduler.OnCycle = func(code reconcile.ExitCode) {
		if ready {
			return
		}
		ready = true
		if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
			logging.Logger().Debug("sd_notify failed", zap.Error(err))
		}
	}
	scheduler.Run(ctx)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	logging.Logger().Info("Shutting down")
	return reconcile.ExitSuccess
}
