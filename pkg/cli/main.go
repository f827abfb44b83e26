// Package cli wires configuration, backends and the upgrade runner into the
// upgradejob command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/upgradejob/pkg/config"
	"github.com/nimburion/upgradejob/pkg/health"
	"github.com/nimburion/upgradejob/pkg/lock"
	"github.com/nimburion/upgradejob/pkg/observability/logger"
	"github.com/nimburion/upgradejob/pkg/observability/metrics"
	"github.com/nimburion/upgradejob/pkg/observability/tracing"
	"github.com/nimburion/upgradejob/pkg/txn"
	"github.com/nimburion/upgradejob/pkg/upgrade"
	"github.com/nimburion/upgradejob/pkg/upgrade/passwordhash"
	"github.com/nimburion/upgradejob/pkg/version"
)

// ExitError carries the process exit code of a finished command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Options configures the root command.
type Options struct {
	Name       string
	ConfigPath string
	EnvPrefix  string

	// Out receives command results, Err receives logs. Default to stdout/stderr.
	Out io.Writer
	Err io.Writer

	// Optional backend overrides; the config-driven factories are used otherwise.
	NewLockProvider    LockProviderFactory
	NewRecordStore     RecordStoreFactory
	NewCheckpointStore CheckpointStoreFactory
}

func (o *Options) normalize() {
	if strings.TrimSpace(o.Name) == "" {
		o.Name = "upgradejob"
	}
	if strings.TrimSpace(o.EnvPrefix) == "" {
		o.EnvPrefix = config.DefaultEnvPrefix
	}
	if o.Out == nil {
		o.Out = os.Stdout
	}
	if o.Err == nil {
		o.Err = os.Stderr
	}
}

// NewCommand creates the root command with run, healthcheck, version and
// config subcommands.
func NewCommand(opts Options) *cobra.Command {
	opts.normalize()
	build := newFactories(opts)

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         "Batch-upgrade stored records under a cluster-wide lock",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(opts.Out)
	rootCmd.SetErr(opts.Err)

	var cfgPath string
	var secretFilePath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&secretFilePath, "secret-file", "", "path to secrets file (sets "+resolveEnvPrefix(opts.EnvPrefix)+"_SECRETS_FILE)")

	loadConfig := func(flags *pflag.FlagSet) (*config.Config, *config.Config, logger.Logger, error) {
		return LoadConfigAndLogger(cfgPath, opts.EnvPrefix, secretFilePath, flags, opts.Err)
	}

	// run command
	var runOutput string
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run one attempt of the upgrade job",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateOutput(runOutput)
			if err != nil {
				return err
			}
			cfg, _, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJob(ctx, cfg, log, build, opts, format)
		},
	}
	runCmd.Flags().StringVarP(&runOutput, "output", "o", OutputText, "output format (text, json, yaml)")
	config.RegisterJobFlags(runCmd.Flags())
	rootCmd.AddCommand(runCmd)

	// healthcheck command
	var healthOutput string
	healthCmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the lock provider, record store and checkpoint store",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateOutput(healthOutput)
			if err != nil {
				return err
			}
			cfg, _, log, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			return checkHealth(cmd.Context(), cfg, log, build, opts.Out, format)
		},
	}
	healthCmd.Flags().StringVarP(&healthOutput, "output", "o", OutputText, "output format (text, json, yaml)")
	rootCmd.AddCommand(healthCmd)

	// version command
	var versionOutput string
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := validateOutput(versionOutput)
			if err != nil {
				return err
			}
			info := version.Current(opts.Name)
			return render(opts.Out, format, info, versionText(info))
		},
	}
	versionCmd.Flags().StringVarP(&versionOutput, "output", "o", OutputText, "output format (text, json, yaml)")
	rootCmd.AddCommand(versionCmd)

	// config command
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, _, err := loadConfig(cmd.Flags()); err != nil {
				return err
			}
			fmt.Fprintln(opts.Out, "Configuration is valid")
			return nil
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secrets, _, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			_, err = io.WriteString(opts.Out, cfg.Redacted(secrets))
			return err
		},
	})
	rootCmd.AddCommand(configCmd)

	return rootCmd
}

func runJob(ctx context.Context, cfg *config.Config, log logger.Logger, build factories, opts Options, format string) error {
	info := version.Current(cfg.Service.Name)

	tracer, err := tracing.NewTracerProvider(ctx, tracing.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: info.Version,
		Environment:    cfg.Service.Environment,
		JobName:        cfg.Job.Name,
		JobType:        cfg.Job.TypeID,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	})
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	defer func() {
		if err := tracer.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("tracer shutdown failed", "error", err)
		}
	}()

	backends, err := build.build(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Warn("failed to close backends", "error", err)
		}
	}()

	runner, err := newUpgradeRunner(cfg, log, backends)
	if err != nil {
		return err
	}

	log.Info("starting upgrade job", "job", cfg.Job.Name, "version", info.String())
	snapshot := runner.Execute(ctx)

	pushMetrics(ctx, cfg, log, info)

	report := newRunReport(cfg.Job.Name, runner.State(), snapshot, runner.LastError())
	if err := render(opts.Out, format, report, report.text()); err != nil {
		return err
	}
	if runner.State() == upgrade.StateFailed {
		return &ExitError{Code: 1, Err: fmt.Errorf("run failed: %w", runner.LastError())}
	}
	return nil
}

func newUpgradeRunner(cfg *config.Config, log logger.Logger, backends *components) (*upgrade.Runner, error) {
	coordinator, err := lock.NewCoordinator(backends.locks, log)
	if err != nil {
		return nil, fmt.Errorf("create lock coordinator: %w", err)
	}
	tx, err := txn.NewRunner(backends.records, txn.RetryPolicy{
		MaxAttempts:    cfg.Transaction.MaxAttempts,
		InitialBackoff: cfg.Transaction.InitialBackoff,
		MaxBackoff:     cfg.Transaction.MaxBackoff,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create transaction runner: %w", err)
	}
	worker, err := passwordhash.NewUpgrader(backends.records, passwordhash.Config{
		PreferredEncoding: cfg.PasswordHash.PreferredEncoding,
		Cost:              cfg.PasswordHash.BcryptCost,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create password hash upgrader: %w", err)
	}

	runner, err := upgrade.NewRunner(upgrade.Dependencies{
		Locks:       coordinator,
		Store:       backends.records,
		Tx:          tx,
		Worker:      worker,
		Checkpoints: backends.checkpoints,
		Log:         log,
	}, upgrade.Config{
		Name:           cfg.Job.Name,
		TypeID:         cfg.Job.TypeID,
		WindowSize:     cfg.Job.QueryWindowSize,
		Workers:        cfg.Job.ThreadCount,
		BatchSize:      cfg.Job.BatchSize,
		LockTTL:        cfg.Job.LockTTL,
		ErrorBudget:    cfg.Job.ErrorBudget,
		ItemTimeout:    cfg.Job.ItemTimeout,
		ItemsPerSecond: cfg.Job.ItemsPerSecond,
		Checkpoint:     cfg.Job.Checkpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("create upgrade runner: %w", err)
	}
	return runner, nil
}

// pushMetrics sends the run metrics to the Pushgateway when configured.
// Failures are logged; they never change the run outcome.
func pushMetrics(ctx context.Context, cfg *config.Config, log logger.Logger, info version.Info) {
	url := strings.TrimSpace(cfg.Observability.PushgatewayURL)
	if url == "" {
		return
	}

	registry := metrics.NewRegistry()
	registry.MustRegister(metrics.NewBuildInfoCollector(info))

	grouping := map[string]string{}
	if host, err := os.Hostname(); err == nil && host != "" {
		grouping["instance"] = host
	}
	pusher, err := metrics.NewPusher(metrics.PusherConfig{
		URL:      url,
		Job:      cfg.Job.Name,
		Grouping: grouping,
	}, registry.Gatherer())
	if err != nil {
		log.Warn("metrics push disabled", "error", err)
		return
	}
	if err := pusher.Push(context.WithoutCancel(ctx)); err != nil {
		log.Warn("metrics push failed", "url", url, "error", err)
	}
}

func checkHealth(ctx context.Context, cfg *config.Config, log logger.Logger, build factories, out io.Writer, format string) error {
	backends, err := build.build(cfg, log)
	if err != nil {
		return &ExitError{Code: 1, Err: err}
	}
	defer func() {
		if err := backends.Close(); err != nil {
			log.Warn("failed to close backends", "error", err)
		}
	}()

	registry := health.NewRegistry()
	registry.Register(lock.NewLockProviderHealthChecker("lock", backends.locks, cfg.Lock.OperationTimeout))
	registry.Register(health.NewStoreChecker("store", backends.records))
	if checkable, ok := backends.checkpoints.(health.Checkable); ok {
		registry.Register(health.NewCheckpointChecker("checkpoint", checkable))
	}

	result := registry.Check(ctx)
	if err := render(out, format, result, healthText(result)); err != nil {
		return err
	}
	if !result.IsUsable() {
		return &ExitError{Code: 1, Err: errors.New("dependencies are unhealthy")}
	}
	return nil
}

// LoadConfigAndLogger loads the configuration (with secrets) and builds the
// logger. It returns the config, the secrets used for masking and the logger.
func LoadConfigAndLogger(cfgPath, envPrefix, secretFilePath string, flags *pflag.FlagSet, logOutput io.Writer) (*config.Config, *config.Config, logger.Logger, error) {
	if err := applySecretFileFlag(envPrefix, secretFilePath); err != nil {
		return nil, nil, nil, err
	}
	loader := config.NewViperLoader(cfgPath, envPrefix)
	if flags != nil {
		loader = loader.WithFlags(flags)
	}
	cfg, secrets, err := loader.LoadWithSecrets()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Log.Level),
		Format: logger.LogFormat(cfg.Log.Format),
		Output: logOutput,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create logger: %w", err)
	}

	if strings.EqualFold(cfg.Log.Level, string(logger.DebugLevel)) {
		log.Debug("effective configuration", "config", cfg.Redacted(secrets))
	}
	return cfg, secrets, log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return config.DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}

// Execute runs the command and exits with the appropriate code.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
