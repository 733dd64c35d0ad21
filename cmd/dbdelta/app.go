package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/GoCodeAlone/dbdelta/audit"
	"github.com/GoCodeAlone/dbdelta/backup"
	"github.com/GoCodeAlone/dbdelta/config"
	"github.com/GoCodeAlone/dbdelta/database"
	"github.com/GoCodeAlone/dbdelta/delta"
	"github.com/GoCodeAlone/dbdelta/metrics"
	"github.com/GoCodeAlone/dbdelta/observability/tracing"
	"github.com/GoCodeAlone/dbdelta/upgrade"
)

// stringSliceFlag is a flag.Value that accumulates repeated flags.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ", ")
}

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// commonFlags are accepted by every command.
type commonFlags struct {
	command    string
	configPath string
	logFormat  string
	verbose    bool
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{command: fs.Name()}
	fs.StringVar(&c.configPath, "c", "", "Path to config file (default "+config.DefaultFile+" when present)")
	fs.StringVar(&c.logFormat, "log-format", "text", "Log format: text or json")
	fs.BoolVar(&c.verbose, "verbose", false, "Enable debug logging")
	return c
}

// app is the state shared by a command run: the resolved configuration, the
// logger and the optional observability sinks.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	tracer  *tracing.PipelineTracer
	metrics *metrics.Collector
	audit   *audit.Logger
	closers []func(context.Context) error
}

// newApp loads and validates the configuration, expands secrets and starts
// tracing, metrics and audit logging when configured.
func newApp(ctx context.Context, c *commonFlags) (*app, error) {
	logger, err := newLogger(c.logFormat, c.verbose)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	resolver, err := cfg.NewResolver()
	if err != nil {
		return nil, err
	}
	if cfg, err = cfg.ResolveSecrets(ctx, resolver); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tracer, shutdown, err := tracing.Setup(ctx, cfg.Tracing, c.command)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, tracer: tracer}
	a.closers = append(a.closers, shutdown)
	if cfg.Metrics.Pushgateway != "" {
		a.metrics = metrics.NewCollector(cfg.Metrics)
		a.closers = append(a.closers, a.metrics.Push)
	}
	if cfg.Audit.Path != "" {
		l, err := audit.OpenFile(cfg.Audit.Path)
		if err != nil {
			a.close(ctx)
			return nil, err
		}
		a.audit = l
		a.closers = append(a.closers, func(context.Context) error { return l.Close() })
	}
	return a, nil
}

// close flushes metrics and traces. Failures are logged only.
func (a *app) close(ctx context.Context) {
	for _, fn := range a.closers {
		if err := fn(ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
}

func newLogger(format string, verbose bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q (want text or json)", format)
	}
}

func (a *app) target(nameOrDSN, flagName string) (database.Target, error) {
	if nameOrDSN == "" {
		return database.Target{}, fmt.Errorf("-%s is required", flagName)
	}
	return a.cfg.Target(nameOrDSN)
}

func (a *app) table(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return a.cfg.UpgradesTable
}

func (a *app) deltaDirs(flagValue []string) ([]string, error) {
	dirs := flagValue
	if len(dirs) == 0 {
		dirs = a.cfg.DeltaDirs
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("at least one delta directory is required (-D or delta_dirs)")
	}
	return dirs, nil
}

// plan discovers deltas and hooks and combines configured variables with
// --var flags; a flag replaces a configured variable of the same name.
func (a *app) plan(table string, dirs, vars []string, maxVersion string) (upgrade.Plan, error) {
	units, err := delta.Discover(dirs)
	if err != nil {
		return upgrade.Plan{}, err
	}
	pre, post, err := delta.DiscoverHooks(dirs)
	if err != nil {
		return upgrade.Plan{}, err
	}
	variables, err := a.cfg.Bindings()
	if err != nil {
		return upgrade.Plan{}, err
	}
	for _, s := range vars {
		b, err := delta.ParseBinding(s)
		if err != nil {
			return upgrade.Plan{}, err
		}
		variables[b.Name] = b
	}
	p := upgrade.Plan{Table: table, Dirs: dirs, Units: units, Pre: pre, Post: post, Variables: variables}
	if maxVersion == "" {
		p.MaxVersion, err = a.cfg.MaxVersion()
	} else {
		var v delta.Version
		v, err = delta.ParseVersion(maxVersion)
		p.MaxVersion = &v
	}
	if err != nil {
		return upgrade.Plan{}, err
	}
	return p, nil
}

func (a *app) runner() *upgrade.Runner {
	return upgrade.NewRunner(a.logger,
		upgrade.WithTracer(a.tracer),
		upgrade.WithMetrics(a.metrics),
		upgrade.WithAdvisoryLock(a.cfg.Upgrade.AdvisoryLock),
	)
}

func (a *app) backupManager() (backup.Manager, error) {
	pg, err := backup.NewPgManager(a.cfg.Backup.PgConfig, a.logger)
	if err != nil {
		return nil, err
	}
	return backup.Router{Postgres: pg, SQLite: backup.NewSQLiteManager(a.logger)}, nil
}

func (a *app) excludeSchemas(flagValue, configured []string) []string {
	if len(flagValue) > 0 {
		return flagValue
	}
	return configured
}
