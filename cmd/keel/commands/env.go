package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keelops/keel/pkg/config"
	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/policy"
	"github.com/keelops/keel/pkg/providers"
	"github.com/keelops/keel/pkg/stores"
	"github.com/keelops/keel/pkg/system"
	"github.com/keelops/keel/pkg/telemetry"
)

const shutdownTimeout = 10 * time.Second

// env is everything a command needs to load declarations and converge them
// against the host.
type env struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	hostname string

	fs     *system.OSFileSystem
	runner *system.ExecRunner
	facts  *system.HostFacts

	journal  *stores.SQLiteStore
	observer *telemetry.Observer
}

type envOptions struct {
	journal bool
	metrics bool
}

// newEnv loads settings and wires telemetry, host access and, when asked for,
// the run journal. Close must be called when done.
func newEnv(ctx context.Context, info buildInfo, opts envOptions) (*env, error) {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return nil, &ExitError{Code: engine.ExitStructural, Err: err}
	}
	if verbose {
		settings.Log.Level = "debug"
	}
	if rootDir != "" {
		settings.Run.Root = rootDir
	}

	tel, err := telemetry.NewTelemetry(telemetryConfig(settings, info, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	log.Logger = tel.Logger.Zerolog()

	e := &env{
		settings: settings,
		tel:      tel,
		logger:   tel.Logger.Zerolog(),
		observer: telemetry.NewObserver(tel),
	}
	e.hostname, _ = os.Hostname()

	e.fs = system.NewOSFileSystem(settings.Run.Root)
	e.runner = system.NewExecRunner(tel.Logger.Component("runner"))

	collector := system.NewFactsCollector(e.fs, e.runner, tel.Logger.Component("facts"))
	e.facts, err = collector.Collect(ctx)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to collect host facts: %w", err)
	}
	if e.facts.Hostname != "" {
		e.hostname = e.facts.Hostname
	}

	if opts.journal && settings.Journal.Enabled {
		e.openJournal(ctx)
	}
	return e, nil
}

func telemetryConfig(s *config.Settings, info buildInfo, opts envOptions) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = info.Version
	cfg.Logging.Level = s.Log.Level
	cfg.Logging.Format = s.Log.Format

	cfg.Tracing.Enabled = s.Tracing.Enabled
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SampleRate

	cfg.Metrics.Enabled = s.Metrics.Enabled && opts.metrics
	cfg.Metrics.Textfile = s.Metrics.Textfile
	cfg.Metrics.ListenAddress = s.Metrics.Listen
	return cfg
}

// openJournal opens and migrates the journal. A journal that cannot be opened
// is logged and skipped; it never blocks a run.
func (e *env) openJournal(ctx context.Context) {
	path := e.settings.Journal.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		e.logger.Warn().Err(err).Str("path", path).Msg("Run journal disabled")
		return
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err == nil {
		err = store.Init(ctx)
	}
	if err == nil {
		err = store.Migrate(ctx)
	}
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		e.logger.Warn().Err(err).Str("path", path).Msg("Run journal disabled")
		return
	}

	e.journal = store
	e.tel.AttachJournal(store)
}

// requireJournal opens the journal for history commands, which are useless
// without it.
func (e *env) requireJournal(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: e.settings.Journal.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open run journal: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	e.journal = store
	return store, nil
}

// Close flushes telemetry and closes the journal.
func (e *env) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := e.tel.Shutdown(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	if e.journal != nil {
		if err := e.journal.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to close run journal")
		}
	}
}

// loadDeclarations loads declaration files with host facts available to
// interpolation.
func (e *env) loadDeclarations(ctx context.Context, paths []string) (*config.DeclarationSet, error) {
	loader := config.NewLoader(
		config.WithHostFacts(e.facts.Map()),
		config.WithLogger(e.tel.Logger.Component("config")),
	)
	return loader.Load(ctx, paths)
}

// newEngine registers the built-in providers for this host and returns an
// engine that reports to telemetry and the journal.
func (e *env) newEngine(set *config.DeclarationSet) (*engine.Engine, engine.RunObserver, error) {
	templateDir := e.settings.Run.TemplateDir
	if templateDir == "" && len(set.SourceFiles) > 0 {
		templateDir = filepath.Dir(set.SourceFiles[0])
	}

	reg := engine.NewRegistry()
	err := providers.RegisterDefaults(reg, providers.Deps{
		Runner:      e.runner,
		FS:          e.fs,
		Logger:      e.tel.Logger.Component("provider"),
		TemplateDir: templateDir,
		TemplateData: map[string]any{
			"variables":  set.Variables,
			"attributes": set.Attributes,
			"host":       e.facts.Map(),
		},
		PackageManager: e.facts.PackageManager,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to register providers: %w", err)
	}

	attrs := e.facts.Flatten()
	for k, v := range config.FlattenAttributes(set.Attributes) {
		attrs[k] = v
	}

	observer := e.observers(set.SourceFiles)
	eng := engine.New(reg, system.NewFacts(e.fs, e.runner, attrs),
		engine.WithLogger(e.tel.Logger.Component("engine")),
		engine.WithObserver(observer),
	)
	return eng, observer, nil
}

func (e *env) observers(sources []string) engine.RunObserver {
	observers := engine.MultiObserver{e.observer}
	if e.journal != nil {
		observers = append(observers, stores.NewRecorder(e.journal, e.hostname, sources, e.logger))
	}
	return observers
}

// newPolicyEngine returns nil when policies are disabled.
func (e *env) newPolicyEngine(ctx context.Context) (*policy.Engine, error) {
	if !e.settings.Policy.Enabled {
		return nil, nil
	}
	pe, err := policy.NewEngine(e.tel.Logger.Component("policy"))
	if err != nil {
		return nil, err
	}
	if len(e.settings.Policy.Paths) > 0 {
		if err := pe.LoadPolicies(ctx, e.settings.Policy.Paths); err != nil {
			return nil, err
		}
	}
	for _, name := range e.settings.Policy.Disabled {
		if err := pe.DisablePolicy(name); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

// checkPolicies runs the policy gate. Warnings are logged; blocking
// violations are published and returned as a structural error.
func (e *env) checkPolicies(ctx context.Context, pe *policy.Engine, runID string, set *config.DeclarationSet, dryRun bool) error {
	if pe == nil {
		return nil
	}
	result, err := pe.Check(ctx, set.Declarations, e.facts.Map(), dryRun)
	if result != nil {
		for _, w := range result.Warnings {
			e.logger.Warn().
				Str("policy", w.Policy).
				Str("resource", w.Resource).
				Msg(w.Message)
		}
		for _, v := range result.Violations {
			e.observer.PolicyViolation(runID, v.Resource, v.Policy, v.Message, string(v.Severity))
		}
	}
	return err
}

// converge loads, gates and runs the declarations. Rejected runs are reported
// to the observers like any other run.
func (e *env) converge(ctx context.Context, pe *policy.Engine, paths []string, opts engine.RunOptions) *engine.RunReport {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}

	set, err := e.loadDeclarations(ctx, paths)
	if err != nil {
		if !engine.IsStructural(err) {
			err = engine.NewStructuralError("failed to load declarations", err)
		}
		return e.reject(ctx, opts, nil, err)
	}

	eng, observer, err := e.newEngine(set)
	if err != nil {
		return e.reject(ctx, opts, set.SourceFiles, err)
	}

	if err := e.checkPolicies(ctx, pe, opts.RunID, set, opts.DryRun); err != nil {
		report := engine.NewRejectedReport(opts.RunID, err)
		report.DryRun = opts.DryRun
		observer.RunFinished(ctx, report)
		return report
	}

	return eng.Run(ctx, set.Declarations, opts)
}

func (e *env) reject(ctx context.Context, opts engine.RunOptions, sources []string, err error) *engine.RunReport {
	report := engine.NewRejectedReport(opts.RunID, err)
	report.DryRun = opts.DryRun
	e.observers(sources).RunFinished(ctx, report)
	return report
}

// runOptions builds run options from settings and the run flags.
func (e *env) runOptions(f *runFlags, dryRun bool) engine.RunOptions {
	opts := engine.DefaultRunOptions()
	opts.DryRun = dryRun
	opts.FailFast = e.settings.Run.FailFast
	opts.Timeout = e.settings.Run.Timeout
	opts.Tags = f.tags
	if f.failFastSet {
		opts.FailFast = f.failFast
	}
	if f.timeout > 0 {
		opts.Timeout = f.timeout
	}
	return opts
}
