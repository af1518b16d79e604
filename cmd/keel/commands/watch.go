package commands

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/keelops/keel/pkg/config"
	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/policy"
	"github.com/keelops/keel/pkg/telemetry"
)

func newWatchCommand(info buildInfo) *cobra.Command {
	var (
		flags    runFlags
		interval time.Duration
		debounce time.Duration
		dryRun   bool
	)

	cmd := &cobra.Command{
		Use:   "watch <path>...",
		Short: "Converge continuously",
		Long: `Watch converges once, then again whenever a declaration file changes
and every --interval. Policy files are reloaded when they change.

A failed run is logged and the next one is attempted as usual. Metrics are
served on the configured listen address while watch runs.`,
		Example: `  # Converge on change and every 30 minutes
  keel watch ./declarations/

  # Report drift only
  keel watch --dry-run --interval 5m site.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.load(cmd)
			ctx := cmd.Context()

			e, err := newEnv(ctx, info, envOptions{journal: true, metrics: true})
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.tel.StartMetricsServer(ctx); err != nil {
				return err
			}

			pe, err := e.newPolicyEngine(ctx)
			if err != nil {
				return &ExitError{Code: engine.ExitStructural, Err: err}
			}
			if pe != nil && len(e.settings.Policy.Paths) > 0 {
				loader := policy.NewLoader(e.tel.Logger.Component("policy"))
				if err := loader.Watch(ctx, e.settings.Policy.Paths, e.reloadPolicies(ctx, pe)); err != nil {
					e.logger.Warn().Err(err).Msg("Policy files will not be reloaded")
				}
			}

			w := &watchLoop{
				env:      e,
				policies: pe,
				paths:    args,
				opts:     e.runOptions(&flags, dryRun),
				interval: interval,
				trigger:  make(chan string, 1),
			}

			watcher, err := config.NewWatcher(args, debounce, e.tel.Logger.Component("watch"))
			if err != nil {
				return err
			}
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := watcher.Run(ctx, w.declarationsChanged); err != nil {
					e.logger.Error().Err(err).Msg("Declaration watcher stopped")
				}
			}()

			w.run(ctx)
			wg.Wait()
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Minute, "converge at least this often (0 disables)")
	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "wait this long after a change before converging")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report drift without changing anything")
	return cmd
}

type watchLoop struct {
	env      *env
	policies *policy.Engine
	paths    []string
	opts     engine.RunOptions
	interval time.Duration

	// trigger holds at most one pending run reason.
	trigger chan string
}

func (w *watchLoop) declarationsChanged(_ context.Context) {
	w.env.publish(telemetry.Event{
		Type:    telemetry.EventTypeConfigReloaded,
		Source:  "watch",
		Level:   telemetry.EventLevelInfo,
		Message: "declaration files changed",
	})
	w.request("change")
}

func (w *watchLoop) request(reason string) {
	select {
	case w.trigger <- reason:
	default:
	}
}

// run converges on start, on every trigger and on every tick until ctx is done.
func (w *watchLoop) run(ctx context.Context) {
	var tick <-chan time.Time
	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	w.converge(ctx, "start")
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-w.trigger:
			w.converge(ctx, reason)
		case <-tick:
			w.converge(ctx, "interval")
		}
	}
}

func (w *watchLoop) converge(ctx context.Context, reason string) {
	opts := w.opts
	opts.RunID = ""
	report := w.env.converge(ctx, w.policies, w.paths, opts)

	event := w.env.logger.Info()
	if report.ExitCode() != engine.ExitOK {
		event = w.env.logger.Error().Err(report.Err())
	}
	event.
		Str("run_id", report.RunID).
		Str("trigger", reason).
		Str("status", string(report.Status)).
		Str("summary", report.Summary.String()).
		Dur("duration", report.Duration).
		Msg("Run finished")
}

// reloadPolicies swaps in reloaded policy files. Policies disabled in
// keel.yaml stay disabled.
func (e *env) reloadPolicies(ctx context.Context, pe *policy.Engine) func([]policy.Policy) error {
	return func(policies []policy.Policy) error {
		if err := pe.ReloadPolicies(ctx, policies); err != nil {
			return err
		}
		e.publish(telemetry.Event{
			Type:    telemetry.EventTypePolicyReloaded,
			Source:  "policy",
			Level:   telemetry.EventLevelInfo,
			Message: "policies reloaded",
			Data:    map[string]any{"count": len(policies)},
		})
		return nil
	}
}

func (e *env) publish(event telemetry.Event) {
	if err := e.tel.Events.Publish(event); err != nil {
		e.logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to publish event")
	}
}
