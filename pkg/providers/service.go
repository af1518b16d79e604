package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/system"
)

// ServiceProvider manages systemd units.
//
// restart and reload always diverge, they are meant to be triggered by
// notifications. start and stop honour an optional enabled attribute, so
// "enable and start" is action start with enabled: true.
type ServiceProvider struct {
	deps Deps
}

// NewServiceProvider creates a service provider.
func NewServiceProvider(deps Deps) *ServiceProvider {
	return &ServiceProvider{deps: deps.withDefaults()}
}

// Metadata describes the service resource type.
func (p *ServiceProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "service",
		Description:   "systemd service state",
		Actions:       []string{"start", "stop", "restart", "reload", "enable", "disable", "nothing"},
		DefaultAction: "nothing",
	}
}

func (p *ServiceProvider) unit(req *engine.Request) string {
	return attrs(req.Attributes).strOr("service_name", req.Identity.Name)
}

// Validate checks the enabled attribute.
func (p *ServiceProvider) Validate(req *engine.Request) error {
	_, err := attrs(req.Attributes).boolean("enabled", false)
	return err
}

// Observe reads the active and enabled state.
func (p *ServiceProvider) Observe(ctx context.Context, req *engine.Request) (*engine.State, error) {
	unit := p.unit(req)

	active, err := p.deps.Runner.Run(ctx, system.Command{Name: "systemctl", Args: []string{"is-active", unit}})
	if err != nil {
		return nil, err
	}
	enabled, err := p.deps.Runner.Run(ctx, system.Command{Name: "systemctl", Args: []string{"is-enabled", unit}})
	if err != nil {
		return nil, err
	}

	activeState := strings.TrimSpace(active.Stdout)
	enabledState := strings.TrimSpace(enabled.Stdout)
	return &engine.State{
		Exists: enabledState != "" && !strings.Contains(enabled.Stderr, "No such file"),
		Attributes: map[string]any{
			"running": activeState == "active" || activeState == "reloading",
			"enabled": enabledState == "enabled" || enabledState == "enabled-runtime" || enabledState == "static",
			"active":  activeState,
		},
	}, nil
}

// Diff returns the systemctl verbs needed.
func (p *ServiceProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	running, _ := state.Attributes["running"].(bool)
	enabled, _ := state.Attributes["enabled"].(bool)

	var verbs []string
	var changes []engine.Change

	want := func(verb, path string, before, after bool) {
		if before != after {
			verbs = append(verbs, verb)
			changes = append(changes, engine.Change{Path: path, Before: before, After: after})
		}
	}

	a := attrs(req.Attributes)
	if a.has("enabled") {
		wantEnabled, err := a.boolean("enabled", false)
		if err != nil {
			return nil, err
		}
		if wantEnabled {
			want("enable", "enabled", enabled, true)
		} else {
			want("disable", "enabled", enabled, false)
		}
	}

	switch req.Action {
	case "nothing":
		// No verb of its own; only enabled: is converged.
	case "start":
		want("start", "running", running, true)
	case "stop":
		want("stop", "running", running, false)
	case "enable":
		want("enable", "enabled", enabled, true)
	case "disable":
		want("disable", "enabled", enabled, false)
	case "restart", "reload":
		verb := req.Action
		if !running {
			verb = "start"
		}
		verbs = append(verbs, verb)
		changes = append(changes, engine.Change{Path: req.Action, Before: state.Attributes["active"], After: "active"})
	default:
		return nil, unsupportedAction(req.Action)
	}

	return changeSet(changes, "", dedupe(verbs)), nil
}

// Apply runs systemctl for each verb.
func (p *ServiceProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	verbs, ok := cs.Payload.([]string)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}
	unit := p.unit(cs.Request)

	for _, verb := range verbs {
		if _, err := run(ctx, p.deps.Runner, system.Command{Name: "systemctl", Args: []string{verb, unit}}); err != nil {
			return nil, fmt.Errorf("failed to %s %s: %w", verb, unit, err)
		}
	}
	return &engine.ApplyResult{Message: strings.Join(verbs, ", ")}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
