package policy

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/keelops/keel/pkg/engine"
)

// Engine evaluates Rego policies against declaration sets before a run.
//
// The built-in policies are compiled once. Site policies are layered on top
// and a site policy with a built-in's name shadows it. Enable and disable
// overrides are remembered by name and survive ReloadPolicies.
type Engine struct {
	logger zerolog.Logger
	store  storage.Store

	mu        sync.RWMutex
	builtins  map[string]*compiledPolicy
	active    map[string]*compiledPolicy
	overrides map[string]bool
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewEngine compiles the built-in policies.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger:    logger.With().Str("component", "policy-engine").Logger(),
		store:     inmem.New(),
		overrides: make(map[string]bool),
	}

	builtins, err := e.compileAll(context.Background(), GetBuiltinPolicies())
	if err != nil {
		return nil, fmt.Errorf("built-in policies: %w", err)
	}
	e.builtins = builtins
	e.active = maps.Clone(builtins)

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies compiled")
	return e, nil
}

// compileAll compiles every policy or none.
func (e *Engine) compileAll(ctx context.Context, policies []Policy) (map[string]*compiledPolicy, error) {
	out := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		cp, err := e.compile(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", p.Name, err)
		}
		out[p.Name] = cp
	}
	return out, nil
}

// compile prepares the policy's <package>.deny query.
func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, err
	}

	query := module.Package.Path.String() + ".deny"
	prepared, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(query),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.logger.Trace().Str("policy", p.Name).Str("query", query).Msg("Policy compiled")
	return &compiledPolicy{policy: p, query: prepared}, nil
}

// LoadPolicies reads policy files and adds them.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.AddPolicies(ctx, policies)
}

// AddPolicies compiles policies and adds them, replacing loaded policies of
// the same name. Nothing is added if any fails to compile.
func (e *Engine) AddPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	e.mu.Lock()
	maps.Copy(e.active, compiled)
	e.mu.Unlock()

	e.logger.Info().Int("count", len(compiled)).Msg("Policies added")
	return nil
}

// ReloadPolicies makes the built-ins plus policies the active set. On a
// compile error the active set is left as it was.
func (e *Engine) ReloadPolicies(ctx context.Context, policies []Policy) error {
	compiled, err := e.compileAll(ctx, policies)
	if err != nil {
		return err
	}

	active := maps.Clone(e.builtins)
	maps.Copy(active, compiled)

	e.mu.Lock()
	e.active = active
	e.mu.Unlock()
	return nil
}

// GetPolicy returns a loaded policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, ok := e.active[name]
	if !ok {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	p.Enabled = e.enabled(cp)
	return &p, nil
}

// ListPolicies returns the loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Policy, 0, len(e.active))
	for _, cp := range e.sorted() {
		p := cp.policy
		p.Enabled = e.enabled(cp)
		out = append(out, p)
	}
	return out
}

// EnablePolicy enables a loaded policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.override(name, true)
}

// DisablePolicy disables a loaded policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.override(name, false)
}

func (e *Engine) override(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.active[name]; !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	e.overrides[name] = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

// enabled must be called with mu held.
func (e *Engine) enabled(cp *compiledPolicy) bool {
	if on, ok := e.overrides[cp.policy.Name]; ok {
		return on
	}
	return cp.policy.Enabled
}

func (e *Engine) sorted() []*compiledPolicy {
	return slices.SortedFunc(maps.Values(e.active), func(a, b *compiledPolicy) int {
		return strings.Compare(a.policy.Name, b.policy.Name)
	})
}

// Evaluate checks every declaration against every enabled policy, in policy
// name order. A policy that fails to evaluate becomes a warning.
func (e *Engine) Evaluate(ctx context.Context, decls []engine.Declaration, host map[string]any, dryRun bool) (*Result, error) {
	start := time.Now()

	e.mu.RLock()
	var policies []*compiledPolicy
	for _, cp := range e.sorted() {
		if e.enabled(cp) {
			policies = append(policies, cp)
		}
	}
	e.mu.RUnlock()

	inputs := make([]Input, len(decls))
	for i := range decls {
		inputs[i] = Input{Resource: NewResourceInput(&decls[i]), Host: host, DryRun: dryRun}
	}

	result := &Result{Allowed: true}
	for _, cp := range policies {
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		for i := range inputs {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			in := &inputs[i]

			denied, err := cp.deny(ctx, in)
			if err != nil {
				e.logger.Error().Err(err).
					Str("policy", cp.policy.Name).
					Str("resource", in.Resource.ID).
					Msg("Policy evaluation failed")
				result.Warnings = append(result.Warnings, Violation{
					Policy:   cp.policy.Name,
					Resource: in.Resource.ID,
					Message:  fmt.Sprintf("policy evaluation failed: %v", err),
					Severity: SeverityWarning,
				})
				continue
			}

			for _, v := range denied {
				if v.Severity.Blocking() {
					result.Allowed = false
					result.Violations = append(result.Violations, v)
				} else {
					result.Warnings = append(result.Warnings, v)
				}
			}
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = result.EvaluatedAt.Sub(start)

	e.logger.Debug().
		Int("policies", len(policies)).
		Int("resources", len(decls)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policies evaluated")
	return result, nil
}

// Check is Evaluate with blocking violations returned as a structural
// error, so the run is rejected before any provider call.
func (e *Engine) Check(ctx context.Context, decls []engine.Declaration, host map[string]any, dryRun bool) (*Result, error) {
	result, err := e.Evaluate(ctx, decls, host, dryRun)
	if err != nil || result.Allowed {
		return result, err
	}

	first := result.Violations[0]
	msg := fmt.Sprintf("%d policy violation(s), first: %s: %s", len(result.Violations), first.Policy, first.Message)
	return result, engine.NewStructuralError(msg, nil).
		WithCode(engine.ErrCodePolicyViolation).
		WithResource(first.Resource).
		WithDetail("violations", result.Violations)
}

// deny evaluates the deny set for one resource. Entries are either a
// message string or an object with message and optional severity,
// resource and remediation.
func (cp *compiledPolicy) deny(ctx context.Context, in *Input) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(in))
	if err != nil {
		return nil, err
	}

	var out []Violation
	for _, r := range rs {
		if len(r.Expressions) == 0 {
			continue
		}
		entries, _ := r.Expressions[0].Value.([]any)
		for _, entry := range entries {
			v := Violation{Policy: cp.policy.Name, Resource: in.Resource.ID, Severity: cp.policy.Severity}
			switch entry := entry.(type) {
			case string:
				v.Message = entry
			case map[string]any:
				v.Message, _ = entry["message"].(string)
				if s, ok := entry["severity"].(string); ok {
					v.Severity = Severity(s)
				}
				if s, ok := entry["resource"].(string); ok {
					v.Resource = s
				}
				v.Remediation, _ = entry["remediation"].(string)
			default:
				v.Message = fmt.Sprint(entry)
			}
			out = append(out, v)
		}
	}
	return out, nil
}
