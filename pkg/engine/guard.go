package engine

import (
	"context"
	"fmt"
)

// FactSource answers guard predicates against live host state.
// Implementations must query fresh state on every call.
type FactSource interface {
	// FileExists reports whether path exists.
	FileExists(ctx context.Context, path string) (bool, error)

	// CommandSucceeds runs a command and reports whether it exited zero.
	CommandSucceeds(ctx context.Context, name string, args []string) (bool, error)

	// Attribute resolves a dotted attribute path. The boolean is false when
	// the path does not exist.
	Attribute(ctx context.Context, path string) (string, bool, error)
}

// GuardDecision is the result of evaluating a guard.
type GuardDecision struct {
	// Proceed is true when the resource may run.
	Proceed bool

	// Reason names the predicate that suppressed the resource.
	Reason string
}

// GuardEvaluator evaluates only_if/not_if predicates.
type GuardEvaluator struct {
	facts FactSource
}

// NewGuardEvaluator creates a guard evaluator over a fact source.
func NewGuardEvaluator(facts FactSource) *GuardEvaluator {
	return &GuardEvaluator{facts: facts}
}

// Evaluate decides whether the resource identified by id may proceed.
// A nil or empty guard always proceeds. Any predicate that cannot be
// evaluated returns a GuardEvaluationError and a decision not to proceed.
func (g *GuardEvaluator) Evaluate(ctx context.Context, id Identity, guard *Guard) (GuardDecision, error) {
	if guard.IsEmpty() {
		return GuardDecision{Proceed: true}, nil
	}

	for _, p := range guard.OnlyIf {
		ok, err := g.predicate(ctx, id, p)
		if err != nil {
			return GuardDecision{Reason: fmt.Sprintf("only_if %s could not be evaluated", p)}, err
		}
		if !ok {
			return GuardDecision{Reason: fmt.Sprintf("only_if %s is false", p)}, nil
		}
	}

	for _, p := range guard.NotIf {
		ok, err := g.predicate(ctx, id, p)
		if err != nil {
			return GuardDecision{Reason: fmt.Sprintf("not_if %s could not be evaluated", p)}, err
		}
		if ok {
			return GuardDecision{Reason: fmt.Sprintf("not_if %s is true", p)}, nil
		}
	}

	return GuardDecision{Proceed: true}, nil
}

func (g *GuardEvaluator) predicate(ctx context.Context, id Identity, p Predicate) (bool, error) {
	ok, err := g.fact(ctx, id, p)
	if err != nil {
		return false, err
	}
	return ok != p.Negate, nil
}

func (g *GuardEvaluator) fact(ctx context.Context, id Identity, p Predicate) (bool, error) {
	if g.facts == nil {
		return false, NewGuardEvaluationError(id, p.String(), fmt.Errorf("no fact source configured"))
	}

	switch p.Fact {
	case FactFileExists:
		if p.Path == "" {
			return false, NewGuardEvaluationError(id, p.String(), fmt.Errorf("path is required"))
		}
		ok, err := g.facts.FileExists(ctx, p.Path)
		if err != nil {
			return false, NewGuardEvaluationError(id, p.String(), err)
		}
		return ok, nil

	case FactCommandSucceeds:
		if p.Command == "" {
			return false, NewGuardEvaluationError(id, p.String(), fmt.Errorf("command is required"))
		}
		ok, err := g.facts.CommandSucceeds(ctx, p.Command, p.Args)
		if err != nil {
			return false, NewGuardEvaluationError(id, p.String(), err)
		}
		return ok, nil

	case FactAttributeEquals:
		value, found, err := g.facts.Attribute(ctx, p.Attribute)
		if err != nil {
			return false, NewGuardEvaluationError(id, p.String(), err)
		}
		if !found {
			return false, NewGuardEvaluationError(id, p.String(), fmt.Errorf("attribute %s is not defined", p.Attribute))
		}
		return value == p.Value, nil

	default:
		return false, NewGuardEvaluationError(id, p.String(), fmt.Errorf("unknown fact %q", p.Fact))
	}
}
