package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine converges a declaration set: it walks the resource graph in
// dependency order and, for each node, evaluates the guard, observes, diffs
// and applies only when divergent. Nodes are visited one at a time.
type Engine struct {
	// registry resolves resource types to providers
	registry *Registry

	// guards evaluates only_if/not_if predicates
	guards *GuardEvaluator

	// observer receives lifecycle callbacks
	observer RunObserver

	logger zerolog.Logger

	// sleep waits between retry attempts
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithObserver sets the run observer.
func WithObserver(o RunObserver) Option {
	return func(e *Engine) {
		if o != nil {
			e.observer = o
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = l.With().Str("component", "engine").Logger()
	}
}

// New creates an engine over a provider registry and a fact source for guards.
func New(registry *Registry, facts FactSource, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		guards:   NewGuardEvaluator(facts),
		observer: NopObserver{},
		logger:   zerolog.Nop(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the engine's provider registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Build validates declarations and builds the resource graph.
func (e *Engine) Build(decls []Declaration) (*Graph, error) {
	return NewGraphBuilder(e.registry).Build(decls)
}

// Run builds the graph and converges it. It always returns a report;
// structural errors produce a rejected report with exit code 2 and no
// provider is invoked.
func (e *Engine) Run(ctx context.Context, decls []Declaration, opts RunOptions) *RunReport {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}

	graph, err := e.Build(decls)
	if err != nil {
		report := NewRejectedReport(opts.RunID, err)
		report.DryRun = opts.DryRun
		e.logger.Error().Err(err).Str("run_id", opts.RunID).Msg("Declaration set rejected")
		e.observer.RunFinished(ctx, report)
		return report
	}

	return e.Converge(ctx, graph, opts)
}

// Converge visits every node of a built graph.
func (e *Engine) Converge(ctx context.Context, graph *Graph, opts RunOptions) *RunReport {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}

	r := &run{
		engine:   e,
		graph:    graph,
		opts:     opts,
		report:   newRunReport(opts),
		outcomes: make(map[Identity]*Outcome, graph.Len()),
		queued:   make(map[queueKey]*queuedNotification),
		logger:   e.logger.With().Str("run_id", opts.RunID).Logger(),
	}

	ctx = e.observer.RunStarted(ctx, opts.RunID, graph, opts)
	r.logger.Info().
		Int("resources", graph.Len()).
		Bool("dry_run", opts.DryRun).
		Bool("fail_fast", opts.FailFast).
		Strs("tags", opts.Tags).
		Msg("Run started")

	for _, id := range graph.Order() {
		if r.haltReason == "" && ctx.Err() != nil {
			r.cancelled = true
			r.haltReason = "run cancelled"
			r.logger.Warn().Err(ctx.Err()).Msg("Run cancelled, remaining resources will not be visited")
		}

		node := graph.Node(id)
		if r.haltReason != "" {
			r.markNotVisited(node, r.haltReason, nil)
			continue
		}
		if failed := r.failedDependency(node); !failed.IsZero() {
			reason := fmt.Sprintf("dependency %s failed", failed)
			r.markNotVisited(node, reason, NewPermanentError(reason, nil).
				WithCode(ErrCodeDependencyFailed).
				WithResource(id.String()))
			continue
		}

		r.visit(ctx, node)
	}

	if r.haltReason == "" && len(r.queue) > 0 {
		r.runDelayed(ctx)
	}

	return r.finish(ctx)
}

// run holds the in-memory state of one convergence run. It is discarded
// once the report is returned.
type run struct {
	engine *Engine
	graph  *Graph
	opts   RunOptions
	report *RunReport

	// outcomes accumulates per-node results, including notified actions
	outcomes map[Identity]*Outcome

	// queue holds delayed notifications in first-notified order
	queue  []*queuedNotification
	queued map[queueKey]*queuedNotification

	haltReason string
	cancelled  bool

	logger zerolog.Logger
}

type queueKey struct {
	target Identity
	action string
}

type queuedNotification struct {
	edge    Edge
	sources []firedRef
}

// firedRef points at a FiredNotification entry to fill in once a delayed
// notification has run.
type firedRef struct {
	source Identity
	index  int
}

// step is the result of converging one node with one action.
type step struct {
	kind     OutcomeKind
	action   string
	reason   string
	err      error
	changes  []Change
	diff     string
	attempts int
}

func (r *run) outcome(id Identity) *Outcome {
	o, ok := r.outcomes[id]
	if !ok {
		o = &Outcome{Identity: id}
		r.outcomes[id] = o
	}
	return o
}

func (r *run) visit(ctx context.Context, node *Node) {
	id := node.ID()
	o := r.outcome(id)
	if o.Kind == OutcomeFailed {
		// already failed through a notification; its declared action is not attempted
		return
	}

	ctx = r.engine.observer.NodeStarted(ctx, r.opts.RunID, node)
	start := time.Now()
	if o.StartedAt.IsZero() {
		o.StartedAt = start
	}

	if !r.selected(node) {
		r.record(o, step{kind: OutcomeSkipped, reason: "excluded by tag filter"})
	} else {
		res := r.converge(ctx, node, r.declaredAction(node), false)
		r.record(o, res)

		switch res.kind {
		case OutcomeUpdated:
			r.fire(ctx, node, o)
		case OutcomeWouldUpdate:
			r.recordWouldFire(ctx, node, o)
		case OutcomeFailed:
			r.onFailure(node, res.err)
		}
	}

	o.Duration += time.Since(start)

	r.logger.Info().
		Str("resource", id.String()).
		Str("outcome", string(o.Kind)).
		Dur("duration", o.Duration).
		Msg("Resource visited")

	r.engine.observer.NodeFinished(ctx, r.opts.RunID, o)
}

// converge runs the per-node state machine for one action.
func (r *run) converge(ctx context.Context, node *Node, action string, notified bool) step {
	id := node.ID()
	log := r.logger.With().Str("resource", id.String()).Str("action", action).Logger()
	t := &nodeTracker{state: NodeStatePending, logger: log}

	p, err := r.engine.registry.Lookup(id.Type)
	if err != nil {
		return step{kind: OutcomeFailed, action: action, err: err}
	}

	decision, err := r.evaluateGuard(ctx, node)
	t.to(NodeStateGuardChecked)
	if err != nil {
		log.Warn().Err(err).Msg("Guard evaluation failed, skipping resource")
		r.report.Warnings = append(r.report.Warnings, fmt.Sprintf("%s: %v", id, err))
		t.to(NodeStateSkipped)
		reason := decision.Reason
		if reason == "" {
			reason = "guard could not be evaluated"
		}
		return step{kind: OutcomeSkipped, action: action, reason: reason}
	}
	if !decision.Proceed {
		log.Debug().Str("reason", decision.Reason).Msg("Guard suppressed resource")
		t.to(NodeStateSkipped)
		return step{kind: OutcomeSkipped, action: action, reason: decision.Reason}
	}

	req := &Request{
		Identity:   id,
		Action:     action,
		Attributes: node.Declaration.Attributes,
		Notified:   notified,
	}

	var state *State
	err = r.call(ctx, node, "observe", func(cctx context.Context) error {
		var oerr error
		state, oerr = p.Observe(cctx, req)
		return oerr
	})
	if err != nil {
		t.to(NodeStateFailed)
		return step{kind: OutcomeFailed, action: action, err: wrapObserveError(id, err)}
	}
	t.to(NodeStateObserved)

	var cs *ChangeSet
	err = r.call(ctx, node, "diff", func(context.Context) error {
		var derr error
		cs, derr = p.Diff(req, state)
		return derr
	})
	if err != nil {
		t.to(NodeStateFailed)
		return step{kind: OutcomeFailed, action: action, err: NewPermanentError("diff failed", err).
			WithCode(ErrCodeProviderFailed).WithResource(id.String()).WithOperation("diff")}
	}
	if cs == nil {
		t.to(NodeStateUnchanged)
		return step{kind: OutcomeUnchanged, action: action}
	}

	if cs.Identity.IsZero() {
		cs.Identity = id
	}
	if cs.Action == "" {
		cs.Action = action
	}
	cs.Request = req

	if r.opts.DryRun {
		t.to(NodeStateWouldUpdate)
		return step{kind: OutcomeWouldUpdate, action: action, changes: cs.Changes, diff: cs.Diff}
	}

	t.to(NodeStateApplying)
	attempts, err := r.applyWithRetry(ctx, node, p, cs)
	if err != nil {
		t.to(NodeStateFailed)
		log.Error().Err(err).Int("attempts", attempts).Msg("Apply failed")
		return step{kind: OutcomeFailed, action: action, err: err, changes: cs.Changes, diff: cs.Diff, attempts: attempts}
	}

	t.to(NodeStateUpdated)
	return step{kind: OutcomeUpdated, action: action, changes: cs.Changes, diff: cs.Diff, attempts: attempts}
}

func (r *run) evaluateGuard(ctx context.Context, node *Node) (GuardDecision, error) {
	guard := node.Declaration.Guard
	if guard.IsEmpty() {
		return GuardDecision{Proceed: true}, nil
	}

	var decision GuardDecision
	err := r.call(ctx, node, "guard", func(cctx context.Context) error {
		var gerr error
		decision, gerr = r.engine.guards.Evaluate(cctx, node.ID(), guard)
		return gerr
	})
	return decision, err
}

// applyWithRetry applies the change set, retrying retryable errors with
// exponential backoff.
func (r *run) applyWithRetry(ctx context.Context, node *Node, p Provider, cs *ChangeSet) (int, error) {
	decl := node.Declaration
	var err error

	attempt := 0
	for ; attempt <= decl.Retries; attempt++ {
		err = r.call(ctx, node, "apply", func(cctx context.Context) error {
			res, aerr := p.Apply(cctx, cs)
			if aerr == nil && res != nil && res.Message != "" {
				r.logger.Debug().Str("resource", cs.Identity.String()).Msg(res.Message)
			}
			return aerr
		})
		if err == nil {
			return attempt + 1, nil
		}
		if !IsRetryable(err) || attempt >= decl.Retries {
			break
		}

		backoff := calculateBackoff(decl.RetryDelay, attempt, err)
		r.logger.Warn().
			Err(err).
			Str("resource", cs.Identity.String()).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying after failure")

		if serr := r.engine.sleep(ctx, backoff); serr != nil {
			break
		}
	}

	return attempt + 1, NewProviderApplyError(cs.Identity, err)
}

// call invokes a provider operation under the per-resource timeout. The
// call context does not inherit cancellation from the run: a cancelled run
// lets an in-flight call finish and stops between nodes.
func (r *run) call(ctx context.Context, node *Node, operation string, fn func(context.Context) error) error {
	callCtx := context.WithoutCancel(ctx)
	timeout := node.Declaration.Timeout
	if timeout == 0 {
		timeout = r.opts.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(callCtx, timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(callCtx)
	if operation != "guard" {
		r.engine.observer.ProviderCalled(ctx, node.ID(), operation, time.Since(start), err)
	}

	if err != nil && (errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)) {
		return NewTimeoutError(node.ID(), operation, err).WithDetail("timeout", timeout.String())
	}
	return err
}

// fire sends the notifications of an updated node. Immediate notifications
// run now, delayed ones are queued for the end of the run.
func (r *run) fire(ctx context.Context, node *Node, o *Outcome) {
	for _, edge := range node.Edges {
		if edge.Type != EdgeNotify {
			continue
		}
		if r.haltReason != "" {
			return
		}

		fired := FiredNotification{Target: edge.To, Action: edge.Action, Timing: edge.Timing.OrDefault()}
		if fired.Timing == NotifyDelayed {
			o.Notifications = append(o.Notifications, fired)
			r.enqueue(edge, firedRef{source: node.ID(), index: len(o.Notifications) - 1})
			r.engine.observer.NotificationFired(ctx, node.ID(), fired)
			continue
		}

		fired.Outcome = r.notify(ctx, edge)
		o.Notifications = append(o.Notifications, fired)
		r.engine.observer.NotificationFired(ctx, node.ID(), fired)
	}
}

// recordWouldFire lists the notifications a dry run would have sent.
func (r *run) recordWouldFire(ctx context.Context, node *Node, o *Outcome) {
	for _, edge := range node.Edges {
		if edge.Type != EdgeNotify {
			continue
		}
		fired := FiredNotification{Target: edge.To, Action: edge.Action, Timing: edge.Timing.OrDefault()}
		o.Notifications = append(o.Notifications, fired)
		r.engine.observer.NotificationFired(ctx, node.ID(), fired)
	}
}

func (r *run) enqueue(edge Edge, ref firedRef) {
	key := queueKey{target: edge.To, action: edge.Action}
	if q, ok := r.queued[key]; ok {
		q.sources = append(q.sources, ref)
		return
	}
	q := &queuedNotification{edge: edge, sources: []firedRef{ref}}
	r.queued[key] = q
	r.queue = append(r.queue, q)
}

// notify runs the notified action on the target node and merges the result
// into the target's outcome.
func (r *run) notify(ctx context.Context, edge Edge) OutcomeKind {
	target := r.graph.Node(edge.To)
	to := r.outcome(edge.To)

	if !r.selected(target) {
		return OutcomeSkipped
	}
	if to.Kind == OutcomeFailed {
		return OutcomeFailed
	}

	r.logger.Info().
		Str("from", edge.From.String()).
		Str("resource", edge.To.String()).
		Str("action", edge.Action).
		Msg("Notification fired")

	start := time.Now()
	if to.StartedAt.IsZero() {
		to.StartedAt = start
	}
	res := r.converge(ctx, target, edge.Action, true)
	r.record(to, res)
	to.Duration += time.Since(start)

	switch res.kind {
	case OutcomeUpdated:
		r.fire(ctx, target, to)
	case OutcomeFailed:
		r.onFailure(target, res.err)
	}
	return res.kind
}

func (r *run) runDelayed(ctx context.Context) {
	r.logger.Debug().Int("count", len(r.queue)).Msg("Running delayed notifications")

	for i := 0; i < len(r.queue); i++ {
		if r.haltReason != "" || ctx.Err() != nil {
			return
		}
		q := r.queue[i]
		kind := r.notify(ctx, q.edge)
		for _, ref := range q.sources {
			src := r.outcomes[ref.source]
			src.Notifications[ref.index].Outcome = kind
		}
	}
}

// record merges a step into an outcome. Kinds only move upward
// (failed > updated > would_update > unchanged > skipped).
func (r *run) record(o *Outcome, res step) {
	merged := o.Kind.Merge(res.kind)
	if merged == res.kind {
		o.Reason = res.reason
		if res.action != "" {
			o.Action = res.action
		}
	}
	o.Kind = merged
	o.Changes = append(o.Changes, res.changes...)
	if res.diff != "" {
		o.Diff = res.diff
	}
	o.Attempts += res.attempts
	if res.err != nil {
		o.Err = res.err
		o.Error = res.err.Error()
	}
}

func (r *run) onFailure(node *Node, err error) {
	if r.opts.FailFast && !node.Declaration.ContinueOnError {
		r.haltReason = fmt.Sprintf("run halted after %s failed", node.ID())
		r.logger.Error().Err(err).Str("resource", node.ID().String()).Msg("Halting run (fail-fast)")
		return
	}
	r.logger.Warn().Err(err).Str("resource", node.ID().String()).Msg("Resource failed, continuing")
}

func (r *run) markNotVisited(node *Node, reason string, cause error) {
	o := r.outcome(node.ID())
	if o.Kind != "" {
		// touched by a notification before the run stopped
		return
	}
	o.Kind = OutcomeNotVisited
	o.Reason = reason
	if cause != nil {
		o.Err = cause
		o.Error = cause.Error()
	}
	r.engine.observer.NodeFinished(context.Background(), r.opts.RunID, o)
}

// failedDependency returns the first notify-edge predecessor that failed or
// was not visited because its own dependency failed. Order edges do not
// carry failure.
func (r *run) failedDependency(node *Node) Identity {
	for _, e := range r.graph.Incoming(node.ID()) {
		if e.Type != EdgeNotify {
			continue
		}
		pred, ok := r.outcomes[e.From]
		if !ok {
			continue
		}
		if pred.Kind == OutcomeFailed || (pred.Kind == OutcomeNotVisited && HasCode(pred.Err, ErrCodeDependencyFailed)) {
			return e.From
		}
	}
	return Identity{}
}

func (r *run) declaredAction(node *Node) string {
	p, err := r.engine.registry.Lookup(node.Declaration.Type)
	if err != nil {
		return node.Declaration.Action
	}
	return resolveAction(node.Declaration, p.Metadata())
}

// selected applies the tag filter.
func (r *run) selected(node *Node) bool {
	if len(r.opts.Tags) == 0 {
		return true
	}
	for _, tag := range node.Declaration.Tags {
		if slices.Contains(r.opts.Tags, tag) {
			return true
		}
	}
	return false
}

func (r *run) finish(ctx context.Context) *RunReport {
	report := r.report
	for _, id := range r.graph.Order() {
		o := r.outcome(id)
		if o.Kind == "" {
			o.Kind = OutcomeNotVisited
		}
		report.Outcomes = append(report.Outcomes, o)
	}

	report.finish()
	switch {
	case r.cancelled:
		report.Status = RunStatusCancelled
	case report.Summary.Failed > 0:
		report.Status = RunStatusFailed
	default:
		report.Status = RunStatusSucceeded
	}

	r.logger.Info().
		Str("status", string(report.Status)).
		Int("updated", report.Summary.Updated).
		Int("unchanged", report.Summary.Unchanged).
		Int("failed", report.Summary.Failed).
		Int("skipped", report.Summary.Skipped).
		Dur("duration", report.Duration).
		Msg("Run finished")

	r.engine.observer.RunFinished(ctx, report)
	return report
}

// nodeTracker enforces the per-node state machine for one action.
type nodeTracker struct {
	state  NodeState
	logger zerolog.Logger
}

func (t *nodeTracker) to(next NodeState) {
	if !t.state.CanTransition(next) {
		t.logger.Error().
			Str("from", string(t.state)).
			Str("to", string(next)).
			Msg("Invalid node state transition")
	}
	t.logger.Trace().Str("from", string(t.state)).Str("to", string(next)).Msg("Node state transition")
	t.state = next
}

func wrapObserveError(id Identity, err error) error {
	if IsTimeout(err) {
		return err
	}
	return NewProviderError(id, "observe", err)
}

// calculateBackoff returns base * 2^attempt, capped at one minute. There is
// no jitter so that retried runs stay reproducible.
func calculateBackoff(base time.Duration, attempt int, err error) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if IsThrottled(err) {
		base *= 5
	}

	delay := base * time.Duration(math.Pow(2, float64(attempt)))
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
