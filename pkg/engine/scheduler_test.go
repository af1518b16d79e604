package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestEngine_Run_Idempotence(t *testing.T) {
	host := newFakeHost()
	e := newTestEngine(host, nil)

	decls := []Declaration{
		decl("template", "sshd_config", "PermitRootLogin no"),
		{Type: "service", Name: "sshd", Action: "nothing",
			Subscribes: []Notification{{Target: ident("template", "sshd_config"), Action: "restart"}}},
		decl("package", "git", "installed"),
	}

	first := e.Run(context.Background(), decls, DefaultRunOptions())
	if first.ExitCode() != ExitOK {
		t.Fatalf("Expected exit code 0, got %d: %v", first.ExitCode(), first.Err())
	}
	if first.Summary.Updated != 3 {
		t.Errorf("Expected 3 updated on first run, got %d", first.Summary.Updated)
	}

	second := e.Run(context.Background(), decls, DefaultRunOptions())
	for _, o := range second.Outcomes {
		if o.Kind != OutcomeUnchanged {
			t.Errorf("Expected %s unchanged on second run, got %s", o.Identity, o.Kind)
		}
	}
	if host.restarts["service[sshd]"] != 1 {
		t.Errorf("Expected exactly one restart, got %d", host.restarts["service[sshd]"])
	}
}

func TestEngine_Run_OrderPreservation(t *testing.T) {
	host := newFakeHost()
	e := newTestEngine(host, nil)

	decls := []Declaration{
		decl("file", "e", "1"),
		decl("package", "d", "1"),
		decl("file", "c", "1"),
		decl("service", "b", "1"),
		decl("file", "a", "1"),
	}

	report := e.Run(context.Background(), decls, DefaultRunOptions())
	if report.ExitCode() != ExitOK {
		t.Fatalf("Expected success, got %v", report.Err())
	}

	expected := []string{
		"apply file[e] set",
		"apply package[d] set",
		"apply file[c] set",
		"apply service[b] set",
		"apply file[a] set",
	}
	if got := host.applyCalls(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected apply order %v, got %v", expected, got)
	}
}

func TestEngine_Run_NotificationOrdering(t *testing.T) {
	host := newFakeHost()
	e := newTestEngine(host, nil)

	decls := []Declaration{
		{Type: "template", Name: "a", Attributes: map[string]any{"value": "v1"},
			Notifies: []Notification{{Target: ident("service", "b"), Action: "restart"}}},
		decl("file", "x", "x"),
		{Type: "service", Name: "b", Action: "nothing"},
		decl("file", "y", "y"),
	}

	report := e.Run(context.Background(), decls, DefaultRunOptions())
	if report.ExitCode() != ExitOK {
		t.Fatalf("Expected success, got %v", report.Err())
	}

	calls := host.applyCalls()
	applyA := indexOf(calls, "apply template[a] set")
	restartB := indexOf(calls, "apply service[b] restart")
	applyY := indexOf(calls, "apply file[y] set")

	if applyA < 0 || restartB < 0 || applyY < 0 {
		t.Fatalf("Missing expected apply calls: %v", calls)
	}
	if restartB <= applyA {
		t.Errorf("Expected restart after template apply, got %v", calls)
	}
	if restartB >= applyY {
		t.Errorf("Expected restart before resources declared after the service, got %v", calls)
	}

	b := report.Outcome(ident("service", "b"))
	if b.Kind != OutcomeUpdated {
		t.Errorf("Expected notified service updated, got %s", b.Kind)
	}

	a := report.Outcome(ident("template", "a"))
	if len(a.Notifications) != 1 {
		t.Fatalf("Expected 1 notification on template, got %d", len(a.Notifications))
	}
	if a.Notifications[0].Outcome != OutcomeUpdated || a.Notifications[0].Timing != NotifyImmediate {
		t.Errorf("Unexpected notification record: %+v", a.Notifications[0])
	}
}

func TestEngine_Run_CycleRejection(t *testing.T) {
	host := newFakeHost()
	e := newTestEngine(host, nil)

	decls := []Declaration{
		{Type: "file", Name: "a", Notifies: []Notification{{Target: ident("file", "b"), Action: "set"}}},
		{Type: "file", Name: "b", Notifies: []Notification{{Target: ident("file", "a"), Action: "set"}}},
	}

	report := e.Run(context.Background(), decls, DefaultRunOptions())

	if report.ExitCode() != ExitStructural {
		t.Errorf("Expected exit code %d, got %d", ExitStructural, report.ExitCode())
	}
	if !HasCode(report.StructuralError, ErrCodeCycleDetected) {
		t.Errorf("Expected cycle error, got %v", report.StructuralError)
	}
	if calls := host.Calls(); len(calls) != 0 {
		t.Errorf("Expected zero provider calls, got %v", calls)
	}
	if report.Status != RunStatusRejected {
		t.Errorf("Expected rejected status, got %s", report.Status)
	}
}

func TestEngine_Run_UnknownTypeIsStructural(t *testing.T) {
	host := newFakeHost()
	e := newTestEngine(host, nil)

	report := e.Run(context.Background(), []Declaration{
		decl("file", "a", "1"),
		decl("rbenv", "ruby", "3.3"),
	}, DefaultRunOptions())

	if report.ExitCode() != ExitStructural {
		t.Fatalf("Expected structural exit code, got %d", report.ExitCode())
	}
	if !HasCode(report.StructuralError, ErrCodeUnknownResourceType) {
		t.Errorf("Expected unknown type error, got %v", report.StructuralError)
	}
	if len(host.Calls()) != 0 {
		t.Errorf("Expected zero provider calls, got %v", host.Calls())
	}
}

func TestEngine_Run_GuardSuppression(t *testing.T) {
	host := newFakeHost()
	facts := &fakeFacts{files: map[string]bool{"/opt/rbenv/versions/3.3.0": true}}
	e := newTestEngine(host, facts)

	decls := []Declaration{
		{Type: "command", Name: "install-ruby", Attributes: map[string]any{"value": "3.3.0"},
			Guard:    &Guard{NotIf: []Predicate{{Fact: FactFileExists, Path: "/opt/rbenv/versions/3.3.0"}}},
			Notifies: []Notification{{Target: ident("file", "gemrc"), Action: "set"}}},
		decl("file", "gemrc", "gem: --no-document"),
	}

	report := e.Run(context.Background(), decls, DefaultRunOptions())

	cmd := report.Outcome(ident("command", "install-ruby"))
	if cmd.Kind != OutcomeSkipped {
		t.Errorf("Expected guarded command skipped, got %s", cmd.Kind)
	}
	if cmd.Reason != "not_if file_exists(/opt/rbenv/versions/3.3.0) is true" {
		t.Errorf("Unexpected skip reason: %q", cmd.Reason)
	}

	gemrc := report.Outcome(ident("file", "gemrc"))
	if gemrc.Kind != OutcomeUpdated {
		t.Errorf("Expected dependent of skipped node to converge, got %s", gemrc.Kind)
	}
	if report.ExitCode() != ExitOK {
		t.Errorf("Expected exit 0, got %d", report.ExitCode())
	}
}

func TestEngine_Run_GuardEvaluationErrorSkips(t *testing.T) {
	host := newFakeHost()
	facts := &fakeFacts{err: errors.New("permission denied")}
	e := newTestEngine(host, facts)

	decls := []Declaration{
		{Type: "file", Name: "a", Attributes: map[string]any{"value": "1"},
			Guard: &Guard{OnlyIf: []Predicate{{Fact: FactFileExists, Path: "/root/.marker"}}}},
	}

	report := e.Run(context.Background(), decls, DefaultRunOptions())

	a := report.Outcome(ident("file", "a"))
	if a.Kind != OutcomeSkipped {
		t.Errorf("Expected skipped, got %s", a.Kind)
	}
	if len(report.Warnings) != 1 {
		t.Errorf("Expected 1 warning, got %v", report.Warnings)
	}
	if len(host.applyCalls()) != 0 {
		t.Errorf("Expected no apply calls, got %v", host.applyCalls())
	}
}

func TestEngine_Run_FailFastDefault(t *testing.T) {
	host := newFakeHost()
	host.failApply["file[b]"] = errors.New("disk full")
	e := newTestEngine(host, nil)

	decls := []Declaration{decl("file", "a", "1"), decl("file", "b", "1"), decl("file", "c", "1")}
	report := e.Run(context.Background(), decls, DefaultRunOptions())

	if report.ExitCode() != ExitFailed {
		t.Fatalf("Expected exit code 1, got %d", report.ExitCode())
	}

	if got := report.Outcome(ident("file", "c")).Kind; got != OutcomeNotVisited {
		t.Errorf("Expected file[c] not visited, got %s", got)
	}
	if indexOf(host.Calls(), "observe file[c]") >= 0 {
		t.Errorf("Expected file[c] never observed, got %v", host.Calls())
	}

	first := report.FirstFailure()
	if first == nil || first.Identity != ident("file", "b") {
		t.Fatalf("Expected first failure file[b], got %+v", first)
	}
	if !HasCode(first.Err, ErrCodeProviderFailed) {
		t.Errorf("Expected provider apply error, got %v", first.Err)
	}
}

func TestEngine_Run_FailFastDisabled(t *testing.T) {
	host := newFakeHost()
	host.failApply["file[b]"] = errors.New("disk full")
	e := newTestEngine(host, nil)

	opts := DefaultRunOptions()
	opts.FailFast = false

	decls := []Declaration{decl("file", "a", "1"), decl("file", "b", "1"), decl("file", "c", "1")}
	report := e.Run(context.Background(), decls, opts)

	if got := report.Outcome(ident("file", "c")).Kind; got != OutcomeUpdated {
		t.Errorf("Expected file[c] to converge, got %s", got)
	}
	if report.Summary.Failed != 1 || report.Summary.Updated != 2 {
		t.Errorf("Unexpected summary: %+v", report.Summary)
	}
	if report.ExitCode() != ExitFailed {
		t.Errorf("Expected exit code 1, got %d", report.ExitCode())
	}
}

func TestEngine_Run_ContinueOnErrorOverride(t *testing.T) {
	host := newFakeHost()
	host.failApply["file[b]"] = errors.New("disk full")
	e := newTestEngine(host, nil)

	b := decl("file", "b", "1")
	b.ContinueOnError = true

	report := e.Run(context.Background(), []Declaration{decl("file", "a", "1"), b, decl("file", "c", "1")}, DefaultRunOptions())

	if got := report.Outcome(ident("file", "c")).Kind; got != OutcomeUpdated {
		t.Errorf("Expected file[c] to converge past continue-on-error failure, got %s", got)
	}
}

func TestEngine_Run_NotifiedDependentOfFailureNotVisited(t *testing.T) {
	host := newFakeHost()
	host.failApply["template[a]"] = errors.New("render failed")
	e := newTestEngine(host, nil)

	opts := DefaultRunOptions()
	opts.FailFast = false

	decls := []Declaration{
		{Type: "template", Name: "a", Attributes: map[string]any{"value": "1"},
			Notifies: []Notification{{Target: ident("service", "b"), Action: "restart"}}},
		{Type: "service", Name: "b", Action: "nothing"},
		decl("file", "c", "1"),
	}

	report := e.Run(context.Background(), decls, opts)

	b := report.Outcome(ident("service", "b"))
	if b.Kind != OutcomeNotVisited {
		t.Errorf("Expected service not visited, got %s", b.Kind)
	}
	if !HasCode(b.Err, ErrCodeDependencyFailed) {
		t.Errorf("Expected dependency failed error, got %v", b.Err)
	}
	if got := report.Outcome(ident("file", "c")).Kind; got != OutcomeUpdated {
		t.Errorf("Expected independent sibling updated, got %s", got)
	}
}

func TestEngine_Run_DryRunPurity(t *testing.T) {
	host := newFakeHost()
	e := newTestEngine(host, nil)

	opts := DefaultRunOptions()
	opts.DryRun = true

	decls := []Declaration{
		{Type: "template", Name: "a", Attributes: map[string]any{"value": "1"},
			Notifies: []Notification{{Target: ident("service", "b"), Action: "restart"}}},
		{Type: "service", Name: "b", Action: "nothing"},
		decl("file", "c", "1"),
	}

	report := e.Run(context.Background(), decls, opts)

	if calls := host.applyCalls(); len(calls) != 0 {
		t.Fatalf("Expected no apply calls on dry run, got %v", calls)
	}
	if report.Summary.WouldUpdate != 2 {
		t.Errorf("Expected 2 would_update, got %+v", report.Summary)
	}

	a := report.Outcome(ident("template", "a"))
	if a.Kind != OutcomeWouldUpdate {
		t.Errorf("Expected would_update, got %s", a.Kind)
	}
	if len(a.Notifications) != 1 || a.Notifications[0].Outcome != "" {
		t.Errorf("Expected an unexecuted notification record, got %+v", a.Notifications)
	}
	if report.ExitCode() != ExitOK {
		t.Errorf("Expected exit 0, got %d", report.ExitCode())
	}
}

func TestEngine_Run_ConcreteScenario(t *testing.T) {
	host := newFakeHost()
	host.values["package[git]"] = "installed"
	host.values["template[sshd_config]"] = "PermitRootLogin yes"
	e := newTestEngine(host, nil)

	decls := []Declaration{
		decl("package", "git", "installed"),
		{Type: "service", Name: "sshd", Action: "nothing",
			Subscribes: []Notification{{Target: ident("template", "sshd_config"), Action: "restart"}}},
		decl("template", "sshd_config", "PermitRootLogin no"),
	}

	report := e.Run(context.Background(), decls, DefaultRunOptions())

	expected := map[Identity]OutcomeKind{
		ident("package", "git"):          OutcomeUnchanged,
		ident("template", "sshd_config"): OutcomeUpdated,
		ident("service", "sshd"):         OutcomeUpdated,
	}
	for id, kind := range expected {
		if got := report.Outcome(id).Kind; got != kind {
			t.Errorf("Expected %s %s, got %s", id, kind, got)
		}
	}

	order := []Identity{report.Outcomes[0].Identity, report.Outcomes[1].Identity, report.Outcomes[2].Identity}
	want := []Identity{ident("package", "git"), ident("template", "sshd_config"), ident("service", "sshd")}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("Expected outcome order %v, got %v", want, order)
	}
}

func TestEngine_Run_TimeoutFailsNode(t *testing.T) {
	host := newFakeHost()
	host.applyDelay = time.Second
	e := newTestEngine(host, nil)

	a := decl("package", "nginx", "installed")
	a.Timeout = 20 * time.Millisecond

	report := e.Run(context.Background(), []Declaration{a, decl("file", "b", "1")}, DefaultRunOptions())

	out := report.Outcome(ident("package", "nginx"))
	if out.Kind != OutcomeFailed {
		t.Fatalf("Expected failed, got %s", out.Kind)
	}
	if !IsTimeout(out.Err) {
		t.Errorf("Expected timeout error, got %v", out.Err)
	}
	if got := report.Outcome(ident("file", "b")).Kind; got != OutcomeNotVisited {
		t.Errorf("Expected timeout to halt the run, got %s", got)
	}
}

func TestEngine_Run_CancellationBetweenNodes(t *testing.T) {
	host := newFakeHost()
	e := newTestEngine(host, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	host.onApply = func(id Identity) {
		if id == ident("file", "a") {
			cancel()
		}
	}

	report := e.Run(ctx, []Declaration{decl("file", "a", "1"), decl("file", "b", "1")}, DefaultRunOptions())

	if got := report.Outcome(ident("file", "a")).Kind; got != OutcomeUpdated {
		t.Errorf("Expected in-flight apply to complete, got %s", got)
	}
	b := report.Outcome(ident("file", "b"))
	if b.Kind != OutcomeNotVisited || b.Reason != "run cancelled" {
		t.Errorf("Expected file[b] not visited after cancel, got %s (%s)", b.Kind, b.Reason)
	}
	if report.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled status, got %s", report.Status)
	}
	if report.ExitCode() != ExitFailed {
		t.Errorf("Expected exit code 1, got %d", report.ExitCode())
	}
}

func TestEngine_Run_RetriesTransientErrors(t *testing.T) {
	host := newFakeHost()
	host.failApply["package[nginx]"] = NewTransientError("mirror busy", nil)
	host.failTimes["package[nginx]"] = 1
	e := newTestEngine(host, nil)

	a := decl("package", "nginx", "installed")
	a.Retries = 2
	a.RetryDelay = time.Millisecond

	report := e.Run(context.Background(), []Declaration{a}, DefaultRunOptions())

	out := report.Outcome(ident("package", "nginx"))
	if out.Kind != OutcomeUpdated {
		t.Fatalf("Expected updated after retry, got %s: %v", out.Kind, out.Err)
	}
	if out.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", out.Attempts)
	}
}

func TestEngine_Run_PermanentErrorsAreNotRetried(t *testing.T) {
	host := newFakeHost()
	host.failApply["package[nginx]"] = errors.New("no such package")
	e := newTestEngine(host, nil)

	a := decl("package", "nginx", "installed")
	a.Retries = 3

	report := e.Run(context.Background(), []Declaration{a}, DefaultRunOptions())

	out := report.Outcome(ident("package", "nginx"))
	if out.Kind != OutcomeFailed || out.Attempts != 1 {
		t.Errorf("Expected one failed attempt, got %s after %d", out.Kind, out.Attempts)
	}
}

func TestEngine_Run_DelayedNotificationsRunOnceAtEnd(t *testing.T) {
	host := newFakeHost()
	e := newTestEngine(host, nil)

	restart := []Notification{{Target: ident("service", "nginx"), Action: "restart", Timing: NotifyDelayed}}
	decls := []Declaration{
		{Type: "file", Name: "a", Attributes: map[string]any{"value": "1"}, Notifies: restart},
		{Type: "file", Name: "c", Attributes: map[string]any{"value": "1"}, Notifies: restart},
		{Type: "service", Name: "nginx", Action: "nothing"},
		decl("file", "d", "1"),
	}

	report := e.Run(context.Background(), decls, DefaultRunOptions())

	expected := []string{
		"apply file[a] set",
		"apply file[c] set",
		"apply file[d] set",
		"apply service[nginx] restart",
	}
	if got := host.applyCalls(); !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
	if host.restarts["service[nginx]"] != 1 {
		t.Errorf("Expected a single restart, got %d", host.restarts["service[nginx]"])
	}
	for _, name := range []string{"a", "c"} {
		n := report.Outcome(ident("file", name)).Notifications
		if len(n) != 1 || n[0].Outcome != OutcomeUpdated {
			t.Errorf("Expected delayed notification outcome recorded on file[%s], got %+v", name, n)
		}
	}
	if got := report.Outcome(ident("service", "nginx")).Kind; got != OutcomeUpdated {
		t.Errorf("Expected service updated, got %s", got)
	}
}

func TestEngine_Run_TagFilter(t *testing.T) {
	host := newFakeHost()
	e := newTestEngine(host, nil)

	web := decl("package", "nginx", "installed")
	web.Tags = []string{"web"}
	db := decl("package", "mysql", "installed")
	db.Tags = []string{"db"}

	opts := DefaultRunOptions()
	opts.Tags = []string{"web"}

	report := e.Run(context.Background(), []Declaration{web, db}, opts)

	if got := report.Outcome(ident("package", "nginx")).Kind; got != OutcomeUpdated {
		t.Errorf("Expected tagged package updated, got %s", got)
	}
	mysql := report.Outcome(ident("package", "mysql"))
	if mysql.Kind != OutcomeSkipped || mysql.Reason != "excluded by tag filter" {
		t.Errorf("Expected untagged package skipped, got %s (%s)", mysql.Kind, mysql.Reason)
	}
	if indexOf(host.Calls(), "observe package[mysql]") >= 0 {
		t.Errorf("Expected filtered resource untouched")
	}
}

func TestEngine_Run_Deterministic(t *testing.T) {
	decls := []Declaration{
		decl("package", "git", "installed"),
		{Type: "template", Name: "a", Attributes: map[string]any{"value": "1"},
			Notifies: []Notification{{Target: ident("service", "b"), Action: "restart"}}},
		{Type: "service", Name: "b", Action: "nothing"},
		decl("file", "c", "1"),
	}

	var runs [][]string
	for i := 0; i < 3; i++ {
		host := newFakeHost()
		e := newTestEngine(host, nil)
		e.Run(context.Background(), decls, DefaultRunOptions())
		runs = append(runs, host.Calls())
	}

	for i := 1; i < len(runs); i++ {
		if !reflect.DeepEqual(runs[0], runs[i]) {
			t.Errorf("Expected identical call sequences, got %v and %v", runs[0], runs[i])
		}
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		attempt int
		err     error
		want    time.Duration
	}{
		{"default base", 0, 0, errors.New("x"), time.Second},
		{"exponential", 100 * time.Millisecond, 3, errors.New("x"), 800 * time.Millisecond},
		{"throttled", time.Second, 1, NewThrottledError("slow down", nil), 10 * time.Second},
		{"capped", time.Second, 10, errors.New("x"), time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := calculateBackoff(tt.base, tt.attempt, tt.err); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}
