package stores

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/keelops/keel/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func finishedRun(id string, startedAt time.Time, status engine.RunStatus) *Run {
	finished := startedAt.Add(2 * time.Second)
	return &Run{
		ID:          id,
		Hostname:    "web01",
		Status:      RunStatus(status),
		SourceFiles: []string{"/etc/keel/site.yaml"},
		StartedAt:   startedAt,
		FinishedAt:  &finished,
		Duration:    2 * time.Second,
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "journal.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	// Migrating twice is a no-op.
	for i := 0; i < 2; i++ {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("migration %d failed: %v", i, err)
		}
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "outcomes", "events", "resource_state"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	run := &Run{
		ID:        "run-001",
		Hostname:  "web01",
		Status:    RunStatusRunning,
		StartedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatusRunning {
		t.Errorf("expected status running, got %s", got.Status)
	}
	if got.FinishedAt != nil {
		t.Errorf("expected no finish time, got %v", got.FinishedAt)
	}
	if !got.StartedAt.Equal(now) {
		t.Errorf("expected StartedAt %v, got %v", now, got.StartedAt)
	}
	if len(got.SourceFiles) != 0 {
		t.Errorf("expected no source files, got %v", got.SourceFiles)
	}

	final := finishedRun(run.ID, now, engine.RunStatusFailed)
	final.ExitCode = 1
	final.Summary = engine.Summary{Total: 2, Updated: 1, Failed: 1}
	msg := "file[/etc/motd] failed: permission denied"
	final.Error = &msg

	outcomes := []*Outcome{
		{
			ResourceType: "package",
			ResourceName: "nginx",
			Action:       "install",
			Kind:         string(engine.OutcomeUpdated),
			Changes:      []engine.Change{{Path: "version", Before: "", After: "1.24.0"}},
			Attempts:     1,
			Duration:     1500 * time.Millisecond,
		},
		{
			ResourceType: "file",
			ResourceName: "/etc/motd",
			Action:       "create",
			Kind:         string(engine.OutcomeFailed),
			Error:        "permission denied",
			Attempts:     3,
		},
	}
	if err := store.FinishRun(ctx, final, outcomes); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, err = store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Status != RunStatus(engine.RunStatusFailed) {
		t.Errorf("expected status failed, got %s", got.Status)
	}
	if got.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", got.ExitCode)
	}
	if got.Summary != final.Summary {
		t.Errorf("expected summary %+v, got %+v", final.Summary, got.Summary)
	}
	if got.Error == nil || *got.Error != msg {
		t.Errorf("expected error %q, got %v", msg, got.Error)
	}
	if got.FinishedAt == nil {
		t.Error("expected FinishedAt to be set")
	}
	if got.Duration != 2*time.Second {
		t.Errorf("expected duration 2s, got %s", got.Duration)
	}
	if len(got.SourceFiles) != 1 || got.SourceFiles[0] != "/etc/keel/site.yaml" {
		t.Errorf("unexpected source files %v", got.SourceFiles)
	}

	rows, err := store.ListOutcomes(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to list outcomes: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(rows))
	}
	if rows[0].Identity() != (engine.Identity{Type: "package", Name: "nginx"}) {
		t.Errorf("unexpected first outcome %s", rows[0].Identity())
	}
	if len(rows[0].Changes) != 1 || rows[0].Changes[0].Path != "version" || rows[0].Changes[0].After != "1.24.0" {
		t.Errorf("unexpected changes %+v", rows[0].Changes)
	}
	if rows[0].Duration != 1500*time.Millisecond {
		t.Errorf("expected duration 1.5s, got %s", rows[0].Duration)
	}
	if rows[1].Position != 1 || rows[1].Error != "permission denied" || rows[1].Attempts != 3 {
		t.Errorf("unexpected second outcome %+v", rows[1])
	}
	if rows[1].Changes != nil && len(rows[1].Changes) != 0 {
		t.Errorf("expected no changes, got %+v", rows[1].Changes)
	}
}

func TestFinishRun_WithoutCreate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := finishedRun("rejected-1", time.Now(), engine.RunStatusRejected)
	run.ExitCode = 2
	if err := store.FinishRun(ctx, run, nil); err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	got, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.ExitCode != 2 || got.Status != RunStatus(engine.RunStatusRejected) {
		t.Errorf("unexpected run %+v", got)
	}
}

func TestGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, id := range []string{"4f1c2a", "4f9b01", "7d0e33"} {
		if err := store.CreateRun(ctx, &Run{ID: id, Status: RunStatusRunning, StartedAt: now}); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}

	tests := []struct {
		name    string
		id      string
		want    string
		wantErr string
	}{
		{name: "exact", id: "4f1c2a", want: "4f1c2a"},
		{name: "unique prefix", id: "7d", want: "7d0e33"},
		{name: "ambiguous prefix", id: "4f", wantErr: "ambiguous"},
		{name: "unknown", id: "ff", wantErr: "run not found: ff"},
		{name: "wildcards are literal", id: "4%", wantErr: "run not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.GetRun(ctx, tt.id)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ID != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got.ID)
			}
		})
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"a", "b", "c"} {
		run := finishedRun(id, base.Add(time.Duration(i)*time.Minute), engine.RunStatusSucceeded)
		if err := store.FinishRun(ctx, run, nil); err != nil {
			t.Fatalf("failed to finish run: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Fatalf("unexpected runs %v", runIDs(runs))
	}

	runs, err = store.ListRuns(ctx, 10, 2)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "a" {
		t.Fatalf("unexpected runs %v", runIDs(runs))
	}
}

func TestDeleteAndPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"r1", "r2", "r3", "r4"} {
		run := finishedRun(id, base.Add(time.Duration(i)*time.Minute), engine.RunStatusSucceeded)
		outcomes := []*Outcome{{ResourceType: "file", ResourceName: "/etc/motd", Kind: string(engine.OutcomeUnchanged)}}
		if err := store.FinishRun(ctx, run, outcomes); err != nil {
			t.Fatalf("failed to finish run: %v", err)
		}
		runID := id
		if err := store.AppendEvent(ctx, &Event{RunID: &runID, Type: "run.finished", Level: EventLevelInfo, Message: "done"}); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	if err := store.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if err := store.DeleteRun(ctx, "r1"); err == nil {
		t.Error("expected error deleting a missing run")
	}

	deleted, err := store.PruneRuns(ctx, 1)
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 pruned runs, got %d", deleted)
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "r4" {
		t.Fatalf("unexpected runs %v", runIDs(runs))
	}

	var outcomes, events int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM outcomes").Scan(&outcomes); err != nil {
		t.Fatal(err)
	}
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&events); err != nil {
		t.Fatal(err)
	}
	if outcomes != 1 || events != 1 {
		t.Errorf("expected 1 outcome and 1 event left, got %d and %d", outcomes, events)
	}

	if _, err := store.PruneRuns(ctx, -1); err == nil {
		t.Error("expected error for negative keep")
	}
}

// TestEventLog tests the append-only event log
func TestEventLog(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	runID := "run-events"
	details := `{"attempt":2}`
	events := []*Event{
		{RunID: &runID, Type: "run.started", Level: EventLevelInfo, Message: "run started"},
		{RunID: &runID, Resource: "service[nginx]", Type: "resource.failed", Level: EventLevelError, Message: "restart failed", Details: &details},
		{Type: "policy.reloaded", Level: EventLevelInfo, Message: "policies reloaded"},
	}
	for _, e := range events {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if e.ID == 0 {
			t.Error("expected event ID to be assigned")
		}
		if e.Timestamp.IsZero() {
			t.Error("expected timestamp to be defaulted")
		}
	}

	all, err := store.GetEvents(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(all) != 3 || all[0].Type != "run.started" {
		t.Fatalf("unexpected events %+v", all)
	}

	byRun, err := store.GetEvents(ctx, &runID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(byRun) != 2 {
		t.Errorf("expected 2 run events, got %d", len(byRun))
	}

	level := EventLevelError
	errs, err := store.GetEvents(ctx, nil, &level, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(errs) != 1 || errs[0].Resource != "service[nginx]" || errs[0].Details == nil || *errs[0].Details != details {
		t.Errorf("unexpected error events %+v", errs)
	}
}

func TestResourceState(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour).Truncate(time.Second)

	first := finishedRun("first", base, engine.RunStatusSucceeded)
	err := store.FinishRun(ctx, first, []*Outcome{
		{ResourceType: "service", ResourceName: "nginx", Kind: string(engine.OutcomeUpdated)},
		{ResourceType: "file", ResourceName: "/etc/motd", Kind: string(engine.OutcomeNotVisited)},
	})
	if err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	second := finishedRun("second", base.Add(time.Minute), engine.RunStatusSucceeded)
	err = store.FinishRun(ctx, second, []*Outcome{
		{ResourceType: "service", ResourceName: "nginx", Kind: string(engine.OutcomeUnchanged)},
	})
	if err != nil {
		t.Fatalf("failed to finish run: %v", err)
	}

	state, err := store.GetResourceState(ctx, "service", "nginx")
	if err != nil {
		t.Fatalf("failed to get resource state: %v", err)
	}
	if state.LastKind != string(engine.OutcomeUnchanged) || state.LastRunID != "second" {
		t.Errorf("unexpected state %+v", state)
	}
	if state.LastChangedAt == nil || !state.LastChangedAt.Equal(*first.FinishedAt) {
		t.Errorf("expected last change from the first run, got %v", state.LastChangedAt)
	}
	if !state.LastSeenAt.Equal(*second.FinishedAt) {
		t.Errorf("expected last seen %v, got %v", *second.FinishedAt, state.LastSeenAt)
	}

	if _, err := store.GetResourceState(ctx, "file", "/etc/motd"); err == nil {
		t.Error("expected not_visited outcome to leave no state")
	}

	states, err := store.ListResourceStates(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list resource states: %v", err)
	}
	if len(states) != 1 {
		t.Errorf("expected 1 resource state, got %d", len(states))
	}
}

type failingJournal struct {
	Journal
	created  []*Run
	finished []*Run
	err      error
}

func (f *failingJournal) CreateRun(_ context.Context, run *Run) error {
	f.created = append(f.created, run)
	return f.err
}

func (f *failingJournal) FinishRun(ctx context.Context, run *Run, _ []*Outcome) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.finished = append(f.finished, run)
	return f.err
}

func TestRecorder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	rec := NewRecorder(store, "web01", []string{"site.yaml"}, zerolog.Nop())

	rec.RunStarted(ctx, "rec-1", nil, engine.RunOptions{DryRun: true})

	run, err := store.GetRun(ctx, "rec-1")
	if err != nil {
		t.Fatalf("run not journaled at start: %v", err)
	}
	if run.Status != RunStatusRunning || !run.DryRun || run.Hostname != "web01" {
		t.Errorf("unexpected started run %+v", run)
	}

	started := time.Now().Add(-time.Second)
	report := &engine.RunReport{
		RunID:  "rec-1",
		Status: engine.RunStatusSucceeded,
		DryRun: true,
		Outcomes: []*engine.Outcome{{
			Identity:  engine.Identity{Type: "file", Name: "/etc/motd"},
			Kind:      engine.OutcomeWouldUpdate,
			Action:    "create",
			StartedAt: started,
			Changes:   []engine.Change{{Path: "content", Before: "old", After: "new"}},
			Diff:      "-old\n+new\n",
		}},
		Summary:    engine.Summary{Total: 1, WouldUpdate: 1},
		StartedAt:  started,
		FinishedAt: time.Now(),
		Duration:   time.Second,
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	rec.RunFinished(cancelled, report)

	run, err = store.GetRun(ctx, "rec-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.Status != RunStatus(engine.RunStatusSucceeded) || run.Summary.WouldUpdate != 1 || run.Error != nil {
		t.Errorf("unexpected finished run %+v", run)
	}

	outcomes, err := store.ListOutcomes(ctx, "rec-1")
	if err != nil {
		t.Fatalf("failed to list outcomes: %v", err)
	}
	if len(outcomes) != 1 || outcomes[0].Diff != "-old\n+new\n" || outcomes[0].StartedAt == nil {
		t.Errorf("unexpected outcomes %+v", outcomes)
	}
}

func TestRecorder_JournalErrorsAreSwallowed(t *testing.T) {
	journal := &failingJournal{err: errors.New("disk full")}
	rec := NewRecorder(journal, "web01", nil, zerolog.Nop())

	ctx := rec.RunStarted(context.Background(), "rec-2", nil, engine.DefaultRunOptions())
	rec.RunFinished(ctx, engine.NewRejectedReport("rec-2", errors.New("cycle")))

	if len(journal.created) != 1 || len(journal.finished) != 1 {
		t.Fatalf("expected one create and one finish, got %d and %d", len(journal.created), len(journal.finished))
	}
	if got := journal.finished[0]; got.ExitCode != engine.ExitStructural || got.Error == nil || *got.Error != "cycle" {
		t.Errorf("unexpected rejected run %+v", got)
	}
}

func TestFromReport_FailedOutcomeError(t *testing.T) {
	report := &engine.RunReport{
		RunID:  "r",
		Status: engine.RunStatusFailed,
		Outcomes: []*engine.Outcome{{
			Identity: engine.Identity{Type: "service", Name: "nginx"},
			Kind:     engine.OutcomeFailed,
			Err:      errors.New("exit status 1"),
		}},
		Summary: engine.Summary{Total: 1, Failed: 1},
	}

	run, outcomes := FromReport(report, "h", nil)
	if run.ExitCode != engine.ExitFailed {
		t.Errorf("expected exit code 1, got %d", run.ExitCode)
	}
	if run.Error == nil || !strings.Contains(*run.Error, "service[nginx] failed") {
		t.Errorf("unexpected run error %v", run.Error)
	}
	if run.FinishedAt != nil {
		t.Errorf("expected nil FinishedAt for zero time, got %v", run.FinishedAt)
	}
	if outcomes[0].Error != "exit status 1" {
		t.Errorf("expected outcome error from Err, got %q", outcomes[0].Error)
	}
}

func runIDs(runs []*Run) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}
