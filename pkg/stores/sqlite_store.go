package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/keelops/keel/pkg/engine"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config locates the journal database.
type Config struct {
	Path string

	// MaxOpenConns defaults to 1: an in-memory database lives on a single
	// connection and the journal has one writer.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// pragmas are applied on every connection. Immediate transactions take the
// write lock up front so two keel processes queue on busy_timeout instead
// of failing on lock upgrade.
var pragmas = []string{
	"foreign_keys(1)",
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"synchronous(NORMAL)",
}

// SQLiteStore is the run journal on SQLite, through the pure Go
// modernc.org/sqlite driver.
type SQLiteStore struct {
	cfg Config
	db  *sql.DB
}

var _ Journal = (*SQLiteStore)(nil)

var errNotOpen = errors.New("journal is not open")

// NewSQLiteStore validates cfg. Init opens the database.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}
	cfg.MaxOpenConns = max(cfg.MaxOpenConns, 1)
	cfg.MaxIdleConns = max(cfg.MaxIdleConns, 1)
	return &SQLiteStore{cfg: cfg}, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string { return s.cfg.Path }

// Init opens and pings the database.
func (s *SQLiteStore) Init(ctx context.Context) error {
	var dsn strings.Builder
	dsn.WriteString(s.cfg.Path)
	dsn.WriteString("?_txlock=immediate")
	for _, p := range pragmas {
		dsn.WriteString("&_pragma=")
		dsn.WriteString(p)
	}

	db, err := sql.Open("sqlite", dsn.String())
	if err != nil {
		return fmt.Errorf("open journal %s: %w", s.cfg.Path, err)
	}
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("open journal %s: %w", s.cfg.Path, err)
	}
	s.db = db
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate brings the schema to the newest embedded migration.
func (s *SQLiteStore) Migrate(context.Context) error {
	if s.db == nil {
		return errNotOpen
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	dst, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", dst)
	if err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}

	// Not closing m: it would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate journal: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotOpen
	}
	return s.db.PingContext(ctx)
}

// inTx runs fn in a transaction, committing when fn succeeds.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

// queryAll runs query and scans every row with scan. The result is never nil.
func queryAll[T any](ctx context.Context, db *sql.DB, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

const (
	runColumns = `id, hostname, status, dry_run, exit_code, summary, source_files, error, started_at, finished_at, duration_ms`

	insertRun = `INSERT INTO runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	upsertRun = insertRun + `
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			exit_code = excluded.exit_code,
			summary = excluded.summary,
			source_files = excluded.source_files,
			error = excluded.error,
			finished_at = excluded.finished_at,
			duration_ms = excluded.duration_ms`

	outcomeColumns = `id, run_id, position, resource_type, resource_name, action, kind, reason, error, changes, diff, attempts, started_at, duration_ms`

	insertOutcome = `INSERT INTO outcomes (run_id, position, resource_type, resource_name, action, kind, reason, error, changes, diff, attempts, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// last_changed_at only moves when the resource actually changed.
	upsertResourceState = `INSERT INTO resource_state (resource_type, resource_name, last_kind, last_run_id, last_seen_at, last_changed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (resource_type, resource_name) DO UPDATE SET
			last_kind = excluded.last_kind,
			last_run_id = excluded.last_run_id,
			last_seen_at = excluded.last_seen_at,
			last_changed_at = COALESCE(excluded.last_changed_at, resource_state.last_changed_at)`

	resourceStateColumns = `resource_type, resource_name, last_kind, last_run_id, last_seen_at, last_changed_at`

	eventColumns = `id, run_id, resource, type, level, message, details, timestamp`
)

// runArgs returns the insertRun arguments for run.
func runArgs(run *Run) ([]any, error) {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return nil, fmt.Errorf("encode summary of run %s: %w", run.ID, err)
	}
	sources, err := json.Marshal(nonNil(run.SourceFiles))
	if err != nil {
		return nil, fmt.Errorf("encode sources of run %s: %w", run.ID, err)
	}
	return []any{
		run.ID, run.Hostname, run.Status, run.DryRun, run.ExitCode,
		string(summary), string(sources), run.Error,
		run.StartedAt.UTC(), nullTime(run.FinishedAt), run.Duration.Milliseconds(),
	}, nil
}

// CreateRun inserts a run, normally still running.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertRun, args...); err != nil {
		return fmt.Errorf("create run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun writes the final run row, replaces its outcomes and refreshes
// resource_state in one transaction. Rejected runs were never created, so
// the run row is upserted. Not-visited outcomes leave resource_state alone.
func (s *SQLiteStore) FinishRun(ctx context.Context, run *Run, outcomes []*Outcome) error {
	args, err := runArgs(run)
	if err != nil {
		return err
	}

	seenAt := run.StartedAt.UTC()
	if run.FinishedAt != nil {
		seenAt = run.FinishedAt.UTC()
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertRun, args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE run_id = ?`, run.ID); err != nil {
			return err
		}

		for i, o := range outcomes {
			changes, err := json.Marshal(nonNil(o.Changes))
			if err != nil {
				return fmt.Errorf("encode changes of %s: %w", o.Identity(), err)
			}
			_, err = tx.ExecContext(ctx, insertOutcome,
				run.ID, i, o.ResourceType, o.ResourceName, o.Action, o.Kind, o.Reason,
				o.Error, string(changes), o.Diff, o.Attempts, nullTime(o.StartedAt), o.Duration.Milliseconds(),
			)
			if err != nil {
				return fmt.Errorf("outcome %s: %w", o.Identity(), err)
			}
			o.RunID, o.Position = run.ID, i

			if o.Kind == string(engine.OutcomeNotVisited) {
				continue
			}
			var changedAt *time.Time
			if o.Kind == string(engine.OutcomeUpdated) && !run.DryRun {
				changedAt = &seenAt
			}
			_, err = tx.ExecContext(ctx, upsertResourceState,
				o.ResourceType, o.ResourceName, o.Kind, run.ID, seenAt, nullTime(changedAt))
			if err != nil {
				return fmt.Errorf("resource state %s: %w", o.Identity(), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("finish run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun returns the run with id, or the single run whose id starts with it.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	// An exact match sorts first; two rows are enough to detect ambiguity.
	runs, err := queryAll(ctx, s.db, scanRun,
		`SELECT `+runColumns+` FROM runs WHERE substr(id, 1, length(?)) = ? ORDER BY id = ? DESC LIMIT 2`,
		id, id, id)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}

	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("run not found: %s", id)
	case len(runs) == 1 || runs[0].ID == id:
		return runs[0], nil
	}
	return nil, fmt.Errorf("run id prefix is ambiguous: %s", id)
}

// ListRuns pages through runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	runs, err := queryAll(ctx, s.db, scanRun,
		`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListOutcomes returns a run's outcomes in convergence order.
func (s *SQLiteStore) ListOutcomes(ctx context.Context, runID string) ([]*Outcome, error) {
	outcomes, err := queryAll(ctx, s.db, scanOutcome,
		`SELECT `+outcomeColumns+` FROM outcomes WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes of run %s: %w", runID, err)
	}
	return outcomes, nil
}

// DeleteRun deletes a run. Outcomes cascade; events are deleted with it.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete run %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return fmt.Errorf("run not found: %s", id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
			return fmt.Errorf("delete events of run %s: %w", id, err)
		}
		return nil
	})
}

// PruneRuns deletes all but the newest keep runs, with their events, and
// returns how many runs went.
func (s *SQLiteStore) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must not be negative: %d", keep)
	}

	var deleted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM runs WHERE id NOT IN (SELECT id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?)`, keep)
		if err != nil {
			return err
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM events WHERE run_id IS NOT NULL AND run_id NOT IN (SELECT id FROM runs)`)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune journal: %w", err)
	}
	return deleted, nil
}

// AppendEvent stores event and sets its ID. A zero Timestamp becomes now.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (run_id, resource, type, level, message, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Resource, event.Type, event.Level, event.Message, event.Details, event.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append %s event: %w", event.Type, err)
	}
	if event.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("append %s event: %w", event.Type, err)
	}
	return nil
}

// GetEvents pages through events oldest first. A nil runID or level
// matches everything.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	events, err := queryAll(ctx, s.db, scanEvent,
		`SELECT `+eventColumns+` FROM events
		WHERE (? IS NULL OR run_id = ?) AND (? IS NULL OR level = ?)
		ORDER BY id LIMIT ? OFFSET ?`,
		runID, runID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	return events, nil
}

// GetResourceState returns what the journal last saw of a resource.
func (s *SQLiteStore) GetResourceState(ctx context.Context, resourceType, resourceName string) (*ResourceState, error) {
	state, err := scanResourceState(s.db.QueryRowContext(ctx,
		`SELECT `+resourceStateColumns+` FROM resource_state WHERE resource_type = ? AND resource_name = ?`,
		resourceType, resourceName))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("resource state not found: %s[%s]", resourceType, resourceName)
	case err != nil:
		return nil, fmt.Errorf("get resource state %s[%s]: %w", resourceType, resourceName, err)
	}
	return state, nil
}

// ListResourceStates pages through resource states by type and name.
func (s *SQLiteStore) ListResourceStates(ctx context.Context, limit, offset int) ([]*ResourceState, error) {
	states, err := queryAll(ctx, s.db, scanResourceState,
		`SELECT `+resourceStateColumns+` FROM resource_state ORDER BY resource_type, resource_name LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list resource states: %w", err)
	}
	return states, nil
}

func scanRun(row scanner) (*Run, error) {
	var (
		run              Run
		summary, sources string
		finishedAt       sql.NullTime
		millis           int64
	)
	err := row.Scan(&run.ID, &run.Hostname, &run.Status, &run.DryRun, &run.ExitCode,
		&summary, &sources, &run.Error, &run.StartedAt, &finishedAt, &millis)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
		return nil, fmt.Errorf("decode summary of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(sources), &run.SourceFiles); err != nil {
		return nil, fmt.Errorf("decode sources of run %s: %w", run.ID, err)
	}
	run.FinishedAt = timePtr(finishedAt)
	run.Duration = time.Duration(millis) * time.Millisecond
	return &run, nil
}

func scanOutcome(row scanner) (*Outcome, error) {
	var (
		o         Outcome
		changes   string
		startedAt sql.NullTime
		millis    int64
	)
	err := row.Scan(&o.ID, &o.RunID, &o.Position, &o.ResourceType, &o.ResourceName, &o.Action,
		&o.Kind, &o.Reason, &o.Error, &changes, &o.Diff, &o.Attempts, &startedAt, &millis)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(changes), &o.Changes); err != nil {
		return nil, fmt.Errorf("decode changes of %s: %w", o.Identity(), err)
	}
	o.StartedAt = timePtr(startedAt)
	o.Duration = time.Duration(millis) * time.Millisecond
	return &o, nil
}

func scanEvent(row scanner) (*Event, error) {
	var e Event
	err := row.Scan(&e.ID, &e.RunID, &e.Resource, &e.Type, &e.Level, &e.Message, &e.Details, &e.Timestamp)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanResourceState(row scanner) (*ResourceState, error) {
	var (
		st        ResourceState
		changedAt sql.NullTime
	)
	err := row.Scan(&st.ResourceType, &st.ResourceName, &st.LastKind, &st.LastRunID, &st.LastSeenAt, &changedAt)
	if err != nil {
		return nil, err
	}
	st.LastChangedAt = timePtr(changedAt)
	return &st, nil
}

// nonNil keeps JSON columns as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
