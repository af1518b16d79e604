// Package stores provides the run journal.
//
// The journal is a SQLite database (pure Go driver, WAL mode) holding one row
// per run, one row per resource outcome, an append-only event log and the
// last known outcome of every resource. Schema changes are embedded
// golang-migrate migrations applied by Migrate.
//
// Recorder plugs the journal into the engine as a RunObserver, so a run is
// visible as "running" while it converges and complete once it finishes.
package stores
