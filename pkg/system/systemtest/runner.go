// Package systemtest provides test doubles for package system.
package systemtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/keelops/keel/pkg/system"
)

// Runner is a thread-safe test double for system.CommandRunner. Commands are
// matched on "name arg1 arg2"; a handler registered for a prefix answers any
// command line starting with it.
type Runner struct {
	mu       sync.Mutex
	results  map[string]system.CommandResult
	errors   map[string]error
	handlers map[string]func(system.Command) system.CommandResult
	calls    []system.Command

	// Default answers commands with no registered result. When nil an
	// unknown command returns an error.
	Default *system.CommandResult
}

// NewRunner creates a new Runner.
func NewRunner() *Runner {
	return &Runner{
		results:  make(map[string]system.CommandResult),
		errors:   make(map[string]error),
		handlers: make(map[string]func(system.Command) system.CommandResult),
	}
}

// AddResult registers the result of a command line.
func (r *Runner) AddResult(line string, result system.CommandResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[line] = result
}

// AddExit registers a command line that exits with code and stdout.
func (r *Runner) AddExit(line string, code int, stdout string) {
	r.AddResult(line, system.CommandResult{ExitCode: code, Stdout: stdout})
}

// AddError registers a command line that fails to start.
func (r *Runner) AddError(line string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[line] = err
}

// Handle registers a handler for every command line starting with prefix.
func (r *Runner) Handle(prefix string, fn func(system.Command) system.CommandResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[prefix] = fn
}

// Run records the command and returns its registered result.
func (r *Runner) Run(ctx context.Context, cmd system.Command) (*system.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, cmd)
	line := cmd.String()

	if err, ok := r.errors[line]; ok {
		return nil, err
	}
	if res, ok := r.results[line]; ok {
		return &res, nil
	}

	var best string
	for prefix := range r.handlers {
		if strings.HasPrefix(line, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		res := r.handlers[best](cmd)
		return &res, nil
	}

	if r.Default != nil {
		res := *r.Default
		return &res, nil
	}
	return nil, fmt.Errorf("no mock result for command: %s", line)
}

// Calls returns every recorded command line.
func (r *Runner) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = c.String()
	}
	return out
}

// Commands returns every recorded command.
func (r *Runner) Commands() []system.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]system.Command, len(r.calls))
	copy(out, r.calls)
	return out
}

// Called reports whether a command line was run.
func (r *Runner) Called(line string) bool {
	for _, c := range r.Calls() {
		if c == line {
			return true
		}
	}
	return false
}

// Ensure Runner implements system.CommandRunner.
var _ system.CommandRunner = (*Runner)(nil)
