package system

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Command describes a process to run on the host.
type Command struct {
	// Name is the executable, resolved through PATH.
	Name string

	// Args are passed verbatim, no shell is involved.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is added to the inherited environment.
	Env map[string]string

	// User runs the command as another user through sudo -u.
	User string

	// Stdin is written to the process standard input.
	Stdin []byte
}

// String renders the command line for logs and errors.
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// CommandResult is the outcome of a finished process.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success returns true if the command exited with code 0.
func (r *CommandResult) Success() bool {
	return r.ExitCode == 0
}

// Err converts a non-zero exit into an error carrying stderr.
func (r *CommandResult) Err(cmd Command) error {
	if r.Success() {
		return nil
	}
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Stdout)
	}
	return fmt.Errorf("%s exited with code %d: %s", cmd, r.ExitCode, msg)
}

// CommandRunner executes commands on the host. A non-zero exit code is not
// an error; Run only fails when the process cannot be started or ctx expires.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (*CommandResult, error)
}

// waitDelay bounds how long Run waits for output pipes after the process
// was killed or exited.
const waitDelay = 500 * time.Millisecond

// ExecRunner runs commands with os/exec. When ctx ends, the command's whole
// process group is killed.
type ExecRunner struct {
	logger zerolog.Logger
}

// NewExecRunner creates a runner that logs every command at debug level.
func NewExecRunner(logger zerolog.Logger) *ExecRunner {
	return &ExecRunner{logger: logger.With().Str("component", "runner").Logger()}
}

// Run executes the command and waits for it to finish.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*CommandResult, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("command name is required")
	}

	name, args := c.Name, c.Args
	if c.User != "" {
		args = append([]string{"-n", "-H", "-u", c.User, "--", name}, args...)
		name = "sudo"
	}

	cmd := exec.CommandContext(ctx, name, args...)
	killGroupOnCancel(cmd)
	cmd.WaitDelay = waitDelay
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(c.Env)...)
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("%s: %w", c, ctxErr)
		}
		var exitErr *exec.ExitError
		switch {
		case errors.As(err, &exitErr):
			result.ExitCode = exitErr.ExitCode()
		case errors.Is(err, exec.ErrWaitDelay):
			// Exited, but a daemon it started still holds the output pipes.
			result.ExitCode = cmd.ProcessState.ExitCode()
		default:
			return result, fmt.Errorf("failed to execute %s: %w", c, err)
		}
	}

	r.logger.Debug().
		Str("command", c.String()).
		Str("user", c.User).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("Command finished")

	return result, nil
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Ensure ExecRunner implements CommandRunner.
var _ CommandRunner = (*ExecRunner)(nil)
