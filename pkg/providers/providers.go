package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/system"
)

// Deps are the host collaborators shared by all providers.
type Deps struct {
	Runner   system.CommandRunner
	FS       system.FileSystem
	Accounts *system.Accounts
	Logger   zerolog.Logger

	// TemplateDir resolves relative template sources.
	TemplateDir string

	// TemplateData is the root context for templates: variables, node
	// attributes and host facts.
	TemplateData map[string]any

	// PackageManager overrides detection for package resources.
	PackageManager string
}

func (d Deps) withDefaults() Deps {
	if d.Accounts == nil && d.FS != nil {
		d.Accounts = system.NewAccounts(d.FS)
	}
	if d.PackageManager == "" && d.FS != nil {
		d.PackageManager = system.DetectPackageManager(d.FS)
	}
	return d
}

// RegisterDefaults registers every built-in provider.
func RegisterDefaults(reg *engine.Registry, deps Deps) error {
	deps = deps.withDefaults()
	for _, p := range []engine.Provider{
		NewPackageProvider(deps),
		NewServiceProvider(deps),
		NewTemplateProvider(deps),
		NewFileProvider(deps),
		NewDirectoryProvider(deps),
		NewLinkProvider(deps),
		NewUserProvider(deps),
		NewGroupProvider(deps),
		NewCommandProvider(deps),
		NewGitProvider(deps),
		NewYumRepositoryProvider(deps),
		NewAuthorizedKeysProvider(deps),
		NewSudoersProvider(deps),
	} {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// changeSet returns nil when there is nothing to change.
func changeSet(changes []engine.Change, diff string, payload any) *engine.ChangeSet {
	if len(changes) == 0 {
		return nil
	}
	return &engine.ChangeSet{Changes: changes, Diff: diff, Payload: payload}
}

// run executes a command and turns a non-zero exit into an error.
func run(ctx context.Context, r system.CommandRunner, cmd system.Command) (*system.CommandResult, error) {
	res, err := r.Run(ctx, cmd)
	if err != nil {
		return nil, engine.NewPermanentError(fmt.Sprintf("failed to run %s", cmd.Name), err)
	}
	if err := res.Err(cmd); err != nil {
		return res, classifyExit(res, err)
	}
	return res, nil
}

// lockMarkers identify package manager lock contention, which is worth a retry.
var lockMarkers = []string{
	"Could not get lock",
	"Unable to acquire the dpkg frontend lock",
	"Waiting for process with pid",
	"System management is locked",
	"another app is currently holding the yum lock",
}

func classifyExit(res *system.CommandResult, err error) error {
	out := res.Stderr + res.Stdout
	for _, marker := range lockMarkers {
		if strings.Contains(out, marker) {
			return engine.NewConflictError("package manager is locked", err)
		}
	}
	return engine.NewPermanentError("command failed", err)
}

func unsupportedAction(action string) error {
	return fmt.Errorf("unsupported action %q", action)
}
