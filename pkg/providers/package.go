package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/system"
)

// PackageProvider installs, upgrades and removes OS packages.
type PackageProvider struct {
	deps Deps
}

// NewPackageProvider creates a package provider.
func NewPackageProvider(deps Deps) *PackageProvider {
	return &PackageProvider{deps: deps.withDefaults()}
}

// Metadata describes the package resource type.
func (p *PackageProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "package",
		Description:   "OS package managed with dnf, yum, apt or zypper",
		Actions:       []string{"install", "upgrade", "remove"},
		DefaultAction: "install",
	}
}

type pkgSpec struct {
	name    string
	version string
	options []string
	manager string
}

type pkgPlan struct {
	spec pkgSpec
	verb string
}

func (p *PackageProvider) desired(req *engine.Request) (pkgSpec, error) {
	a := attrs(req.Attributes)
	spec := pkgSpec{
		name:    a.strOr("package_name", req.Identity.Name),
		version: a.str("version"),
		manager: a.strOr("manager", p.deps.PackageManager),
	}
	for _, opt := range a.list("options") {
		spec.options = append(spec.options, strings.Fields(opt)...)
	}
	switch spec.manager {
	case "apt", "dnf", "yum", "zypper":
	case "":
		return spec, fmt.Errorf("no supported package manager found")
	default:
		return spec, fmt.Errorf("unsupported package manager: %s", spec.manager)
	}
	return spec, nil
}

// Validate checks the package manager and name.
func (p *PackageProvider) Validate(req *engine.Request) error {
	spec, err := p.desired(req)
	if err != nil {
		return err
	}
	if strings.ContainsAny(spec.name, " \t") {
		return fmt.Errorf("package name %q contains whitespace", spec.name)
	}
	return nil
}

// Observe queries the installed version and, for upgrade, whether a newer
// version is available.
func (p *PackageProvider) Observe(ctx context.Context, req *engine.Request) (*engine.State, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}

	installed, version, err := p.installedVersion(ctx, spec)
	if err != nil {
		return nil, err
	}
	state := &engine.State{Exists: installed, Attributes: map[string]any{"version": version}}

	if installed && req.Action == "upgrade" {
		available, err := p.upgradeAvailable(ctx, spec)
		if err != nil {
			return nil, err
		}
		state.Attributes["upgrade_available"] = available
	}
	return state, nil
}

func (p *PackageProvider) installedVersion(ctx context.Context, spec pkgSpec) (bool, string, error) {
	var cmd system.Command
	switch spec.manager {
	case "apt":
		cmd = system.Command{Name: "dpkg-query", Args: []string{"-W", "-f=${Status} ${Version}", spec.name}}
	default:
		cmd = system.Command{Name: "rpm", Args: []string{"-q", "--queryformat", "%{VERSION}-%{RELEASE}", spec.name}}
	}

	res, err := p.deps.Runner.Run(ctx, cmd)
	if err != nil {
		return false, "", err
	}
	if !res.Success() {
		return false, "", nil
	}

	out := strings.TrimSpace(res.Stdout)
	if spec.manager == "apt" {
		// "install ok installed 1:2.39.2-1"
		fields := strings.Fields(out)
		if len(fields) < 4 || fields[2] != "installed" {
			return false, "", nil
		}
		return true, fields[3], nil
	}
	return true, out, nil
}

func (p *PackageProvider) upgradeAvailable(ctx context.Context, spec pkgSpec) (bool, error) {
	switch spec.manager {
	case "apt":
		res, err := p.deps.Runner.Run(ctx, system.Command{Name: "apt-cache", Args: []string{"policy", spec.name}})
		if err != nil {
			return false, err
		}
		var installed, candidate string
		for _, line := range strings.Split(res.Stdout, "\n") {
			key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
			if !ok {
				continue
			}
			switch key {
			case "Installed":
				installed = strings.TrimSpace(value)
			case "Candidate":
				candidate = strings.TrimSpace(value)
			}
		}
		return candidate != "" && candidate != "(none)" && candidate != installed, nil

	case "zypper":
		res, err := p.deps.Runner.Run(ctx, system.Command{Name: "zypper", Args: []string{"--non-interactive", "-q", "list-updates"}})
		if err != nil {
			return false, err
		}
		for _, line := range strings.Split(res.Stdout, "\n") {
			cols := strings.Split(line, "|")
			if len(cols) > 2 && strings.TrimSpace(cols[2]) == spec.name {
				return true, nil
			}
		}
		return false, nil

	default:
		// check-update exits 100 when updates are available.
		args := append([]string{"-q", "check-update"}, spec.options...)
		res, err := p.deps.Runner.Run(ctx, system.Command{Name: spec.manager, Args: append(args, spec.name)})
		if err != nil {
			return false, err
		}
		switch res.ExitCode {
		case 0:
			return false, nil
		case 100:
			return true, nil
		default:
			return false, res.Err(system.Command{Name: spec.manager, Args: args})
		}
	}
}

// Diff decides whether the package manager must run.
func (p *PackageProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	have, _ := state.Attributes["version"].(string)

	switch req.Action {
	case "install":
		want := spec.version
		if want == "" {
			want = "installed"
		}
		if state.Exists && (spec.version == "" || versionMatches(have, spec.version)) {
			return nil, nil
		}
		return changeSet([]engine.Change{{Path: "version", Before: versionBefore(state), After: want}}, "",
			&pkgPlan{spec: spec, verb: "install"}), nil

	case "upgrade":
		if !state.Exists {
			return changeSet([]engine.Change{{Path: "version", Before: nil, After: "latest"}}, "",
				&pkgPlan{spec: spec, verb: "install"}), nil
		}
		if available, _ := state.Attributes["upgrade_available"].(bool); !available {
			return nil, nil
		}
		return changeSet([]engine.Change{{Path: "version", Before: have, After: "latest"}}, "",
			&pkgPlan{spec: spec, verb: "upgrade"}), nil

	case "remove":
		if !state.Exists {
			return nil, nil
		}
		return changeSet([]engine.Change{{Path: "version", Before: have, After: nil}}, "",
			&pkgPlan{spec: spec, verb: "remove"}), nil

	default:
		return nil, unsupportedAction(req.Action)
	}
}

// Apply runs the package manager.
func (p *PackageProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	plan, ok := cs.Payload.(*pkgPlan)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}

	cmd := packageCommand(plan.spec, plan.verb)
	res, err := run(ctx, p.deps.Runner, cmd)
	if err != nil {
		return nil, err
	}
	return &engine.ApplyResult{Message: strings.TrimSpace(lastLine(res.Stdout))}, nil
}

func packageCommand(spec pkgSpec, verb string) system.Command {
	target := spec.name
	if spec.version != "" && verb == "install" {
		switch spec.manager {
		case "apt":
			target = spec.name + "=" + spec.version
		case "zypper":
			target = spec.name + "=" + spec.version
		default:
			target = spec.name + "-" + spec.version
		}
	}

	if spec.manager == "zypper" && verb == "upgrade" {
		verb = "update"
	}
	if spec.manager == "apt" && verb == "upgrade" {
		// apt-get upgrade ignores its arguments; install --only-upgrade targets one package.
		verb = "install"
		spec.options = append([]string{"--only-upgrade"}, spec.options...)
	}

	cmd := system.Command{Name: spec.manager}
	switch spec.manager {
	case "apt":
		cmd.Name = "apt-get"
		cmd.Env = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}
		cmd.Args = append([]string{"-y", "-q", verb}, spec.options...)
	case "zypper":
		cmd.Args = append([]string{"--non-interactive", verb}, spec.options...)
	default:
		cmd.Args = append([]string{"-y", verb}, spec.options...)
	}
	cmd.Args = append(cmd.Args, target)
	return cmd
}

// versionMatches reports whether the installed version have is want, or want
// with a -release suffix. An epoch on have is ignored unless want names one.
func versionMatches(have, want string) bool {
	if !hasEpoch(want) {
		have = stripEpoch(have)
	}
	return have == want || strings.HasPrefix(have, want+"-")
}

func hasEpoch(v string) bool {
	epoch, _, ok := strings.Cut(v, ":")
	if !ok || epoch == "" {
		return false
	}
	for _, r := range epoch {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stripEpoch(v string) string {
	if hasEpoch(v) {
		_, v, _ = strings.Cut(v, ":")
	}
	return v
}

func versionBefore(state *engine.State) any {
	if !state.Exists {
		return nil
	}
	return state.Attributes["version"]
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
