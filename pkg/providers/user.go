package providers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/system"
)

// UserProvider manages local accounts with useradd, usermod and userdel.
type UserProvider struct {
	deps Deps
}

// NewUserProvider creates a user provider.
func NewUserProvider(deps Deps) *UserProvider {
	return &UserProvider{deps: deps.withDefaults()}
}

// Metadata describes the user resource type.
func (p *UserProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "user",
		Description:   "Local user account",
		Actions:       []string{"create", "modify", "remove"},
		DefaultAction: "create",
	}
}

type userSpec struct {
	name       string
	uid        int
	hasUID     bool
	gid        string
	home       string
	shell      string
	comment    string
	password   string
	manageHome bool
	system     bool
}

type userPlan struct {
	spec userSpec
	verb string
	args []string
}

func (p *UserProvider) desired(req *engine.Request) (userSpec, error) {
	a := attrs(req.Attributes)
	spec := userSpec{
		name:     a.strOr("username", req.Identity.Name),
		gid:      a.str("gid"),
		home:     a.str("home"),
		shell:    a.str("shell"),
		comment:  a.str("comment"),
		password: a.str("password"),
	}
	var err error
	if spec.uid, spec.hasUID, err = a.integer("uid"); err != nil {
		return spec, err
	}
	if spec.manageHome, err = a.boolean("manage_home", true); err != nil {
		return spec, err
	}
	if spec.system, err = a.boolean("system", false); err != nil {
		return spec, err
	}
	return spec, nil
}

// Validate checks the account name and password format.
func (p *UserProvider) Validate(req *engine.Request) error {
	spec, err := p.desired(req)
	if err != nil {
		return err
	}
	if spec.name == "" || strings.ContainsAny(spec.name, ": \t\n") {
		return fmt.Errorf("invalid user name %q", spec.name)
	}
	if spec.password != "" && !strings.HasPrefix(spec.password, "$") && spec.password != "!" && spec.password != "*" {
		return fmt.Errorf("password must be a crypt(3) hash")
	}
	return nil
}

// Observe looks the account up in passwd and, when a password is declared,
// shadow.
func (p *UserProvider) Observe(_ context.Context, req *engine.Request) (*engine.State, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}

	u, err := p.deps.Accounts.LookupUser(spec.name)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return &engine.State{Exists: false}, nil
	}

	state := &engine.State{Exists: true, Attributes: map[string]any{
		"uid":   u.UID,
		"gid":   u.GID,
		"home":  u.Home,
		"shell": u.Shell,
	}}

	if spec.password != "" {
		hash, err := p.shadowHash(spec.name)
		if err != nil {
			return nil, err
		}
		state.Attributes["password"] = hash
	}
	return state, nil
}

func (p *UserProvider) shadowHash(name string) (string, error) {
	data, err := p.deps.FS.ReadFile("/etc/shadow")
	if err != nil {
		return "", fmt.Errorf("failed to read /etc/shadow: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Split(line, ":")
		if len(fields) > 1 && fields[0] == name {
			return fields[1], nil
		}
	}
	return "", nil
}

// Diff compares the declared account fields. create also converges fields
// of an existing account; modify requires the account to exist.
func (p *UserProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case "create", "modify":
		if !state.Exists {
			if req.Action == "modify" {
				return nil, fmt.Errorf("user %s does not exist", spec.name)
			}
			return changeSet([]engine.Change{{Path: "exists", Before: false, After: true}}, "",
				&userPlan{spec: spec, verb: "useradd", args: p.useraddArgs(spec)}), nil
		}
		return p.diffExisting(spec, state)

	case "remove":
		if !state.Exists {
			return nil, nil
		}
		args := []string{}
		if spec.manageHome && attrs(req.Attributes).has("manage_home") {
			args = append(args, "-r")
		}
		return changeSet([]engine.Change{{Path: "exists", Before: true, After: false}}, "",
			&userPlan{spec: spec, verb: "userdel", args: append(args, spec.name)}), nil

	default:
		return nil, unsupportedAction(req.Action)
	}
}

func (p *UserProvider) diffExisting(spec userSpec, state *engine.State) (*engine.ChangeSet, error) {
	var changes []engine.Change
	var args []string

	if spec.hasUID && state.Attributes["uid"] != spec.uid {
		changes = append(changes, engine.Change{Path: "uid", Before: state.Attributes["uid"], After: spec.uid})
		args = append(args, "-u", strconv.Itoa(spec.uid))
	}
	if spec.gid != "" {
		g, err := p.deps.Accounts.LookupGroup(spec.gid)
		if err != nil {
			return nil, err
		}
		if g == nil {
			return nil, fmt.Errorf("group %s does not exist", spec.gid)
		}
		if state.Attributes["gid"] != g.GID {
			changes = append(changes, engine.Change{Path: "gid", Before: state.Attributes["gid"], After: g.GID})
			args = append(args, "-g", strconv.Itoa(g.GID))
		}
	}
	if spec.home != "" && state.Attributes["home"] != spec.home {
		changes = append(changes, engine.Change{Path: "home", Before: state.Attributes["home"], After: spec.home})
		args = append(args, "-d", spec.home)
		if spec.manageHome {
			args = append(args, "-m")
		}
	}
	if spec.shell != "" && state.Attributes["shell"] != spec.shell {
		changes = append(changes, engine.Change{Path: "shell", Before: state.Attributes["shell"], After: spec.shell})
		args = append(args, "-s", spec.shell)
	}
	if spec.password != "" && state.Attributes["password"] != spec.password {
		changes = append(changes, engine.Change{Path: "password", Before: "(hidden)", After: "(hidden)"})
		args = append(args, "-p", spec.password)
	}

	if len(changes) == 0 {
		return nil, nil
	}
	return changeSet(changes, "", &userPlan{spec: spec, verb: "usermod", args: append(args, spec.name)}), nil
}

func (p *UserProvider) useraddArgs(spec userSpec) []string {
	var args []string
	if spec.hasUID {
		args = append(args, "-u", strconv.Itoa(spec.uid))
	}
	if spec.gid != "" {
		args = append(args, "-g", spec.gid)
	}
	if spec.home != "" {
		args = append(args, "-d", spec.home)
	}
	if spec.shell != "" {
		args = append(args, "-s", spec.shell)
	}
	if spec.comment != "" {
		args = append(args, "-c", spec.comment)
	}
	if spec.password != "" {
		args = append(args, "-p", spec.password)
	}
	if spec.system {
		args = append(args, "-r")
	}
	if spec.manageHome {
		args = append(args, "-m")
	} else {
		args = append(args, "-M")
	}
	return append(args, spec.name)
}

// Apply runs useradd, usermod or userdel.
func (p *UserProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	plan, ok := cs.Payload.(*userPlan)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}
	if _, err := run(ctx, p.deps.Runner, system.Command{Name: plan.verb, Args: plan.args}); err != nil {
		return nil, err
	}
	return &engine.ApplyResult{}, nil
}
