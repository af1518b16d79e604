package providers

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/keelops/keel/pkg/engine"
	"github.com/keelops/keel/pkg/system"
)

// GroupProvider manages local groups and their members.
type GroupProvider struct {
	deps Deps
}

// NewGroupProvider creates a group provider.
func NewGroupProvider(deps Deps) *GroupProvider {
	return &GroupProvider{deps: deps.withDefaults()}
}

// Metadata describes the group resource type.
func (p *GroupProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "group",
		Description:   "Local group and its members",
		Actions:       []string{"create", "modify", "remove"},
		DefaultAction: "create",
	}
}

type groupSpec struct {
	name       string
	gid        int
	hasGID     bool
	members    []string
	hasMembers bool
	append     bool
}

func (p *GroupProvider) desired(req *engine.Request) (groupSpec, error) {
	a := attrs(req.Attributes)
	spec := groupSpec{
		name:       a.strOr("group_name", req.Identity.Name),
		members:    a.list("members"),
		hasMembers: a.has("members"),
	}
	var err error
	if spec.gid, spec.hasGID, err = a.integer("gid"); err != nil {
		return spec, err
	}
	if spec.append, err = a.boolean("append", false); err != nil {
		return spec, err
	}
	return spec, nil
}

// Validate checks the declared attributes.
func (p *GroupProvider) Validate(req *engine.Request) error {
	spec, err := p.desired(req)
	if err != nil {
		return err
	}
	if spec.name == "" || strings.ContainsAny(spec.name, ": \t\n") {
		return fmt.Errorf("invalid group name %q", spec.name)
	}
	return nil
}

// Observe looks the group up.
func (p *GroupProvider) Observe(_ context.Context, req *engine.Request) (*engine.State, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}
	g, err := p.deps.Accounts.LookupGroup(spec.name)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return &engine.State{Exists: false}, nil
	}
	return &engine.State{Exists: true, Attributes: map[string]any{
		"gid":     g.GID,
		"members": g.Members,
	}}, nil
}

// Diff compares the gid and members. With append, only missing members are
// added; otherwise the member list is replaced.
func (p *GroupProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	spec, err := p.desired(req)
	if err != nil {
		return nil, err
	}

	switch req.Action {
	case "remove":
		if !state.Exists {
			return nil, nil
		}
		return changeSet([]engine.Change{{Path: "exists", Before: true, After: false}}, "",
			[]system.Command{{Name: "groupdel", Args: []string{spec.name}}}), nil
	case "create", "modify":
	default:
		return nil, unsupportedAction(req.Action)
	}

	var cmds []system.Command
	var changes []engine.Change
	var have []string

	if !state.Exists {
		if req.Action == "modify" {
			return nil, fmt.Errorf("group %s does not exist", spec.name)
		}
		args := []string{}
		if spec.hasGID {
			args = append(args, "-g", strconv.Itoa(spec.gid))
		}
		cmds = append(cmds, system.Command{Name: "groupadd", Args: append(args, spec.name)})
		changes = append(changes, engine.Change{Path: "exists", Before: false, After: true})
	} else {
		have, _ = state.Attributes["members"].([]string)
		if spec.hasGID && state.Attributes["gid"] != spec.gid {
			cmds = append(cmds, system.Command{Name: "groupmod", Args: []string{"-g", strconv.Itoa(spec.gid), spec.name}})
			changes = append(changes, engine.Change{Path: "gid", Before: state.Attributes["gid"], After: spec.gid})
		}
	}

	if spec.hasMembers {
		if spec.append {
			var missing []string
			for _, m := range spec.members {
				if !slices.Contains(have, m) {
					missing = append(missing, m)
					cmds = append(cmds, system.Command{Name: "gpasswd", Args: []string{"-a", m, spec.name}})
				}
			}
			if len(missing) > 0 {
				changes = append(changes, engine.Change{Path: "members", Before: have, After: append(slices.Clone(have), missing...)})
			}
		} else if !sameMembers(have, spec.members) {
			cmds = append(cmds, system.Command{Name: "gpasswd", Args: []string{"-M", strings.Join(spec.members, ","), spec.name}})
			changes = append(changes, engine.Change{Path: "members", Before: have, After: spec.members})
		}
	}

	return changeSet(changes, "", cmds), nil
}

// Apply runs the group commands in order.
func (p *GroupProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	cmds, ok := cs.Payload.([]system.Command)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}
	for _, cmd := range cmds {
		if _, err := run(ctx, p.deps.Runner, cmd); err != nil {
			return nil, err
		}
	}
	return &engine.ApplyResult{}, nil
}

func sameMembers(a, b []string) bool {
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}
