package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeHost is the shared "system state" mock providers observe and mutate.
type fakeHost struct {
	mu       sync.Mutex
	values   map[string]string
	restarts map[string]int
	calls    []string

	// failApply makes apply of an identity fail; failTimes, when set, limits
	// how many attempts fail.
	failApply map[string]error
	failTimes map[string]int

	applyDelay time.Duration
	onApply    func(id Identity)
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		values:    make(map[string]string),
		restarts:  make(map[string]int),
		failApply: make(map[string]error),
		failTimes: make(map[string]int),
	}
}

func (h *fakeHost) record(format string, args ...interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
}

func (h *fakeHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

func (h *fakeHost) applyCalls() []string {
	var out []string
	for _, c := range h.Calls() {
		if len(c) > 6 && c[:6] == "apply " {
			out = append(out, c)
		}
	}
	return out
}

// mockProvider converges a single "value" attribute per resource.
// Action "restart" always diverges, "nothing" never does.
type mockProvider struct {
	typeName string
	host     *fakeHost
}

func (p *mockProvider) Metadata() ProviderMetadata {
	return ProviderMetadata{
		Type:          p.typeName,
		Description:   "mock " + p.typeName,
		Actions:       []string{"set", "restart", "nothing"},
		DefaultAction: "set",
	}
}

func (p *mockProvider) Observe(_ context.Context, req *Request) (*State, error) {
	p.host.record("observe %s", req.Identity)
	p.host.mu.Lock()
	defer p.host.mu.Unlock()
	v, ok := p.host.values[req.Identity.String()]
	return &State{Exists: ok, Attributes: map[string]any{"value": v}}, nil
}

func (p *mockProvider) Diff(req *Request, state *State) (*ChangeSet, error) {
	switch req.Action {
	case "nothing":
		return nil, nil
	case "restart":
		return &ChangeSet{Changes: []Change{{Path: "restart"}}}, nil
	}

	want, _ := req.Attributes["value"].(string)
	have, _ := state.Attributes["value"].(string)
	if state.Exists && want == have {
		return nil, nil
	}
	return &ChangeSet{
		Changes: []Change{{Path: "value", Before: have, After: want}},
		Payload: want,
	}, nil
}

func (p *mockProvider) Apply(ctx context.Context, cs *ChangeSet) (*ApplyResult, error) {
	id := cs.Identity
	p.host.record("apply %s %s", id, cs.Action)

	if p.host.onApply != nil {
		p.host.onApply(id)
	}

	if p.host.applyDelay > 0 {
		select {
		case <-time.After(p.host.applyDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.host.mu.Lock()
	defer p.host.mu.Unlock()

	if err, ok := p.host.failApply[id.String()]; ok {
		remaining, limited := p.host.failTimes[id.String()]
		if !limited {
			return nil, err
		}
		if remaining > 0 {
			p.host.failTimes[id.String()] = remaining - 1
			return nil, err
		}
	}

	if cs.Action == "restart" {
		p.host.restarts[id.String()]++
		return &ApplyResult{}, nil
	}
	p.host.values[id.String()] = cs.Payload.(string)
	return &ApplyResult{}, nil
}

// fakeFacts answers guard predicates from maps.
type fakeFacts struct {
	files    map[string]bool
	commands map[string]bool
	attrs    map[string]string
	err      error
}

func (f *fakeFacts) FileExists(_ context.Context, path string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.files[path], nil
}

func (f *fakeFacts) CommandSucceeds(_ context.Context, name string, _ []string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.commands[name], nil
}

func (f *fakeFacts) Attribute(_ context.Context, path string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.attrs[path]
	return v, ok, nil
}

func newTestEngine(host *fakeHost, facts FactSource, types ...string) *Engine {
	if len(types) == 0 {
		types = []string{"package", "service", "template", "file", "command"}
	}
	reg := NewRegistry()
	for _, t := range types {
		reg.MustRegister(&mockProvider{typeName: t, host: host})
	}
	e := New(reg, facts)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func decl(typ, name, value string) Declaration {
	return Declaration{Type: typ, Name: name, Attributes: map[string]any{"value": value}}
}

func ident(typ, name string) Identity {
	return Identity{Type: typ, Name: name}
}

func indexOf(calls []string, call string) int {
	for i, c := range calls {
		if c == call {
			return i
		}
	}
	return -1
}
