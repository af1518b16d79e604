package engine

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Provider observes, diffs and applies one resource type.
//
// Observe must not mutate anything. Diff returns nil when the observed state
// already matches the request. Apply performs the mutation described by the
// change set it was given.
type Provider interface {
	// Metadata describes the resource type handled by the provider.
	Metadata() ProviderMetadata

	// Observe reads live system state relevant to the request.
	Observe(ctx context.Context, req *Request) (*State, error)

	// Diff compares the request with the observed state.
	// A nil change set means the resource is converged.
	Diff(req *Request, state *State) (*ChangeSet, error)

	// Apply performs the changes.
	Apply(ctx context.Context, cs *ChangeSet) (*ApplyResult, error)
}

// Validator is implemented by providers that can check declared attributes
// before a run starts. Validation failures are structural errors.
type Validator interface {
	Validate(req *Request) error
}

// ProviderMetadata describes a provider.
type ProviderMetadata struct {
	// Type is the resource type tag the provider handles.
	Type string `json:"type"`

	// Description describes what this provider manages.
	Description string `json:"description"`

	// Actions are the action verbs the provider supports.
	Actions []string `json:"actions"`

	// DefaultAction is used when a declaration has no action.
	DefaultAction string `json:"default_action"`
}

// SupportsAction reports whether action is one of the provider's verbs.
func (m ProviderMetadata) SupportsAction(action string) bool {
	return slices.Contains(m.Actions, action)
}

// Request is what a provider is asked to converge.
type Request struct {
	// Identity of the resource.
	Identity Identity `json:"identity"`

	// Action is the declared action, or the notified verb when run by a notification.
	Action string `json:"action"`

	// Attributes are the declared attributes.
	Attributes map[string]any `json:"attributes,omitempty"`

	// Notified is true when the request comes from a notification.
	Notified bool `json:"notified,omitempty"`
}

// State is the observed state of a resource.
type State struct {
	// Exists reports whether the resource is present on the host.
	Exists bool `json:"exists"`

	// Attributes are the observed attribute values.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ChangeSet describes what apply will change.
type ChangeSet struct {
	// Identity of the resource.
	Identity Identity `json:"identity"`

	// Action is the verb being converged.
	Action string `json:"action"`

	// Changes are the attribute differences.
	Changes []Change `json:"changes"`

	// Diff is an optional unified diff of content changes.
	Diff string `json:"diff,omitempty"`

	// Request is the request the change set was computed from.
	Request *Request `json:"-"`

	// Payload carries provider-specific data from diff to apply (e.g. rendered content).
	Payload any `json:"-"`
}

// ApplyResult is returned by a successful apply.
type ApplyResult struct {
	// Message is an optional provider note, logged at debug level.
	Message string `json:"message,omitempty"`
}

// Registry maps resource type names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under its metadata type.
func (r *Registry) Register(p Provider) error {
	meta := p.Metadata()
	if meta.Type == "" {
		return fmt.Errorf("provider has no type")
	}
	if meta.DefaultAction != "" && !meta.SupportsAction(meta.DefaultAction) {
		return fmt.Errorf("provider %s: default action %q is not in its action list", meta.Type, meta.DefaultAction)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[meta.Type]; exists {
		return fmt.Errorf("provider for type %q already registered", meta.Type)
	}
	r.providers[meta.Type] = p
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(p Provider) {
	if err := r.Register(p); err != nil {
		panic(err)
	}
}

// Lookup returns the provider for a type, or an UnknownResourceType error.
func (r *Registry) Lookup(typeName string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[typeName]
	if !ok {
		return nil, ErrUnknownResourceType(typeName)
	}
	return p, nil
}

// Types returns the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// resolveAction returns the declared action or the provider default.
func resolveAction(d *Declaration, meta ProviderMetadata) string {
	if d.Action != "" {
		return d.Action
	}
	return meta.DefaultAction
}
