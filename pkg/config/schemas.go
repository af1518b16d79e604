package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. Every value the
// registry validates must come from its Context.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.registerBuiltInSchemas(); err != nil {
		panic(err)
	}
	return sr
}

// Context returns the CUE context schemas are compiled in.
func (sr *SchemaRegistry) Context() *cue.Context {
	return sr.ctx
}

// registerBuiltInSchemas registers each definition of the built-in schema
// under its lower-cased name.
func (sr *SchemaRegistry) registerBuiltInSchemas() error {
	file := sr.ctx.CompileString(builtinSchema, cue.Filename("keel.cue"))
	if err := file.Err(); err != nil {
		return fmt.Errorf("failed to compile built-in schema: %w", err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	for name, def := range map[string]string{
		"document":     "#Document",
		"resource":     "#Resource",
		"predicate":    "#Predicate",
		"notification": "#Notification",
	} {
		v := file.LookupPath(cue.ParsePath(def))
		if !v.Exists() {
			return fmt.Errorf("built-in schema has no %s", def)
		}
		sr.schemas[name] = v
	}
	return nil
}

// RegisterSchema registers a CUE constraint with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateValue unifies v with a named schema and requires a concrete result.
func (sr *SchemaRegistry) ValidateValue(schemaName string, v cue.Value) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}
	return schema.Unify(v).Validate(cue.Concrete(true))
}

// ValidateAgainstSchema validates Go data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data any) error {
	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	if err := sr.ValidateValue(schemaName, dataVal); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateResource validates a resource configuration against the resource schema.
func (sr *SchemaRegistry) ValidateResource(ctx context.Context, resource ResourceConfig) error {
	return sr.ValidateAgainstSchema(ctx, "resource", resource)
}

const builtinSchema = `
// A declaration document.
#Document: {
	variables?:  {...}
	attributes?: {...}
	resources: [...#Resource]
}

#Resource: {
	type:               string & =~"^[a-z][a-z0-9_]*$"
	name:               string & !=""
	action?:            string
	attributes?:        {...}
	only_if?:           [...#Predicate]
	not_if?:            [...#Predicate]
	notifies?:          [...#Notification]
	subscribes?:        [...#Notification]
	continue_on_error?: bool
	timeout?:           string
	retries?:           int & >=0 & <=10
	retry_delay?:       string
	tags?:              [...string]
}

// Exactly one fact per predicate.
#Predicate: {
	file_exists: string & !=""
	negate?:     bool
} | {
	command: string & !=""
	negate?: bool
} | {
	attribute: string & !=""
	equals:    string
	negate?:   bool
}

#Notification: {
	resource: string & =~"^[a-z][a-z0-9_]*\\[.+\\]$"
	action:   string & !=""
	timing?:  "immediate" | "delayed"
}
`
