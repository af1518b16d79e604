package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/keelops/keel/pkg/engine"
)

// Document is one declaration file.
type Document struct {
	// Variables are values shared by every resource, available to
	// interpolation as .variables.
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Attributes are node attributes, available to interpolation as
	// .attributes and to attribute_equals guards by dotted path.
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// Resources are the declarations in convergence order.
	Resources []ResourceConfig `json:"resources" yaml:"resources" validate:"dive"`
}

// ResourceConfig is one declared resource as written in a document.
type ResourceConfig struct {
	// Type is the resource type (e.g., "package", "service").
	Type string `json:"type" yaml:"type" validate:"required,resourcetype"`

	// Name is unique within Type.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Action is the action verb; empty means the provider default.
	Action string `json:"action,omitempty" yaml:"action,omitempty"`

	// Attributes are passed to the provider after interpolation.
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// OnlyIf predicates must all hold for the resource to run.
	OnlyIf []PredicateConfig `json:"only_if,omitempty" yaml:"only_if,omitempty" validate:"dive"`

	// NotIf predicates skip the resource when any holds.
	NotIf []PredicateConfig `json:"not_if,omitempty" yaml:"not_if,omitempty" validate:"dive"`

	// Notifies lists resources signalled when this one updates.
	Notifies []NotifyConfig `json:"notifies,omitempty" yaml:"notifies,omitempty" validate:"dive"`

	// Subscribes lists resources whose update signals this one.
	Subscribes []NotifyConfig `json:"subscribes,omitempty" yaml:"subscribes,omitempty" validate:"dive"`

	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`

	// Timeout and RetryDelay are Go duration strings ("30s", "1m").
	Timeout    string `json:"timeout,omitempty" yaml:"timeout,omitempty" validate:"omitempty,duration"`
	Retries    int    `json:"retries,omitempty" yaml:"retries,omitempty" validate:"gte=0,lte=10"`
	RetryDelay string `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty" validate:"omitempty,duration"`

	Tags []string `json:"tags,omitempty" yaml:"tags,omitempty" validate:"dive,required"`
}

// PredicateConfig is a guard predicate. Exactly one of FileExists, Command
// and Attribute is set.
type PredicateConfig struct {
	// FileExists holds when the path exists.
	FileExists string `json:"file_exists,omitempty" yaml:"file_exists,omitempty" validate:"required_without_all=Command Attribute,excluded_with=Command Attribute"`

	// Command is a shell command line that holds when it exits zero.
	Command string `json:"command,omitempty" yaml:"command,omitempty" validate:"required_without_all=FileExists Attribute,excluded_with=FileExists Attribute"`

	// Attribute is a dotted attribute path compared with Equals.
	Attribute string `json:"attribute,omitempty" yaml:"attribute,omitempty" validate:"required_without_all=FileExists Command,excluded_with=FileExists Command"`
	Equals    string `json:"equals,omitempty" yaml:"equals,omitempty" validate:"required_with=Attribute"`

	// Negate inverts the predicate.
	Negate bool `json:"negate,omitempty" yaml:"negate,omitempty"`
}

// NotifyConfig is a notification edge written as a type[name] reference.
type NotifyConfig struct {
	Resource string `json:"resource" yaml:"resource" validate:"required,identity"`
	Action   string `json:"action" yaml:"action" validate:"required"`
	Timing   string `json:"timing,omitempty" yaml:"timing,omitempty" validate:"omitempty,oneof=immediate delayed"`
}

// DeclarationSet is the result of loading one or more documents.
type DeclarationSet struct {
	// Declarations are in file order, then document order.
	Declarations []engine.Declaration `json:"declarations"`

	// Variables and Attributes are merged across files; later files win.
	Variables  map[string]any `json:"variables,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	// SourceFiles are the files that were loaded.
	SourceFiles []string `json:"source_files"`

	// LoadedAt is when loading finished.
	LoadedAt time.Time `json:"loaded_at"`
}

// ValidationError is a declaration problem with its location.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line and Column are 1-indexed when known.
	Line   int `json:"line,omitempty"`
	Column int `json:"column,omitempty"`

	// Path locates the problem in the document (e.g., "resources[2].notifies[0].resource").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

// String renders file:line:column path: message, omitting unknown parts.
func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d", e.Line)
			if e.Column > 0 {
				fmt.Fprintf(&b, ":%d", e.Column)
			}
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// LoadError collects every validation error found while loading.
type LoadError struct {
	Errors []ValidationError
}

func (e *LoadError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].String()
	}
	lines := make([]string, 0, len(e.Errors)+1)
	lines = append(lines, fmt.Sprintf("%d validation errors:", len(e.Errors)))
	for _, ve := range e.Errors {
		lines = append(lines, "  "+ve.String())
	}
	return strings.Join(lines, "\n")
}
