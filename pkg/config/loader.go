package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/keelops/keel/pkg/engine"
)

var resourceTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Loader reads declaration documents from YAML and CUE files.
type Loader struct {
	schemas   *SchemaRegistry
	validator *validator.Validate
	host      map[string]any
	logger    zerolog.Logger
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithHostFacts makes host facts available to interpolation as .host.
func WithHostFacts(host map[string]any) LoaderOption {
	return func(l *Loader) {
		l.host = host
	}
}

// WithLogger sets the loader logger.
func WithLogger(logger zerolog.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger.With().Str("component", "config").Logger()
	}
}

// NewLoader creates a loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		schemas:   NewSchemaRegistry(),
		validator: newValidator(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("identity", func(fl validator.FieldLevel) bool {
		_, err := engine.ParseIdentity(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("resourcetype", func(fl validator.FieldLevel) bool {
		return resourceTypePattern.MatchString(fl.Field().String())
	})
	return v
}

// Schemas returns the loader's schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Load reads every path in order. A directory contributes its .yaml, .yml
// and .cue files in lexical order. Documents are concatenated, then
// interpolated, validated and converted to declarations. Any problem is
// returned as a structural error wrapping a *LoadError.
func (l *Loader) Load(ctx context.Context, paths []string) (*DeclarationSet, error) {
	if len(paths) == 0 {
		return nil, engine.NewStructuralError("no declaration files given", nil).WithCode(engine.ErrCodeValidation)
	}

	files, err := expandPaths(paths)
	if err != nil {
		return nil, engine.NewStructuralError("failed to read declarations", err).WithCode(engine.ErrCodeValidation)
	}

	var docs []*Document
	var errs []ValidationError
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(file)
		if err != nil {
			errs = append(errs, ValidationError{File: file, Message: err.Error()})
			continue
		}
		doc, docErrs := l.Parse(file, data)
		if len(docErrs) > 0 {
			errs = append(errs, docErrs...)
			continue
		}
		docs = append(docs, doc)
		l.logger.Debug().Str("file", file).Int("resources", len(doc.Resources)).Msg("Declaration file parsed")
	}
	if len(errs) > 0 {
		return nil, loadError(errs)
	}

	set, errs := l.Build(files, docs)
	if len(errs) > 0 {
		return nil, loadError(errs)
	}

	l.logger.Info().
		Int("files", len(files)).
		Int("declarations", len(set.Declarations)).
		Msg("Declarations loaded")
	return set, nil
}

func loadError(errs []ValidationError) error {
	return engine.NewStructuralError("invalid declarations", &LoadError{Errors: errs}).WithCode(engine.ErrCodeValidation)
}

// expandPaths resolves directories into their declaration files.
func expandPaths(paths []string) ([]string, error) {
	var files []string
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, path)
			continue
		}
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		var found []string
		for _, e := range entries {
			if !e.IsDir() && IsDeclarationFile(e.Name()) {
				found = append(found, filepath.Join(path, e.Name()))
			}
		}
		if len(found) == 0 {
			return nil, fmt.Errorf("no declaration files in %s", path)
		}
		sort.Strings(found)
		files = append(files, found...)
	}
	return files, nil
}

// IsDeclarationFile reports whether name has a supported extension.
func IsDeclarationFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".cue":
		return true
	}
	return false
}

// Parse decodes one document, selecting the format by file extension.
func (l *Loader) Parse(file string, data []byte) (*Document, []ValidationError) {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".cue":
		return l.parseCUE(file, data)
	case ".yaml", ".yml":
		return parseYAML(file, data)
	default:
		return nil, []ValidationError{{File: file, Message: "unsupported file type, expected .yaml, .yml or .cue"}}
	}
}

func parseYAML(file string, data []byte) (*Document, []ValidationError) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return &doc, nil
		}
		return nil, yamlErrors(file, err)
	}
	return &doc, nil
}

var yamlLine = regexp.MustCompile(`^line (\d+): (.*)$`)

func yamlErrors(file string, err error) []ValidationError {
	var msgs []string
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		msgs = typeErr.Errors
	} else {
		msgs = []string{strings.TrimPrefix(err.Error(), "yaml: ")}
	}

	out := make([]ValidationError, 0, len(msgs))
	for _, msg := range msgs {
		ve := ValidationError{File: file, Message: msg}
		if m := yamlLine.FindStringSubmatch(msg); m != nil {
			ve.Line, _ = strconv.Atoi(m[1])
			ve.Message = m[2]
		}
		out = append(out, ve)
	}
	return out
}

func (l *Loader) parseCUE(file string, data []byte) (*Document, []ValidationError) {
	val := l.schemas.Context().CompileBytes(data, cue.Filename(file))
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(file, err)
	}
	if err := l.schemas.ValidateValue("document", val); err != nil {
		return nil, convertCUEErrors(file, err)
	}

	var doc Document
	if err := val.Decode(&doc); err != nil {
		return nil, []ValidationError{{File: file, Message: fmt.Sprintf("failed to decode: %v", err)}}
	}
	return &doc, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice. Schema
// errors carry positions in both the schema and the document; the document
// position is reported.
func convertCUEErrors(file string, err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		ve := ValidationError{
			File:    file,
			Path:    strings.Join(e.Path(), "."),
			Message: fmt.Sprintf(format, args...),
		}
		for _, pos := range cueerrors.Positions(e) {
			if pos.Filename() == file {
				ve.Line = pos.Line()
				ve.Column = pos.Column()
				break
			}
		}
		out = append(out, ve)
	}
	return out
}

// Build merges parsed documents into a declaration set. files names the
// source of each document.
func (l *Loader) Build(files []string, docs []*Document) (*DeclarationSet, []ValidationError) {
	set := &DeclarationSet{
		Variables:   map[string]any{},
		Attributes:  map[string]any{},
		SourceFiles: files,
	}

	type located struct {
		file  string
		index int
		rc    ResourceConfig
	}
	var resources []located
	for i, doc := range docs {
		maps.Copy(set.Variables, doc.Variables)
		mergeAttributes(set.Attributes, doc.Attributes)
		file := ""
		if i < len(files) {
			file = files[i]
		}
		for idx, rc := range doc.Resources {
			resources = append(resources, located{file: file, index: idx, rc: rc})
		}
	}

	interp := NewInterpolator(TemplateData(set.Variables, set.Attributes, l.host))

	var errs []ValidationError
	for _, r := range resources {
		path := fmt.Sprintf("resources[%d]", r.index)
		rc := r.rc

		if ierrs := interp.Resource(path, &rc); len(ierrs) > 0 {
			for _, e := range ierrs {
				e.File = r.file
				errs = append(errs, e)
			}
			continue
		}

		if err := l.validator.Struct(rc); err != nil {
			errs = append(errs, l.validationErrors(r.file, path, err)...)
			continue
		}

		decl, err := toDeclaration(rc)
		if err != nil {
			errs = append(errs, ValidationError{File: r.file, Path: path, Message: err.Error()})
			continue
		}
		set.Declarations = append(set.Declarations, decl)
	}

	set.LoadedAt = time.Now()
	return set, errs
}

// mergeAttributes deep-merges src into dst; later files win on leaves.
func mergeAttributes(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if existing, isMap := dst[k].(map[string]any); ok && isMap {
			mergeAttributes(existing, sub)
			continue
		}
		if ok {
			copied := map[string]any{}
			mergeAttributes(copied, sub)
			dst[k] = copied
			continue
		}
		dst[k] = v
	}
}

func (l *Loader) validationErrors(file, path string, err error) []ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []ValidationError{{File: file, Path: path, Message: err.Error()}}
	}

	out := make([]ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		// Namespace is "ResourceConfig.notifies[0].resource".
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		out = append(out, ValidationError{
			File:    file,
			Path:    path + "." + field,
			Message: describeTag(fe),
		})
	}
	return out
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without_all":
		return "one of file_exists, command or attribute is required"
	case "excluded_with":
		return "only one of file_exists, command or attribute may be set"
	case "required_with":
		return "is required with attribute"
	case "duration":
		return fmt.Sprintf("%q is not a duration", fe.Value())
	case "identity":
		return fmt.Sprintf("%q is not a type[name] reference", fe.Value())
	case "resourcetype":
		return fmt.Sprintf("%q is not a valid resource type", fe.Value())
	case "oneof":
		return fmt.Sprintf("must be one of %s", fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("must be %s %s", map[string]string{"gte": ">=", "lte": "<="}[fe.Tag()], fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// toDeclaration converts a validated resource.
func toDeclaration(rc ResourceConfig) (engine.Declaration, error) {
	decl := engine.Declaration{
		Type:            rc.Type,
		Name:            rc.Name,
		Action:          rc.Action,
		Attributes:      rc.Attributes,
		ContinueOnError: rc.ContinueOnError,
		Retries:         rc.Retries,
		Tags:            rc.Tags,
	}

	var err error
	if rc.Timeout != "" {
		if decl.Timeout, err = time.ParseDuration(rc.Timeout); err != nil {
			return decl, err
		}
	}
	if rc.RetryDelay != "" {
		if decl.RetryDelay, err = time.ParseDuration(rc.RetryDelay); err != nil {
			return decl, err
		}
	}

	if len(rc.OnlyIf) > 0 || len(rc.NotIf) > 0 {
		decl.Guard = &engine.Guard{
			OnlyIf: toPredicates(rc.OnlyIf),
			NotIf:  toPredicates(rc.NotIf),
		}
	}

	if decl.Notifies, err = toNotifications(rc.Notifies); err != nil {
		return decl, err
	}
	if decl.Subscribes, err = toNotifications(rc.Subscribes); err != nil {
		return decl, err
	}
	return decl, nil
}

func toPredicates(in []PredicateConfig) []engine.Predicate {
	out := make([]engine.Predicate, 0, len(in))
	for _, p := range in {
		pred := engine.Predicate{Negate: p.Negate}
		switch {
		case p.FileExists != "":
			pred.Fact, pred.Path = engine.FactFileExists, p.FileExists
		case p.Command != "":
			pred.Fact, pred.Command, pred.Args = engine.FactCommandSucceeds, "sh", []string{"-c", p.Command}
		default:
			pred.Fact, pred.Attribute, pred.Value = engine.FactAttributeEquals, p.Attribute, p.Equals
		}
		out = append(out, pred)
	}
	return out
}

func toNotifications(in []NotifyConfig) ([]engine.Notification, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]engine.Notification, 0, len(in))
	for _, n := range in {
		target, err := engine.ParseIdentity(n.Resource)
		if err != nil {
			return nil, err
		}
		timing := engine.NotifyImmediate
		if n.Timing == "delayed" {
			timing = engine.NotifyDelayed
		}
		out = append(out, engine.Notification{Target: target, Action: n.Action, Timing: timing})
	}
	return out, nil
}

// FlattenAttributes turns nested node attributes into dotted paths for
// attribute_equals guards, e.g. {"ruby": {"version": "2.3.1"}} becomes
// "ruby.version" -> "2.3.1".
func FlattenAttributes(attrs map[string]any) map[string]string {
	out := make(map[string]string)
	flatten("", attrs, out)
	return out
}

func flatten(prefix string, v any, out map[string]string) {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, item, out)
		}
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(t)
	}
}
