package config

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// rawAttributes are attributes that hold templates of their own and are
// rendered later by their provider.
var rawAttributes = map[string][]string{
	"template": {"content"},
}

// Interpolator renders {{ }} expressions in declared strings against
// .variables, .attributes and .host.
type Interpolator struct {
	data  map[string]any
	funcs template.FuncMap
}

// NewInterpolator creates an interpolator over the given template data.
func NewInterpolator(data map[string]any) *Interpolator {
	return &Interpolator{data: data, funcs: sprig.TxtFuncMap()}
}

// TemplateData builds the root template context.
func TemplateData(variables, attributes, host map[string]any) map[string]any {
	return map[string]any{
		"variables":  orEmpty(variables),
		"attributes": orEmpty(attributes),
		"host":       orEmpty(host),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// String renders s. Strings without "{{" are returned unchanged.
func (i *Interpolator) String(name, s string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	tmpl, err := template.New(name).Funcs(i.funcs).Option("missingkey=error").Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid expression: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, i.data); err != nil {
		return "", fmt.Errorf("failed to interpolate: %w", err)
	}
	return buf.String(), nil
}

// Value renders every string inside v, descending into maps and lists.
func (i *Interpolator) Value(name string, v any) (any, error) {
	switch t := v.(type) {
	case string:
		return i.String(name, t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			rendered, err := i.Value(name+"."+k, item)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for idx, item := range t {
			rendered, err := i.Value(name+"["+strconv.Itoa(idx)+"]", item)
			if err != nil {
				return nil, err
			}
			out[idx] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// Resource renders the interpolated fields of a resource in place.
func (i *Interpolator) Resource(path string, rc *ResourceConfig) []ValidationError {
	var errs []ValidationError
	str := func(field string, s *string) {
		out, err := i.String(path+"."+field, *s)
		if err != nil {
			errs = append(errs, ValidationError{Path: path + "." + field, Message: err.Error()})
			return
		}
		*s = out
	}

	rc.OnlyIf = slices.Clone(rc.OnlyIf)
	rc.NotIf = slices.Clone(rc.NotIf)
	rc.Notifies = slices.Clone(rc.Notifies)
	rc.Subscribes = slices.Clone(rc.Subscribes)

	str("name", &rc.Name)
	str("action", &rc.Action)

	raw := rawAttributes[rc.Type]
	attrs := make(map[string]any, len(rc.Attributes))
	maps.Copy(attrs, rc.Attributes)
	for k, v := range rc.Attributes {
		if slices.Contains(raw, k) {
			continue
		}
		out, err := i.Value(path+".attributes."+k, v)
		if err != nil {
			errs = append(errs, ValidationError{Path: path + ".attributes." + k, Message: err.Error()})
			continue
		}
		attrs[k] = out
	}
	if rc.Attributes != nil {
		rc.Attributes = attrs
	}

	for idx := range rc.OnlyIf {
		p := &rc.OnlyIf[idx]
		prefix := fmt.Sprintf("only_if[%d].", idx)
		str(prefix+"file_exists", &p.FileExists)
		str(prefix+"command", &p.Command)
		str(prefix+"equals", &p.Equals)
	}
	for idx := range rc.NotIf {
		p := &rc.NotIf[idx]
		prefix := fmt.Sprintf("not_if[%d].", idx)
		str(prefix+"file_exists", &p.FileExists)
		str(prefix+"command", &p.Command)
		str(prefix+"equals", &p.Equals)
	}
	for idx := range rc.Notifies {
		str(fmt.Sprintf("notifies[%d].resource", idx), &rc.Notifies[idx].Resource)
	}
	for idx := range rc.Subscribes {
		str(fmt.Sprintf("subscribes[%d].resource", idx), &rc.Subscribes[idx].Resource)
	}
	return errs
}
