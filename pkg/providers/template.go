package providers

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/keelops/keel/pkg/engine"
)

// TemplateProvider renders a text/template into a managed file.
//
// The template sees the shared template data (.variables, .attributes,
// .host) with the resource's own variables merged over .variables.
type TemplateProvider struct {
	deps Deps
}

// NewTemplateProvider creates a template provider.
func NewTemplateProvider(deps Deps) *TemplateProvider {
	return &TemplateProvider{deps: deps.withDefaults()}
}

// Metadata describes the template resource type.
func (p *TemplateProvider) Metadata() engine.ProviderMetadata {
	return engine.ProviderMetadata{
		Type:          "template",
		Description:   "File rendered from a text/template source with sprig functions",
		Actions:       []string{"create", "delete"},
		DefaultAction: "create",
	}
}

// Validate checks the path and parses the template.
func (p *TemplateProvider) Validate(req *engine.Request) error {
	a := attrs(req.Attributes)
	if err := validatePath(p.path(req)); err != nil {
		return err
	}
	if req.Action == "delete" {
		return nil
	}
	if a.has("source") == a.has("content") {
		return fmt.Errorf("exactly one of source or content is required")
	}
	if _, err := p.parse(req); err != nil {
		return err
	}
	_, err := fileFromAttrs(p.path(req), a)
	return err
}

func (p *TemplateProvider) path(req *engine.Request) string {
	return attrs(req.Attributes).strOr("path", req.Identity.Name)
}

func (p *TemplateProvider) parse(req *engine.Request) (*template.Template, error) {
	a := attrs(req.Attributes)
	text := a.str("content")
	name := req.Identity.Name

	if src := a.str("source"); src != "" {
		if !filepath.IsAbs(src) && p.deps.TemplateDir != "" {
			src = filepath.Join(p.deps.TemplateDir, src)
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("failed to read template source: %w", err)
		}
		text, name = string(data), filepath.Base(src)
	}

	tmpl, err := template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(text)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	return tmpl, nil
}

// Render executes the template for a request.
func (p *TemplateProvider) Render(req *engine.Request) ([]byte, error) {
	tmpl, err := p.parse(req)
	if err != nil {
		return nil, err
	}

	data := make(map[string]any, len(p.deps.TemplateData)+1)
	maps.Copy(data, p.deps.TemplateData)

	vars := make(map[string]any)
	if base, ok := data["variables"].(map[string]any); ok {
		maps.Copy(vars, base)
	}
	maps.Copy(vars, attrs(req.Attributes).anyMap("variables"))
	data["variables"] = vars

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to render template: %w", err)
	}
	return buf.Bytes(), nil
}

// Observe reads the destination file.
func (p *TemplateProvider) Observe(_ context.Context, req *engine.Request) (*engine.State, error) {
	return observeFile(p.deps.FS, p.path(req))
}

// Diff renders the template and compares it with the destination.
func (p *TemplateProvider) Diff(req *engine.Request, state *engine.State) (*engine.ChangeSet, error) {
	switch req.Action {
	case "create":
		mf, err := fileFromAttrs(p.path(req), attrs(req.Attributes))
		if err != nil {
			return nil, err
		}
		if mf.Content, err = p.Render(req); err != nil {
			return nil, err
		}
		mf.HasContent = true
		return diffFile(p.deps.Accounts, mf, state)
	case "delete":
		return diffFileAbsent(p.path(req), state)
	default:
		return nil, unsupportedAction(req.Action)
	}
}

// Apply writes or removes the rendered file.
func (p *TemplateProvider) Apply(ctx context.Context, cs *engine.ChangeSet) (*engine.ApplyResult, error) {
	plan, ok := cs.Payload.(*filePlan)
	if !ok {
		return nil, fmt.Errorf("unexpected payload %T", cs.Payload)
	}
	if err := applyFile(ctx, p.deps, plan); err != nil {
		return nil, err
	}
	return &engine.ApplyResult{}, nil
}
