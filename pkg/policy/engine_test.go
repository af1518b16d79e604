package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/keelops/keel/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	expected := []string{"command-guard", "resource-names", "ssh-permissions", "sudoers-nopasswd-all"}
	policies := eng.ListPolicies()
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
	}
}

func TestEvaluate_BuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name         string
		decl         engine.Declaration
		wantPolicy   string
		wantSeverity Severity
	}{
		{
			name:         "unguarded command",
			decl:         engine.Declaration{Type: "command", Name: "bundle install"},
			wantPolicy:   "command-guard",
			wantSeverity: SeverityWarning,
		},
		{
			name: "guarded command",
			decl: engine.Declaration{
				Type:  "command",
				Name:  "install composer",
				Guard: &engine.Guard{NotIf: []engine.Predicate{{Fact: engine.FactFileExists, Path: "/usr/local/bin/composer"}}},
			},
		},
		{
			name: "command with creates",
			decl: engine.Declaration{Type: "command", Name: "untar", Attributes: map[string]any{"creates": "/opt/app"}},
		},
		{
			name: "notification-only command",
			decl: engine.Declaration{Type: "command", Name: "reload", Action: "nothing"},
		},
		{
			name: "sudoers nopasswd for everyone",
			decl: engine.Declaration{
				Type:       "sudoers",
				Name:       "everyone",
				Attributes: map[string]any{"users": []any{"ALL"}, "nopasswd": true},
			},
			wantPolicy:   "sudoers-nopasswd-all",
			wantSeverity: SeverityError,
		},
		{
			name: "sudoers raw content for everyone",
			decl: engine.Declaration{
				Type:       "sudoers",
				Name:       "raw",
				Attributes: map[string]any{"content": "# open\nALL ALL=(ALL) NOPASSWD: ALL\n"},
			},
			wantPolicy:   "sudoers-nopasswd-all",
			wantSeverity: SeverityError,
		},
		{
			name: "sudoers scoped to a group",
			decl: engine.Declaration{
				Type:       "sudoers",
				Name:       "deploy",
				Attributes: map[string]any{"groups": []any{"deploy"}, "nopasswd": true, "commands": []any{"/usr/bin/systemctl restart app"}},
			},
		},
		{
			name: "sudoers delete",
			decl: engine.Declaration{
				Type:       "sudoers",
				Name:       "everyone",
				Action:     "delete",
				Attributes: map[string]any{"users": "ALL", "nopasswd": true},
			},
		},
		{
			name: "world-writable sshd_config",
			decl: engine.Declaration{
				Type:       "template",
				Name:       "/etc/ssh/sshd_config",
				Attributes: map[string]any{"mode": "0666"},
			},
			wantPolicy:   "ssh-permissions",
			wantSeverity: SeverityError,
		},
		{
			name: "world-writable numeric mode via path attribute",
			decl: engine.Declaration{
				Type:       "file",
				Name:       "banner",
				Attributes: map[string]any{"path": "/etc/ssh/banner", "mode": 0o646},
			},
			wantPolicy:   "ssh-permissions",
			wantSeverity: SeverityError,
		},
		{
			name: "private sshd_config",
			decl: engine.Declaration{
				Type:       "file",
				Name:       "/etc/ssh/sshd_config",
				Attributes: map[string]any{"mode": "0600"},
			},
		},
		{
			name:         "blank name",
			decl:         engine.Declaration{Type: "package", Name: "  "},
			wantPolicy:   "resource-names",
			wantSeverity: SeverityError,
		},
		{
			name:         "relative path",
			decl:         engine.Declaration{Type: "directory", Name: "var/www"},
			wantPolicy:   "resource-names",
			wantSeverity: SeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), []engine.Declaration{tt.decl}, nil, false)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}

			all := append(append([]Violation{}, result.Violations...), result.Warnings...)
			if tt.wantPolicy == "" {
				if len(all) != 0 {
					t.Errorf("Expected no violations, got %+v", all)
				}
				if !result.Allowed {
					t.Error("Expected run to be allowed")
				}
				return
			}

			var found *Violation
			for i := range all {
				if all[i].Policy == tt.wantPolicy {
					found = &all[i]
				}
			}
			if found == nil {
				t.Fatalf("Expected violation of %s, got %+v", tt.wantPolicy, all)
			}
			if found.Severity != tt.wantSeverity {
				t.Errorf("Expected severity %s, got %s", tt.wantSeverity, found.Severity)
			}
			if found.Resource != tt.decl.Identity().String() {
				t.Errorf("Expected resource %s, got %s", tt.decl.Identity(), found.Resource)
			}
			if result.Allowed == tt.wantSeverity.Blocking() {
				t.Errorf("Allowed = %v for severity %s", result.Allowed, tt.wantSeverity)
			}
		})
	}
}

func TestCheck_StructuralError(t *testing.T) {
	eng := newTestEngine(t)
	decls := []engine.Declaration{
		{Type: "package", Name: "httpd"},
		{Type: "directory", Name: "relative/dir"},
	}

	result, err := eng.Check(context.Background(), decls, nil, true)
	if err == nil {
		t.Fatal("Expected error for blocking violation")
	}
	if !engine.IsStructural(err) || !engine.HasCode(err, engine.ErrCodePolicyViolation) {
		t.Errorf("Expected structural policy error, got %v", err)
	}
	if result == nil || len(result.Violations) != 1 {
		t.Fatalf("Expected one violation in result, got %+v", result)
	}

	summary := result.Summarize()
	if summary.Total != 1 || summary.BySeverity[SeverityError] != 1 {
		t.Errorf("Unexpected summary %+v", summary)
	}

	if _, err := eng.Check(context.Background(), decls[:1], nil, true); err != nil {
		t.Errorf("Expected clean declarations to pass, got %v", err)
	}
}

func TestAddPolicies_CustomHostPolicy(t *testing.T) {
	eng := newTestEngine(t)

	custom := Policy{
		Name:     "no-telnet-on-prod",
		Severity: SeverityCritical,
		Enabled:  true,
		Rego: `package site.telnet

import rego.v1

deny contains msg if {
	input.resource.type == "package"
	input.resource.name == "telnet"
	startswith(input.host.hostname, "prod-")
	msg := sprintf("telnet is not allowed on %s", [input.host.hostname])
}`,
	}
	if err := eng.AddPolicies(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("AddPolicies() error = %v", err)
	}

	decls := []engine.Declaration{{Type: "package", Name: "telnet"}}

	result, err := eng.Evaluate(context.Background(), decls, map[string]any{"hostname": "prod-web01"}, false)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("Expected one blocking violation, got %+v", result)
	}
	v := result.Violations[0]
	if v.Message != "telnet is not allowed on prod-web01" || v.Severity != SeverityCritical || v.Resource != "package[telnet]" {
		t.Errorf("Unexpected violation %+v", v)
	}

	result, err = eng.Evaluate(context.Background(), decls, map[string]any{"hostname": "dev-web01"}, false)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected dev host to be allowed, got %+v", result.Violations)
	}

	if err := eng.DisablePolicy("no-telnet-on-prod"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	result, _ = eng.Evaluate(context.Background(), decls, map[string]any{"hostname": "prod-web01"}, false)
	if !result.Allowed {
		t.Error("Expected disabled policy to be skipped")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "no-telnet-on-prod" {
			t.Error("Disabled policy was evaluated")
		}
	}
}

func TestAddPolicies_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.AddPolicies(context.Background(), []Policy{
		{Name: "good", Enabled: true, Rego: "package good\n"},
		{Name: "bad", Enabled: true, Rego: "package bad\n\ndeny contains"},
	})
	if err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("good"); err == nil {
		t.Error("Expected no policy to be added when one fails")
	}
}

func TestReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.AddPolicies(ctx, []Policy{{Name: "old", Enabled: true, Rego: "package old\n"}}); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReloadPolicies(ctx, []Policy{{Name: "new", Enabled: true, Rego: "package new\n"}}); err != nil {
		t.Fatalf("ReloadPolicies() error = %v", err)
	}
	if _, err := eng.GetPolicy("old"); err == nil {
		t.Error("Expected old policy to be dropped")
	}
	if _, err := eng.GetPolicy("new"); err != nil {
		t.Error("Expected new policy to be loaded")
	}
	if _, err := eng.GetPolicy("command-guard"); err != nil {
		t.Error("Expected built-ins to survive reload")
	}

	if err := eng.ReloadPolicies(ctx, []Policy{{Name: "broken", Rego: "package"}}); err == nil {
		t.Error("Expected invalid reload to fail")
	}
	if _, err := eng.GetPolicy("new"); err != nil {
		t.Error("Expected previous policies to be restored after a failed reload")
	}
}

func TestEnableDisableUnknown(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if err := eng.DisablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestDisabledPolicySurvivesReload(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	if err := eng.DisablePolicy("command-guard"); err != nil {
		t.Fatal(err)
	}
	if err := eng.ReloadPolicies(ctx, []Policy{{Name: "site", Enabled: true, Rego: "package site\n"}}); err != nil {
		t.Fatal(err)
	}

	p, err := eng.GetPolicy("command-guard")
	if err != nil {
		t.Fatal(err)
	}
	if p.Enabled {
		t.Error("Expected command-guard to stay disabled after reload")
	}

	result, err := eng.Evaluate(ctx, nil, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "command-guard" {
			t.Error("Disabled built-in was evaluated")
		}
	}
}
