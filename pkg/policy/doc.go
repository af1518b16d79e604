// Package policy checks declaration sets against Open Policy Agent (OPA)
// policies before a run.
//
// Each policy is a Rego module with a deny set. It is evaluated once per
// declaration with this input:
//
//	{
//	  "resource": {"id": "file[/etc/motd]", "type": "file", "name": "/etc/motd",
//	               "action": "create", "attributes": {...}, "guard": {...},
//	               "notifies": [...], "tags": [...]},
//	  "host": {"hostname": "web01", "os": {...}, ...},
//	  "dry_run": false
//	}
//
// A deny entry is either a string or an object with message, severity,
// resource and remediation keys. Error and critical violations block the
// run; info and warning violations are reported only.
//
// # Usage
//
//	pe, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := pe.LoadPolicies(ctx, []string{"/etc/keel/policies"}); err != nil {
//	    return err
//	}
//	result, err := pe.Check(ctx, set.Declarations, facts.Map(), false)
//	if err != nil {
//	    // structural error with code POLICY_VIOLATION
//	}
//
// # Built-in Policies
//
//   - command-guard (warning): command resources without only_if, not_if
//     or creates run on every converge.
//   - sudoers-nopasswd-all (error): sudoers rules granting every user every
//     command without a password.
//   - ssh-permissions (error): world-writable modes under /etc/ssh.
//   - resource-names (error): blank names, and relative paths for file,
//     template, directory and link resources.
//
// # Policy Files
//
// A .rego file is named after the file. Its leading comments describe it,
// and two of them are read as settings:
//
//	# severity: error
//	# tags: ssh, hardening
//
// Severity defaults to warning. A .json file holds a serialized Policy.
// Loader.Watch reloads the whole set when a policy file changes; policies
// disabled in keel.yaml stay disabled across reloads.
package policy
