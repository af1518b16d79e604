package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		commandGuardPolicy(),
		sudoersPolicy(),
		sshPermissionsPolicy(),
		resourceNamesPolicy(),
	}
}

// commandGuardPolicy warns about commands that run on every converge.
func commandGuardPolicy() Policy {
	return Policy{
		Name:        "command-guard",
		Description: "Warns about command resources without a guard or creates attribute",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"idempotence"},
		Rego: `package keel.policies.command_guard

import rego.v1

unguarded if not input.resource.guard

deny contains violation if {
	input.resource.type == "command"
	not input.resource.action == "nothing"
	unguarded
	not input.resource.attributes.creates
	violation := {
		"message": sprintf("%s has no guard or creates attribute and runs on every converge", [input.resource.id]),
		"severity": "warning",
		"resource": input.resource.id,
		"remediation": "add only_if, not_if or creates, or set action nothing and trigger it by notification",
	}
}`,
	}
}

// sudoersPolicy rejects passwordless root for everyone.
func sudoersPolicy() Policy {
	return Policy{
		Name:        "sudoers-nopasswd-all",
		Description: "Rejects sudoers rules that grant every user every command without a password",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "sudo"},
		Rego: `package keel.policies.sudoers

import rego.v1

everyone(attrs) if "ALL" in attrs.users

everyone(attrs) if attrs.users == "ALL"

all_commands(attrs) if not attrs.commands

all_commands(attrs) if count(attrs.commands) == 0

all_commands(attrs) if "ALL" in attrs.commands

all_commands(attrs) if attrs.commands == "ALL"

deny contains violation if {
	input.resource.type == "sudoers"
	not input.resource.action == "delete"
	attrs := input.resource.attributes
	attrs.nopasswd == true
	everyone(attrs)
	all_commands(attrs)
	violation := {
		"message": sprintf("%s grants NOPASSWD: ALL to every user", [input.resource.id]),
		"severity": "error",
		"resource": input.resource.id,
		"remediation": "restrict users or commands, or drop nopasswd",
	}
}

deny contains violation if {
	input.resource.type == "sudoers"
	not input.resource.action == "delete"
	some line in split(input.resource.attributes.content, "\n")
	regex.match(` + "`" + `^\s*ALL\s+\S+\s*=.*NOPASSWD:\s*ALL\s*$` + "`" + `, line)
	violation := {
		"message": sprintf("%s content grants NOPASSWD: ALL to every user", [input.resource.id]),
		"severity": "error",
		"resource": input.resource.id,
	}
}`,
	}
}

// sshPermissionsPolicy rejects world-writable files under /etc/ssh.
func sshPermissionsPolicy() Policy {
	return Policy{
		Name:        "ssh-permissions",
		Description: "Rejects world-writable modes for files and directories under /etc/ssh",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"security", "ssh"},
		Rego: `package keel.policies.ssh_permissions

import rego.v1

path_types := {"file", "template", "directory"}

target_path := p if {
	p := input.resource.attributes.path
} else := input.resource.name

under_ssh(p) if p == "/etc/ssh"

under_ssh(p) if startswith(p, "/etc/ssh/")

world_writable(mode) if {
	is_number(mode)
	bits.and(mode, 2) != 0
}

world_writable(mode) if {
	is_string(mode)
	regex.match("[2367]$", mode)
}

deny contains violation if {
	path_types[input.resource.type]
	under_ssh(target_path)
	world_writable(input.resource.attributes.mode)
	violation := {
		"message": sprintf("%s is world-writable (mode %v)", [input.resource.id, input.resource.attributes.mode]),
		"severity": "error",
		"resource": input.resource.id,
		"remediation": "use 0600 for keys and 0644 for configuration",
	}
}`,
	}
}

// resourceNamesPolicy rejects blank names and relative paths.
func resourceNamesPolicy() Policy {
	return Policy{
		Name:        "resource-names",
		Description: "Rejects blank resource names and relative paths for path-based resources",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package keel.policies.names

import rego.v1

path_types := {"file", "template", "directory", "link"}

deny contains violation if {
	trim_space(input.resource.name) == ""
	violation := {
		"message": sprintf("%s resource has a blank name", [input.resource.type]),
		"severity": "error",
		"resource": input.resource.id,
	}
}

deny contains violation if {
	path_types[input.resource.type]
	not input.resource.attributes.path
	trim_space(input.resource.name) != ""
	not startswith(input.resource.name, "/")
	violation := {
		"message": sprintf("%s is not an absolute path", [input.resource.id]),
		"severity": "error",
		"resource": input.resource.id,
		"remediation": "name path resources by absolute path or set the path attribute",
	}
}`,
	}
}
