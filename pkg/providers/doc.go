// Package providers implements the built-in resource types.
//
// Every provider follows the same contract: Observe reads host state through
// the system collaborators, Diff compares it with the declared attributes and
// returns nil when nothing needs to change, and Apply performs exactly the
// change set it is given.
//
// Built-in types:
//
//   - package: install, upgrade, remove (dnf, yum, apt, zypper)
//   - service: start, stop, restart, reload, enable, disable, nothing (systemd)
//   - template: create, delete (text/template with sprig functions)
//   - file: create, delete, touch
//   - directory: create, delete
//   - link: create, delete
//   - user: create, modify, remove
//   - group: create, modify, remove
//   - command: run, nothing
//   - git: sync, checkout
//   - yum_repository: create, delete
//   - authorized_keys: create, delete
//   - sudoers: create, delete
package providers
