// Package system holds the host collaborators used by providers and guards:
// a command runner, a root-prefixed filesystem, account lookups and host facts.
//
// Everything keel touches on the host goes through these interfaces, so
// providers can be tested against a temporary directory and a fake runner
// (see package systemtest).
package system
