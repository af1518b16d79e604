//go:build !unix

package system

import "os/exec"

// killGroupOnCancel leaves the default kill of the direct child; WaitDelay
// still bounds the wait for its pipes.
func killGroupOnCancel(*exec.Cmd) {}
