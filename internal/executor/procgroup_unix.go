//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// isolate puts the child in a fresh process group so a timed out tweak can
// be torn down together with anything it spawned.
func isolate(cmd *exec.Cmd) {
	attr := &syscall.SysProcAttr{Setpgid: true}
	dieWithParent(attr)
	cmd.SysProcAttr = attr
}

// terminate kills the child's whole group, or just the child when the
// group cannot be resolved.
func terminate(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	pid := cmd.Process.Pid
	if pgid, err := syscall.Getpgid(pid); err == nil {
		return syscall.Kill(-pgid, syscall.SIGKILL)
	}
	return cmd.Process.Kill()
}
