//go:build !windows && !linux

package executor

import "syscall"

func dieWithParent(*syscall.SysProcAttr) {}
