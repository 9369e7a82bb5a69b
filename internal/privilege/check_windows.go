//go:build windows

package privilege

import "golang.org/x/sys/windows"

// IsElevated reports whether the process token is elevated (LocalSystem or
// an administrator past UAC).
func IsElevated() bool {
	return windows.GetCurrentProcessToken().IsElevated()
}
