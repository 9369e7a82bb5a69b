//go:build !windows

package privilege

import "os"

// IsElevated returns true if the agent is running with effective UID 0.
func IsElevated() bool {
	return os.Geteuid() == 0
}
