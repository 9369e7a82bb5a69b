//go:build !windows

package restorepoint

// New returns a Creator that reports ErrUnsupported; restore points exist
// only on Windows.
func New() Creator {
	return Disabled()
}
