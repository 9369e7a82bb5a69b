package executor

import (
	"encoding/base64"
	"encoding/binary"
	"time"
	"unicode/utf16"
)

// PowerShellExe is resolved through PATH.
const PowerShellExe = "powershell.exe"

// EncodeCommand returns script as base64 of its UTF-16LE bytes, the form
// PowerShell's -EncodedCommand expects.
func EncodeCommand(script string) string {
	units := utf16.Encode([]rune(script))
	buf := make([]byte, 2*len(units))
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// PowerShell builds a non-interactive, profile-less, execution-policy
// bypassed invocation of script.
func PowerShell(script string, timeout time.Duration, tweakID string) Command {
	return Command{
		Name: PowerShellExe,
		Args: []string{
			"-NoProfile",
			"-NonInteractive",
			"-ExecutionPolicy", "Bypass",
			"-EncodedCommand", EncodeCommand(script),
		},
		Timeout: timeout,
		TweakID: tweakID,
	}
}
