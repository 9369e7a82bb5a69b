package registry

import (
	"fmt"
	"regexp"
	"strings"
)

// Root is one of the two hives tweaks may write to.
type Root string

const (
	RootHKLM Root = "HKLM"
	RootHKCU Root = "HKCU"
)

var rootAliases = map[string]Root{
	"HKLM":               RootHKLM,
	"HKEY_LOCAL_MACHINE": RootHKLM,
	"HKCU":               RootHKCU,
	"HKEY_CURRENT_USER":  RootHKCU,
}

// knownRoots are recognized but not writable.
var knownRoots = map[string]bool{
	"HKCR": true, "HKEY_CLASSES_ROOT": true,
	"HKU": true, "HKEY_USERS": true,
	"HKCC": true, "HKEY_CURRENT_CONFIG": true,
}

// Key identifies a registry key.
type Key struct {
	Root   Root
	Subkey string
}

func (k Key) String() string {
	return string(k.Root) + `\` + k.Subkey
}

// ErrRootNotWritable is wrapped when a path names a hive other than HKLM or HKCU.
type ErrRootNotWritable struct {
	Root string
}

func (e ErrRootNotWritable) Error() string {
	return fmt.Sprintf("registry root %s is not writable; only HKCU and HKLM are allowed", e.Root)
}

// ParsePath accepts `HKLM\SOFTWARE\X`, `HKEY_LOCAL_MACHINE\SOFTWARE\X`,
// the PowerShell drive form `HKLM:\SOFTWARE\X`, and forward slashes.
func ParsePath(path string) (Key, error) {
	p := strings.TrimSpace(strings.ReplaceAll(path, "/", `\`))
	if p == "" {
		return Key{}, fmt.Errorf("registry path is empty")
	}
	rootPart, rest, _ := strings.Cut(p, `\`)
	rootPart = strings.ToUpper(strings.TrimSuffix(rootPart, ":"))

	root, ok := rootAliases[rootPart]
	if !ok {
		if knownRoots[rootPart] {
			return Key{}, ErrRootNotWritable{Root: rootPart}
		}
		return Key{}, fmt.Errorf("registry path %q has unknown root %q", path, rootPart)
	}

	subkey := strings.Trim(rest, `\`)
	for strings.Contains(subkey, `\\`) {
		subkey = strings.ReplaceAll(subkey, `\\`, `\`)
	}
	if subkey == "" {
		return Key{}, fmt.Errorf("registry path %q must name a key below the root", path)
	}
	if strings.ContainsAny(subkey, "\x00*?\"<>|") {
		return Key{}, fmt.Errorf("registry path %q contains invalid characters", path)
	}
	return Key{Root: root, Subkey: subkey}, nil
}

// blockedPrefixes are OS-critical keys no tweak may touch. Matching is
// case-insensitive on whole path segments and ignores the root.
var blockedPrefixes = []string{
	`SOFTWARE\Microsoft\Windows Defender`,
	`SOFTWARE\Policies`,
	`SOFTWARE\Microsoft\Windows\CurrentVersion\Policies`,
	`SYSTEM\CurrentControlSet\Services\EventLog`,
	`SYSTEM\CurrentControlSet\Services\RpcSs`,
	`SYSTEM\CurrentControlSet\Services\RpcEptMapper`,
	`SYSTEM\CurrentControlSet\Services\WinDefend`,
	`SYSTEM\CurrentControlSet\Services\SecurityHealthService`,
	`SYSTEM\CurrentControlSet\Control\Lsa`,
	`SAM`,
	`SECURITY`,
}

var controlSetN = regexp.MustCompile(`^controlset\d{3}$`)

// canonicalSubkey lowercases subkey and folds the views Windows aliases onto
// the same keys: numbered control sets become CurrentControlSet and
// WOW6432Node segments are dropped.
func canonicalSubkey(subkey string) string {
	segs := strings.Split(strings.ToLower(subkey), `\`)
	out := segs[:0]
	for _, seg := range segs {
		if seg == "wow6432node" {
			continue
		}
		out = append(out, seg)
	}
	if len(out) > 1 && out[0] == "system" && controlSetN.MatchString(out[1]) {
		out[1] = "currentcontrolset"
	}
	return strings.Join(out, `\`)
}

// Blocked returns the blocklist prefix key falls under, if any.
func Blocked(key Key) (string, bool) {
	sub := canonicalSubkey(key.Subkey)
	for _, prefix := range blockedPrefixes {
		lp := strings.ToLower(prefix)
		if sub == lp || strings.HasPrefix(sub, lp+`\`) {
			return prefix, true
		}
	}
	return "", false
}
