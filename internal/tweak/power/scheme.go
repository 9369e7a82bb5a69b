package power

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/breeze-rmm/tweakagent/internal/validation"
)

// Well-known power scheme GUIDs.
const (
	GUIDBalanced            = "381b4222-f694-41f0-9685-ff5bb260df2e"
	GUIDHighPerformance     = "8c5e7fda-e8bf-4a96-9a85-a6e23a8c635c"
	GUIDPowerSaver          = "a1841308-3541-4fab-bc81-f71556f20b4a"
	GUIDUltimatePerformance = "e9a42b02-d5df-448d-aa00-03f14749eb61"
)

var schemeNames = map[string]string{
	"balanced":            GUIDBalanced,
	"highperformance":     GUIDHighPerformance,
	"powersaver":          GUIDPowerSaver,
	"ultimateperformance": GUIDUltimatePerformance,
}

// nameHints are checked in order against the lowercased tweak name.
var nameHints = []struct {
	substr string
	guid   string
}{
	{"ultimate", GUIDUltimatePerformance},
	{"high performance", GUIDHighPerformance},
	{"high-performance", GUIDHighPerformance},
	{"performance", GUIDHighPerformance},
	{"power saver", GUIDPowerSaver},
	{"power-saver", GUIDPowerSaver},
	{"battery", GUIDPowerSaver},
	{"saver", GUIDPowerSaver},
	{"balanced", GUIDBalanced},
}

// ResolveScheme picks the target GUID from an explicit scheme, falling back
// to keywords in the tweak name.
func ResolveScheme(scheme, tweakName string) (string, error) {
	if s := strings.TrimSpace(scheme); s != "" {
		key := strings.ToLower(strings.NewReplacer(" ", "", "-", "", "_", "").Replace(s))
		if guid, ok := schemeNames[key]; ok {
			return guid, nil
		}
		id, err := validation.ParseGUID(s)
		if err != nil {
			return "", fmt.Errorf("unknown power scheme %q", scheme)
		}
		return id.String(), nil
	}
	name := strings.ToLower(tweakName)
	for _, h := range nameHints {
		if strings.Contains(name, h.substr) {
			return h.guid, nil
		}
	}
	return "", fmt.Errorf("cannot derive a power scheme from tweak name %q", tweakName)
}

var activeSchemeRE = regexp.MustCompile(`(?i)([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})\s*(?:\((.*)\))?`)

// parseActiveScheme reads `powercfg /getactivescheme` output, e.g.
// "Power Scheme GUID: 381b4222-f694-41f0-9685-ff5bb260df2e  (Balanced)".
func parseActiveScheme(out string) (guid, name string, err error) {
	m := activeSchemeRE.FindStringSubmatch(out)
	if m == nil {
		return "", "", fmt.Errorf("no scheme GUID in powercfg output %q", strings.TrimSpace(out))
	}
	return strings.ToLower(m[1]), strings.TrimSpace(m[2]), nil
}

var bootTimeoutRE = regexp.MustCompile(`(?im)^timeout\s+(\d+)\s*$`)

// parseBootTimeout reads the timeout line of `bcdedit /enum {bootmgr}`.
func parseBootTimeout(out string) (int, error) {
	m := bootTimeoutRE.FindStringSubmatch(out)
	if m == nil {
		return 0, fmt.Errorf("no timeout in bcdedit output")
	}
	return strconv.Atoi(m[1])
}
