// Package scriptpolicy classifies PowerShell script content as allowed or
// denied before it is handed to the interpreter.
package scriptpolicy

import (
	"fmt"
	"os"
	"strings"
)

// Mode selects how strictly scripts are filtered.
type Mode string

const (
	ModeStrict     Mode = "strict"
	ModeModerate   Mode = "moderate"
	ModePermissive Mode = "permissive"
)

// EnvVar names the process-wide variable consulted by ModeFromEnv.
const EnvVar = "TWEAK_SCRIPT_POLICY"

// DefaultMode is used when no mode is configured.
const DefaultMode = ModeModerate

// Reason codes carried on every Decision.
const (
	ReasonEmptyScript    = "empty_script"
	ReasonPermissive     = "permissive_audit_only"
	ReasonNoMatch        = "no_blocked_patterns"
	ReasonDenylistMatch  = "denylist_match"
	ReasonNotAllowlisted = "not_allowlisted"
	ReasonAllowlisted    = "all_lines_allowlisted"
)

const maxReportedLine = 100

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict:
		return ModeStrict, nil
	case ModeModerate, "":
		return ModeModerate, nil
	case ModePermissive:
		return ModePermissive, nil
	default:
		return "", fmt.Errorf("unknown script policy mode %q", s)
	}
}

// ModeFromEnv reads EnvVar, falling back to DefaultMode when it is unset or
// unrecognized. Call it where the evaluator is constructed, not inside it.
func ModeFromEnv() Mode {
	m, err := ParseMode(os.Getenv(EnvVar))
	if err != nil {
		return DefaultMode
	}
	return m
}

// Decision is the outcome of evaluating one script.
type Decision struct {
	Allowed        bool   `json:"allowed"`
	ReasonCode     string `json:"reasonCode"`
	Decision       string `json:"decision"`
	BlockedPattern string `json:"blockedPattern,omitempty"`
	OffendingLine  string `json:"offendingLine,omitempty"`
	PolicyMode     Mode   `json:"policyMode"`
}

// Evaluator is immutable after construction and safe for concurrent use.
type Evaluator struct {
	mode Mode
}

// New returns an evaluator for mode. An empty or unknown mode means DefaultMode.
func New(mode Mode) *Evaluator {
	m, err := ParseMode(string(mode))
	if err != nil {
		m = DefaultMode
	}
	return &Evaluator{mode: m}
}

// Mode reports the mode the evaluator was built with.
func (e *Evaluator) Mode() Mode {
	return e.mode
}

// Evaluate classifies script. It never fails; every input yields a Decision.
func (e *Evaluator) Evaluate(script string) Decision {
	if strings.TrimSpace(script) == "" {
		return Decision{
			Allowed:    true,
			ReasonCode: ReasonEmptyScript,
			Decision:   "Allowed: empty script is a no-op",
			PolicyMode: e.mode,
		}
	}

	switch e.mode {
	case ModePermissive:
		return Decision{
			Allowed:    true,
			ReasonCode: ReasonPermissive,
			Decision:   "Allowed: permissive mode (audit only)",
			PolicyMode: e.mode,
		}
	case ModeStrict:
		return e.evaluateStrict(script)
	default:
		return e.evaluateModerate(script)
	}
}

func (e *Evaluator) evaluateModerate(script string) Decision {
	normalized := collapseWhitespace(Normalize(script))
	if d, hit := e.denylistDecision(script, normalized); hit {
		return d
	}
	return Decision{
		Allowed:    true,
		ReasonCode: ReasonNoMatch,
		Decision:   "Allowed: no blocked patterns found",
		PolicyMode: e.mode,
	}
}

func (e *Evaluator) evaluateStrict(script string) Decision {
	normalized := Normalize(script)
	if d, hit := e.denylistDecision(script, collapseWhitespace(normalized)); hit {
		return d
	}

	originals := strings.Split(normalizeNewlines(script), "\n")
	inBlockComment := false
	for i, line := range strings.Split(normalized, "\n") {
		line, inBlockComment = stripBlockComments(line, inBlockComment)
		line = collapseWhitespace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !allowlisted(line) {
			offending := truncate(strings.TrimSpace(originals[i]), maxReportedLine)
			return Decision{
				Allowed:       false,
				ReasonCode:    ReasonNotAllowlisted,
				Decision:      fmt.Sprintf("Blocked by strict allowlist: line %d %q is not a permitted read-only command", i+1, offending),
				OffendingLine: offending,
				PolicyMode:    e.mode,
			}
		}
	}

	return Decision{
		Allowed:    true,
		ReasonCode: ReasonAllowlisted,
		Decision:   "Allowed: every line matches the strict allowlist",
		PolicyMode: e.mode,
	}
}

// denylistDecision scans the collapsed, normalized script. The first entry
// in denylist order wins.
func (e *Evaluator) denylistDecision(original, collapsed string) (Decision, bool) {
	for _, entry := range denylist {
		if !strings.Contains(collapsed, entry.pattern) {
			continue
		}
		offending := truncate(locateLine(original, entry.pattern), maxReportedLine)
		return Decision{
			Allowed:        false,
			ReasonCode:     ReasonDenylistMatch,
			Decision:       fmt.Sprintf("Blocked %s: matched %q", entry.category, entry.pattern),
			BlockedPattern: entry.pattern,
			OffendingLine:  offending,
			PolicyMode:     e.mode,
		}, true
	}
	return Decision{}, false
}

// locateLine returns the first original line whose normalized form contains
// pattern, or the first non-empty line when the match spans lines.
func locateLine(original, pattern string) string {
	lines := strings.Split(normalizeNewlines(original), "\n")
	first := ""
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if first == "" {
			first = trimmed
		}
		if strings.Contains(collapseWhitespace(Normalize(line)), pattern) {
			return trimmed
		}
	}
	return first
}

// stripBlockComments removes every <# ... #> span from line. inBlock says
// whether the line starts inside a block comment; the returned flag says
// whether it ends inside one. Code on either side of a span is kept.
func stripBlockComments(line string, inBlock bool) (string, bool) {
	var b strings.Builder
	for line != "" {
		if inBlock {
			end := strings.Index(line, "#>")
			if end < 0 {
				return b.String(), true
			}
			line = line[end+2:]
			inBlock = false
			b.WriteByte(' ')
			continue
		}
		start := strings.Index(line, "<#")
		if start < 0 {
			b.WriteString(line)
			break
		}
		b.WriteString(line[:start])
		line = line[start+2:]
		inBlock = true
	}
	return b.String(), inBlock
}

func allowlisted(line string) bool {
	for _, prefix := range allowlist {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
