package scriptpolicy

import (
	"strings"
	"unicode"
)

// aliases maps common PowerShell and cmd shorthands to the canonical
// command names the denylist is written against.
var aliases = []struct {
	alias     string
	canonical string
}{
	{"iex", "invoke-expression"},
	{"iwr", "invoke-webrequest"},
	{"curl", "invoke-webrequest"},
	{"wget", "invoke-webrequest"},
	{"irm", "invoke-restmethod"},
	{"icm", "invoke-command"},
	{"rm", "remove-item"},
	{"ri", "remove-item"},
	{"del", "remove-item"},
	{"erase", "remove-item"},
	{"rd", "remove-item"},
	{"rmdir", "remove-item"},
	{"kill", "stop-process"},
	{"spps", "stop-process"},
	{"saps", "start-process"},
	{"start", "start-process"},
	{"gwmi", "get-wmiobject"},
	{"swmi", "set-wmiinstance"},
	{"nsn", "new-pssession"},
	{"etsn", "enter-pssession"},
	{"sajb", "start-job"},
}

var aliasIndex = func() map[string]string {
	m := make(map[string]string, len(aliases))
	for _, a := range aliases {
		m[a.alias] = a.canonical
	}
	return m
}()

// Normalize lowercases script, converts CRLF and lone CR to LF, and expands
// aliases to canonical command names. Line structure is preserved.
func Normalize(script string) string {
	return expandAliases(strings.ToLower(normalizeNewlines(script)))
}

func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// expandAliases replaces whole words only. A word is a run of letters,
// digits, '_', '-', '.' or ':'; "-rm" or "$iex" are therefore left alone.
func expandAliases(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	runes := []rune(s)
	for i := 0; i < len(runes); {
		if !isWordRune(runes[i]) {
			b.WriteRune(runes[i])
			i++
			continue
		}
		j := i
		for j < len(runes) && isWordRune(runes[j]) {
			j++
		}
		word := string(runes[i:j])
		if canonical, ok := aliasIndex[word]; ok && (i == 0 || runes[i-1] != '$') {
			b.WriteString(canonical)
		} else {
			b.WriteString(word)
		}
		i = j
	}
	return b.String()
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' || r == ':'
}

// collapseWhitespace folds every run of whitespace, newlines included, into
// a single space and trims the ends.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
