package tweak

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const errorStatePrefix = "<error"

// ErrorState is the placeholder written when a state could not be read or
// encoded. Diffing still works against it.
func ErrorState(err error) string {
	if err == nil {
		return "<error>"
	}
	return fmt.Sprintf("<error: %s>", err.Error())
}

// IsErrorState reports whether s is an ErrorState placeholder.
func IsErrorState(s string) bool {
	return strings.HasPrefix(s, errorStatePrefix)
}

// EncodeState serializes v as JSON, degrading to ErrorState on failure.
func EncodeState(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorState(NewSerializationError("", err))
	}
	return string(data)
}

// DecodeState parses a state produced by EncodeState into v.
func DecodeState(s string, v any) error {
	if s == "" {
		return NewSerializationError("", fmt.Errorf("state snapshot is empty"))
	}
	if IsErrorState(s) {
		return NewSerializationError("", fmt.Errorf("state snapshot was not captured: %s", s))
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return NewSerializationError("", err)
	}
	return nil
}

// Diff describes the change between two encoded states. JSON objects are
// compared key by key; anything else is compared as text.
func Diff(before, after string) string {
	if before == after {
		return "no change"
	}

	var b, a map[string]any
	if json.Unmarshal([]byte(before), &b) != nil || json.Unmarshal([]byte(after), &a) != nil {
		return fmt.Sprintf("%s -> %s", before, after)
	}

	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range b {
		keys[k] = struct{}{}
	}
	for k := range a {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var lines []string
	for _, k := range sorted {
		bv, bok := b[k]
		av, aok := a[k]
		bs, as := render(bv, bok), render(av, aok)
		if bs != as {
			lines = append(lines, fmt.Sprintf("%s: %s -> %s", k, bs, as))
		}
	}
	if len(lines) == 0 {
		return "no change"
	}
	return strings.Join(lines, "; ")
}

func render(v any, present bool) string {
	if !present {
		return "<absent>"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
