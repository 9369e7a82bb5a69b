package registry

import (
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

// Value is a typed registry value.
type Value struct {
	Kind    string
	Text    string   // String, ExpandString
	Strings []string // MultiString
	Integer uint64   // DWord, QWord
	Binary  []byte   // Binary
}

// ParseValue converts tweak data into a typed value:
//   - DWord/QWord: decimal, or hex with a 0x prefix
//   - MultiString: entries separated by ';'
//   - Binary: hex string, spaces and commas ignored
//   - String/ExpandString: taken verbatim
func ParseValue(kind, data string) (Value, error) {
	switch kind {
	case tweak.ValueString, tweak.ValueExpandString:
		return Value{Kind: kind, Text: data}, nil
	case tweak.ValueDWord:
		n, err := parseUint(data, 32)
		if err != nil {
			return Value{}, fmt.Errorf("DWord data %q: %w", data, err)
		}
		return Value{Kind: kind, Integer: n}, nil
	case tweak.ValueQWord:
		n, err := parseUint(data, 64)
		if err != nil {
			return Value{}, fmt.Errorf("QWord data %q: %w", data, err)
		}
		return Value{Kind: kind, Integer: n}, nil
	case tweak.ValueMultiString:
		if data == "" {
			return Value{Kind: kind, Strings: []string{}}, nil
		}
		return Value{Kind: kind, Strings: strings.Split(data, ";")}, nil
	case tweak.ValueBinary:
		clean := strings.NewReplacer(" ", "", ",", "", "0x", "", "0X", "").Replace(data)
		b, err := hex.DecodeString(clean)
		if err != nil {
			return Value{}, fmt.Errorf("Binary data %q is not a hex string: %w", data, err)
		}
		return Value{Kind: kind, Binary: b}, nil
	default:
		return Value{}, fmt.Errorf("unsupported registry value type %q", kind)
	}
}

func parseUint(s string, bits int) (uint64, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok {
		return strconv.ParseUint(rest, 16, bits)
	}
	n, err := strconv.ParseUint(s, 10, bits)
	if err != nil && bits == 32 {
		// Negative DWORDs are common in exported .reg data.
		if i, ierr := strconv.ParseInt(s, 10, 32); ierr == nil && i < 0 {
			return uint64(uint32(i)), nil
		}
	}
	if err == nil && bits == 32 && n > math.MaxUint32 {
		return 0, fmt.Errorf("value out of range")
	}
	return n, err
}

// Data renders v back into the tweak data encoding, so
// ParseValue(v.Kind, v.Data()) reproduces v.
func (v Value) Data() string {
	switch v.Kind {
	case tweak.ValueDWord, tweak.ValueQWord:
		return strconv.FormatUint(v.Integer, 10)
	case tweak.ValueMultiString:
		return strings.Join(v.Strings, ";")
	case tweak.ValueBinary:
		return hex.EncodeToString(v.Binary)
	default:
		return v.Text
	}
}

// Equal compares kind and content.
func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind && v.Data() == o.Data()
}
