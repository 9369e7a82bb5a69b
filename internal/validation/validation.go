// Package validation holds the input checks shared by the tweak modules and
// the elevated helper, plus a go-playground validator preloaded with them.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// TimeoutMin and TimeoutMax bound bcdedit timeout values.
const (
	TimeoutMin = 0
	TimeoutMax = 60
)

// IsIPv4 accepts dotted-quad addresses only: exactly four decimal octets in
// [0,255]. Leading zeros are rejected because Windows tools read them as octal.
func IsIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 || (len(p) > 1 && p[0] == '0') {
			return false
		}
		n := 0
		for _, r := range p {
			if r < '0' || r > '9' {
				return false
			}
			n = n*10 + int(r-'0')
		}
		if n > 255 {
			return false
		}
	}
	return true
}

// IsInterfaceName allows letters, digits, spaces, hyphens and underscores.
func IsInterfaceName(s string) bool {
	if strings.TrimSpace(s) == "" || len(s) > 256 {
		return false
	}
	for _, r := range s {
		if !isASCIIAlnum(r) && r != ' ' && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// IsServiceName allows the characters that appear in real service names,
// for example "MSSQL$SQLEXPRESS" or "wuauserv".
func IsServiceName(s string) bool {
	if strings.TrimSpace(s) == "" || len(s) > 256 {
		return false
	}
	for _, r := range s {
		if !isASCIIAlnum(r) && !strings.ContainsRune("_-.$ ", r) {
			return false
		}
	}
	return true
}

// ParseGUID accepts only the canonical 36-character form; braces and the
// urn:uuid: prefix that uuid.Parse tolerates are rejected.
func ParseGUID(s string) (uuid.UUID, error) {
	if len(s) != 36 {
		return uuid.Nil, fmt.Errorf("guid %q must be 36 characters in canonical form", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("guid %q: %w", s, err)
	}
	return id, nil
}

// IsGUID reports whether s passes ParseGUID.
func IsGUID(s string) bool {
	_, err := ParseGUID(s)
	return err == nil
}

// ValidTimeout reports whether seconds lies in [TimeoutMin, TimeoutMax].
func ValidTimeout(seconds int) bool {
	return seconds >= TimeoutMin && seconds <= TimeoutMax
}

func isASCIIAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// New returns a validator with the custom tags ipv4dotted, ifname, guid and
// servicename registered. Field names in errors use the json tag.
func New() *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})

	_ = v.RegisterValidation("ipv4dotted", func(fl validator.FieldLevel) bool {
		return IsIPv4(fl.Field().String())
	})
	_ = v.RegisterValidation("ifname", func(fl validator.FieldLevel) bool {
		return IsInterfaceName(fl.Field().String())
	})
	_ = v.RegisterValidation("guid", func(fl validator.FieldLevel) bool {
		return IsGUID(fl.Field().String())
	})
	_ = v.RegisterValidation("servicename", func(fl validator.FieldLevel) bool {
		return IsServiceName(fl.Field().String())
	})

	return v
}

// Describe flattens validator errors into one readable line.
func Describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}
