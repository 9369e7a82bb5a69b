// Package restorepoint creates a system restore point before a tweak is
// applied, where the platform supports it.
package restorepoint

import (
	"context"
	"errors"

	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

// ErrUnsupported is returned when restore points are unavailable on this host
// or disabled by configuration.
var ErrUnsupported = errors.New("restore points are not supported")

// Result statuses recorded on the application log.
const (
	StatusCreated     = "created"
	StatusUnsupported = "unsupported"
	StatusFailed      = "failed"
	StatusSkipped     = "skipped"
)

// Creator takes a restore point.
type Creator interface {
	Create(ctx context.Context, description string) error
}

// CreatorFunc adapts a function to Creator.
type CreatorFunc func(ctx context.Context, description string) error

func (f CreatorFunc) Create(ctx context.Context, description string) error { return f(ctx, description) }

type disabled struct{}

// Disabled returns a Creator that always reports ErrUnsupported.
func Disabled() Creator { return disabled{} }

func (disabled) Create(context.Context, string) error { return ErrUnsupported }

// Take runs c and converts the outcome to a log result. A nil Creator is
// treated as disabled.
func Take(ctx context.Context, c Creator, description string) *tweak.RestorePointResult {
	if c == nil {
		c = Disabled()
	}
	err := c.Create(ctx, description)
	switch {
	case err == nil:
		return &tweak.RestorePointResult{Status: StatusCreated, Message: description}
	case errors.Is(err, ErrUnsupported):
		return &tweak.RestorePointResult{Status: StatusUnsupported, Message: err.Error()}
	default:
		return &tweak.RestorePointResult{Status: StatusFailed, Message: err.Error()}
	}
}
