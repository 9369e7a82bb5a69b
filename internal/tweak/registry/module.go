// Package registry implements the registry tweak module: single values under
// HKCU or HKLM, written idempotently and restorable from the snapshot taken
// before the write.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

var log = logging.L("registry")

// Snapshot is the encoded before/after state of one value.
type Snapshot struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Exists bool   `json:"exists"`
	Kind   string `json:"kind,omitempty"`
	Data   string `json:"data,omitempty"`
}

// Module is the registry tweak.Module.
type Module struct {
	store Store
	// elevated reports whether the process may write HKLM. Nil means assume yes.
	elevated func() bool
	now      func() time.Time
}

type Option func(*Module)

// WithElevationCheck makes Preflight reject HKLM targets when check returns false.
func WithElevationCheck(check func() bool) Option {
	return func(m *Module) { m.elevated = check }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Module) { m.now = now }
}

func New(store Store, opts ...Option) *Module {
	m := &Module{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ tweak.Module = (*Module)(nil)

// target resolves and checks the definition without touching the registry.
func (m *Module) target(def tweak.Definition) (Key, Value, error) {
	if def.Registry == nil {
		return Key{}, Value{}, tweak.NewValidationError(def.ID, "registry tweak %s has no registry section", def.ID)
	}
	key, err := ParsePath(def.Registry.Path)
	if err != nil {
		var notWritable ErrRootNotWritable
		if errors.As(err, &notWritable) {
			return Key{}, Value{}, tweak.NewPolicyViolation(def.ID, "%s", err.Error())
		}
		return Key{}, Value{}, tweak.NewValidationError(def.ID, "%s", err.Error())
	}
	if prefix, blocked := Blocked(key); blocked {
		return Key{}, Value{}, tweak.NewPolicyViolation(def.ID, "registry path %s is protected (%s)", key, prefix)
	}
	want, err := ParseValue(def.Registry.ValueType, def.Registry.Data)
	if err != nil {
		return Key{}, Value{}, tweak.NewValidationError(def.ID, "%s", err.Error())
	}
	return key, want, nil
}

// read returns the current snapshot. A missing value is a valid snapshot with
// Exists=false; any other failure is returned.
func (m *Module) read(key Key, name string) (Snapshot, error) {
	snap := Snapshot{Path: key.String(), Name: name}
	v, err := m.store.Read(key, name)
	if errors.Is(err, ErrNotFound) {
		return snap, nil
	}
	if err != nil {
		return snap, err
	}
	snap.Exists = true
	snap.Kind = v.Kind
	snap.Data = v.Data()
	return snap, nil
}

func snapshotOf(key Key, name string, v Value) Snapshot {
	return Snapshot{Path: key.String(), Name: name, Exists: true, Kind: v.Kind, Data: v.Data()}
}

func (m *Module) Preflight(ctx context.Context, def tweak.Definition) tweak.PreflightResult {
	logger := logging.WithTweak(log, def.ID, "")
	key, _, err := m.target(def)
	if err != nil {
		return preflightFailure(err)
	}
	if key.Root == RootHKLM && m.elevated != nil && !m.elevated() {
		return tweak.PreflightResult{
			Reason:          "administrator rights required",
			PermissionIssue: fmt.Sprintf("writing %s requires an elevated agent", key),
		}
	}

	snap, err := m.read(key, def.Registry.Name)
	if err != nil {
		logger.Warn("registry before-state unreadable", slog.String("key", key.String()), slog.String("error", err.Error()))
		if tweak.KindOf(err) == tweak.KindPermission {
			return tweak.PreflightResult{
				Reason:          "registry key not accessible",
				PermissionIssue: err.Error(),
				BeforeState:     tweak.ErrorState(err),
			}
		}
		return tweak.PreflightResult{CanApply: true, Reason: "before-state unreadable", BeforeState: tweak.ErrorState(err)}
	}
	return tweak.PreflightResult{CanApply: true, Reason: "ok", BeforeState: tweak.EncodeState(snap)}
}

func preflightFailure(err error) tweak.PreflightResult {
	res := tweak.PreflightResult{Reason: err.Error()}
	switch tweak.KindOf(err) {
	case tweak.KindPolicyViolation:
		res.PolicyViolation = err.Error()
	case tweak.KindPermission:
		res.PermissionIssue = err.Error()
	default:
		res.ValidationError = err.Error()
	}
	return res
}

// Apply writes the value unless it already holds the desired kind and data.
// An existing value that cannot be read aborts the write: without a trustworthy
// before-state the change could not be rolled back.
func (m *Module) Apply(ctx context.Context, def tweak.Definition) tweak.ApplicationResult {
	logger := logging.WithTweak(log, def.ID, "")
	res := tweak.ApplicationResult{AppliedAtUTC: m.now().UTC()}

	key, want, err := m.target(def)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Error = tweak.FromContext(def.ID, "registry apply", err).Error()
		return res
	}

	name := def.Registry.Name
	before, err := m.read(key, name)
	if err != nil {
		res.BeforeState = tweak.ErrorState(err)
		if tweak.KindOf(err) == tweak.KindPermission {
			res.Error = err.Error()
		} else {
			res.Error = fmt.Sprintf("cannot read existing value %s\\%s: %v", key, name, err)
		}
		return res
	}
	res.BeforeState = tweak.EncodeState(before)

	if before.Exists && before.Kind == want.Kind && before.Data == want.Data() {
		logger.Info("registry value already set", slog.String("key", key.String()), slog.String("name", name))
		res.Success = true
		res.AfterState = res.BeforeState
		res.DetailedDiff = tweak.Diff(res.BeforeState, res.AfterState)
		return res
	}

	if err := m.store.Write(key, name, want); err != nil {
		res.Error = err.Error()
		res.AfterState = res.BeforeState
		return res
	}

	after, err := m.read(key, name)
	if err != nil {
		res.AfterState = tweak.ErrorState(err)
	} else {
		res.AfterState = tweak.EncodeState(after)
	}
	res.DetailedDiff = tweak.Diff(res.BeforeState, res.AfterState)
	res.Success = true
	logger.Info("registry value written", slog.String("key", key.String()), slog.String("name", name), slog.String("kind", want.Kind))
	return res
}

func (m *Module) Verify(ctx context.Context, def tweak.Definition) tweak.VerificationResult {
	key, want, err := m.target(def)
	if err != nil {
		return tweak.VerificationResult{Discrepancy: err.Error()}
	}
	expected := tweak.EncodeState(snapshotOf(key, def.Registry.Name, want))
	current, err := m.read(key, def.Registry.Name)
	if err != nil {
		return tweak.VerificationResult{
			CurrentState:  tweak.ErrorState(err),
			ExpectedState: expected,
			Discrepancy:   err.Error(),
		}
	}
	res := tweak.VerificationResult{
		CurrentState:  tweak.EncodeState(current),
		ExpectedState: expected,
	}
	res.Verified = res.CurrentState == expected
	if !res.Verified {
		res.Discrepancy = tweak.Diff(expected, res.CurrentState)
	}
	return res
}

// Rollback restores the snapshot recorded in the log. The live value at
// rollback time is never consulted.
func (m *Module) Rollback(ctx context.Context, l tweak.ApplicationLog) tweak.RollbackResult {
	logger := logging.WithTweak(log, l.TweakID, l.CorrelationID)
	res := tweak.RollbackResult{RolledBackAtUTC: m.now().UTC()}

	var snap Snapshot
	if err := tweak.DecodeState(l.BeforeState, &snap); err != nil {
		res.Error = err.Error()
		return res
	}
	key, err := ParsePath(snap.Path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if prefix, blocked := Blocked(key); blocked {
		res.Error = fmt.Sprintf("registry path %s is protected (%s)", key, prefix)
		return res
	}

	if !snap.Exists {
		if err := m.store.Delete(key, snap.Name); err != nil && !errors.Is(err, ErrNotFound) {
			res.Error = err.Error()
			return res
		}
	} else {
		v, err := ParseValue(snap.Kind, snap.Data)
		if err != nil {
			res.Error = tweak.NewSerializationError(l.TweakID, err).Error()
			return res
		}
		if err := m.store.Write(key, snap.Name, v); err != nil {
			res.Error = err.Error()
			return res
		}
	}

	res.Success = true
	res.RestoredState = l.BeforeState
	logger.Info("registry value restored", slog.String("key", key.String()), slog.String("name", snap.Name), slog.Bool("existed", snap.Exists))
	return res
}
