// Package service implements the service tweak module: start, stop and
// restart with bounded waits, and start-type changes through sc.exe.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

var log = logging.L("service")

const (
	// DefaultWaitTimeout bounds how long Start/Stop/Restart wait for the
	// target state.
	DefaultWaitTimeout = 30 * time.Second

	// PollInterval is the status polling period during a wait.
	PollInterval = 500 * time.Millisecond
)

// Module is the service tweak.Module.
type Module struct {
	ctrl     Controller
	wait     time.Duration
	poll     time.Duration
	elevated func() bool
	now      func() time.Time
}

type Option func(*Module)

// WithWaitTimeout overrides DefaultWaitTimeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Module) {
		if d > 0 {
			m.wait = d
		}
	}
}

// WithPollInterval overrides PollInterval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Module) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithElevationCheck makes Preflight reject every action when check returns false.
func WithElevationCheck(check func() bool) Option {
	return func(m *Module) { m.elevated = check }
}

func New(ctrl Controller, opts ...Option) *Module {
	m := &Module{ctrl: ctrl, wait: DefaultWaitTimeout, poll: PollInterval, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ tweak.Module = (*Module)(nil)

func (m *Module) spec(def tweak.Definition) (*tweak.ServiceSpec, error) {
	if def.Service == nil || def.Service.Name == "" {
		return nil, tweak.NewValidationError(def.ID, "service tweak %s has no service name", def.ID)
	}
	switch def.Service.Action {
	case tweak.ActionStart, tweak.ActionStop, tweak.ActionRestart, tweak.ActionEnable, tweak.ActionDisable:
	default:
		return nil, tweak.NewValidationError(def.ID, "unknown service action %q", def.Service.Action)
	}
	if desc, ok := Critical(def.Service.Name); ok && destructive(def.Service.Action) {
		return nil, tweak.NewPolicyViolation(def.ID, "service %s (%s) is critical and cannot be %s", def.Service.Name, desc, pastTense(def.Service.Action))
	}
	return def.Service, nil
}

func pastTense(action string) string {
	if action == tweak.ActionStop {
		return "stopped"
	}
	return "disabled"
}

func (m *Module) Preflight(ctx context.Context, def tweak.Definition) tweak.PreflightResult {
	spec, err := m.spec(def)
	if err != nil {
		res := tweak.PreflightResult{Reason: err.Error()}
		if tweak.KindOf(err) == tweak.KindPolicyViolation {
			res.PolicyViolation = err.Error()
		} else {
			res.ValidationError = err.Error()
		}
		return res
	}
	if m.elevated != nil && !m.elevated() {
		return tweak.PreflightResult{
			Reason:          "administrator rights required",
			PermissionIssue: fmt.Sprintf("controlling service %s requires an elevated agent", spec.Name),
		}
	}

	st, err := m.ctrl.Query(ctx, spec.Name)
	switch {
	case errors.Is(err, ErrNotFound):
		return tweak.PreflightResult{
			Reason:          "service not found",
			ValidationError: fmt.Sprintf("service %s does not exist", spec.Name),
		}
	case tweak.KindOf(err) == tweak.KindPermission:
		return tweak.PreflightResult{Reason: "service not accessible", PermissionIssue: err.Error(), BeforeState: tweak.ErrorState(err)}
	case err != nil:
		return tweak.PreflightResult{CanApply: true, Reason: "before-state unreadable", BeforeState: tweak.ErrorState(err)}
	}
	return tweak.PreflightResult{CanApply: true, Reason: "ok", BeforeState: tweak.EncodeState(st)}
}

func (m *Module) Apply(ctx context.Context, def tweak.Definition) tweak.ApplicationResult {
	logger := logging.WithTweak(log, def.ID, "")
	res := tweak.ApplicationResult{AppliedAtUTC: m.now().UTC()}

	spec, err := m.spec(def)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	before, err := m.ctrl.Query(ctx, spec.Name)
	if err != nil {
		res.BeforeState = tweak.ErrorState(err)
		if errors.Is(err, ErrNotFound) || tweak.KindOf(err) == tweak.KindPermission {
			res.Error = err.Error()
			return res
		}
	} else {
		res.BeforeState = tweak.EncodeState(before)
	}

	start := time.Now()
	if err := m.perform(ctx, spec, before); err != nil {
		res.Error = err.Error()
		logger.Warn("service action failed",
			slog.String("service", spec.Name),
			slog.String("action", spec.Action),
			slog.String("error", err.Error()))
	} else {
		res.Success = true
		logger.Info("service action completed",
			slog.String("service", spec.Name),
			slog.String("action", spec.Action),
			slog.Int64(logging.KeyDurationMs, time.Since(start).Milliseconds()))
	}

	after, err := m.ctrl.Query(ctx, spec.Name)
	if err != nil {
		res.AfterState = tweak.ErrorState(err)
	} else {
		res.AfterState = tweak.EncodeState(after)
	}
	res.DetailedDiff = tweak.Diff(res.BeforeState, res.AfterState)
	// Start-type changes cannot be cheaply confirmed, so an unchanged
	// snapshot after Enable/Disable still counts as a meaningful apply.
	if res.Success && res.DetailedDiff == "no change" && (spec.Action == tweak.ActionEnable || spec.Action == tweak.ActionDisable) {
		res.DetailedDiff = fmt.Sprintf("startType set to %s", targetStartType(spec.Action))
	}
	return res
}

func (m *Module) perform(ctx context.Context, spec *tweak.ServiceSpec, before Status) error {
	switch spec.Action {
	case tweak.ActionStart:
		if before.State == StateRunning {
			return nil
		}
		return m.startAndWait(ctx, spec.Name)
	case tweak.ActionStop:
		if before.State == StateStopped {
			return nil
		}
		return m.stopAndWait(ctx, spec.Name)
	case tweak.ActionRestart:
		if before.State != StateStopped {
			if err := m.stopAndWait(ctx, spec.Name); err != nil {
				return err
			}
		}
		return m.startAndWait(ctx, spec.Name)
	case tweak.ActionEnable, tweak.ActionDisable:
		return m.ctrl.SetStartType(ctx, spec.Name, targetStartType(spec.Action))
	default:
		return tweak.NewValidationError("", "unknown service action %q", spec.Action)
	}
}

func targetStartType(action string) string {
	if action == tweak.ActionDisable {
		return StartDisabled
	}
	return StartAutomatic
}

func (m *Module) startAndWait(ctx context.Context, name string) error {
	if err := m.ctrl.Start(ctx, name); err != nil {
		return err
	}
	return m.waitFor(ctx, name, StateRunning)
}

func (m *Module) stopAndWait(ctx context.Context, name string) error {
	if err := m.ctrl.Stop(ctx, name); err != nil {
		return err
	}
	return m.waitFor(ctx, name, StateStopped)
}

// waitFor polls until the service reaches want. Expiry is a Timeout error and
// cancellation of ctx is a Cancelled error.
func (m *Module) waitFor(ctx context.Context, name, want string) error {
	deadline := time.NewTimer(m.wait)
	defer deadline.Stop()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	last := StateUnknown
	for {
		st, err := m.ctrl.Query(ctx, name)
		if err == nil {
			last = st.State
			if st.State == want {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return tweak.FromContext("", "wait for service "+name, ctx.Err())
		case <-deadline.C:
			return tweak.NewTimeoutError("", "service wait", "service %s did not reach %s within %s (last state %s)", name, want, m.wait, last)
		case <-ticker.C:
		}
	}
}

func (m *Module) Verify(ctx context.Context, def tweak.Definition) tweak.VerificationResult {
	spec, err := m.spec(def)
	if err != nil {
		return tweak.VerificationResult{Discrepancy: err.Error()}
	}
	st, err := m.ctrl.Query(ctx, spec.Name)
	if err != nil {
		return tweak.VerificationResult{CurrentState: tweak.ErrorState(err), Discrepancy: err.Error()}
	}

	res := tweak.VerificationResult{CurrentState: tweak.EncodeState(st)}
	switch spec.Action {
	case tweak.ActionStart, tweak.ActionRestart:
		res.ExpectedState = "state=" + StateRunning
		res.Verified = st.State == StateRunning
	case tweak.ActionStop:
		res.ExpectedState = "state=" + StateStopped
		res.Verified = st.State == StateStopped
	case tweak.ActionEnable, tweak.ActionDisable:
		want := targetStartType(spec.Action)
		res.ExpectedState = "startType=" + want
		res.Verified = st.StartType == want
	}
	if !res.Verified {
		res.Discrepancy = fmt.Sprintf("expected %s, found state=%s startType=%s", res.ExpectedState, st.State, st.StartType)
	}
	return res
}

// Rollback returns the service to the running state and start type recorded
// before the apply.
func (m *Module) Rollback(ctx context.Context, l tweak.ApplicationLog) tweak.RollbackResult {
	logger := logging.WithTweak(log, l.TweakID, l.CorrelationID)
	res := tweak.RollbackResult{RolledBackAtUTC: m.now().UTC()}

	var before Status
	if err := tweak.DecodeState(l.BeforeState, &before); err != nil {
		res.Error = err.Error()
		return res
	}
	if before.Name == "" {
		res.Error = "recorded service state has no name"
		return res
	}

	current, err := m.ctrl.Query(ctx, before.Name)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	if before.StartType != "" && before.StartType != current.StartType {
		if _, ok := scStartTypes[before.StartType]; ok {
			if err := m.ctrl.SetStartType(ctx, before.Name, before.StartType); err != nil {
				res.Error = err.Error()
				return res
			}
		}
	}

	switch {
	case before.State == StateRunning && current.State != StateRunning:
		err = m.startAndWait(ctx, before.Name)
	case before.State == StateStopped && current.State != StateStopped:
		if desc, ok := Critical(before.Name); ok {
			err = tweak.NewPolicyViolation(l.TweakID, "service %s (%s) is critical and cannot be stopped", before.Name, desc)
		} else {
			err = m.stopAndWait(ctx, before.Name)
		}
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.RestoredState = l.BeforeState
	logger.Info("service state restored", slog.String("service", before.Name), slog.String("state", before.State), slog.String("startType", before.StartType))
	return res
}

// scStartTypes are the start types Rollback can set back.
var scStartTypes = map[string]struct{}{
	StartAutomatic: {},
	StartManual:    {},
	StartDisabled:  {},
}
