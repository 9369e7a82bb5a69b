// Package power implements the power tweak module: switching the active
// power scheme and, optionally, the boot manager timeout.
package power

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/elevated"
	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

var log = logging.L("power")

const queryTimeout = 15 * time.Second

// State is the captured power configuration.
type State struct {
	SchemeGUID         string `json:"schemeGuid"`
	SchemeName         string `json:"schemeName,omitempty"`
	BootTimeoutSeconds *int   `json:"bootTimeoutSeconds,omitempty"`
}

// Module is the power tweak.Module. Reads run powercfg/bcdedit directly;
// writes go through the elevated helper.
type Module struct {
	runner executor.Runner
	helper elevated.Invoker
	now    func() time.Time
}

func New(runner executor.Runner, helper elevated.Invoker) *Module {
	return &Module{runner: runner, helper: helper, now: time.Now}
}

var _ tweak.Module = (*Module)(nil)

type target struct {
	guid        string
	bootTimeout *int
}

func (m *Module) target(def tweak.Definition) (target, error) {
	var scheme string
	var t target
	if def.Power != nil {
		scheme = def.Power.Scheme
		t.bootTimeout = def.Power.BootTimeoutSeconds
	}
	guid, err := ResolveScheme(scheme, def.Name)
	if err != nil {
		return t, tweak.NewValidationError(def.ID, "%s", err.Error())
	}
	t.guid = guid
	if t.bootTimeout != nil && (*t.bootTimeout < 0 || *t.bootTimeout > 60) {
		return t, tweak.NewValidationError(def.ID, "boot timeout %d out of range [0,60]", *t.bootTimeout)
	}
	return t, nil
}

// read captures the active scheme, and the boot timeout when withBoot is set.
func (m *Module) read(ctx context.Context, withBoot bool) (State, error) {
	res, err := m.runner.Run(ctx, executor.Command{Name: "powercfg.exe", Args: []string{"/getactivescheme"}, Timeout: queryTimeout})
	if err != nil {
		return State{}, err
	}
	if res.ExitCode != 0 {
		return State{}, fmt.Errorf("powercfg /getactivescheme: %s", res.FailureText())
	}
	guid, name, err := parseActiveScheme(res.Stdout)
	if err != nil {
		return State{}, err
	}
	st := State{SchemeGUID: guid, SchemeName: name}
	if !withBoot {
		return st, nil
	}

	res, err = m.runner.Run(ctx, executor.Command{Name: "bcdedit.exe", Args: []string{"/enum", "{bootmgr}"}, Timeout: queryTimeout})
	if err != nil {
		return st, err
	}
	if res.ExitCode != 0 {
		return st, fmt.Errorf("bcdedit /enum: %s", res.FailureText())
	}
	timeout, err := parseBootTimeout(res.Stdout)
	if err != nil {
		return st, err
	}
	st.BootTimeoutSeconds = &timeout
	return st, nil
}

func (m *Module) encoded(ctx context.Context, withBoot bool) string {
	st, err := m.read(ctx, withBoot)
	if err != nil {
		return tweak.ErrorState(err)
	}
	return tweak.EncodeState(st)
}

func (m *Module) Preflight(ctx context.Context, def tweak.Definition) tweak.PreflightResult {
	t, err := m.target(def)
	if err != nil {
		return tweak.PreflightResult{Reason: err.Error(), ValidationError: err.Error()}
	}
	return tweak.PreflightResult{CanApply: true, Reason: "ok", BeforeState: m.encoded(ctx, t.bootTimeout != nil)}
}

func (m *Module) Apply(ctx context.Context, def tweak.Definition) tweak.ApplicationResult {
	logger := logging.WithTweak(log, def.ID, "")
	res := tweak.ApplicationResult{AppliedAtUTC: m.now().UTC()}

	t, err := m.target(def)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	before, err := m.read(ctx, t.bootTimeout != nil)
	if err != nil {
		// Without the current scheme there is nothing to roll back to.
		res.BeforeState = tweak.ErrorState(err)
		res.Error = fmt.Sprintf("cannot read current power configuration: %v", err)
		return res
	}
	res.BeforeState = tweak.EncodeState(before)

	if before.SchemeGUID != t.guid {
		if err := m.invoke(ctx, elevated.Request{Type: elevated.TypePowercfgSetActive, GUID: t.guid}); err != nil {
			res.Error = err.Error()
			res.AfterState = m.encoded(ctx, t.bootTimeout != nil)
			return res
		}
	}
	if t.bootTimeout != nil && (before.BootTimeoutSeconds == nil || *before.BootTimeoutSeconds != *t.bootTimeout) {
		if err := m.invoke(ctx, elevated.Request{Type: elevated.TypeBcdeditTimeout, TimeoutSeconds: t.bootTimeout}); err != nil {
			res.Error = err.Error()
			res.AfterState = m.encoded(ctx, true)
			return res
		}
	}

	res.AfterState = m.encoded(ctx, t.bootTimeout != nil)
	res.DetailedDiff = tweak.Diff(res.BeforeState, res.AfterState)
	res.Success = true
	logger.Info("power configuration applied", slog.String("scheme", t.guid), slog.String("previous", before.SchemeGUID))
	return res
}

func (m *Module) invoke(ctx context.Context, req elevated.Request) error {
	resp, err := m.helper.Invoke(ctx, req)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Message)
	}
	return nil
}

func (m *Module) Verify(ctx context.Context, def tweak.Definition) tweak.VerificationResult {
	t, err := m.target(def)
	if err != nil {
		return tweak.VerificationResult{Discrepancy: err.Error()}
	}
	expected := State{SchemeGUID: t.guid, BootTimeoutSeconds: t.bootTimeout}
	res := tweak.VerificationResult{ExpectedState: tweak.EncodeState(expected)}

	cur, err := m.read(ctx, t.bootTimeout != nil)
	if err != nil {
		res.CurrentState = tweak.ErrorState(err)
		res.Discrepancy = err.Error()
		return res
	}
	res.CurrentState = tweak.EncodeState(cur)

	switch {
	case cur.SchemeGUID != t.guid:
		res.Discrepancy = fmt.Sprintf("active scheme is %s, expected %s", cur.SchemeGUID, t.guid)
	case t.bootTimeout != nil && (cur.BootTimeoutSeconds == nil || *cur.BootTimeoutSeconds != *t.bootTimeout):
		res.Discrepancy = "boot timeout differs"
	default:
		res.Verified = true
	}
	return res
}

// Rollback re-activates the scheme captured before the apply.
func (m *Module) Rollback(ctx context.Context, l tweak.ApplicationLog) tweak.RollbackResult {
	res := tweak.RollbackResult{RolledBackAtUTC: m.now().UTC()}
	var before State
	if err := tweak.DecodeState(l.BeforeState, &before); err != nil {
		res.Error = err.Error()
		return res
	}
	if before.SchemeGUID == "" {
		res.Error = "recorded power state has no scheme"
		return res
	}
	if err := m.invoke(ctx, elevated.Request{Type: elevated.TypePowercfgSetActive, GUID: before.SchemeGUID}); err != nil {
		res.Error = err.Error()
		return res
	}
	if before.BootTimeoutSeconds != nil {
		if err := m.invoke(ctx, elevated.Request{Type: elevated.TypeBcdeditTimeout, TimeoutSeconds: before.BootTimeoutSeconds}); err != nil {
			res.Error = err.Error()
			return res
		}
	}
	res.Success = true
	res.RestoredState = l.BeforeState
	logging.WithTweak(log, l.TweakID, l.CorrelationID).Info("power scheme restored", slog.String("scheme", before.SchemeGUID))
	return res
}
