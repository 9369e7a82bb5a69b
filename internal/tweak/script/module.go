// Package script runs PowerShell tweaks after the script policy allows them.
package script

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/scriptpolicy"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

var log = logging.L("script")

const (
	// DefaultTimeout applies when the definition sets none.
	DefaultTimeout = 5 * time.Minute

	// maxLoggedOutput caps stdout copied into the application log.
	maxLoggedOutput = 64 * 1024

	// BlockedPrefix starts the error of every policy-denied script.
	BlockedPrefix = "Script blocked by policy: "
)

// Module is the script tweak.Module. Scripts have no readable state, so the
// dispatcher calls Apply directly instead of the preflight/verify triad.
type Module struct {
	policy  *scriptpolicy.Evaluator
	runner  executor.Runner
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Module)

// WithDefaultTimeout overrides DefaultTimeout.
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Module) {
		if d > 0 {
			m.timeout = d
		}
	}
}

func New(policy *scriptpolicy.Evaluator, runner executor.Runner, opts ...Option) *Module {
	m := &Module{policy: policy, runner: runner, timeout: DefaultTimeout, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ tweak.Module = (*Module)(nil)

// Preflight reports the policy decision without running anything.
func (m *Module) Preflight(_ context.Context, def tweak.Definition) tweak.PreflightResult {
	if def.Script == nil {
		return tweak.PreflightResult{Reason: "no script section", ValidationError: fmt.Sprintf("script tweak %s has no script section", def.ID)}
	}
	d := m.policy.Evaluate(def.Script.Content)
	if !d.Allowed {
		return tweak.PreflightResult{Reason: d.Decision, PolicyViolation: BlockedPrefix + d.Decision}
	}
	return tweak.PreflightResult{CanApply: true, Reason: d.Decision}
}

// Apply evaluates the policy and, when allowed, runs the content.
func (m *Module) Apply(ctx context.Context, def tweak.Definition) tweak.ApplicationResult {
	if def.Script == nil {
		return tweak.ApplicationResult{
			AppliedAtUTC: m.now().UTC(),
			Error:        tweak.NewValidationError(def.ID, "script tweak %s has no script section", def.ID).Error(),
		}
	}
	return m.execute(ctx, def.ID, def.Script.Content, def.Script.TimeoutSeconds)
}

func (m *Module) execute(ctx context.Context, tweakID, content string, timeoutSeconds int) tweak.ApplicationResult {
	logger := logging.WithTweak(log, tweakID, "")
	res := tweak.ApplicationResult{AppliedAtUTC: m.now().UTC()}

	decision := m.policy.Evaluate(content)
	res.PolicyDecision = &decision
	if !decision.Allowed {
		res.Error = BlockedPrefix + decision.Decision
		logger.Warn("script blocked by policy",
			slog.String("mode", string(decision.PolicyMode)),
			slog.String("pattern", decision.BlockedPattern))
		return res
	}
	if decision.ReasonCode == scriptpolicy.ReasonEmptyScript {
		res.Success = true
		res.DetailedDiff = "no change"
		return res
	}

	timeout := m.timeout
	if timeoutSeconds > 0 {
		timeout = time.Duration(timeoutSeconds) * time.Second
	}

	out, err := m.runner.Run(ctx, executor.PowerShell(content, timeout, tweakID))
	if err != nil {
		res.Error = err.Error()
		logger.Warn("script execution failed", slog.String("error", err.Error()))
		return res
	}

	code := out.ExitCode
	res.ExitCode = &code
	res.ScriptOutput = truncate(out.Stdout, maxLoggedOutput)
	res.DetailedDiff = fmt.Sprintf("script exited with code %d", code)
	if code != 0 {
		res.Error = out.FailureText()
		logger.Warn("script exited non-zero", slog.Int("exitCode", code))
		return res
	}
	res.Success = true
	logger.Info("script completed", slog.Int64(logging.KeyDurationMs, out.Duration.Milliseconds()))
	return res
}

// Verify cannot re-read a script's effect; it reports that plainly.
func (m *Module) Verify(_ context.Context, def tweak.Definition) tweak.VerificationResult {
	return tweak.VerificationResult{
		ExpectedState: "exit code 0",
		Discrepancy:   "script effects cannot be independently verified",
	}
}

// Rollback runs undoContent through the same policy and execution path.
func (m *Module) Rollback(ctx context.Context, l tweak.ApplicationLog) tweak.RollbackResult {
	res := tweak.RollbackResult{RolledBackAtUTC: m.now().UTC()}
	spec := l.Definition.Script
	if spec == nil || spec.UndoContent == "" {
		res.Error = "script tweak has no undo content"
		return res
	}
	out := m.execute(ctx, l.TweakID, spec.UndoContent, spec.TimeoutSeconds)
	if !out.Success {
		res.Error = out.Error
		return res
	}
	res.Success = true
	res.RestoredState = out.ScriptOutput
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[output truncated]"
}
