// Package securityhealth is a read-only tweak module that reports Defender
// and firewall posture. It never changes anything.
package securityhealth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
	"github.com/breeze-rmm/tweakagent/internal/tweak/service"
)

var log = logging.L("securityhealth")

var (
	disablingWords = map[string]bool{
		"disable": true, "disabled": true, "disabling": true, "off": true, "stop": true,
		"remove": true, "uninstall": true, "bypass": true, "kill": true, "turnoff": true,
	}
	protectedTerms = []string{"defender", "firewall", "antivirus", "real-time", "realtime", "tamper", "windefend", "mpssvc"}
)

// impliesDisabling reports whether a tweak name reads as switching off a
// security control.
func impliesDisabling(name string) bool {
	lower := strings.ToLower(name)
	verb := false
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if disablingWords[w] {
			verb = true
			break
		}
	}
	if !verb {
		return false
	}
	for _, t := range protectedTerms {
		if strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

// Module is the security health tweak.Module.
type Module struct {
	inspector Inspector
	now       func() time.Time
}

func New(inspector Inspector) *Module {
	return &Module{inspector: inspector, now: time.Now}
}

var _ tweak.Module = (*Module)(nil)

func (m *Module) Preflight(ctx context.Context, def tweak.Definition) tweak.PreflightResult {
	if impliesDisabling(def.Name) {
		msg := fmt.Sprintf("tweak %q would disable a security control; security health tweaks are read-only", def.Name)
		return tweak.PreflightResult{Reason: msg, PolicyViolation: msg}
	}
	return tweak.PreflightResult{CanApply: true, Reason: "read-only", BeforeState: tweak.EncodeState(m.inspector.Posture(ctx))}
}

// Apply reports the current posture. Nothing is mutated, so before and after
// are the same snapshot.
func (m *Module) Apply(ctx context.Context, def tweak.Definition) tweak.ApplicationResult {
	res := tweak.ApplicationResult{AppliedAtUTC: m.now().UTC()}
	if impliesDisabling(def.Name) {
		res.Error = fmt.Sprintf("tweak %q would disable a security control", def.Name)
		return res
	}
	p := m.inspector.Posture(ctx)
	res.BeforeState = tweak.EncodeState(p)
	res.AfterState = res.BeforeState
	res.DetailedDiff = tweak.Diff(res.BeforeState, res.AfterState)
	res.Success = true
	logging.WithTweak(log, def.ID, "").Info("security posture reported",
		slog.Int("services", len(p.Services)),
		slog.Int("readErrors", len(p.Errors)))
	return res
}

// Verify passes when both services run and firewall and real-time
// protection are on.
func (m *Module) Verify(ctx context.Context, def tweak.Definition) tweak.VerificationResult {
	p := m.inspector.Posture(ctx)
	res := tweak.VerificationResult{
		CurrentState:  tweak.EncodeState(p),
		ExpectedState: "WinDefend and mpssvc running; firewall enabled; real-time protection enabled",
	}

	var problems []string
	for _, s := range p.Services {
		if s.State != service.StateRunning {
			problems = append(problems, fmt.Sprintf("%s is %s", s.Name, s.State))
		}
	}
	switch {
	case p.FirewallEnabled == nil:
		problems = append(problems, "firewall state unknown")
	case !*p.FirewallEnabled:
		problems = append(problems, "firewall disabled")
	}
	switch {
	case p.RealTimeProtection == nil:
		problems = append(problems, "real-time protection state unknown")
	case !*p.RealTimeProtection:
		problems = append(problems, "real-time protection disabled")
	}

	res.Verified = len(problems) == 0
	res.Discrepancy = strings.Join(problems, "; ")
	return res
}

// Rollback is a no-op: nothing was changed, so the original snapshot is
// returned as the restored state.
func (m *Module) Rollback(_ context.Context, l tweak.ApplicationLog) tweak.RollbackResult {
	return tweak.RollbackResult{
		Success:         true,
		RestoredState:   l.BeforeState,
		RolledBackAtUTC: m.now().UTC(),
	}
}
