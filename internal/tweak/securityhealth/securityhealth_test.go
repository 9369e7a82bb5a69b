package securityhealth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
	"github.com/breeze-rmm/tweakagent/internal/tweak/service"
)

func TestImpliesDisabling(t *testing.T) {
	for name, want := range map[string]bool{
		"Disable Windows Defender":          true,
		"Turn off firewall":                 true,
		"Stop WinDefend":                    true,
		"Disable real-time protection":      true,
		"Check Defender status":             false,
		"Report firewall posture":           false,
		"Desktop firewall report":           false,
		"Disable Cortana":                   false,
		"Security health: firewall enabled": false,
	} {
		require.Equal(t, want, impliesDisabling(name), name)
	}
}

type stubInspector struct{ p Posture }

func (s stubInspector) Posture(context.Context) Posture { return s.p }

func boolPtr(b bool) *bool { return &b }

func healthy() Posture {
	return Posture{
		Services: []service.Status{
			{Name: ServiceDefender, State: service.StateRunning},
			{Name: ServiceFirewall, State: service.StateRunning},
		},
		FirewallEnabled:    boolPtr(true),
		RealTimeProtection: boolPtr(true),
	}
}

func def(name string) tweak.Definition {
	return tweak.Definition{ID: "sec-1", Name: name, CommandType: tweak.CommandSecurityHealth}
}

func TestPreflightRejectsDisabling(t *testing.T) {
	m := New(stubInspector{healthy()})
	res := m.Preflight(context.Background(), def("Disable Windows Defender"))
	require.False(t, res.CanApply)
	require.NotEmpty(t, res.PolicyViolation)
}

func TestApplyIsReadOnly(t *testing.T) {
	m := New(stubInspector{healthy()})
	res := m.Apply(context.Background(), def("Security posture"))
	require.True(t, res.Success)
	require.Equal(t, res.BeforeState, res.AfterState)
	require.Equal(t, "no change", res.DetailedDiff)

	v := m.Verify(context.Background(), def("Security posture"))
	require.True(t, v.Verified, v.Discrepancy)
}

func TestVerifyReportsProblems(t *testing.T) {
	p := healthy()
	p.Services[0].State = service.StateStopped
	p.FirewallEnabled = boolPtr(false)
	p.RealTimeProtection = nil

	v := New(stubInspector{p}).Verify(context.Background(), def("Security posture"))
	require.False(t, v.Verified)
	require.Contains(t, v.Discrepancy, "WinDefend is stopped")
	require.Contains(t, v.Discrepancy, "firewall disabled")
	require.Contains(t, v.Discrepancy, "real-time protection state unknown")
}

func TestRollbackReturnsOriginalSnapshot(t *testing.T) {
	m := New(stubInspector{healthy()})
	log := tweak.NewLog(def("Security posture"))
	log.BeforeState = `{"services":[]}`
	rb := m.Rollback(context.Background(), log)
	require.True(t, rb.Success)
	require.Equal(t, `{"services":[]}`, rb.RestoredState)
}

func TestSystemInspector(t *testing.T) {
	ctrl := service.NewMemoryController(
		service.Status{Name: ServiceDefender, State: service.StateRunning, StartType: service.StartAutomatic},
	)
	runner := executor.RunnerFunc(func(_ context.Context, c executor.Command) (executor.Result, error) {
		script := decodeScript(t, c)
		switch {
		case strings.Contains(script, "Get-NetFirewallProfile"):
			return executor.Result{Stdout: "False\r\nTrue\r\nTrue\r\n"}, nil
		case strings.Contains(script, "Get-MpComputerStatus"):
			return executor.Result{Stdout: "True\r\n"}, nil
		case strings.Contains(script, "SecurityCenter2"):
			return executor.Result{Stdout: `{"displayName":"Windows Defender","productState":397568}`}, nil
		}
		return executor.Result{ExitCode: 1, Stderr: "unexpected"}, nil
	})

	p := NewInspector(ctrl, runner).Posture(context.Background())
	require.Len(t, p.Services, 2)
	require.Equal(t, service.StateUnknown, p.Services[1].State)
	require.Contains(t, p.Errors, ServiceFirewall)
	require.True(t, *p.FirewallEnabled)
	require.True(t, *p.RealTimeProtection)
	require.Len(t, p.AVProducts, 1)
	require.Equal(t, "windows_defender", p.AVProducts[0].Provider)
	require.True(t, p.AVProducts[0].RealTimeProtection)
	require.True(t, p.AVProducts[0].DefinitionsUpToDate)
}

// decodeScript recovers the script from an -EncodedCommand invocation.
func decodeScript(t *testing.T, c executor.Command) string {
	t.Helper()
	require.Equal(t, executor.PowerShellExe, c.Name)
	encoded := c.Args[len(c.Args)-1]
	for _, candidate := range []string{
		"Get-NetFirewallProfile | Select-Object -ExpandProperty Enabled",
		"(Get-MpComputerStatus).RealTimeProtectionEnabled",
		wscQuery,
	} {
		if executor.EncodeCommand(candidate) == encoded {
			return candidate
		}
	}
	return ""
}
