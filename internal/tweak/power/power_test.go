package power

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/tweakagent/internal/elevated"
	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

// fakeHost simulates powercfg and bcdedit plus the elevated helper that
// changes them.
type fakeHost struct {
	scheme      string
	bootTimeout int
	requests    []elevated.Request
}

func (h *fakeHost) runner() executor.Runner {
	return executor.RunnerFunc(func(_ context.Context, c executor.Command) (executor.Result, error) {
		switch c.Name {
		case "powercfg.exe":
			return executor.Result{Stdout: fmt.Sprintf("Power Scheme GUID: %s  (Some Plan)\r\n", h.scheme)}, nil
		case "bcdedit.exe":
			return executor.Result{Stdout: fmt.Sprintf("Windows Boot Manager\r\n--------------------\r\nidentifier              {bootmgr}\r\ntimeout                 %d\r\n", h.bootTimeout)}, nil
		default:
			return executor.Result{ExitCode: 1, Stderr: "unexpected " + c.Name}, nil
		}
	})
}

func (h *fakeHost) Invoke(_ context.Context, req elevated.Request) (elevated.Response, error) {
	h.requests = append(h.requests, req)
	switch req.Type {
	case elevated.TypePowercfgSetActive:
		h.scheme = req.GUID
	case elevated.TypeBcdeditTimeout:
		h.bootTimeout = *req.TimeoutSeconds
	}
	return elevated.Response{OK: true}, nil
}

func TestResolveScheme(t *testing.T) {
	tests := []struct {
		scheme, name, want string
	}{
		{"", "Enable High Performance power plan", GUIDHighPerformance},
		{"", "Switch to Power Saver on laptops", GUIDPowerSaver},
		{"", "Restore balanced plan", GUIDBalanced},
		{"", "Ultimate Performance for workstations", GUIDUltimatePerformance},
		{"HighPerformance", "anything", GUIDHighPerformance},
		{"power saver", "anything", GUIDPowerSaver},
		{"381B4222-F694-41F0-9685-FF5BB260DF2E", "anything", GUIDBalanced},
	}
	for _, tt := range tests {
		got, err := ResolveScheme(tt.scheme, tt.name)
		require.NoError(t, err, tt.name)
		require.Equal(t, tt.want, got, tt.name)
	}

	_, err := ResolveScheme("", "Tune the display")
	require.Error(t, err)
	_, err = ResolveScheme("{381b4222-f694-41f0-9685-ff5bb260df2e}", "")
	require.Error(t, err)
}

func TestParseActiveScheme(t *testing.T) {
	guid, name, err := parseActiveScheme("Power Scheme GUID: 8C5E7FDA-E8BF-4A96-9A85-A6E23A8C635C  (High performance)")
	require.NoError(t, err)
	require.Equal(t, GUIDHighPerformance, guid)
	require.Equal(t, "High performance", name)

	_, _, err = parseActiveScheme("Access is denied.")
	require.Error(t, err)
}

func TestApplyVerifyRollback(t *testing.T) {
	host := &fakeHost{scheme: GUIDBalanced}
	m := New(host.runner(), host)
	def := tweak.Definition{ID: "pwr-1", Name: "High Performance", CommandType: tweak.CommandPower, AllowUndo: true}

	log := tweak.NewLog(def)
	log.RecordPreflight(m.Preflight(context.Background(), def))
	log.RecordApply(m.Apply(context.Background(), def))
	require.True(t, log.Success, log.Error)
	require.Equal(t, GUIDHighPerformance, host.scheme)
	require.Contains(t, log.DetailedDiff, "schemeGuid")

	v := m.Verify(context.Background(), def)
	require.True(t, v.Verified, v.Discrepancy)

	// Another actor switches the plan again; rollback still returns to the
	// scheme captured before the apply.
	host.scheme = GUIDPowerSaver
	rb := m.Rollback(context.Background(), log)
	require.True(t, rb.Success, rb.Error)
	require.Equal(t, GUIDBalanced, host.scheme)
}

func TestApplySameSchemeIsNoop(t *testing.T) {
	host := &fakeHost{scheme: GUIDBalanced}
	m := New(host.runner(), host)
	res := m.Apply(context.Background(), tweak.Definition{ID: "p", Name: "Balanced", CommandType: tweak.CommandPower})
	require.True(t, res.Success)
	require.Empty(t, host.requests)
	require.Equal(t, "no change", res.DetailedDiff)
}

func TestBootTimeout(t *testing.T) {
	host := &fakeHost{scheme: GUIDBalanced, bootTimeout: 30}
	m := New(host.runner(), host)
	five := 5
	def := tweak.Definition{ID: "p", Name: "Fast boot menu", CommandType: tweak.CommandPower,
		Power: &tweak.PowerSpec{Scheme: "Balanced", BootTimeoutSeconds: &five}}

	log := tweak.NewLog(def)
	log.RecordApply(m.Apply(context.Background(), def))
	require.True(t, log.Success, log.Error)
	require.Equal(t, 5, host.bootTimeout)
	require.Len(t, host.requests, 1)
	require.Equal(t, elevated.TypeBcdeditTimeout, host.requests[0].Type)

	rb := m.Rollback(context.Background(), log)
	require.True(t, rb.Success, rb.Error)
	require.Equal(t, 30, host.bootTimeout)
}

func TestApplyFailsWhenSchemeUnreadable(t *testing.T) {
	runner := executor.RunnerFunc(func(context.Context, executor.Command) (executor.Result, error) {
		return executor.Result{ExitCode: 1, Stderr: "powercfg is not recognized"}, nil
	})
	host := &fakeHost{}
	m := New(runner, host)
	res := m.Apply(context.Background(), tweak.Definition{ID: "p", Name: "High Performance", CommandType: tweak.CommandPower})
	require.False(t, res.Success)
	require.True(t, strings.Contains(res.Error, "powercfg is not recognized"))
	require.True(t, tweak.IsErrorState(res.BeforeState))
	require.Empty(t, host.requests)
}
