package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

func svcDef(name, action string) tweak.Definition {
	return tweak.Definition{
		ID:          "svc-1",
		Name:        action + " " + name,
		CommandType: tweak.CommandService,
		AllowUndo:   true,
		Service:     &tweak.ServiceSpec{Name: name, Action: action},
	}
}

func fastModule(ctrl Controller) *Module {
	return New(ctrl, WithWaitTimeout(200*time.Millisecond), WithPollInterval(10*time.Millisecond))
}

func TestPreflightRejectsCriticalStopAndDisable(t *testing.T) {
	ctrl := NewMemoryController(Status{Name: "WinDefend", State: StateRunning, StartType: StartAutomatic})
	m := fastModule(ctrl)

	for _, name := range []string{"WinDefend", "wuauserv", "RpcSs", "EventLog", "Winmgmt", "LanmanServer", "Dnscache", "mpssvc", "CryptSvc", "Schedule", "Audiosrv"} {
		for _, action := range []string{tweak.ActionStop, tweak.ActionDisable} {
			res := m.Preflight(context.Background(), svcDef(name, action))
			require.False(t, res.CanApply, "%s %s", action, name)
			require.NotEmpty(t, res.PolicyViolation)
		}
	}
	require.Empty(t, ctrl.Calls(), "rejected actions must not reach the controller")

	res := m.Preflight(context.Background(), svcDef("WinDefend", tweak.ActionStart))
	require.True(t, res.CanApply)
}

func TestApplyOnCriticalStopFailsWithoutCalls(t *testing.T) {
	ctrl := NewMemoryController(Status{Name: "EventLog", State: StateRunning})
	m := fastModule(ctrl)

	res := m.Apply(context.Background(), svcDef("EventLog", tweak.ActionStop))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "critical")
	require.Empty(t, ctrl.Calls())
}

func TestPreflightUnknownService(t *testing.T) {
	m := fastModule(NewMemoryController())
	res := m.Preflight(context.Background(), svcDef("Nope", tweak.ActionStart))
	require.False(t, res.CanApply)
	require.Contains(t, res.ValidationError, "does not exist")
}

func TestPreflightRequiresElevation(t *testing.T) {
	ctrl := NewMemoryController(Status{Name: "Spooler", State: StateRunning})
	m := New(ctrl, WithElevationCheck(func() bool { return false }))
	res := m.Preflight(context.Background(), svcDef("Spooler", tweak.ActionStop))
	require.False(t, res.CanApply)
	require.NotEmpty(t, res.PermissionIssue)
}

func TestStopAndRollback(t *testing.T) {
	ctrl := NewMemoryController(Status{Name: "Spooler", State: StateRunning, StartType: StartAutomatic})
	m := fastModule(ctrl)
	def := svcDef("Spooler", tweak.ActionStop)

	log := tweak.NewLog(def)
	log.RecordPreflight(m.Preflight(context.Background(), def))
	log.RecordApply(m.Apply(context.Background(), def))
	require.True(t, log.Success, log.Error)
	require.Contains(t, log.DetailedDiff, "state")

	v := m.Verify(context.Background(), def)
	require.True(t, v.Verified, v.Discrepancy)

	rb := m.Rollback(context.Background(), log)
	require.True(t, rb.Success, rb.Error)
	st, err := ctrl.Query(context.Background(), "Spooler")
	require.NoError(t, err)
	require.Equal(t, StateRunning, st.State)
}

func TestStartAlreadyRunningIsNoop(t *testing.T) {
	ctrl := NewMemoryController(Status{Name: "Spooler", State: StateRunning})
	m := fastModule(ctrl)
	res := m.Apply(context.Background(), svcDef("Spooler", tweak.ActionStart))
	require.True(t, res.Success)
	require.Equal(t, "no change", res.DetailedDiff)
	require.Empty(t, ctrl.Calls())
}

func TestRestartStopsThenStarts(t *testing.T) {
	ctrl := NewMemoryController(Status{Name: "Spooler", State: StateRunning})
	m := fastModule(ctrl)
	res := m.Apply(context.Background(), svcDef("Spooler", tweak.ActionRestart))
	require.True(t, res.Success, res.Error)
	require.Equal(t, []string{"stop Spooler", "start Spooler"}, ctrl.Calls())
}

func TestWaitTimesOut(t *testing.T) {
	ctrl := NewMemoryController(Status{Name: "Spooler", State: StateStopped})
	ctrl.SetStuck("Spooler")
	m := fastModule(ctrl)

	res := m.Apply(context.Background(), svcDef("Spooler", tweak.ActionStart))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "did not reach running")

	err := m.waitFor(context.Background(), "Spooler", StateRunning)
	require.ErrorIs(t, err, tweak.ErrTimeout)
}

func TestWaitCancelled(t *testing.T) {
	ctrl := NewMemoryController(Status{Name: "Spooler", State: StateStopped})
	ctrl.SetStuck("Spooler")
	m := New(ctrl, WithWaitTimeout(time.Minute), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := m.waitFor(ctx, "Spooler", StateRunning)
	require.ErrorIs(t, err, tweak.ErrCancelled)
}

func TestEnableDisableAndRollbackStartType(t *testing.T) {
	ctrl := NewMemoryController(Status{Name: "DiagTrack", State: StateRunning, StartType: StartManual})
	m := fastModule(ctrl)
	def := svcDef("DiagTrack", tweak.ActionDisable)

	log := tweak.NewLog(def)
	log.RecordPreflight(m.Preflight(context.Background(), def))
	log.RecordApply(m.Apply(context.Background(), def))
	require.True(t, log.Success, log.Error)
	require.Equal(t, tweak.ActionDisable, log.ServiceAction)
	require.Equal(t, []string{"config DiagTrack disabled"}, ctrl.Calls())

	v := m.Verify(context.Background(), def)
	require.True(t, v.Verified)

	rb := m.Rollback(context.Background(), log)
	require.True(t, rb.Success, rb.Error)
	st, _ := ctrl.Query(context.Background(), "DiagTrack")
	require.Equal(t, StartManual, st.StartType)
}

func TestRollbackIgnoresLiveState(t *testing.T) {
	ctrl := NewMemoryController(Status{Name: "Spooler", State: StateStopped, StartType: StartManual})
	m := fastModule(ctrl)
	def := svcDef("Spooler", tweak.ActionStart)

	log := tweak.NewLog(def)
	log.RecordPreflight(m.Preflight(context.Background(), def))
	log.RecordApply(m.Apply(context.Background(), def))
	require.True(t, log.Success)

	// Another actor flips the start type in between.
	ctrl.Set(Status{Name: "Spooler", State: StateRunning, StartType: StartAutomatic})

	rb := m.Rollback(context.Background(), log)
	require.True(t, rb.Success, rb.Error)
	st, _ := ctrl.Query(context.Background(), "Spooler")
	require.Equal(t, StateStopped, st.State)
	require.Equal(t, StartManual, st.StartType)
}
