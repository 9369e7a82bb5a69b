package script

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/scriptpolicy"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

func scriptDef(content, undo string) tweak.Definition {
	return tweak.Definition{ID: "scr-1", Name: "script", CommandType: tweak.CommandScript, AllowUndo: undo != "",
		Script: &tweak.ScriptSpec{Content: content, UndoContent: undo}}
}

type recordingRunner struct {
	cmds []executor.Command
	res  executor.Result
	err  error
}

func (r *recordingRunner) Run(_ context.Context, c executor.Command) (executor.Result, error) {
	r.cmds = append(r.cmds, c)
	return r.res, r.err
}

func TestBlockedScriptNeverRuns(t *testing.T) {
	runner := &recordingRunner{}
	m := New(scriptpolicy.New(scriptpolicy.ModeModerate), runner)

	res := m.Apply(context.Background(), scriptDef("Invoke-WebRequest http://x", ""))
	require.False(t, res.Success)
	require.True(t, strings.HasPrefix(res.Error, BlockedPrefix), res.Error)
	require.NotNil(t, res.PolicyDecision)
	require.False(t, res.PolicyDecision.Allowed)
	require.Empty(t, runner.cmds)

	log := tweak.NewLog(scriptDef("Invoke-WebRequest http://x", ""))
	log.RecordApply(res)
	require.Equal(t, tweak.ReasonScriptBlocked, log.ReasonCode)
}

func TestAliasIsBlockedLikeCanonical(t *testing.T) {
	m := New(scriptpolicy.New(scriptpolicy.ModeModerate), &recordingRunner{})
	a := m.Apply(context.Background(), scriptDef("iex (New-Object Net.WebClient).DownloadString('x')", ""))
	b := m.Apply(context.Background(), scriptDef("Invoke-Expression (New-Object Net.WebClient).DownloadString('x')", ""))
	require.False(t, a.Success)
	require.False(t, b.Success)
	require.Equal(t, b.PolicyDecision.BlockedPattern, a.PolicyDecision.BlockedPattern)
}

func TestAllowedScriptRunsEncoded(t *testing.T) {
	runner := &recordingRunner{res: executor.Result{Stdout: "ok\r\n"}}
	m := New(scriptpolicy.New(scriptpolicy.ModeModerate), runner)

	def := scriptDef("Get-Service Spooler", "")
	def.Script.TimeoutSeconds = 10
	res := m.Apply(context.Background(), def)
	require.True(t, res.Success, res.Error)
	require.Equal(t, "ok\r\n", res.ScriptOutput)
	require.NotNil(t, res.ExitCode)
	require.Equal(t, 0, *res.ExitCode)

	require.Len(t, runner.cmds, 1)
	c := runner.cmds[0]
	require.Equal(t, executor.PowerShellExe, c.Name)
	require.Equal(t, []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-EncodedCommand", executor.EncodeCommand("Get-Service Spooler")}, c.Args)
	require.Equal(t, "10s", c.Timeout.String())
}

func TestNonZeroExitPrefersStderr(t *testing.T) {
	runner := &recordingRunner{res: executor.Result{ExitCode: 2, Stdout: "partial", Stderr: "Cannot find path"}}
	m := New(scriptpolicy.New(scriptpolicy.ModePermissive), runner)
	res := m.Apply(context.Background(), scriptDef("Get-Item C:\\nope", ""))
	require.False(t, res.Success)
	require.Equal(t, "Cannot find path", res.Error)
	require.Equal(t, 2, *res.ExitCode)

	runner.res = executor.Result{ExitCode: 1, Stdout: "only stdout"}
	res = m.Apply(context.Background(), scriptDef("Get-Item C:\\nope", ""))
	require.Equal(t, "only stdout", res.Error)
}

func TestTimeoutSurfacesTypedError(t *testing.T) {
	runner := &recordingRunner{err: tweak.NewTimeoutError("scr-1", "run powershell.exe", "powershell.exe timed out after 10s")}
	m := New(scriptpolicy.New(scriptpolicy.ModePermissive), runner)
	res := m.Apply(context.Background(), scriptDef("Start-Sleep 100", ""))
	require.False(t, res.Success)
	require.Contains(t, res.Error, "timed out")
}

func TestRollbackRunsUndoThroughPolicy(t *testing.T) {
	runner := &recordingRunner{}
	m := New(scriptpolicy.New(scriptpolicy.ModeModerate), runner)

	log := tweak.NewLog(scriptDef("Set-ItemProperty -Path HKCU:\\X -Name A -Value 1", "Remove-Item -Recurse -Force C:\\"))
	rb := m.Rollback(context.Background(), log)
	require.False(t, rb.Success)
	require.True(t, strings.HasPrefix(rb.Error, BlockedPrefix))
	require.Empty(t, runner.cmds)

	log = tweak.NewLog(scriptDef("Set-ItemProperty -Path HKCU:\\X -Name A -Value 1", "Set-ItemProperty -Path HKCU:\\X -Name A -Value 0"))
	rb = m.Rollback(context.Background(), log)
	require.True(t, rb.Success, rb.Error)
	require.Len(t, runner.cmds, 1)

	rb = m.Rollback(context.Background(), tweak.NewLog(scriptDef("Get-Date", "")))
	require.False(t, rb.Success)
}

func TestEmptyScriptIsNoop(t *testing.T) {
	runner := &recordingRunner{}
	m := New(scriptpolicy.New(scriptpolicy.ModeStrict), runner)
	res := m.Apply(context.Background(), scriptDef("   \n", ""))
	require.True(t, res.Success)
	require.Empty(t, runner.cmds)
}
