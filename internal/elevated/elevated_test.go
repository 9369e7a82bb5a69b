package elevated

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
	"github.com/breeze-rmm/tweakagent/internal/tweak/registry"
	"github.com/breeze-rmm/tweakagent/internal/tweak/service"
)

func intPtr(n int) *int { return &n }

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		ok   bool
	}{
		{"flushdns", Request{Type: TypeFlushDNS}, true},
		{"winsock", Request{Type: TypeWinsockReset}, true},
		{"tcp", Request{Type: TypeTCPAutotuneNormal}, true},
		{"powercfg ok", Request{Type: TypePowercfgSetActive, GUID: "381b4222-f694-41f0-9685-ff5bb260df2e"}, true},
		{"powercfg braces", Request{Type: TypePowercfgSetActive, GUID: "{381b4222-f694-41f0-9685-ff5bb260df2e}"}, false},
		{"powercfg junk", Request{Type: TypePowercfgSetActive, GUID: "381b4222 & calc.exe"}, false},
		{"bcdedit ok", Request{Type: TypeBcdeditTimeout, TimeoutSeconds: intPtr(10)}, true},
		{"bcdedit zero", Request{Type: TypeBcdeditTimeout, TimeoutSeconds: intPtr(0)}, true},
		{"bcdedit high", Request{Type: TypeBcdeditTimeout, TimeoutSeconds: intPtr(61)}, false},
		{"bcdedit negative", Request{Type: TypeBcdeditTimeout, TimeoutSeconds: intPtr(-1)}, false},
		{"bcdedit missing", Request{Type: TypeBcdeditTimeout}, false},
		{"netsh ok", Request{Type: TypeNetshSetDNS, Netsh: &NetshRequest{InterfaceName: "Ethernet 2", DNS: []string{"1.1.1.1", "8.8.8.8"}}}, true},
		{"netsh injection", Request{Type: TypeNetshSetDNS, Netsh: &NetshRequest{InterfaceName: "Ethernet; rm -rf /", DNS: []string{"1.1.1.1"}}}, false},
		{"netsh bad ip", Request{Type: TypeNetshSetDNS, Netsh: &NetshRequest{InterfaceName: "Wi-Fi", DNS: []string{"256.1.1.1"}}}, false},
		{"netsh no dns", Request{Type: TypeNetshSetDNS, Netsh: &NetshRequest{InterfaceName: "Wi-Fi"}}, false},
		{"netsh missing", Request{Type: TypeNetshSetDNS}, false},
		{"registry ok", Request{Type: TypeRegistrySet, Registry: &tweak.RegistrySpec{Path: `HKLM\SOFTWARE\Contoso`, Name: "x", ValueType: "DWord", Data: "1"}}, true},
		{"registry protected", Request{Type: TypeRegistrySet, Registry: &tweak.RegistrySpec{Path: `HKLM\SYSTEM\CurrentControlSet\Services\EventLog`, Name: "Start", ValueType: "DWord", Data: "4"}}, false},
		{"registry bad data", Request{Type: TypeRegistrySet, Registry: &tweak.RegistrySpec{Path: `HKLM\SOFTWARE\Contoso`, Name: "x", ValueType: "DWord", Data: "abc"}}, false},
		{"service ok", Request{Type: TypeServiceAction, Service: &tweak.ServiceSpec{Name: "Spooler", Action: "Restart"}}, true},
		{"service critical", Request{Type: TypeServiceAction, Service: &tweak.ServiceSpec{Name: "WinDefend", Action: "Stop"}}, false},
		{"service bad action", Request{Type: TypeServiceAction, Service: &tweak.ServiceSpec{Name: "Spooler", Action: "Delete"}}, false},
		{"unknown type", Request{Type: "format"}, false},
		{"empty type", Request{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.req)
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

type recordingExecutor struct {
	calls []Request
	err   error
}

func (r *recordingExecutor) Execute(_ context.Context, req Request) (string, error) {
	r.calls = append(r.calls, req)
	if r.err != nil {
		return "", r.err
	}
	return "done", nil
}

func writePayload(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func decodeLine(t *testing.T, out string) Response {
	t.Helper()
	require.True(t, strings.HasSuffix(out, "\n"))
	require.Equal(t, 1, strings.Count(out, "\n"), "exactly one line")
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	return resp
}

func TestRunSuccess(t *testing.T) {
	exec := &recordingExecutor{}
	var out bytes.Buffer
	code := Run(context.Background(), writePayload(t, `{"type":"flushdns"}`), &out, exec)
	require.Equal(t, 0, code)
	resp := decodeLine(t, out.String())
	require.True(t, resp.OK)
	require.Len(t, exec.calls, 1)
}

func TestRunRejectsBeforeExecuting(t *testing.T) {
	for name, body := range map[string]string{
		"unknown type":  `{"type":"shutdown"}`,
		"bad guid":      `{"type":"powercfgsetactive","guid":"not-a-guid"}`,
		"unknown field": `{"type":"flushdns","command":"calc.exe"}`,
		"not json":      `flushdns`,
		"two objects":   `{"type":"flushdns"}{"type":"flushdns"}`,
	} {
		t.Run(name, func(t *testing.T) {
			exec := &recordingExecutor{}
			var out bytes.Buffer
			code := Run(context.Background(), writePayload(t, body), &out, exec)
			require.Equal(t, 1, code)
			resp := decodeLine(t, out.String())
			require.False(t, resp.OK)
			require.NotEmpty(t, resp.Message)
			require.Empty(t, exec.calls)
		})
	}
}

func TestRunMissingPayload(t *testing.T) {
	var out bytes.Buffer
	code := Run(context.Background(), filepath.Join(t.TempDir(), "missing.json"), &out, &recordingExecutor{})
	require.Equal(t, 1, code)
	require.False(t, decodeLine(t, out.String()).OK)
}

func TestRunExecutorFailure(t *testing.T) {
	var out bytes.Buffer
	code := Run(context.Background(), writePayload(t, `{"type":"winsockreset"}`), &out, &recordingExecutor{err: errors.New("netsh.exe failed: access denied")})
	require.Equal(t, 1, code)
	resp := decodeLine(t, out.String())
	require.Equal(t, "netsh.exe failed: access denied", resp.Message)
}

type panicExecutor struct{}

func (panicExecutor) Execute(context.Context, Request) (string, error) { panic("boom") }

func TestRunRecoversPanic(t *testing.T) {
	var out bytes.Buffer
	code := Run(context.Background(), writePayload(t, `{"type":"flushdns"}`), &out, panicExecutor{})
	require.Equal(t, 1, code)
	require.Contains(t, decodeLine(t, out.String()).Message, "panic")
}

func TestHandlerCommands(t *testing.T) {
	var got []executor.Command
	runner := executor.RunnerFunc(func(_ context.Context, c executor.Command) (executor.Result, error) {
		got = append(got, c)
		return executor.Result{}, nil
	})
	h := &Handler{Runner: runner}

	_, err := h.Execute(context.Background(), Request{Type: TypePowercfgSetActive, GUID: "8c5e7fda-e8bf-4a96-9a85-a6e23a8c635c"})
	require.NoError(t, err)
	_, err = h.Execute(context.Background(), Request{Type: TypeNetshSetDNS, Netsh: &NetshRequest{InterfaceName: "Ethernet 2", DNS: []string{"1.1.1.1", "9.9.9.9"}}})
	require.NoError(t, err)

	require.Len(t, got, 3)
	require.Equal(t, "powercfg.exe", got[0].Name)
	require.Equal(t, []string{"/setactive", "8c5e7fda-e8bf-4a96-9a85-a6e23a8c635c"}, got[0].Args)
	require.Contains(t, got[1].Args, "name=Ethernet 2")
	require.Contains(t, got[1].Args, "address=1.1.1.1")
	require.Contains(t, got[2].Args, "index=2")
}

func TestHandlerNonZeroExit(t *testing.T) {
	runner := executor.RunnerFunc(func(context.Context, executor.Command) (executor.Result, error) {
		return executor.Result{ExitCode: 1, Stderr: "The requested operation requires elevation."}, nil
	})
	h := &Handler{Runner: runner}
	_, err := h.Execute(context.Background(), Request{Type: TypeFlushDNS})
	require.ErrorContains(t, err, "requires elevation")
}

func TestHandlerSetDNSReportsPartialApply(t *testing.T) {
	calls := 0
	runner := executor.RunnerFunc(func(_ context.Context, c executor.Command) (executor.Result, error) {
		calls++
		if calls == 3 {
			return executor.Result{ExitCode: 1, Stderr: "The parameter is incorrect."}, nil
		}
		return executor.Result{}, nil
	})
	h := &Handler{Runner: runner}

	_, err := h.Execute(context.Background(), Request{Type: TypeNetshSetDNS, Netsh: &NetshRequest{
		InterfaceName: "Ethernet 2",
		DNS:           []string{"1.1.1.1", "9.9.9.9", "8.8.8.8"},
	}})
	var partial *PartialDNSError
	require.ErrorAs(t, err, &partial)
	require.Equal(t, []string{"1.1.1.1", "9.9.9.9"}, partial.Applied)
	require.Equal(t, "8.8.8.8", partial.Failed)
	require.ErrorContains(t, err, "partially applied")
	require.ErrorContains(t, err, "The parameter is incorrect.")
	require.Equal(t, 3, calls)
}

func TestHandlerSetDNSPrimaryFailureIsNotPartial(t *testing.T) {
	runner := executor.RunnerFunc(func(context.Context, executor.Command) (executor.Result, error) {
		return executor.Result{ExitCode: 1, Stderr: "Element not found."}, nil
	})
	h := &Handler{Runner: runner}

	_, err := h.Execute(context.Background(), Request{Type: TypeNetshSetDNS, Netsh: &NetshRequest{
		InterfaceName: "Ethernet 2",
		DNS:           []string{"1.1.1.1", "9.9.9.9"},
	}})
	require.Error(t, err)
	var partial *PartialDNSError
	require.False(t, errors.As(err, &partial))
}

func TestHandlerRegistryAndService(t *testing.T) {
	store := registry.NewMemoryStore()
	ctrl := service.NewMemoryController(service.Status{Name: "Spooler", State: service.StateStopped})
	h := &Handler{Registry: store, Services: ctrl, ServiceWait: time.Second}

	_, err := h.Execute(context.Background(), Request{Type: TypeRegistrySet, Registry: &tweak.RegistrySpec{Path: `HKLM\SOFTWARE\Contoso`, Name: "Level", ValueType: "DWord", Data: "3"}})
	require.NoError(t, err)
	key, _ := registry.ParsePath(`HKLM\SOFTWARE\Contoso`)
	v, err := store.Read(key, "Level")
	require.NoError(t, err)
	require.EqualValues(t, 3, v.Integer)

	_, err = h.Execute(context.Background(), Request{Type: TypeServiceAction, Service: &tweak.ServiceSpec{Name: "Spooler", Action: "Start"}})
	require.NoError(t, err)
	st, _ := ctrl.Query(context.Background(), "Spooler")
	require.Equal(t, service.StateRunning, st.State)
}

// inProcessRunner runs the helper entry point in-process, standing in for
// the child process the Client would start.
func inProcessRunner(exec Executor) executor.Runner {
	return executor.RunnerFunc(func(ctx context.Context, c executor.Command) (executor.Result, error) {
		if len(c.Args) != 3 || c.Args[0] != "--elevated" || c.Args[1] != "--payload" {
			return executor.Result{}, errors.New("unexpected arguments")
		}
		var out bytes.Buffer
		code := Run(ctx, c.Args[2], &out, exec)
		return executor.Result{ExitCode: code, Stdout: out.String()}, nil
	})
}

func TestClientRoundTrip(t *testing.T) {
	exec := &recordingExecutor{}
	dir := t.TempDir()
	c := NewClient("tweak-agent.exe", inProcessRunner(exec), WithTempDir(dir))

	resp, err := c.Invoke(context.Background(), Request{Type: TypeBcdeditTimeout, TimeoutSeconds: intPtr(5)})
	require.NoError(t, err)
	require.True(t, resp.OK)
	require.Len(t, exec.calls, 1)
	require.Equal(t, 5, *exec.calls[0].TimeoutSeconds)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries, "payload file must be removed")
}

func TestClientReportsHelperFailure(t *testing.T) {
	c := NewClient("tweak-agent.exe", inProcessRunner(&recordingExecutor{err: errors.New("ipconfig.exe failed")}), WithTempDir(t.TempDir()))
	resp, err := c.Invoke(context.Background(), Request{Type: TypeFlushDNS})
	require.NoError(t, err)
	require.False(t, resp.OK)
	require.Equal(t, "ipconfig.exe failed", resp.Message)
}

func TestClientValidatesBeforeLaunch(t *testing.T) {
	launched := false
	runner := executor.RunnerFunc(func(context.Context, executor.Command) (executor.Result, error) {
		launched = true
		return executor.Result{}, nil
	})
	c := NewClient("tweak-agent.exe", runner, WithTempDir(t.TempDir()))
	_, err := c.Invoke(context.Background(), Request{Type: TypeNetshSetDNS, Netsh: &NetshRequest{InterfaceName: "eth0", DNS: []string{"1.2.3"}}})
	require.ErrorIs(t, err, tweak.ErrValidation)
	require.False(t, launched)
}

func TestClientRejectsBrokenProtocol(t *testing.T) {
	for name, res := range map[string]executor.Result{
		"no output":     {ExitCode: 0},
		"two lines":     {ExitCode: 0, Stdout: "{\"ok\":true,\"message\":\"a\"}\n{\"ok\":true,\"message\":\"b\"}\n"},
		"exit mismatch": {ExitCode: 1, Stdout: "{\"ok\":true,\"message\":\"a\"}\n"},
		"garbage":       {ExitCode: 1, Stderr: "Access is denied.", Stdout: "not json"},
	} {
		t.Run(name, func(t *testing.T) {
			runner := executor.RunnerFunc(func(context.Context, executor.Command) (executor.Result, error) { return res, nil })
			c := NewClient("tweak-agent.exe", runner, WithTempDir(t.TempDir()))
			_, err := c.Invoke(context.Background(), Request{Type: TypeFlushDNS})
			require.ErrorIs(t, err, tweak.ErrExecution)
		})
	}
}
