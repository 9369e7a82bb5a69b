package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/audit"
	"github.com/breeze-rmm/tweakagent/internal/config"
	"github.com/breeze-rmm/tweakagent/internal/dispatcher"
	"github.com/breeze-rmm/tweakagent/internal/elevated"
	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/privilege"
	"github.com/breeze-rmm/tweakagent/internal/restorepoint"
	"github.com/breeze-rmm/tweakagent/internal/scriptpolicy"
	"github.com/breeze-rmm/tweakagent/internal/tweak/network"
	"github.com/breeze-rmm/tweakagent/internal/tweak/power"
	"github.com/breeze-rmm/tweakagent/internal/tweak/registry"
	"github.com/breeze-rmm/tweakagent/internal/tweak/script"
	"github.com/breeze-rmm/tweakagent/internal/tweak/securityhealth"
	"github.com/breeze-rmm/tweakagent/internal/tweak/service"
)

// buildModules wires every tweak module to the host backends. Privileged
// network and power changes go through a relaunch of this executable.
func buildModules(cfg *config.Config, runner executor.Runner, journal *audit.Journal) (dispatcher.Modules, error) {
	mode, err := scriptpolicy.ParseMode(cfg.ScriptPolicy)
	if err != nil {
		return dispatcher.Modules{}, err
	}
	exe, err := os.Executable()
	if err != nil {
		return dispatcher.Modules{}, fmt.Errorf("locate agent executable: %w", err)
	}
	helper := journaledInvoker{inner: elevated.NewClient(exe, runner), journal: journal}
	ctrl := service.NewController(runner)

	return dispatcher.Modules{
		Registry: registry.New(registry.NewStore(), registry.WithElevationCheck(privilege.IsElevated)),
		Service: service.New(ctrl,
			service.WithWaitTimeout(time.Duration(cfg.ServiceWaitSeconds)*time.Second),
			service.WithElevationCheck(privilege.IsElevated)),
		Script: script.New(scriptpolicy.New(mode), runner,
			script.WithDefaultTimeout(time.Duration(cfg.ScriptTimeoutSeconds)*time.Second)),
		Network:        network.New(network.NewSnapshotter(), network.NewPinger(), helper, network.WithPingHost(cfg.PingHost)),
		Power:          power.New(runner, helper),
		SecurityHealth: securityhealth.New(securityhealth.NewInspector(ctrl, runner)),
	}, nil
}

func restoreCreator(cfg *config.Config) restorepoint.Creator {
	if !cfg.RestorePoints {
		return restorepoint.Disabled()
	}
	return restorepoint.New()
}

// journaledInvoker records every helper launch in the local journal.
type journaledInvoker struct {
	inner   elevated.Invoker
	journal *audit.Journal
}

func (j journaledInvoker) Invoke(ctx context.Context, req elevated.Request) (elevated.Response, error) {
	resp, err := j.inner.Invoke(ctx, req)
	details := map[string]any{"type": string(req.Type), "ok": resp.OK, "message": resp.Message}
	if err != nil {
		details["error"] = err.Error()
	}
	j.journal.Record(audit.EventElevatedRequest, "", "", details)
	return resp, err
}
