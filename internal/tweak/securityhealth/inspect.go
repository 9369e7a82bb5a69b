package securityhealth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/tweak/service"
)

// Monitored services.
const (
	ServiceDefender = "WinDefend"
	ServiceFirewall = "mpssvc"
)

const queryTimeout = 15 * time.Second

// Posture is the security snapshot this module reports. Fields that could
// not be read are nil and named in Errors.
type Posture struct {
	Services           []service.Status  `json:"services"`
	FirewallEnabled    *bool             `json:"firewallEnabled,omitempty"`
	RealTimeProtection *bool             `json:"realTimeProtection,omitempty"`
	AVProducts         []AVProduct       `json:"avProducts,omitempty"`
	Errors             map[string]string `json:"errors,omitempty"`
}

func (p *Posture) fail(field string, err error) {
	if p.Errors == nil {
		p.Errors = make(map[string]string)
	}
	p.Errors[field] = err.Error()
}

// Inspector reads the posture.
type Inspector interface {
	Posture(ctx context.Context) Posture
}

type systemInspector struct {
	services service.Controller
	runner   executor.Runner
}

// NewInspector reads service state through ctrl and firewall, Defender and
// Security Center state through PowerShell.
func NewInspector(ctrl service.Controller, runner executor.Runner) Inspector {
	return &systemInspector{services: ctrl, runner: runner}
}

func (p *systemInspector) Posture(ctx context.Context) Posture {
	var out Posture
	for _, name := range []string{ServiceDefender, ServiceFirewall} {
		st, err := p.services.Query(ctx, name)
		if err != nil {
			out.fail(name, err)
			st = service.Status{Name: name, State: service.StateUnknown}
		}
		out.Services = append(out.Services, st)
	}

	if enabled, err := p.firewallEnabled(ctx); err != nil {
		out.fail("firewall", err)
	} else {
		out.FirewallEnabled = &enabled
	}

	if rtp, err := p.boolQuery(ctx, "(Get-MpComputerStatus).RealTimeProtectionEnabled"); err != nil {
		out.fail("realTimeProtection", err)
	} else {
		out.RealTimeProtection = &rtp
	}

	if text, err := p.powershell(ctx, wscQuery); err != nil {
		out.fail("securityCenter", err)
	} else if products, err := parseWSCProducts(text); err != nil {
		out.fail("securityCenter", err)
	} else {
		out.AVProducts = products
	}
	return out
}

// firewallEnabled is true when any profile is enabled.
func (p *systemInspector) firewallEnabled(ctx context.Context) (bool, error) {
	text, err := p.powershell(ctx, "Get-NetFirewallProfile | Select-Object -ExpandProperty Enabled")
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.EqualFold(strings.TrimSpace(line), "True") {
			return true, nil
		}
	}
	return false, nil
}

func (p *systemInspector) boolQuery(ctx context.Context, script string) (bool, error) {
	text, err := p.powershell(ctx, script)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected output %q", strings.TrimSpace(text))
	}
}

func (p *systemInspector) powershell(ctx context.Context, script string) (string, error) {
	res, err := p.runner.Run(ctx, executor.PowerShell(script, queryTimeout, ""))
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s", res.FailureText())
	}
	return res.Stdout, nil
}
