package elevated

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/executor"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
	"github.com/breeze-rmm/tweakagent/internal/tweak/registry"
	"github.com/breeze-rmm/tweakagent/internal/tweak/service"
)

// commandTimeout bounds each external tool the helper launches.
const commandTimeout = 60 * time.Second

// Executor performs a validated request.
type Executor interface {
	Execute(ctx context.Context, req Request) (string, error)
}

// Handler is the production Executor. It shells out to the Windows network
// and boot tools and reuses the registry store and service controller for
// the typed requests.
type Handler struct {
	Runner      executor.Runner
	Registry    registry.Store
	Services    service.Controller
	ServiceWait time.Duration
}

func (h *Handler) Execute(ctx context.Context, req Request) (string, error) {
	switch req.Type {
	case TypeFlushDNS:
		return h.run(ctx, "ipconfig.exe", "/flushdns")
	case TypeWinsockReset:
		return h.run(ctx, "netsh.exe", "winsock", "reset")
	case TypeTCPAutotuneNormal:
		return h.run(ctx, "netsh.exe", "int", "tcp", "set", "global", "autotuninglevel=normal")
	case TypePowercfgSetActive:
		return h.run(ctx, "powercfg.exe", "/setactive", req.GUID)
	case TypeBcdeditTimeout:
		return h.run(ctx, "bcdedit.exe", "/timeout", strconv.Itoa(*req.TimeoutSeconds))
	case TypeRegistrySet:
		return h.registrySet(req.Registry)
	case TypeServiceAction:
		return h.serviceAction(ctx, req.Service)
	case TypeNetshSetDNS:
		return h.setDNS(ctx, req.Netsh)
	default:
		return "", fmt.Errorf("unknown request type %q", req.Type)
	}
}

func (h *Handler) run(ctx context.Context, name string, args ...string) (string, error) {
	res, err := h.Runner.Run(ctx, executor.Command{Name: name, Args: args, Timeout: commandTimeout})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s failed: %s", name, res.FailureText())
	}
	return fmt.Sprintf("%s completed", name), nil
}

func (h *Handler) registrySet(spec *tweak.RegistrySpec) (string, error) {
	key, err := registry.ParsePath(spec.Path)
	if err != nil {
		return "", err
	}
	v, err := registry.ParseValue(spec.ValueType, spec.Data)
	if err != nil {
		return "", err
	}
	if err := h.Registry.Write(key, spec.Name, v); err != nil {
		return "", err
	}
	return fmt.Sprintf("set %s\\%s", key, spec.Name), nil
}

func (h *Handler) serviceAction(ctx context.Context, spec *tweak.ServiceSpec) (string, error) {
	m := service.New(h.Services, service.WithWaitTimeout(h.ServiceWait))
	res := m.Apply(ctx, tweak.Definition{
		ID:          "elevated",
		Name:        spec.Action + " " + spec.Name,
		CommandType: tweak.CommandService,
		Service:     spec,
	})
	if !res.Success {
		return "", fmt.Errorf("%s", res.Error)
	}
	return fmt.Sprintf("%s %s: %s", spec.Action, spec.Name, res.DetailedDiff), nil
}

func (h *Handler) setDNS(ctx context.Context, req *NetshRequest) (string, error) {
	if _, err := h.run(ctx, "netsh.exe", "interface", "ipv4", "set", "dnsservers",
		"name="+req.InterfaceName, "source=static", "address="+req.DNS[0], "register=primary", "validate=no"); err != nil {
		return "", err
	}
	for i, addr := range req.DNS[1:] {
		if _, err := h.run(ctx, "netsh.exe", "interface", "ipv4", "add", "dnsservers",
			"name="+req.InterfaceName, "address="+addr, "index="+strconv.Itoa(i+2), "validate=no"); err != nil {
			return "", &PartialDNSError{
				InterfaceName: req.InterfaceName,
				Applied:       append([]string(nil), req.DNS[:i+1]...),
				Failed:        addr,
				Err:           err,
			}
		}
	}
	return fmt.Sprintf("dns servers on %q set to %v", req.InterfaceName, req.DNS), nil
}

// PartialDNSError reports a DNS change that stopped midway. The interface is
// left with Applied as its server list; restoring the prior list is up to
// the caller's rollback.
type PartialDNSError struct {
	InterfaceName string
	Applied       []string
	Failed        string
	Err           error
}

func (e *PartialDNSError) Error() string {
	return fmt.Sprintf("dns servers on %q partially applied: interface now uses %v, adding %s failed: %v",
		e.InterfaceName, e.Applied, e.Failed, e.Err)
}

func (e *PartialDNSError) Unwrap() error { return e.Err }
