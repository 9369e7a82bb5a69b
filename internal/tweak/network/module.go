// Package network implements the network tweak module. Snapshots are read
// in-process; every mutation goes through the elevated helper.
package network

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/elevated"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
	"github.com/breeze-rmm/tweakagent/internal/validation"
)

var log = logging.L("network")

const (
	DefaultPingHost    = "8.8.8.8"
	DefaultPingTimeout = 3 * time.Second
)

// Module is the network tweak.Module.
type Module struct {
	snapshotter Snapshotter
	pinger      Pinger
	helper      elevated.Invoker
	pingHost    string
	pingTimeout time.Duration
	now         func() time.Time
}

type Option func(*Module)

// WithPingHost overrides DefaultPingHost.
func WithPingHost(host string) Option {
	return func(m *Module) {
		if host != "" {
			m.pingHost = host
		}
	}
}

// WithPingTimeout overrides DefaultPingTimeout.
func WithPingTimeout(d time.Duration) Option {
	return func(m *Module) {
		if d > 0 {
			m.pingTimeout = d
		}
	}
}

func New(snapshotter Snapshotter, pinger Pinger, helper elevated.Invoker, opts ...Option) *Module {
	m := &Module{
		snapshotter: snapshotter,
		pinger:      pinger,
		helper:      helper,
		pingHost:    DefaultPingHost,
		pingTimeout: DefaultPingTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ tweak.Module = (*Module)(nil)

func (m *Module) spec(def tweak.Definition) (*tweak.NetworkSpec, error) {
	if def.Network == nil {
		return &tweak.NetworkSpec{Action: tweak.NetworkSnapshot}, nil
	}
	spec := def.Network
	switch spec.Action {
	case tweak.NetworkSnapshot, tweak.NetworkFlushDNS, tweak.NetworkWinsockReset, tweak.NetworkTCPAutotune:
	case tweak.NetworkSetDNS:
		if !validation.IsInterfaceName(spec.InterfaceName) {
			return nil, tweak.NewValidationError(def.ID, "invalid interface name %q", spec.InterfaceName)
		}
		if len(spec.DNS) == 0 || len(spec.DNS) > 4 {
			return nil, tweak.NewValidationError(def.ID, "SetDns needs between 1 and 4 servers")
		}
		for _, addr := range spec.DNS {
			if !validation.IsIPv4(addr) {
				return nil, tweak.NewValidationError(def.ID, "invalid IPv4 address %q", addr)
			}
		}
	default:
		return nil, tweak.NewValidationError(def.ID, "unknown network action %q", spec.Action)
	}
	return spec, nil
}

// request maps a mutating action to its helper request.
func request(spec *tweak.NetworkSpec) (elevated.Request, bool) {
	switch spec.Action {
	case tweak.NetworkFlushDNS:
		return elevated.Request{Type: elevated.TypeFlushDNS}, true
	case tweak.NetworkWinsockReset:
		return elevated.Request{Type: elevated.TypeWinsockReset}, true
	case tweak.NetworkTCPAutotune:
		return elevated.Request{Type: elevated.TypeTCPAutotuneNormal}, true
	case tweak.NetworkSetDNS:
		return elevated.Request{Type: elevated.TypeNetshSetDNS, Netsh: &elevated.NetshRequest{
			InterfaceName: spec.InterfaceName,
			DNS:           spec.DNS,
		}}, true
	default:
		return elevated.Request{}, false
	}
}

func (m *Module) snapshot(ctx context.Context) string {
	snap, err := m.snapshotter.Snapshot(ctx)
	if err != nil {
		return tweak.ErrorState(err)
	}
	return tweak.EncodeState(snap)
}

func (m *Module) Preflight(ctx context.Context, def tweak.Definition) tweak.PreflightResult {
	spec, err := m.spec(def)
	if err != nil {
		return tweak.PreflightResult{Reason: err.Error(), ValidationError: err.Error()}
	}
	before := m.snapshot(ctx)
	if spec.Action == tweak.NetworkSetDNS && !tweak.IsErrorState(before) {
		var snap Snapshot
		if tweak.DecodeState(before, &snap) == nil {
			if _, ok := snap.Adapter(spec.InterfaceName); !ok {
				return tweak.PreflightResult{
					Reason:          "interface not found",
					ValidationError: fmt.Sprintf("interface %q does not exist", spec.InterfaceName),
					BeforeState:     before,
				}
			}
		}
	}
	return tweak.PreflightResult{CanApply: true, Reason: "ok", BeforeState: before}
}

func (m *Module) Apply(ctx context.Context, def tweak.Definition) tweak.ApplicationResult {
	logger := logging.WithTweak(log, def.ID, "")
	res := tweak.ApplicationResult{AppliedAtUTC: m.now().UTC()}

	spec, err := m.spec(def)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.BeforeState = m.snapshot(ctx)

	if req, mutates := request(spec); mutates {
		resp, err := m.helper.Invoke(ctx, req)
		switch {
		case err != nil:
			res.Error = err.Error()
		case !resp.OK:
			res.Error = resp.Message
		}
		if res.Error != "" {
			logger.Warn("network action failed", slog.String("action", spec.Action), slog.String("error", res.Error))
			res.AfterState = m.snapshot(ctx)
			return res
		}
		logger.Info("network action applied", slog.String("action", spec.Action), slog.String("helper", resp.Message))
	}

	res.AfterState = m.snapshot(ctx)
	res.DetailedDiff = tweak.Diff(res.BeforeState, res.AfterState)
	res.Success = true
	return res
}

// Verify pings the configured host. An unreachable host is a discrepancy,
// never an error.
func (m *Module) Verify(ctx context.Context, def tweak.Definition) tweak.VerificationResult {
	res := tweak.VerificationResult{
		CurrentState:  m.snapshot(ctx),
		ExpectedState: fmt.Sprintf("%s reachable", m.pingHost),
	}
	spec, err := m.spec(def)
	if err != nil {
		res.Discrepancy = err.Error()
		return res
	}

	rtt, err := m.pinger.Ping(ctx, m.pingHost, m.pingTimeout)
	if err != nil {
		res.Discrepancy = fmt.Sprintf("ping %s failed: %v", m.pingHost, err)
		return res
	}

	if spec.Action == tweak.NetworkSetDNS {
		res.ExpectedState = fmt.Sprintf("%s reachable; %s dns %v", m.pingHost, spec.InterfaceName, spec.DNS)
		var snap Snapshot
		if err := tweak.DecodeState(res.CurrentState, &snap); err != nil {
			res.Discrepancy = err.Error()
			return res
		}
		a, _ := snap.Adapter(spec.InterfaceName)
		if !slices.Equal(a.DNSServers, spec.DNS) {
			res.Discrepancy = fmt.Sprintf("dns servers on %s are %v", spec.InterfaceName, a.DNSServers)
			return res
		}
	}

	res.Verified = true
	log.Debug("network verified", slog.String(logging.KeyTweakID, def.ID), slog.Duration("rtt", rtt))
	return res
}

// Rollback restores recorded DNS servers for SetDns. Cache flushes, winsock
// resets and TCP autotuning changes have no prior state to restore.
func (m *Module) Rollback(ctx context.Context, l tweak.ApplicationLog) tweak.RollbackResult {
	res := tweak.RollbackResult{RolledBackAtUTC: m.now().UTC()}
	spec, err := m.spec(l.Definition)
	if err != nil {
		res.Error = err.Error()
		return res
	}

	switch spec.Action {
	case tweak.NetworkSnapshot:
		res.Success = true
		res.RestoredState = l.BeforeState
		return res
	case tweak.NetworkSetDNS:
	default:
		res.Error = fmt.Sprintf("network action %s cannot be rolled back", spec.Action)
		return res
	}

	var before Snapshot
	if err := tweak.DecodeState(l.BeforeState, &before); err != nil {
		res.Error = err.Error()
		return res
	}
	a, ok := before.Adapter(spec.InterfaceName)
	if !ok || len(a.DNSServers) == 0 {
		res.Error = fmt.Sprintf("no recorded dns servers for %s", spec.InterfaceName)
		return res
	}
	servers := a.DNSServers
	if len(servers) > 4 {
		servers = servers[:4]
	}

	resp, err := m.helper.Invoke(ctx, elevated.Request{Type: elevated.TypeNetshSetDNS, Netsh: &elevated.NetshRequest{
		InterfaceName: spec.InterfaceName,
		DNS:           servers,
	}})
	switch {
	case err != nil:
		res.Error = err.Error()
	case !resp.OK:
		res.Error = resp.Message
	default:
		res.Success = true
		res.RestoredState = l.BeforeState
		logging.WithTweak(log, l.TweakID, l.CorrelationID).Info("dns servers restored",
			slog.String("interface", spec.InterfaceName), slog.Any("dns", servers))
	}
	return res
}
