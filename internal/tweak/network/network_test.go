package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/tweakagent/internal/elevated"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

type fakeHelper struct {
	requests []elevated.Request
	resp     elevated.Response
	err      error
	onInvoke func(elevated.Request)
}

func (f *fakeHelper) Invoke(_ context.Context, req elevated.Request) (elevated.Response, error) {
	f.requests = append(f.requests, req)
	if f.onInvoke != nil {
		f.onInvoke(req)
	}
	return f.resp, f.err
}

type fakeSnapshotter struct {
	snap Snapshot
	err  error
}

func (p *fakeSnapshotter) Snapshot(context.Context) (Snapshot, error) { return p.snap, p.err }

func okPinger() Pinger {
	return PingerFunc(func(context.Context, string, time.Duration) (time.Duration, error) {
		return 12 * time.Millisecond, nil
	})
}

func netDef(action string) tweak.Definition {
	return tweak.Definition{ID: "net-1", Name: action, CommandType: tweak.CommandNetwork, AllowUndo: true,
		Network: &tweak.NetworkSpec{Action: action}}
}

func baseSnapshot() Snapshot {
	return Snapshot{Adapters: []Adapter{{Name: "Ethernet 2", Up: true, IPv4: []string{"10.0.0.5"}, DNSServers: []string{"10.0.0.1"}}}}
}

func TestFlushDNSGoesThroughHelper(t *testing.T) {
	helper := &fakeHelper{resp: elevated.Response{OK: true, Message: "ipconfig.exe completed"}}
	m := New(&fakeSnapshotter{snap: baseSnapshot()}, okPinger(), helper)

	res := m.Apply(context.Background(), netDef(tweak.NetworkFlushDNS))
	require.True(t, res.Success, res.Error)
	require.Len(t, helper.requests, 1)
	require.Equal(t, elevated.TypeFlushDNS, helper.requests[0].Type)
	require.Equal(t, "no change", res.DetailedDiff)
}

func TestHelperFailureIsReported(t *testing.T) {
	helper := &fakeHelper{resp: elevated.Response{OK: false, Message: "netsh.exe failed: access denied"}}
	m := New(&fakeSnapshotter{snap: baseSnapshot()}, okPinger(), helper)

	res := m.Apply(context.Background(), netDef(tweak.NetworkWinsockReset))
	require.False(t, res.Success)
	require.Equal(t, "netsh.exe failed: access denied", res.Error)
}

func TestSnapshotIsReadOnly(t *testing.T) {
	helper := &fakeHelper{}
	m := New(&fakeSnapshotter{snap: baseSnapshot()}, okPinger(), helper)
	res := m.Apply(context.Background(), netDef(tweak.NetworkSnapshot))
	require.True(t, res.Success)
	require.Empty(t, helper.requests)
}

func TestSnapshotFailureDegrades(t *testing.T) {
	m := New(&fakeSnapshotter{err: errors.New("wmi unavailable")}, okPinger(), &fakeHelper{resp: elevated.Response{OK: true}})
	res := m.Apply(context.Background(), netDef(tweak.NetworkFlushDNS))
	require.True(t, res.Success)
	require.True(t, tweak.IsErrorState(res.BeforeState))
	require.Equal(t, "no change", res.DetailedDiff)
}

func TestVerifyPingFailureIsDiscrepancy(t *testing.T) {
	var gotHost string
	pinger := PingerFunc(func(_ context.Context, host string, timeout time.Duration) (time.Duration, error) {
		gotHost = host
		require.Equal(t, DefaultPingTimeout, timeout)
		return 0, errors.New("i/o timeout")
	})
	m := New(&fakeSnapshotter{snap: baseSnapshot()}, pinger, &fakeHelper{})
	v := m.Verify(context.Background(), netDef(tweak.NetworkFlushDNS))
	require.False(t, v.Verified)
	require.Contains(t, v.Discrepancy, "i/o timeout")
	require.Equal(t, DefaultPingHost, gotHost)
}

func TestSetDNSApplyVerifyRollback(t *testing.T) {
	snapshotter := &fakeSnapshotter{snap: baseSnapshot()}
	helper := &fakeHelper{resp: elevated.Response{OK: true}}
	helper.onInvoke = func(req elevated.Request) {
		snapshotter.snap = Snapshot{Adapters: []Adapter{{Name: "Ethernet 2", Up: true, DNSServers: req.Netsh.DNS}}}
	}
	m := New(snapshotter, okPinger(), helper)

	def := netDef(tweak.NetworkSetDNS)
	def.Network.InterfaceName = "Ethernet 2"
	def.Network.DNS = []string{"1.1.1.1", "1.0.0.1"}

	pre := m.Preflight(context.Background(), def)
	require.True(t, pre.CanApply, pre.ValidationError)

	log := tweak.NewLog(def)
	log.RecordPreflight(pre)
	log.RecordApply(m.Apply(context.Background(), def))
	require.True(t, log.Success, log.Error)
	require.Contains(t, log.DetailedDiff, "adapters")

	v := m.Verify(context.Background(), def)
	require.True(t, v.Verified, v.Discrepancy)

	rb := m.Rollback(context.Background(), log)
	require.True(t, rb.Success, rb.Error)
	require.Equal(t, []string{"10.0.0.1"}, helper.requests[len(helper.requests)-1].Netsh.DNS)
}

func TestSetDNSValidation(t *testing.T) {
	m := New(&fakeSnapshotter{snap: baseSnapshot()}, okPinger(), &fakeHelper{})

	def := netDef(tweak.NetworkSetDNS)
	def.Network.InterfaceName = "Ethernet; rm -rf /"
	def.Network.DNS = []string{"1.1.1.1"}
	require.NotEmpty(t, m.Preflight(context.Background(), def).ValidationError)

	def.Network.InterfaceName = "Ethernet 2"
	def.Network.DNS = []string{"1.2.3"}
	require.NotEmpty(t, m.Preflight(context.Background(), def).ValidationError)

	def.Network.InterfaceName = "Wi-Fi"
	def.Network.DNS = []string{"1.1.1.1"}
	pre := m.Preflight(context.Background(), def)
	require.False(t, pre.CanApply)
	require.Contains(t, pre.ValidationError, "does not exist")
}

func TestIrreversibleActionsRefuseRollback(t *testing.T) {
	m := New(&fakeSnapshotter{}, okPinger(), &fakeHelper{})
	log := tweak.NewLog(netDef(tweak.NetworkWinsockReset))
	rb := m.Rollback(context.Background(), log)
	require.False(t, rb.Success)
	require.Contains(t, rb.Error, "cannot be rolled back")
}

func TestPingTimeoutBoundsResolution(t *testing.T) {
	var deadline time.Time
	p := icmpPinger{lookup: func(ctx context.Context, host string) ([]net.IPAddr, error) {
		d, ok := ctx.Deadline()
		require.True(t, ok, "lookup must run under the ping timeout")
		deadline = d
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	start := time.Now()
	_, err := p.Ping(context.Background(), "slow.example", 50*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorContains(t, err, "resolve slow.example")
	require.Less(t, time.Since(start), 2*time.Second)
	require.WithinDuration(t, start.Add(50*time.Millisecond), deadline, time.Second)
}

func TestPingRejectsHostWithoutIPv4(t *testing.T) {
	p := icmpPinger{lookup: func(context.Context, string) ([]net.IPAddr, error) {
		return []net.IPAddr{{IP: net.ParseIP("2001:db8::1")}}, nil
	}}
	_, err := p.Ping(context.Background(), "v6only.example", time.Second)
	require.ErrorContains(t, err, "no IPv4 address")
}
