package network

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

var pingSequence uint32

// Pinger sends one echo request and returns the round-trip time.
type Pinger interface {
	Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context, host string, timeout time.Duration) (time.Duration, error)

func (f PingerFunc) Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	return f(ctx, host, timeout)
}

type icmpPinger struct {
	lookup func(ctx context.Context, host string) ([]net.IPAddr, error)
}

// NewPinger returns an ICMP echo Pinger. Windows uses a raw ICMP socket;
// elsewhere the unprivileged datagram socket is used.
func NewPinger() Pinger {
	return icmpPinger{lookup: net.DefaultResolver.LookupIPAddr}
}

// Ping bounds name resolution and the echo exchange together by timeout.
func (p icmpPinger) Ping(ctx context.Context, host string, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	addr, err := p.lookup(ctx, host)
	if err != nil {
		return 0, fmt.Errorf("resolve %s: %w", host, err)
	}
	var target net.IP
	for _, a := range addr {
		if v4 := a.IP.To4(); v4 != nil {
			target = v4
			break
		}
	}
	if target == nil {
		return 0, fmt.Errorf("%s has no IPv4 address", host)
	}

	network, dst := "udp4", net.Addr(&net.UDPAddr{IP: target})
	if runtime.GOOS == "windows" {
		network, dst = "ip4:icmp", &net.IPAddr{IP: target}
	}
	conn, err := icmp.ListenPacket(network, "0.0.0.0")
	if err != nil {
		return 0, fmt.Errorf("open icmp socket: %w", err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	seq := int(atomic.AddUint32(&pingSequence, 1) & 0xffff)
	id := os.Getpid() & 0xffff
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte{0x54, 0x57, 0x4b, byte(rand.IntN(256))}},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}

	sent := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, fmt.Errorf("send echo to %s: %w", target, err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, fmt.Errorf("no echo reply from %s within %s: %w", target, timeout, err)
		}
		if !samePeer(peer, target) {
			continue
		}
		parsed, err := icmp.ParseMessage(1, buf[:n])
		if err != nil || parsed.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		// Unprivileged sockets rewrite the echo ID, so only the sequence is compared there.
		if echo.Seq == seq && (network == "udp4" || echo.ID == id) {
			return time.Since(sent), nil
		}
	}
}

func samePeer(peer net.Addr, target net.IP) bool {
	switch p := peer.(type) {
	case *net.IPAddr:
		return p.IP.Equal(target)
	case *net.UDPAddr:
		return p.IP.Equal(target)
	default:
		return false
	}
}
