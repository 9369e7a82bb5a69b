package network

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Adapter is the state of one interface in a snapshot.
type Adapter struct {
	Name       string   `json:"name"`
	MACAddress string   `json:"macAddress,omitempty"`
	Up         bool     `json:"up"`
	MTU        int      `json:"mtu,omitempty"`
	IPv4       []string `json:"ipv4,omitempty"`
	DNSServers []string `json:"dnsServers,omitempty"`
}

// Snapshot is the read-only adapter and DNS state used for before/after
// comparison.
type Snapshot struct {
	Adapters []Adapter `json:"adapters"`
}

// Adapter returns the adapter called name, matched case-insensitively.
func (s Snapshot) Adapter(name string) (Adapter, bool) {
	for _, a := range s.Adapters {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return Adapter{}, false
}

// Snapshotter captures snapshots.
type Snapshotter interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// SnapshotterFunc adapts a function to Snapshotter.
type SnapshotterFunc func(ctx context.Context) (Snapshot, error)

func (f SnapshotterFunc) Snapshot(ctx context.Context) (Snapshot, error) { return f(ctx) }

type systemSnapshotter struct{}

// NewSnapshotter returns the Snapshotter that reads interfaces through gopsutil and DNS
// servers from the platform adapter API.
func NewSnapshotter() Snapshotter {
	return systemSnapshotter{}
}

func (systemSnapshotter) Snapshot(ctx context.Context) (Snapshot, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	dns, err := dnsServers()
	if err != nil {
		log.Debug("dns server lookup failed", slog.String("error", err.Error()))
	}

	snap := Snapshot{Adapters: make([]Adapter, 0, len(ifaces))}
	for _, iface := range ifaces {
		if isLoopback(iface) {
			continue
		}
		a := Adapter{
			Name:       iface.Name,
			MACAddress: iface.HardwareAddr,
			MTU:        iface.MTU,
			DNSServers: dns[iface.Name],
		}
		if a.DNSServers == nil {
			a.DNSServers = dns["*"]
		}
		for _, f := range iface.Flags {
			if f == "up" {
				a.Up = true
			}
		}
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				continue
			}
			if ip.To4() != nil {
				a.IPv4 = append(a.IPv4, ip.String())
			}
		}
		snap.Adapters = append(snap.Adapters, a)
	}
	sort.Slice(snap.Adapters, func(i, j int) bool { return snap.Adapters[i].Name < snap.Adapters[j].Name })
	return snap, nil
}

func isLoopback(iface psnet.InterfaceStat) bool {
	for _, f := range iface.Flags {
		if f == "loopback" {
			return true
		}
	}
	return iface.Name == "lo" || iface.Name == "lo0"
}
