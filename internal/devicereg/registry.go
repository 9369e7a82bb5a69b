// Package devicereg tracks which hub connection serves each device and
// expires devices whose heartbeats stop.
package devicereg

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/logging"
)

var log = logging.L("devicereg")

const (
	DefaultStaleAfter    = 120 * time.Second
	DefaultSweepInterval = 30 * time.Second
	defaultShards        = 32
)

// Entry is the registry record for one device.
type Entry struct {
	DeviceID      string    `json:"deviceId"`
	ConnectionID  string    `json:"connectionId,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeatUtc"`
}

type shard struct {
	mu      sync.RWMutex
	devices map[string]Entry
}

// Registry is safe for concurrent use. Devices are spread over shards, each
// with its own lock, so operations on different devices rarely contend.
type Registry struct {
	shards     []*shard
	staleAfter time.Duration
	now        func() time.Time
}

type Option func(*Registry)

// WithStaleAfter overrides DefaultStaleAfter.
func WithStaleAfter(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithShards overrides the shard count.
func WithShards(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		shards:     newShards(defaultShards),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newShards(n int) []*shard {
	s := make([]*shard, n)
	for i := range s {
		s[i] = &shard{devices: make(map[string]Entry)}
	}
	return s
}

func (r *Registry) shardFor(deviceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(deviceID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register binds deviceID to connectionID and refreshes its heartbeat.
// Registering again replaces the connection.
func (r *Registry) Register(deviceID, connectionID string) {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	s.devices[deviceID] = Entry{DeviceID: deviceID, ConnectionID: connectionID, LastHeartbeat: r.now().UTC()}
	s.mu.Unlock()
}

// Heartbeat refreshes deviceID. An unknown device is added without a
// connection; a known device keeps its connection.
func (r *Registry) Heartbeat(deviceID string) {
	s := r.shardFor(deviceID)
	s.mu.Lock()
	e := s.devices[deviceID]
	e.DeviceID = deviceID
	e.LastHeartbeat = r.now().UTC()
	s.devices[deviceID] = e
	s.mu.Unlock()
}

// UnregisterByConnection removes the device served by connectionID. Shards
// are scanned one at a time so no lock spans the whole registry.
func (r *Registry) UnregisterByConnection(connectionID string) (string, bool) {
	if connectionID == "" {
		return "", false
	}
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.devices {
			if e.ConnectionID == connectionID {
				delete(s.devices, id)
				s.mu.Unlock()
				return id, true
			}
		}
		s.mu.Unlock()
	}
	return "", false
}

// GetConnection returns the connection serving deviceID.
func (r *Registry) GetConnection(deviceID string) (string, bool) {
	s := r.shardFor(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[deviceID]
	if !ok || e.ConnectionID == "" {
		return "", false
	}
	return e.ConnectionID, true
}

// Get returns the entry for deviceID.
func (r *Registry) Get(deviceID string) (Entry, bool) {
	s := r.shardFor(deviceID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.devices[deviceID]
	return e, ok
}

// Snapshot returns every entry sorted by device id.
func (r *Registry) Snapshot() []Entry {
	var out []Entry
	for _, s := range r.shards {
		s.mu.RLock()
		for _, e := range s.devices {
			out = append(out, e)
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Len returns the number of tracked devices.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.devices)
		s.mu.RUnlock()
	}
	return n
}

// Sweep removes devices whose last heartbeat is older than the staleness
// threshold at now and returns their ids.
func (r *Registry) Sweep(now time.Time) []string {
	cutoff := now.Add(-r.staleAfter)
	var removed []string
	for _, s := range r.shards {
		s.mu.Lock()
		for id, e := range s.devices {
			if e.LastHeartbeat.Before(cutoff) {
				delete(s.devices, id)
				removed = append(removed, id)
			}
		}
		s.mu.Unlock()
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		log.Info("swept stale devices", "count", len(removed), "devices", removed)
	}
	return removed
}

// Run sweeps every interval until ctx ends. onSweep, when non-nil, receives
// the ids removed by each sweep.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onSweep func([]string)) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := r.Sweep(r.now())
			if onSweep != nil && len(removed) > 0 {
				onSweep(removed)
			}
		}
	}
}
