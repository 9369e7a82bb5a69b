package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// Service states as reported by Controller.Query.
const (
	StateRunning      = "running"
	StateStopped      = "stopped"
	StateStartPending = "start_pending"
	StateStopPending  = "stop_pending"
	StatePaused       = "paused"
	StateUnknown      = "unknown"
)

// Start types as reported by Controller.Query.
const (
	StartAutomatic = "automatic"
	StartManual    = "manual"
	StartDisabled  = "disabled"
)

// ErrNotFound is returned when the named service does not exist.
var ErrNotFound = errors.New("service not found")

// Status describes one service.
type Status struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	State       string `json:"state"`
	StartType   string `json:"startType,omitempty"`
}

// Controller is the service control backend. Start and Stop issue the
// request and return; callers poll Query for the outcome.
type Controller interface {
	Query(ctx context.Context, name string) (Status, error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	SetStartType(ctx context.Context, name, startType string) error
}

// MemoryController is an in-process Controller for tests. Requests take
// effect immediately unless the service is listed in Stuck.
type MemoryController struct {
	mu       sync.Mutex
	services map[string]Status
	stuck    map[string]bool
	calls    []string
}

func NewMemoryController(services ...Status) *MemoryController {
	c := &MemoryController{services: make(map[string]Status), stuck: make(map[string]bool)}
	for _, s := range services {
		c.services[strings.ToLower(s.Name)] = s
	}
	return c
}

// SetStuck makes Start/Stop on name leave it in a pending state forever.
func (c *MemoryController) SetStuck(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stuck[strings.ToLower(name)] = true
}

// Set replaces the recorded status of a service.
func (c *MemoryController) Set(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[strings.ToLower(s.Name)] = s
}

// Calls returns the mutating calls made so far, as "verb name".
func (c *MemoryController) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func (c *MemoryController) Query(_ context.Context, name string) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.services[strings.ToLower(name)]
	if !ok {
		return Status{Name: name, State: StateUnknown}, ErrNotFound
	}
	return s, nil
}

func (c *MemoryController) Start(_ context.Context, name string) error {
	return c.transition(name, "start", StateStartPending, StateRunning)
}

func (c *MemoryController) Stop(_ context.Context, name string) error {
	return c.transition(name, "stop", StateStopPending, StateStopped)
}

func (c *MemoryController) transition(name, verb, pending, final string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(name)
	s, ok := c.services[key]
	if !ok {
		return ErrNotFound
	}
	c.calls = append(c.calls, verb+" "+name)
	if c.stuck[key] {
		s.State = pending
	} else {
		s.State = final
	}
	c.services[key] = s
	return nil
}

func (c *MemoryController) SetStartType(_ context.Context, name, startType string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(name)
	s, ok := c.services[key]
	if !ok {
		return ErrNotFound
	}
	c.calls = append(c.calls, "config "+name+" "+startType)
	s.StartType = startType
	c.services[key] = s
	return nil
}

// Names lists known services, sorted.
func (c *MemoryController) Names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.services))
	for _, s := range c.services {
		out = append(out, s.Name)
	}
	sort.Strings(out)
	return out
}
