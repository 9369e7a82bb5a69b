package server

import (
	"sync"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

// CorrelationStatus reports how far an issued tweak has been resolved.
type CorrelationStatus string

const (
	CorrelationPending CorrelationStatus = "pending"
	CorrelationAcked   CorrelationStatus = "acked"
	CorrelationAudited CorrelationStatus = "audited"
	CorrelationBoth    CorrelationStatus = "both"
)

// Correlation is the hub's view of one pushed tweak.
type Correlation struct {
	ID         string            `json:"correlationId"`
	DeviceID   string            `json:"deviceId"`
	TweakID    string            `json:"tweakId"`
	Status     CorrelationStatus `json:"status"`
	IssuedAt   time.Time         `json:"issuedAt"`
	AckedAt    *time.Time        `json:"ackedAt,omitempty"`
	AuditedAt  *time.Time        `json:"auditedAt,omitempty"`
	Success    *bool             `json:"success,omitempty"`
	ReasonCode string            `json:"reasonCode,omitempty"`
}

// CorrelationTracker remembers correlation ids minted by the hub until
// both the channel ack and the audit record have arrived.
type CorrelationTracker struct {
	mu    sync.Mutex
	items map[string]*Correlation
	now   func() time.Time
}

func NewCorrelationTracker(now func() time.Time) *CorrelationTracker {
	if now == nil {
		now = time.Now
	}
	return &CorrelationTracker{items: make(map[string]*Correlation), now: now}
}

// Issue records a new pending correlation.
func (t *CorrelationTracker) Issue(id, deviceID, tweakID string) Correlation {
	t.mu.Lock()
	defer t.mu.Unlock()
	c := &Correlation{
		ID:       id,
		DeviceID: deviceID,
		TweakID:  tweakID,
		Status:   CorrelationPending,
		IssuedAt: t.now().UTC(),
	}
	t.items[id] = c
	return *c
}

// Forget drops an issued id, used when the push itself failed.
func (t *CorrelationTracker) Forget(id string) {
	t.mu.Lock()
	delete(t.items, id)
	t.mu.Unlock()
}

// Ack resolves the channel side. Unknown ids report false.
func (t *CorrelationTracker) Ack(id string, l tweak.ApplicationLog) bool {
	return t.resolve(id, l, func(c *Correlation, at time.Time) { c.AckedAt = &at })
}

// Audit resolves the REST side. Unknown ids report false.
func (t *CorrelationTracker) Audit(id string, l tweak.ApplicationLog) bool {
	return t.resolve(id, l, func(c *Correlation, at time.Time) { c.AuditedAt = &at })
}

func (t *CorrelationTracker) resolve(id string, l tweak.ApplicationLog, mark func(*Correlation, time.Time)) bool {
	if id == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.items[id]
	if !ok {
		return false
	}
	mark(c, t.now().UTC())
	success := l.Success
	c.Success = &success
	c.ReasonCode = l.ReasonCode
	c.Status = statusOf(c)
	return true
}

func statusOf(c *Correlation) CorrelationStatus {
	switch {
	case c.AckedAt != nil && c.AuditedAt != nil:
		return CorrelationBoth
	case c.AckedAt != nil:
		return CorrelationAcked
	case c.AuditedAt != nil:
		return CorrelationAudited
	default:
		return CorrelationPending
	}
}

func (t *CorrelationTracker) Get(id string) (Correlation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.items[id]
	if !ok {
		return Correlation{}, false
	}
	out := *c
	return out, true
}

// Prune drops correlations issued before cutoff, whatever their status,
// and returns how many were removed.
func (t *CorrelationTracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, c := range t.items {
		if c.IssuedAt.Before(cutoff) {
			delete(t.items, id)
			n++
		}
	}
	return n
}

func (t *CorrelationTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}
