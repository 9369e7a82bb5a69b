package store

import (
	"context"
	"sync"
	"time"
)

// Memory keeps records in process. It backs no-db mode and tests.
type Memory struct {
	mu      sync.RWMutex
	records []AuditRecord
	byKey   map[string]int
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{byKey: make(map[string]int), now: time.Now}
}

func (m *Memory) Append(_ context.Context, rec AuditRecord) (AuditRecord, error) {
	rec, err := prepare(rec, m.now())
	if err != nil {
		return AuditRecord{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if i, ok := m.byKey[rec.IdempotencyKey]; ok {
		existing := m.records[i]
		existing.Replayed = true
		return existing, nil
	}
	m.byKey[rec.IdempotencyKey] = len(m.records)
	m.records = append(m.records, rec)
	return rec, nil
}

// ListByDevice returns the newest records first.
func (m *Memory) ListByDevice(_ context.Context, deviceID string, limit int) ([]AuditRecord, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []AuditRecord{}
	for i := len(m.records) - 1; i >= 0 && len(out) < limit; i-- {
		if m.records[i].DeviceID == deviceID {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

// ListByCorrelation returns records in arrival order.
func (m *Memory) ListByCorrelation(_ context.Context, correlationID string) ([]AuditRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []AuditRecord{}
	for _, r := range m.records {
		if r.CorrelationID == correlationID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) Mode() string { return ModeMemory }

func (m *Memory) Close() error { return nil }
