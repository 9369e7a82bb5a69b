// Package ratelimit throttles audit ingestion per client.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key in fixed windows. A limit of zero or less
// allows everything.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// New returns a redis limiter when addr is set and an in-memory one
// otherwise.
func New(addr, password string, db int) (Limiter, error) {
	if addr == "" {
		return NewMemory(MemoryConfig{}), nil
	}
	return NewRedis(addr, password, db, nil)
}
