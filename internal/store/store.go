// Package store persists audit records received by the hub.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

var log = logging.L("store")

// Modes reported by /healthz.
const (
	ModePostgres = "postgres"
	ModeMemory   = "no-db"
)

// DefaultListLimit caps list queries that do not give a limit.
const DefaultListLimit = 100

var ErrInvalidRecord = errors.New("invalid audit record")

// AuditRecord is one application log as stored by the hub, with the
// endpoint it arrived on.
type AuditRecord struct {
	ID            string               `json:"id"`
	DeviceID      string               `json:"deviceId"`
	TweakID       string               `json:"tweakId"`
	CorrelationID string               `json:"correlationId,omitempty"`
	Success       bool                 `json:"success"`
	ReasonCode    string               `json:"reasonCode"`
	Endpoint      string               `json:"endpoint"`
	ReceivedAt    time.Time            `json:"receivedAt"`
	Log           tweak.ApplicationLog `json:"log"`

	// IdempotencyKey identifies one apply attempt. A second Append with the
	// same key stores nothing and returns the first record with Replayed set.
	IdempotencyKey string `json:"idempotencyKey"`
	Replayed       bool   `json:"-"`
}

// AuditStore is implemented by the postgres and in-memory stores.
type AuditStore interface {
	Append(ctx context.Context, rec AuditRecord) (AuditRecord, error)
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]AuditRecord, error)
	ListByCorrelation(ctx context.Context, correlationID string) ([]AuditRecord, error)
	Mode() string
	Close() error
}

// Open returns a postgres store when dsn is set and an in-memory store
// otherwise.
func Open(dsn string) (AuditStore, error) {
	if dsn == "" {
		log.Warn("postgres_dsn not set; keeping audit records in memory (no-db mode)")
		return NewMemory(), nil
	}
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := NewGorm(gdb)
	if err := s.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate audit schema: %w", err)
	}
	return s, nil
}

// prepare validates rec and fills in the id and timestamps.
func prepare(rec AuditRecord, now time.Time) (AuditRecord, error) {
	if rec.Log.TweakID == "" {
		return AuditRecord{}, fmt.Errorf("%w: tweakId is required", ErrInvalidRecord)
	}
	if rec.Log.DeviceID == "" {
		return AuditRecord{}, fmt.Errorf("%w: deviceId is required", ErrInvalidRecord)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.DeviceID = rec.Log.DeviceID
	rec.TweakID = rec.Log.TweakID
	if rec.CorrelationID == "" {
		rec.CorrelationID = rec.Log.CorrelationID
	}
	rec.Success = rec.Log.Success
	rec.ReasonCode = rec.Log.ReasonCode
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = now
	}
	rec.ReceivedAt = rec.ReceivedAt.UTC().Truncate(time.Microsecond)
	rec.IdempotencyKey = idempotencyKey(rec)
	rec.Replayed = false
	return rec, nil
}

// idempotencyKey hashes the fields that pin down one apply attempt. A log
// without an applied time cannot be told apart from a later attempt, so it
// is keyed by its own record id and never deduplicated.
func idempotencyKey(rec AuditRecord) string {
	applied := rec.Log.AppliedUTC
	if applied.IsZero() {
		return "id:" + rec.ID
	}
	h := sha256.New()
	for _, part := range []string{
		rec.DeviceID,
		rec.TweakID,
		rec.CorrelationID,
		applied.UTC().Format(time.RFC3339Nano),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return DefaultListLimit
	}
	return limit
}
