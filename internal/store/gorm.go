package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errDBUnavailable = errors.New("db unavailable")

// AuditRecordModel is the tweak_audit_records row.
type AuditRecordModel struct {
	ID             string    `gorm:"type:uuid;primaryKey"`
	DeviceID       string    `gorm:"index;not null"`
	TweakID        string    `gorm:"index;not null"`
	CorrelationID  *string   `gorm:"index"`
	Success        bool      `gorm:"not null"`
	ReasonCode     string    `gorm:"not null"`
	Endpoint       string    `gorm:"not null"`
	LogJSON        []byte    `gorm:"type:jsonb;not null"`
	ReceivedAt     time.Time `gorm:"index;not null"`
	IdempotencyKey string    `gorm:"size:80;uniqueIndex;not null"`
}

func (AuditRecordModel) TableName() string { return "tweak_audit_records" }

// Gorm stores records in postgres.
type Gorm struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGorm(db *gorm.DB) *Gorm {
	return &Gorm{db: db, now: time.Now}
}

// Migrate creates or updates the audit table.
func (g *Gorm) Migrate(ctx context.Context) error {
	if g.db == nil {
		return errDBUnavailable
	}
	return g.db.WithContext(ctx).AutoMigrate(&AuditRecordModel{})
}

func (g *Gorm) Append(ctx context.Context, rec AuditRecord) (AuditRecord, error) {
	if g.db == nil {
		return AuditRecord{}, errDBUnavailable
	}
	rec, err := prepare(rec, g.now())
	if err != nil {
		return AuditRecord{}, err
	}
	model, err := modelFromRecord(rec)
	if err != nil {
		return AuditRecord{}, err
	}
	result := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&model)
	if result.Error != nil {
		return AuditRecord{}, fmt.Errorf("insert audit record: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return rec, nil
	}

	var existing AuditRecordModel
	if err := g.db.WithContext(ctx).
		Where("idempotency_key = ?", rec.IdempotencyKey).
		First(&existing).Error; err != nil {
		return AuditRecord{}, fmt.Errorf("load replayed audit record: %w", err)
	}
	recs, err := recordsFromModels([]AuditRecordModel{existing})
	if err != nil {
		return AuditRecord{}, err
	}
	recs[0].Replayed = true
	return recs[0], nil
}

func (g *Gorm) ListByDevice(ctx context.Context, deviceID string, limit int) ([]AuditRecord, error) {
	if g.db == nil {
		return nil, errDBUnavailable
	}
	var models []AuditRecordModel
	if err := g.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("received_at DESC").
		Limit(clampLimit(limit)).
		Find(&models).Error; err != nil {
		return nil, err
	}
	return recordsFromModels(models)
}

func (g *Gorm) ListByCorrelation(ctx context.Context, correlationID string) ([]AuditRecord, error) {
	if g.db == nil {
		return nil, errDBUnavailable
	}
	var models []AuditRecordModel
	if err := g.db.WithContext(ctx).
		Where("correlation_id = ?", correlationID).
		Order("received_at ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	return recordsFromModels(models)
}

func (g *Gorm) Mode() string { return ModePostgres }

func (g *Gorm) Close() error {
	if g.db == nil {
		return nil
	}
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func modelFromRecord(rec AuditRecord) (AuditRecordModel, error) {
	logJSON, err := json.Marshal(rec.Log)
	if err != nil {
		return AuditRecordModel{}, fmt.Errorf("encode log: %w", err)
	}
	return AuditRecordModel{
		ID:             rec.ID,
		DeviceID:       rec.DeviceID,
		TweakID:        rec.TweakID,
		CorrelationID:  stringPtrIfNotEmpty(rec.CorrelationID),
		Success:        rec.Success,
		ReasonCode:     rec.ReasonCode,
		Endpoint:       rec.Endpoint,
		LogJSON:        logJSON,
		ReceivedAt:     rec.ReceivedAt.UTC(),
		IdempotencyKey: rec.IdempotencyKey,
	}, nil
}

func recordsFromModels(models []AuditRecordModel) ([]AuditRecord, error) {
	out := make([]AuditRecord, 0, len(models))
	for _, m := range models {
		rec := AuditRecord{
			ID:             m.ID,
			DeviceID:       m.DeviceID,
			TweakID:        m.TweakID,
			CorrelationID:  stringValue(m.CorrelationID),
			Success:        m.Success,
			ReasonCode:     m.ReasonCode,
			Endpoint:       m.Endpoint,
			ReceivedAt:     m.ReceivedAt.UTC(),
			IdempotencyKey: m.IdempotencyKey,
		}
		if err := json.Unmarshal(m.LogJSON, &rec.Log); err != nil {
			return nil, fmt.Errorf("decode log for record %s: %w", m.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func stringPtrIfNotEmpty(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func stringValue(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
