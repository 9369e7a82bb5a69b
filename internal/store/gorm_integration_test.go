//go:build integration

package store

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *Gorm {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("POSTGRES_DSN_TEST"))
	if dsn == "" {
		t.Skip("POSTGRES_DSN_TEST not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	g := NewGorm(db)
	require.NoError(t, g.Migrate(context.Background()))
	require.NoError(t, db.Exec("TRUNCATE tweak_audit_records").Error)
	return g
}

func TestGormAppendAndList(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	_, err := g.Append(ctx, record("dev-1", "t1", "c1"))
	require.NoError(t, err)
	_, err = g.Append(ctx, record("dev-1", "t2", ""))
	require.NoError(t, err)

	byDevice, err := g.ListByDevice(ctx, "dev-1", 10)
	require.NoError(t, err)
	require.Len(t, byDevice, 2)

	byCorr, err := g.ListByCorrelation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, byCorr, 1)
	require.Equal(t, "t1", byCorr[0].Log.TweakID)
}

func TestGormAppendReplayStoresOnce(t *testing.T) {
	g := setupTestDB(t)
	ctx := context.Background()

	rec := record("dev-1", "t1", "c1")
	rec.Log.AppliedUTC = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	first, err := g.Append(ctx, rec)
	require.NoError(t, err)
	require.False(t, first.Replayed)

	rec.Endpoint = "/api/auditlogs"
	second, err := g.Append(ctx, rec)
	require.NoError(t, err)
	require.True(t, second.Replayed)
	require.Equal(t, first.ID, second.ID)

	byCorr, err := g.ListByCorrelation(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, byCorr, 1)
}
