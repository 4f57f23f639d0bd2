package database

import (
	"context"
	"testing"
	"time"

	"reservia/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndListAuditEntries(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	entries := []models.AuditEntry{
		{EventType: "reservation_requested", ReservationID: 1, UserID: 1, ResourceID: 10, OccurredAt: base},
		{EventType: "reservation_approved", ReservationID: 1, UserID: 1, ResourceID: 10, OccurredAt: base.Add(time.Second)},
		{EventType: "reservation_expired", ReservationID: 1, UserID: 1, ResourceID: 10, Detail: "expired by sweeper", OccurredAt: base.Add(time.Hour)},
	}
	for i := range entries {
		require.NoError(t, db.CreateAuditEntry(ctx, &entries[i]))
		assert.Greater(t, entries[i].ID, int64(0))
	}

	got, err := db.ListAuditEntries(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "reservation_requested", got[0].EventType)
	assert.Equal(t, "reservation_approved", got[1].EventType)
	assert.Empty(t, got[0].Detail)
	assert.Nil(t, got[0].ProcessedAt)

	got, err = db.ListAuditEntries(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "expired by sweeper", got[2].Detail)
}
