package export

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"reservia/internal/database"
	"reservia/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestReservationHistory(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	require.NoError(t, db.SyncResources(ctx, []models.Resource{{ID: 10, Name: "lab-bench-1"}}))
	user := &models.User{Name: "alice", Email: "alice@example.com", PasswordHash: "x"}
	require.NoError(t, db.CreateUser(ctx, user))

	requested := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	approved := requested
	validUntil := requested.Add(10 * time.Minute)
	r := &models.Reservation{
		UserID:       user.ID,
		ResourceID:   10,
		RequestDate:  requested,
		ApprovedDate: &approved,
		ValidUntil:   &validUntil,
	}
	require.NoError(t, db.CreateReservation(ctx, r))

	exporter := New(db, t.TempDir(), &logger)
	path, err := exporter.ReservationHistory(ctx, requested.AddDate(0, 0, -1), requested.AddDate(0, 0, 1))
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Reservations")
	require.NoError(t, err)
	require.Len(t, rows, 3) // заголовок периода, шапка, одна запись

	assert.Contains(t, rows[0][0], "2026-02-28")
	assert.Equal(t, "ID", rows[1][0])
	assert.Equal(t, "alice", rows[2][1])
	assert.Equal(t, "lab-bench-1", rows[2][2])
	assert.Equal(t, models.StatusApproved, rows[2][3])
}

func TestReservationHistoryEmptyRange(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	defer db.Close()

	exporter := New(db, t.TempDir(), &logger)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	path, err := exporter.ReservationHistory(context.Background(), start, start.AddDate(0, 0, 7))
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows("Reservations")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestUnknownNamesFallBackToID(t *testing.T) {
	names := map[int64]string{1: "alice"}
	assert.Equal(t, "alice", nameOrID(names, 1))
	assert.Equal(t, "#7", nameOrID(names, 7))
}
