package worker

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"reservia/internal/database"
	"reservia/internal/events"
	"reservia/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAuditDB(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRetryPolicyNextDelay(t *testing.T) {
	policy := RetryPolicy{
		MaxRetries:    5,
		InitialDelay:  time.Second,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2,
	}

	assert.Equal(t, time.Second, policy.NextDelay(1))
	assert.Equal(t, 2*time.Second, policy.NextDelay(2))
	assert.Equal(t, 4*time.Second, policy.NextDelay(3))
	// Клампится в MaxDelay
	assert.Equal(t, 10*time.Second, policy.NextDelay(10))
	// Некорректный номер попытки трактуется как первая
	assert.Equal(t, time.Second, policy.NextDelay(0))
}

func TestHandleEventEnqueuesEntry(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db := setupAuditDB(t)
	w := NewAuditWorker(db, nil, RetryPolicy{}, &logger)

	bus := events.NewEventBus()
	w.Register(bus)

	occurredAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := bus.PublishJSON(events.EventReservationExpired, events.ReservationEventPayload{
		ReservationID: 7,
		UserID:        1,
		ResourceID:    10,
		Status:        models.StatusReleased,
		OccurredAt:    occurredAt,
		Expired:       true,
	})
	require.NoError(t, err)

	entry, ok := w.tryLocalQueue()
	require.True(t, ok)
	assert.Equal(t, events.EventReservationExpired, entry.EventType)
	assert.Equal(t, int64(7), entry.ReservationID)
	assert.Equal(t, "expired by sweeper", entry.Detail)
	assert.True(t, occurredAt.Equal(entry.OccurredAt))
}

func TestStartPersistsLocalQueue(t *testing.T) {
	// Файловая база: воркер пишет из своей горутины
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "audit.db"), &logger)
	require.NoError(t, err)
	defer db.Close()
	w := NewAuditWorker(db, nil, RetryPolicy{}, &logger)
	w.pollInterval = 5 * time.Millisecond

	occurredAt := time.Now().UTC().Truncate(time.Second)
	w.Enqueue(context.Background(), models.AuditEntry{
		EventType:     events.EventReservationApproved,
		ReservationID: 1,
		UserID:        2,
		ResourceID:    10,
		OccurredAt:    occurredAt,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		entries, err := db.ListAuditEntries(context.Background(),
			occurredAt.Add(-time.Minute), occurredAt.Add(time.Minute))
		return err == nil && len(entries) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancel")
	}

	entries, err := db.ListAuditEntries(context.Background(),
		occurredAt.Add(-time.Minute), occurredAt.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, events.EventReservationApproved, entries[0].EventType)
	assert.Equal(t, int64(2), entries[0].UserID)
}

func TestEnqueueGoesThroughRedis(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	defer s.Close()

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()

	logger := zerolog.New(io.Discard)
	db := setupAuditDB(t)
	w := NewAuditWorker(db, client, RetryPolicy{}, &logger)

	w.Enqueue(context.Background(), models.AuditEntry{
		EventType:     events.EventReservationRequested,
		ReservationID: 3,
		UserID:        1,
		ResourceID:    10,
		OccurredAt:    time.Now(),
	})

	// Запись ушла в redis, локальная очередь пуста
	_, ok := w.tryLocalQueue()
	assert.False(t, ok)

	entry, ok := w.tryRedis(context.Background())
	require.True(t, ok)
	assert.Equal(t, int64(3), entry.ReservationID)
}
