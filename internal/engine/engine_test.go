package engine

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reservia/internal/config"
	"reservia/internal/database"
	"reservia/internal/events"
	"reservia/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupEngine(t *testing.T, cfg config.ReservationConfig) (*Engine, *fakeClock, *database.DB) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clock := newFakeClock(testStart)
	eng := New(db, cfg, clock, events.NewEventBus(), &logger)
	return eng, clock, db
}

func defaultConfig() config.ReservationConfig {
	return config.ReservationConfig{
		ApprovedTimeoutSeconds:  600,
		RequestedTimeoutSeconds: 1800,
		SweepIntervalSeconds:    1,
	}
}

func TestRequestAutoApprovesFreeResource(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	r, approved, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, approved)
	assert.Equal(t, models.StatusApproved, r.Status())
	require.NotNil(t, r.ValidUntil)
	assert.Equal(t, testStart.Add(600*time.Second), *r.ValidUntil)
}

func TestRequestQueuesWhenResourceHeld(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)

	r, approved, err := eng.Request(ctx, 2, 10)
	require.NoError(t, err)
	assert.False(t, approved)
	assert.Equal(t, models.StatusRequested, r.Status())
	require.NotNil(t, r.ValidUntil)
	assert.Equal(t, testStart.Add(1800*time.Second), *r.ValidUntil)
}

func TestRequestRejectsDuplicate(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)

	// Повтор от держателя
	_, _, err = eng.Request(ctx, 1, 10)
	assert.ErrorIs(t, err, ErrConflict)

	// Повтор от стоящего в очереди
	_, _, err = eng.Request(ctx, 2, 10)
	require.NoError(t, err)
	_, _, err = eng.Request(ctx, 2, 10)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRequestIndependentResources(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, approved, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	assert.True(t, approved)

	// Тот же пользователь на другом ресурсе
	_, approved, err = eng.Request(ctx, 1, 20)
	require.NoError(t, err)
	assert.True(t, approved)
}

func TestCancelQueuedReservation(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	_, _, err = eng.Request(ctx, 2, 10)
	require.NoError(t, err)

	r, err := eng.Cancel(ctx, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, r.Status())

	// Держатель не затронут
	active, err := eng.QueryActive(ctx, database.ActiveFilter{ResourceID: 10})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].UserID)
}

func TestCancelApprovedFails(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)

	_, err = eng.Cancel(ctx, 1, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelWithoutReservation(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())

	_, err := eng.Cancel(context.Background(), 1, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelDoesNotPromote(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	_, _, err = eng.Request(ctx, 2, 10)
	require.NoError(t, err)
	_, _, err = eng.Request(ctx, 3, 10)
	require.NoError(t, err)

	_, err = eng.Cancel(ctx, 2, 10)
	require.NoError(t, err)

	active, err := eng.QueryActive(ctx, database.ActiveFilter{ResourceID: 10})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, models.StatusApproved, active[0].Status())
	assert.Equal(t, int64(1), active[0].UserID)
	assert.Equal(t, models.StatusRequested, active[1].Status())
	assert.Equal(t, int64(3), active[1].UserID)
}

func TestReleasePromotesOldestRequester(t *testing.T) {
	eng, clock, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, _, err = eng.Request(ctx, 2, 10)
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, _, err = eng.Request(ctx, 3, 10)
	require.NoError(t, err)

	clock.Advance(time.Second)
	r, err := eng.Release(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReleased, r.Status())

	// Повышен самый давний: пользователь 2
	active, err := eng.QueryActive(ctx, database.ActiveFilter{ResourceID: 10})
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, int64(2), active[0].UserID)
	assert.Equal(t, models.StatusApproved, active[0].Status())
	require.NotNil(t, active[0].ValidUntil)
	assert.Equal(t, clock.Now().Add(600*time.Second), *active[0].ValidUntil)
	assert.Equal(t, models.StatusRequested, active[1].Status())
}

func TestReleaseQueuedFails(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	_, _, err = eng.Request(ctx, 2, 10)
	require.NoError(t, err)

	_, err = eng.Release(ctx, 2, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseEmptyQueueLeavesResourceFree(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	_, err = eng.Release(ctx, 1, 10)
	require.NoError(t, err)

	// Следующий запрос снова одобряется сразу
	_, approved, err := eng.Request(ctx, 2, 10)
	require.NoError(t, err)
	assert.True(t, approved)
}

func TestKeepAliveExtendsApproved(t *testing.T) {
	eng, clock, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)

	clock.Advance(50 * time.Second)
	r, err := eng.KeepAlive(ctx, 1, 10)
	require.NoError(t, err)
	require.NotNil(t, r.ValidUntil)
	assert.Equal(t, clock.Now().Add(600*time.Second), *r.ValidUntil)
}

func TestKeepAliveExtendsQueued(t *testing.T) {
	eng, clock, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	_, _, err = eng.Request(ctx, 2, 10)
	require.NoError(t, err)

	clock.Advance(100 * time.Second)
	r, err := eng.KeepAlive(ctx, 2, 10)
	require.NoError(t, err)
	require.NotNil(t, r.ValidUntil)
	assert.Equal(t, clock.Now().Add(1800*time.Second), *r.ValidUntil)
}

func TestKeepAlivePastDeadline(t *testing.T) {
	eng, clock, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)

	clock.Advance(601 * time.Second)
	_, err = eng.KeepAlive(ctx, 1, 10)
	assert.ErrorIs(t, err, ErrExpired)

	// Запись осталась для свипера
	expired, err := eng.ExpireDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)
}

func TestKeepAliveWithoutReservation(t *testing.T) {
	eng, _, _ := setupEngine(t, defaultConfig())

	_, err := eng.KeepAlive(context.Background(), 1, 10)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueuedWithoutExpiry(t *testing.T) {
	cfg := defaultConfig()
	cfg.RequestedTimeoutSeconds = 0
	eng, clock, _ := setupEngine(t, cfg)
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	queued, _, err := eng.Request(ctx, 2, 10)
	require.NoError(t, err)
	assert.Nil(t, queued.ValidUntil)

	// Keep-alive очереди без дедлайна успешен и ничего не меняет
	clock.Advance(time.Hour)
	r, err := eng.KeepAlive(ctx, 2, 10)
	require.NoError(t, err)
	assert.Nil(t, r.ValidUntil)

	// Свипер снимает только держателя, очередь остаётся
	expired, err := eng.ExpireDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	active, err := eng.QueryActive(ctx, database.ActiveFilter{ResourceID: 10})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].UserID)
	assert.Equal(t, models.StatusApproved, active[0].Status())
}

func TestExpireDueReleasesHolderAndPromotes(t *testing.T) {
	eng, clock, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	holder, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	_, _, err = eng.Request(ctx, 2, 10)
	require.NoError(t, err)

	clock.Set(testStart.Add(601 * time.Second))
	expired, err := eng.ExpireDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	got, err := eng.QueryActive(ctx, database.ActiveFilter{ResourceID: 10})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].UserID)
	assert.Equal(t, models.StatusApproved, got[0].Status())
	require.NotNil(t, got[0].ValidUntil)
	assert.Equal(t, clock.Now().Add(600*time.Second), *got[0].ValidUntil)

	released, err := eng.QueryActive(ctx, database.ActiveFilter{UserID: holder.UserID})
	require.NoError(t, err)
	assert.Empty(t, released)
}

func TestExpireDueCancelsStaleQueued(t *testing.T) {
	eng, clock, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)
	_, _, err = eng.Request(ctx, 2, 10)
	require.NoError(t, err)

	// Держатель продлевается каждые 500 секунд, очередь протухает
	for _, tick := range []int{500, 1000, 1500} {
		clock.Set(testStart.Add(time.Duration(tick) * time.Second))
		_, err = eng.KeepAlive(ctx, 1, 10)
		require.NoError(t, err)
	}

	clock.Set(testStart.Add(1801 * time.Second))

	expired, err := eng.ExpireDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	active, err := eng.QueryActive(ctx, database.ActiveFilter{ResourceID: 10})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(1), active[0].UserID)
}

// Сценарий из продления с двумя участниками: держатель продлился на
// t=50, очередь на t=100, к t=800 держатель протух и очередь повышена.
func TestKeepAliveScenario(t *testing.T) {
	eng, clock, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10) // дедлайн t=600
	require.NoError(t, err)

	clock.Set(testStart.Add(10 * time.Second))
	_, _, err = eng.Request(ctx, 2, 10) // дедлайн t=1810
	require.NoError(t, err)

	clock.Set(testStart.Add(50 * time.Second))
	r, err := eng.KeepAlive(ctx, 1, 10) // дедлайн t=650
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(650*time.Second), *r.ValidUntil)

	clock.Set(testStart.Add(100 * time.Second))
	r, err = eng.KeepAlive(ctx, 2, 10) // дедлайн t=1900
	require.NoError(t, err)
	assert.Equal(t, testStart.Add(1900*time.Second), *r.ValidUntil)

	clock.Set(testStart.Add(800 * time.Second))
	expired, err := eng.ExpireDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	active, err := eng.QueryActive(ctx, database.ActiveFilter{ResourceID: 10})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, int64(2), active[0].UserID)
	assert.Equal(t, models.StatusApproved, active[0].Status())
	assert.Equal(t, testStart.Add(1400*time.Second), *active[0].ValidUntil)
}

func TestExpireDueIdempotent(t *testing.T) {
	eng, clock, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)

	clock.Advance(601 * time.Second)
	expired, err := eng.ExpireDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, expired)

	expired, err = eng.ExpireDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, expired)
}

func TestConcurrentRequestsSingleHolder(t *testing.T) {
	// Файловая база: у :memory: каждое соединение пула видит свою копию
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "concurrency.db"), &logger)
	require.NoError(t, err)
	defer db.Close()

	eng := New(db, defaultConfig(), newFakeClock(testStart), events.NewEventBus(), &logger)
	ctx := context.Background()

	const workers = 20
	approvals := make(chan bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(userID int64) {
			defer wg.Done()
			_, approved, err := eng.Request(ctx, userID, 10)
			if err == nil {
				approvals <- approved
			}
		}(int64(i + 1))
	}
	wg.Wait()
	close(approvals)

	approvedCount := 0
	total := 0
	for a := range approvals {
		if a {
			approvedCount++
		}
		total++
	}
	assert.Equal(t, workers, total)
	assert.Equal(t, 1, approvedCount)

	active, err := eng.QueryActive(ctx, database.ActiveFilter{ResourceID: 10})
	require.NoError(t, err)
	assert.Len(t, active, workers)
}

func TestQueryActiveNeverSeesVacatedResource(t *testing.T) {
	// Файловая база: опрос идёт из параллельной горутины
	logger := zerolog.New(io.Discard)
	db, err := database.NewDB(filepath.Join(t.TempDir(), "promotion.db"), &logger)
	require.NoError(t, err)
	defer db.Close()

	eng := New(db, defaultConfig(), newFakeClock(testStart), events.NewEventBus(), &logger)
	ctx := context.Background()

	users := []int64{1, 2, 3}
	for _, u := range users {
		_, _, err := eng.Request(ctx, u, 10)
		require.NoError(t, err)
	}

	done := make(chan struct{})
	var violations int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			active, err := eng.QueryActive(ctx, database.ActiveFilter{ResourceID: 10})
			if err != nil {
				continue
			}
			held, queued := 0, 0
			for _, r := range active {
				switch r.Status() {
				case models.StatusApproved:
					held++
				case models.StatusRequested:
					queued++
				}
			}
			// Очередь без держателя означает полупримененный переход
			if queued > 0 && held == 0 {
				atomic.AddInt32(&violations, 1)
			}
		}
	}()

	const cycles = 200
	holder := 0
	for i := 0; i < cycles; i++ {
		_, err := eng.Release(ctx, users[holder], 10)
		require.NoError(t, err)
		_, _, err = eng.Request(ctx, users[holder], 10)
		require.NoError(t, err)
		holder = (holder + 1) % len(users)
	}
	close(done)
	wg.Wait()

	assert.Zero(t, atomic.LoadInt32(&violations), "listing saw a queue with no approved holder")
}

func TestEventsPublishedOnLifecycle(t *testing.T) {
	eng, clock, _ := setupEngine(t, defaultConfig())
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	record := func(name string) events.EventHandler {
		return func(*events.Event) error {
			mu.Lock()
			seen = append(seen, name)
			mu.Unlock()
			return nil
		}
	}
	eng.bus.Subscribe(events.EventReservationRequested, record("requested"))
	eng.bus.Subscribe(events.EventReservationApproved, record("approved"))
	eng.bus.Subscribe(events.EventReservationReleased, record("released"))
	eng.bus.Subscribe(events.EventReservationExpired, record("expired"))

	_, _, err := eng.Request(ctx, 1, 10)
	require.NoError(t, err)

	clock.Advance(601 * time.Second)
	_, err = eng.ExpireDue(ctx, clock.Now())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"requested", "approved", "expired", "released"}, seen)
}
