package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"reservia/internal/database"
	"reservia/internal/events"
	"reservia/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AuditWorker consumes reservation lifecycle events and persists them
// as audit rows. Events are mirrored through a redis list when redis is
// available, so a restart does not lose entries that were already
// published; otherwise an in-memory queue carries them.
type AuditWorker struct {
	db            *database.DB
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan models.AuditEntry
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	log           zerolog.Logger
}

// NewAuditWorker builds a worker with sane defaults.
func NewAuditWorker(db *database.DB, redisClient *redis.Client, retry RetryPolicy, logger *zerolog.Logger) *AuditWorker {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 1 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}

	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "audit_worker").Logger()
	}

	return &AuditWorker{
		db:            db,
		redis:         redisClient,
		retryPolicy:   retry,
		queue:         make(chan models.AuditEntry, models.WorkerQueueSize),
		redisQueueKey: "reservia:audit:queue",
		deadLetterKey: "reservia:audit:deadletter",
		pollInterval:  time.Second,
		log:           log,
	}
}

// Register subscribes the worker to every reservation event type.
func (w *AuditWorker) Register(bus *events.EventBus) {
	types := []string{
		events.EventReservationRequested,
		events.EventReservationApproved,
		events.EventReservationCancelled,
		events.EventReservationReleased,
		events.EventReservationExpired,
	}
	for _, eventType := range types {
		bus.Subscribe(eventType, w.handleEvent)
	}
}

func (w *AuditWorker) handleEvent(event *events.Event) error {
	var payload events.ReservationEventPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		w.log.Error().Err(err).Str("event_type", event.Type).Msg("decode event payload")
		return err
	}

	detail := ""
	if payload.Expired {
		detail = "expired by sweeper"
	}

	entry := models.AuditEntry{
		EventType:     event.Type,
		ReservationID: payload.ReservationID,
		UserID:        payload.UserID,
		ResourceID:    payload.ResourceID,
		Detail:        detail,
		OccurredAt:    payload.OccurredAt,
	}

	w.Enqueue(context.Background(), entry)
	return nil
}

// Enqueue schedules an entry via redis or the in-memory queue.
func (w *AuditWorker) Enqueue(ctx context.Context, entry models.AuditEntry) {
	if w.redis != nil {
		if err := w.pushRedis(ctx, entry); err != nil {
			w.log.Warn().Err(err).Msg("redis push failed, fallback to memory queue")
		} else {
			return
		}
	}

	select {
	case w.queue <- entry:
	default:
		w.log.Error().Int64("reservation_id", entry.ReservationID).Msg("audit queue full, entry dropped")
	}
}

// Start launches main loop; stops when ctx is done.
func (w *AuditWorker) Start(ctx context.Context) {
	w.log.Info().Msg("audit worker started")
	defer w.log.Info().Msg("audit worker stopped")

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if entry, ok := w.tryLocalQueue(); ok {
			w.processEntry(ctx, entry)
			continue
		}

		if entry, ok := w.tryRedis(ctx); ok {
			w.processEntry(ctx, entry)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *AuditWorker) tryLocalQueue() (models.AuditEntry, bool) {
	select {
	case entry := <-w.queue:
		return entry, true
	default:
		return models.AuditEntry{}, false
	}
}

func (w *AuditWorker) tryRedis(ctx context.Context) (models.AuditEntry, bool) {
	if w.redis == nil {
		return models.AuditEntry{}, false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.AuditEntry{}, false
		}
		w.log.Error().Err(err).Msg("redis BRPOP error")
		return models.AuditEntry{}, false
	}
	if len(res) != 2 {
		return models.AuditEntry{}, false
	}
	var entry models.AuditEntry
	if err := json.Unmarshal([]byte(res[1]), &entry); err != nil {
		w.log.Error().Err(err).Msg("decode redis audit entry")
		return models.AuditEntry{}, false
	}
	return entry, true
}

func (w *AuditWorker) processEntry(ctx context.Context, entry models.AuditEntry) {
	var lastErr error
	for attempt := 1; attempt <= w.retryPolicy.MaxRetries; attempt++ {
		lastErr = w.db.CreateAuditEntry(ctx, &entry)
		if lastErr == nil {
			return
		}

		delay := w.retryPolicy.NextDelay(attempt)
		w.log.Warn().Err(lastErr).Int("attempt", attempt).Dur("retry_in", delay).
			Int64("reservation_id", entry.ReservationID).Msg("persist audit entry failed")

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	w.log.Error().Err(lastErr).Int64("reservation_id", entry.ReservationID).
		Msg("audit entry exhausted retries")
	w.pushDeadLetter(ctx, entry)
}

func (w *AuditWorker) pushRedis(ctx context.Context, entry models.AuditEntry) error {
	if w.redis == nil {
		return errors.New("redis client is nil")
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return w.redis.LPush(ctx, w.redisQueueKey, data).Err()
}

func (w *AuditWorker) pushDeadLetter(ctx context.Context, entry models.AuditEntry) {
	if w.redis == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		w.log.Error().Err(err).Msg("encode deadletter entry")
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, data).Err(); err != nil {
		w.log.Error().Err(err).Msg("deadletter push failed")
	}
}
