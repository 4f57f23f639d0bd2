package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"reservia/internal/config"
	"reservia/internal/database"
	"reservia/internal/events"
	"reservia/internal/metrics"
	"reservia/internal/models"

	"github.com/rs/zerolog"
)

// Engine implements the reservation lifecycle over the store: request
// with auto-approval, cancel, release with promotion of the oldest
// queued requester, keep-alive and active queries. All mutations for a
// given resource are serialized by a per-resource lock, shared with the
// sweeper through ExpireDue.
type Engine struct {
	db    *database.DB
	clock Clock
	cfg   config.ReservationConfig
	bus   *events.EventBus
	locks sync.Map // resource_id -> *sync.Mutex
	log   zerolog.Logger
}

func New(db *database.DB, cfg config.ReservationConfig, clock Clock, bus *events.EventBus, logger *zerolog.Logger) *Engine {
	if clock == nil {
		clock = SystemClock()
	}

	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "engine").Logger()
	}

	return &Engine{
		db:    db,
		clock: clock,
		cfg:   cfg,
		bus:   bus,
		log:   log,
	}
}

// lockResource serializes mutations per resource. Independent resources
// proceed concurrently.
func (e *Engine) lockResource(resourceID int64) *sync.Mutex {
	if v, ok := e.locks.Load(resourceID); ok {
		return v.(*sync.Mutex)
	}
	v, _ := e.locks.LoadOrStore(resourceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Request creates a reservation for the user on the resource. When the
// resource is free the record is approved immediately; otherwise it
// joins the queue. The bool reports auto-approval.
func (e *Engine) Request(ctx context.Context, userID, resourceID int64) (*models.Reservation, bool, error) {
	mu := e.lockResource(resourceID)
	mu.Lock()
	defer mu.Unlock()

	existing, err := e.db.GetActiveReservation(ctx, userID, resourceID)
	if err != nil && !errors.Is(err, database.ErrNoActiveReservation) {
		metrics.IncEngineOp("request", "error")
		return nil, false, err
	}
	if existing != nil {
		metrics.IncEngineOp("request", "conflict")
		return nil, false, ErrConflict
	}

	_, err = e.db.GetApprovedReservation(ctx, resourceID)
	free := errors.Is(err, database.ErrNoActiveReservation)
	if err != nil && !free {
		metrics.IncEngineOp("request", "error")
		return nil, false, err
	}

	now := e.clock.Now()
	r := &models.Reservation{
		UserID:      userID,
		ResourceID:  resourceID,
		RequestDate: now,
	}

	if free {
		approvedAt := now
		validUntil := now.Add(e.cfg.ApprovedTimeout())
		r.ApprovedDate = &approvedAt
		r.ValidUntil = &validUntil
	} else if e.cfg.RequestedTimeout() > 0 {
		validUntil := now.Add(e.cfg.RequestedTimeout())
		r.ValidUntil = &validUntil
	}

	if err := e.db.CreateReservation(ctx, r); err != nil {
		metrics.IncEngineOp("request", "error")
		return nil, false, err
	}

	e.publish(events.EventReservationRequested, r, now, false)
	if free {
		e.publish(events.EventReservationApproved, r, now, false)
		metrics.IncEngineOp("request", "granted")
		e.log.Info().Int64("user_id", userID).Int64("resource_id", resourceID).
			Int64("reservation_id", r.ID).Msg("reservation auto-approved")
	} else {
		metrics.IncEngineOp("request", "queued")
		e.log.Info().Int64("user_id", userID).Int64("resource_id", resourceID).
			Int64("reservation_id", r.ID).Msg("reservation queued")
	}

	return r, free, nil
}

// Cancel withdraws the user's queued reservation. An approved
// reservation cannot be cancelled, only released; cancelling a
// queued entry never affects the current holder.
func (e *Engine) Cancel(ctx context.Context, userID, resourceID int64) (*models.Reservation, error) {
	mu := e.lockResource(resourceID)
	mu.Lock()
	defer mu.Unlock()

	r, err := e.db.GetActiveReservation(ctx, userID, resourceID)
	if errors.Is(err, database.ErrNoActiveReservation) {
		metrics.IncEngineOp("cancel", "not_found")
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.IncEngineOp("cancel", "error")
		return nil, err
	}
	if r.ApprovedDate != nil {
		metrics.IncEngineOp("cancel", "not_found")
		return nil, fmt.Errorf("%w: approved reservations must be released", ErrNotFound)
	}

	now := e.clock.Now()
	if err := e.db.CancelReservationWithVersion(ctx, r.ID, r.Version, now); err != nil {
		metrics.IncEngineOp("cancel", "error")
		return nil, err
	}
	r.CancelledDate = &now
	r.Version++

	e.publish(events.EventReservationCancelled, r, now, false)
	metrics.IncEngineOp("cancel", "ok")
	e.log.Info().Int64("user_id", userID).Int64("resource_id", resourceID).
		Int64("reservation_id", r.ID).Msg("reservation cancelled")

	return r, nil
}

// Release relinquishes the user's approved reservation and promotes the
// oldest queued requester, if any, under the same resource lock.
func (e *Engine) Release(ctx context.Context, userID, resourceID int64) (*models.Reservation, error) {
	mu := e.lockResource(resourceID)
	mu.Lock()
	defer mu.Unlock()

	r, err := e.db.GetActiveReservation(ctx, userID, resourceID)
	if errors.Is(err, database.ErrNoActiveReservation) {
		metrics.IncEngineOp("release", "not_found")
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.IncEngineOp("release", "error")
		return nil, err
	}
	if r.ApprovedDate == nil {
		metrics.IncEngineOp("release", "not_found")
		return nil, fmt.Errorf("%w: queued reservations must be cancelled", ErrNotFound)
	}

	now := e.clock.Now()
	promoted, err := e.db.ReleaseAndPromote(ctx, r.ID, r.Version, resourceID, now, now.Add(e.cfg.ApprovedTimeout()))
	if err != nil {
		metrics.IncEngineOp("release", "error")
		return nil, err
	}
	r.ReleasedDate = &now
	r.Version++

	e.publish(events.EventReservationReleased, r, now, false)
	metrics.IncEngineOp("release", "ok")
	e.log.Info().Int64("user_id", userID).Int64("resource_id", resourceID).
		Int64("reservation_id", r.ID).Msg("reservation released")

	e.recordPromotion(promoted, resourceID, now)
	return r, nil
}

// KeepAlive extends the deadline of the user's active reservation:
// approved records get now + approved timeout, queued records get
// now + requested timeout. With requested expiry disabled a queued
// keep-alive succeeds without touching the record. A keep-alive
// arriving past the deadline fails with ErrExpired and leaves the
// record for the sweeper.
func (e *Engine) KeepAlive(ctx context.Context, userID, resourceID int64) (*models.Reservation, error) {
	mu := e.lockResource(resourceID)
	mu.Lock()
	defer mu.Unlock()

	r, err := e.db.GetActiveReservation(ctx, userID, resourceID)
	if errors.Is(err, database.ErrNoActiveReservation) {
		metrics.IncEngineOp("keep_alive", "not_found")
		return nil, ErrNotFound
	}
	if err != nil {
		metrics.IncEngineOp("keep_alive", "error")
		return nil, err
	}

	now := e.clock.Now()
	if r.Expired(now) {
		metrics.IncEngineOp("keep_alive", "expired")
		return nil, ErrExpired
	}

	var validUntil time.Time
	switch {
	case r.ApprovedDate != nil:
		validUntil = now.Add(e.cfg.ApprovedTimeout())
	case e.cfg.RequestedTimeout() > 0:
		validUntil = now.Add(e.cfg.RequestedTimeout())
	default:
		// Queued with expiry disabled: nothing to extend.
		metrics.IncEngineOp("keep_alive", "ok")
		return r, nil
	}

	if err := e.db.ExtendReservationWithVersion(ctx, r.ID, r.Version, validUntil); err != nil {
		metrics.IncEngineOp("keep_alive", "error")
		return nil, err
	}
	r.ValidUntil = &validUntil
	r.Version++

	metrics.IncEngineOp("keep_alive", "ok")
	return r, nil
}

// QueryActive lists active reservations, optionally filtered by
// resource and user, ordered by request date so queue position is
// visible. Committed transitions only: release and promotion commit in
// one transaction, so a listing never sees a vacated resource with the
// successor still queued.
func (e *Engine) QueryActive(ctx context.Context, filter database.ActiveFilter) ([]*models.Reservation, error) {
	return e.db.ListActiveReservations(ctx, filter)
}

// ExpireDue is the sweeper's entry point: transitions every active
// record whose deadline is at or before now. Expired requested records
// are cancelled, expired approved records are released and the vacated
// resource promotes its next requester. A failed record is logged and
// retried next tick; only the initial listing error aborts the pass.
func (e *Engine) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.db.ListDueReservations(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due reservations: %w", err)
	}

	expired := 0
	for _, r := range due {
		if err := e.expireOne(ctx, r.ID, r.ResourceID, now); err != nil {
			e.log.Error().Err(err).Int64("reservation_id", r.ID).
				Int64("resource_id", r.ResourceID).Msg("expiry failed, will retry next tick")
			continue
		}
		expired++
	}
	return expired, nil
}

func (e *Engine) expireOne(ctx context.Context, reservationID, resourceID int64, now time.Time) error {
	mu := e.lockResource(resourceID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock: a keep-alive or release may have won.
	r, err := e.db.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !r.Active() || !r.Expired(now) {
		return nil
	}

	if r.ApprovedDate == nil {
		if err := e.db.CancelReservationWithVersion(ctx, r.ID, r.Version, now); err != nil {
			return err
		}
		r.CancelledDate = &now
		metrics.IncExpired(models.StatusRequested)
		e.publish(events.EventReservationExpired, r, now, true)
		e.publish(events.EventReservationCancelled, r, now, true)
		e.log.Info().Int64("reservation_id", r.ID).Int64("resource_id", resourceID).
			Msg("queued reservation expired")
		return nil
	}

	promoted, err := e.db.ReleaseAndPromote(ctx, r.ID, r.Version, resourceID, now, now.Add(e.cfg.ApprovedTimeout()))
	if err != nil {
		return err
	}
	r.ReleasedDate = &now
	metrics.IncExpired(models.StatusApproved)
	e.publish(events.EventReservationExpired, r, now, true)
	e.publish(events.EventReservationReleased, r, now, true)
	e.log.Info().Int64("reservation_id", r.ID).Int64("resource_id", resourceID).
		Msg("approved reservation expired")

	e.recordPromotion(promoted, resourceID, now)
	return nil
}

// recordPromotion publishes the promoted record, if any. The store has
// already committed the promotion together with the release.
func (e *Engine) recordPromotion(promoted *models.Reservation, resourceID int64, now time.Time) {
	if promoted == nil {
		return
	}
	metrics.IncPromoted()
	e.publish(events.EventReservationApproved, promoted, now, false)
	e.log.Info().Int64("user_id", promoted.UserID).Int64("resource_id", resourceID).
		Int64("reservation_id", promoted.ID).Msg("queued reservation promoted")
}

func (e *Engine) publish(eventType string, r *models.Reservation, occurredAt time.Time, expired bool) {
	if e.bus == nil {
		return
	}
	payload := events.ReservationEventPayload{
		ReservationID: r.ID,
		UserID:        r.UserID,
		ResourceID:    r.ResourceID,
		Status:        r.Status(),
		RequestDate:   r.RequestDate,
		ValidUntil:    r.ValidUntil,
		OccurredAt:    occurredAt,
		Expired:       expired,
	}
	if err := e.bus.PublishJSON(eventType, payload); err != nil {
		e.log.Error().Err(err).Str("event_type", eventType).Msg("publish event")
	}
}
