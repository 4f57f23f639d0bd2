package sweeper

import (
	"context"
	"time"

	"reservia/internal/engine"

	"github.com/rs/zerolog"
)

// Sweeper periodically expires overdue reservations through the
// engine's transition path, so ticks and user operations share the
// same per-resource serialization.
type Sweeper struct {
	engine   *engine.Engine
	clock    engine.Clock
	interval time.Duration
	log      zerolog.Logger
}

func New(eng *engine.Engine, clock engine.Clock, interval time.Duration, logger *zerolog.Logger) *Sweeper {
	if clock == nil {
		clock = engine.SystemClock()
	}
	if interval <= 0 {
		interval = time.Second
	}

	var log zerolog.Logger
	if logger != nil {
		log = logger.With().Str("component", "sweeper").Logger()
	}

	return &Sweeper{
		engine:   eng,
		clock:    clock,
		interval: interval,
		log:      log,
	}
}

// Start runs the sweep loop; stops when ctx is done. Per-record
// failures are handled inside the engine; a failed tick is logged and
// retried on the next one.
func (s *Sweeper) Start(ctx context.Context) {
	s.log.Info().Dur("interval", s.interval).Msg("sweeper started")
	defer s.log.Info().Msg("sweeper stopped")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one expiration pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.engine.ExpireDue(ctx, s.clock.Now())
	if err != nil {
		s.log.Error().Err(err).Msg("sweep tick failed")
		return
	}
	if expired > 0 {
		s.log.Info().Int("expired", expired).Msg("sweep tick expired reservations")
	}
}
