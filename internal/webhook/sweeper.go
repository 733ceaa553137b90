package webhook

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/observability"
	"github.com/overpasskit/landmark-webhook/internal/queue"
	"github.com/overpasskit/landmark-webhook/internal/store"
)

// Sweeper re-enqueues PENDING records whose message was lost: a worker crash
// between insert and terminal save, or a delivery consumed before the submit
// transaction committed. Re-enqueueing a completed record is a no-op at the
// worker.
type Sweeper struct {
	log      zerolog.Logger
	store    store.Store
	producer queue.Producer
	interval time.Duration
	maxAge   time.Duration
	batch    int
	now      func() time.Time
}

func NewSweeper(st store.Store, p queue.Producer, interval, maxAge time.Duration, batch int, log zerolog.Logger) *Sweeper {
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		log:      log.With().Str("component", "sweeper").Logger(),
		store:    st,
		producer: p,
		interval: interval,
		maxAge:   maxAge,
		batch:    batch,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks until ctx ends. A zero interval disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info().Msg("sweeper disabled")
		return
	}
	s.log.Info().Dur("interval", s.interval).Dur("max_age", s.maxAge).
		Int("batch", s.batch).Msg("sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.maxAge)
	stale, err := s.store.FindStalePending(ctx, cutoff, s.batch)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep query failed")
		return
	}
	if len(stale) == 0 {
		return
	}

	requeued := 0
	for i := range stale {
		rec := &stale[i]
		if err := s.producer.Enqueue(ctx, queue.NewMessage(rec.ID, rec.Key())); err != nil {
			s.log.Warn().Err(err).Str("request_id", rec.ID.String()).
				Msg("re-enqueue failed")
			continue
		}
		requeued++
	}
	if requeued > 0 {
		observability.AddSweeperRequeued(requeued)
		s.log.Info().Int("requeued", requeued).Int("stale", len(stale)).
			Time("cutoff", cutoff).Msg("re-enqueued stale pending requests")
	}
}
