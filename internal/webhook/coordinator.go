package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/cache"
	"github.com/overpasskit/landmark-webhook/internal/coord"
	"github.com/overpasskit/landmark-webhook/internal/model"
	"github.com/overpasskit/landmark-webhook/internal/queue"
	"github.com/overpasskit/landmark-webhook/internal/store"
)

// Coordinator accepts submissions: it canonicalizes the coordinates,
// deduplicates against the live record for the key, and enqueues the
// processing message inside the same transaction that creates the record.
type Coordinator struct {
	log      zerolog.Logger
	store    store.Store
	cache    cache.Interface
	producer queue.Producer
	radius   int
	freshFor time.Duration
	now      func() time.Time
}

func NewCoordinator(st store.Store, c cache.Interface, p queue.Producer, radiusMeters int, freshFor time.Duration, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		log:      log.With().Str("component", "coordinator").Logger(),
		store:    st,
		cache:    c,
		producer: p,
		radius:   radiusMeters,
		freshFor: freshFor,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit registers one webhook delivery. Invalid coordinates return
// *coord.InvalidInputError; a refused enqueue returns *EnqueueError with the
// pending record rolled back. Every other outcome carries the id and status
// of the record now owning the canonical key.
func (c *Coordinator) Submit(ctx context.Context, lat, lng string) (Submission, error) {
	key, err := coord.Canonicalize(lat, lng, c.radius)
	if err != nil {
		return Submission{}, err
	}
	ck := key.String()
	now := c.now()

	// hot-path probe; a cached snapshot answers without touching the store
	if b, ok := c.cache.Get(ctx, cache.Requests, ck); ok {
		if rec, ok := decodeRecord(b); ok {
			if rec.Status == model.StatusPending || rec.Age(now) <= c.freshFor {
				c.log.Debug().Str("key", ck).Str("request_id", rec.ID.String()).
					Str("status", string(rec.Status)).Msg("submission answered from cache")
				return Submission{ID: rec.ID, Status: rec.Status}, nil
			}
		}
	}

	var (
		sub       Submission
		created   *model.RequestRecord
		adopted   *model.RequestRecord
		refreshed bool
	)
	txErr := c.store.Transaction(ctx, func(tx store.Store) error {
		existing, err := tx.FindLiveRequestByKey(ctx, key)
		switch {
		case err == nil:
			if existing.Status == model.StatusPending {
				adopted = existing
				sub = Submission{ID: existing.ID, Status: model.StatusPending}
				c.log.Debug().Str("key", ck).Str("request_id", existing.ID.String()).
					Msg("coalesced onto pending request")
				return nil
			}
			if existing.Age(now) <= c.freshFor {
				adopted = existing
				sub = Submission{ID: existing.ID, Status: existing.Status}
				c.log.Debug().Str("key", ck).Str("request_id", existing.ID.String()).
					Str("status", string(existing.Status)).Msg("idempotent submission hit")
				return nil
			}
			if err := c.refresh(ctx, tx, existing); err != nil {
				return err
			}
			refreshed = true
		case errors.Is(err, store.ErrNotFound):
		default:
			return fmt.Errorf("find request by key: %w", err)
		}

		rec := model.NewRequestRecord(key, now)
		if err := tx.SaveRequest(ctx, rec); err != nil {
			return err
		}
		if err := c.producer.Enqueue(ctx, queue.NewMessage(rec.ID, key)); err != nil {
			return &EnqueueError{Err: err}
		}
		created = rec
		sub = Submission{ID: rec.ID, Status: model.StatusPending}
		return nil
	})

	if txErr != nil {
		if errors.Is(txErr, store.ErrDuplicateKey) {
			return c.adoptWinner(ctx, key, ck)
		}
		return Submission{}, txErr
	}

	if refreshed {
		c.cache.Evict(ctx, cache.Requests, ck)
		c.cache.Evict(ctx, cache.Landmarks, ck)
	}
	switch {
	case created != nil:
		if b, ok := encodeRecord(created); ok {
			c.cache.Put(ctx, cache.Requests, ck, b)
		}
		c.log.Info().Str("key", ck).Str("request_id", created.ID.String()).
			Bool("refreshed", refreshed).Msg("webhook accepted")
	case adopted != nil:
		if b, ok := encodeRecord(adopted); ok {
			c.cache.Put(ctx, cache.Requests, ck, b)
		}
	}
	return sub, nil
}

// refresh retires an expired record so a new fetch can own the key: its live
// landmarks and then the record itself are soft-deleted.
func (c *Coordinator) refresh(ctx context.Context, tx store.Store, rec *model.RequestRecord) error {
	landmarks, err := tx.FindLandmarksByRequestID(ctx, rec.ID)
	if err != nil {
		return fmt.Errorf("load landmarks for refresh: %w", err)
	}
	for i := range landmarks {
		if err := tx.SoftDeleteLandmark(ctx, landmarks[i].ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("soft delete landmark: %w", err)
		}
	}
	if err := tx.SoftDeleteRequest(ctx, rec.ID); err != nil {
		return fmt.Errorf("soft delete request: %w", err)
	}
	c.log.Info().Str("request_id", rec.ID.String()).
		Time("requested_at", rec.RequestedAt).Msg("refreshing expired request")
	return nil
}

// adoptWinner resolves a lost insert race by returning the record the
// concurrent submitter committed.
func (c *Coordinator) adoptWinner(ctx context.Context, key coord.Key, ck string) (Submission, error) {
	winner, err := c.store.FindLiveRequestByKey(ctx, key)
	if err != nil {
		return Submission{}, fmt.Errorf("find winning request: %w", err)
	}
	if b, ok := encodeRecord(winner); ok {
		c.cache.Put(ctx, cache.Requests, ck, b)
	}
	c.log.Debug().Str("key", ck).Str("request_id", winner.ID.String()).
		Msg("lost submission race, adopting winner")
	return Submission{ID: winner.ID, Status: winner.Status}, nil
}
