package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/overpasskit/landmark-webhook/internal/cache"
	"github.com/overpasskit/landmark-webhook/internal/coord"
	"github.com/overpasskit/landmark-webhook/internal/model"
	"github.com/overpasskit/landmark-webhook/internal/observability"
	"github.com/overpasskit/landmark-webhook/internal/overpass"
	"github.com/overpasskit/landmark-webhook/internal/queue"
	"github.com/overpasskit/landmark-webhook/internal/store"
)

const maxErrorRunes = 1000

// Fetcher is the upstream seam the worker pulls landmarks through.
type Fetcher interface {
	QueryLandmarks(ctx context.Context, lat, lng float64, radiusMeters int) ([]overpass.Landmark, error)
}

// Worker materializes one pending request per processing message. Handle is
// idempotent with respect to terminal state and satisfies queue.Handler.
type Worker struct {
	log      zerolog.Logger
	store    store.Store
	cache    cache.Interface
	fetcher  Fetcher
	freshFor time.Duration
	now      func() time.Time
}

func NewWorker(st store.Store, c cache.Interface, f Fetcher, freshFor time.Duration, log zerolog.Logger) *Worker {
	return &Worker{
		log:      log.With().Str("component", "worker").Logger(),
		store:    st,
		cache:    c,
		fetcher:  f,
		freshFor: freshFor,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle resolves a delivery in order of cost: cached landmarks, landmarks
// stored under the same key, and finally the external fetch. Store failures
// return without acking so the delivery is retried; upstream failures are
// terminal and recorded on the request.
func (w *Worker) Handle(ctx context.Context, msg queue.Message, ack func()) error {
	start := time.Now()
	log := w.log.With().Str("request_id", msg.RequestID.String()).Logger()

	rec, err := w.store.FindRequestByID(ctx, msg.RequestID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("request gone, dropping message")
		observability.ObserveWorker("missing", time.Since(start).Seconds())
		ack()
		return nil
	}
	if err != nil {
		observability.ObserveWorker("store_error", time.Since(start).Seconds())
		return fmt.Errorf("find request: %w", err)
	}
	if rec.Status != model.StatusPending {
		log.Debug().Str("status", string(rec.Status)).Msg("request already terminal, dropping duplicate delivery")
		observability.ObserveWorker("duplicate", time.Since(start).Seconds())
		ack()
		return nil
	}

	key := rec.Key()
	ck := key.String()

	// landmarks already cached for this key: confirm from the store and finish
	if _, ok := w.cache.Get(ctx, cache.Landmarks, ck); ok {
		done, err := w.finishFromOwn(ctx, rec, ck, log)
		if err != nil {
			observability.ObserveWorker("store_error", time.Since(start).Seconds())
			return err
		}
		if done {
			observability.ObserveWorker("cache_shortcut", time.Since(start).Seconds())
			ack()
			return nil
		}
		log.Warn().Str("key", ck).Msg("landmarks cached but none stored, fetching")
	}

	// a completed record under the same key can donate its landmarks
	done, err := w.finishFromSibling(ctx, rec, key, ck, log)
	if err != nil {
		observability.ObserveWorker("store_error", time.Since(start).Seconds())
		return err
	}
	if done {
		observability.ObserveWorker("db_shortcut", time.Since(start).Seconds())
		ack()
		return nil
	}

	fetched, err := w.fetcher.QueryLandmarks(ctx, key.Lat, key.Lng, key.RadiusMeters)
	if err != nil {
		var oerr *overpass.Error
		if !errors.As(err, &oerr) {
			// canceled before the upstream answered; redeliver untouched
			observability.ObserveWorker("canceled", time.Since(start).Seconds())
			return fmt.Errorf("query landmarks: %w", err)
		}
		if serr := w.markError(ctx, rec, ck, oerr); serr != nil {
			observability.ObserveWorker("store_error", time.Since(start).Seconds())
			return fmt.Errorf("save error status: %w", serr)
		}
		log.Warn().Err(oerr).Str("key", ck).Msg("upstream fetch failed, request marked ERROR")
		observability.ObserveWorker("upstream_error", time.Since(start).Seconds())
		ack()
		return nil
	}

	views, status, err := w.persistFetch(ctx, rec, fetched)
	if err != nil {
		// best-effort terminal status; the redelivery acks it as a duplicate
		if serr := w.markError(ctx, rec, ck, err); serr != nil {
			log.Warn().Err(serr).Msg("failed to record error status")
		}
		observability.ObserveWorker("store_error", time.Since(start).Seconds())
		return fmt.Errorf("persist landmarks: %w", err)
	}

	if b, ok := encodeViews(views); ok {
		w.cache.Put(ctx, cache.Landmarks, ck, b)
	}
	w.cache.Evict(ctx, cache.Requests, ck)
	log.Info().Str("key", ck).Int("landmarks", len(views)).
		Str("status", string(status)).Msg("request materialized")
	observability.ObserveWorker(strings.ToLower(string(status)), time.Since(start).Seconds())
	ack()
	return nil
}

// finishFromOwn completes the request from landmarks already associated with
// it, which happens when a redelivery arrives after a partial run.
func (w *Worker) finishFromOwn(ctx context.Context, rec *model.RequestRecord, ck string, log zerolog.Logger) (bool, error) {
	own, err := w.store.FindLandmarksByRequestID(ctx, rec.ID)
	if err != nil {
		return false, fmt.Errorf("load own landmarks: %w", err)
	}
	if len(own) == 0 {
		return false, nil
	}
	rec.Status = model.StatusFound
	if err := w.store.SaveRequest(ctx, rec); err != nil {
		return false, fmt.Errorf("save request: %w", err)
	}
	w.cache.Evict(ctx, cache.Requests, ck)
	log.Info().Str("key", ck).Int("landmarks", len(own)).
		Msg("request completed from cached landmarks")
	return true, nil
}

// finishFromSibling adopts the landmarks of a different live record holding
// the same key, when that record is terminal, fresh, and non-empty. No
// external call is made on this path.
func (w *Worker) finishFromSibling(ctx context.Context, rec *model.RequestRecord, key coord.Key, ck string, log zerolog.Logger) (bool, error) {
	sibling, err := w.store.FindLiveRequestByKey(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find request by key: %w", err)
	}
	if sibling.ID == rec.ID || sibling.Status == model.StatusPending || sibling.Age(w.now()) > w.freshFor {
		return false, nil
	}
	landmarks, err := w.store.FindLandmarksByRequestID(ctx, sibling.ID)
	if err != nil {
		return false, fmt.Errorf("load sibling landmarks: %w", err)
	}
	if len(landmarks) == 0 {
		return false, nil
	}

	err = w.store.Transaction(ctx, func(tx store.Store) error {
		for i := range landmarks {
			if err := tx.AssociateLandmark(ctx, rec.ID, landmarks[i].ID); err != nil {
				return fmt.Errorf("associate landmark: %w", err)
			}
		}
		rec.Status = model.StatusFound
		if err := tx.SaveRequest(ctx, rec); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if b, ok := encodeViews(viewsFromRecords(landmarks)); ok {
		w.cache.Put(ctx, cache.Landmarks, ck, b)
	}
	w.cache.Evict(ctx, cache.Requests, ck)
	log.Info().Str("key", ck).Str("sibling_id", sibling.ID.String()).
		Int("landmarks", len(landmarks)).Msg("request completed from stored landmarks")
	return true, nil
}

// persistFetch stores the fetch result in one transaction: each element
// reuses the live row with its (osmType, osmId) or inserts a new one, every
// row is associated with this request, and the terminal status is saved.
func (w *Worker) persistFetch(ctx context.Context, rec *model.RequestRecord, fetched []overpass.Landmark) ([]LandmarkView, model.RequestStatus, error) {
	status := model.StatusEmpty
	if len(fetched) > 0 {
		status = model.StatusFound
	}
	now := w.now()

	var collected []model.LandmarkRecord
	err := w.store.Transaction(ctx, func(tx store.Store) error {
		collected = make([]model.LandmarkRecord, 0, len(fetched))
		for _, f := range fetched {
			lm, err := w.upsertLandmark(ctx, tx, rec.ID, f, now)
			if err != nil {
				return err
			}
			if err := tx.AssociateLandmark(ctx, rec.ID, lm.ID); err != nil {
				return fmt.Errorf("associate landmark: %w", err)
			}
			collected = append(collected, *lm)
		}
		rec.Status = status
		if err := tx.SaveRequest(ctx, rec); err != nil {
			return fmt.Errorf("save request: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return viewsFromRecords(collected), status, nil
}

func (w *Worker) upsertLandmark(ctx context.Context, tx store.Store, requestID uuid.UUID, f overpass.Landmark, now time.Time) (*model.LandmarkRecord, error) {
	existing, err := tx.FindLiveLandmarkByOsm(ctx, f.OsmType, f.OsmID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find landmark by osm id: %w", err)
	}
	lm := model.NewLandmarkRecord(requestID, f.OsmType, f.OsmID, f.Name, f.Lat, f.Lng, model.TagMap(f.Tags), now)
	if err := tx.SaveLandmark(ctx, lm); err != nil {
		// a racing worker inserted the same element; the rolled-back
		// redelivery reuses the committed row
		return nil, fmt.Errorf("save landmark: %w", err)
	}
	return lm, nil
}

func (w *Worker) markError(ctx context.Context, rec *model.RequestRecord, ck string, cause error) error {
	rec.Status = model.StatusError
	rec.ErrorMessage = truncateRunes(cause.Error(), maxErrorRunes)
	if err := w.store.SaveRequest(ctx, rec); err != nil {
		return err
	}
	w.cache.Evict(ctx, cache.Requests, ck)
	return nil
}
