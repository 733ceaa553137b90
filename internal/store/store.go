// Package store persists request and landmark records with soft-delete
// semantics. Drivers: Postgres (gorm) and an in-memory implementation with
// identical behavior for local runs and tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/overpasskit/landmark-webhook/internal/coord"
	"github.com/overpasskit/landmark-webhook/internal/model"
)

var (
	// ErrNotFound reports that no live row matched.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicateKey reports a partial-unique violation: another live row
	// already holds the canonical key or OSM identity.
	ErrDuplicateKey = errors.New("store: duplicate key")
)

// Store is the persistence boundary of the pipeline. Every read filters
// soft-deleted rows; writes inside Transaction commit or roll back together.
type Store interface {
	FindLiveRequestByKey(ctx context.Context, key coord.Key) (*model.RequestRecord, error)
	FindRequestByID(ctx context.Context, id uuid.UUID) (*model.RequestRecord, error)
	SaveRequest(ctx context.Context, r *model.RequestRecord) error
	SoftDeleteRequest(ctx context.Context, id uuid.UUID) error

	FindLandmarksByRequestID(ctx context.Context, requestID uuid.UUID) ([]model.LandmarkRecord, error)
	FindLiveLandmarkByOsm(ctx context.Context, osmType model.OsmType, osmID int64) (*model.LandmarkRecord, error)
	SaveLandmark(ctx context.Context, l *model.LandmarkRecord) error
	AssociateLandmark(ctx context.Context, requestID, landmarkID uuid.UUID) error
	SoftDeleteLandmark(ctx context.Context, id uuid.UUID) error

	FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.RequestRecord, error)

	// Transaction runs fn against a transactional view of the store and
	// rolls every write back when fn returns an error.
	Transaction(ctx context.Context, fn func(Store) error) error

	Ping(ctx context.Context) error
	Close() error
}
