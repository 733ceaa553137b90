package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/overpasskit/landmark-webhook/internal/coord"
	"github.com/overpasskit/landmark-webhook/internal/model"
)

// Memory is the in-process driver. One mutex guards all state; Transaction
// snapshots the maps and restores them when fn fails, which matches the
// Postgres driver closely enough for the coordinator and worker paths.
type Memory struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]model.RequestRecord
	landmarks map[uuid.UUID]model.LandmarkRecord
	assoc     map[uuid.UUID]map[uuid.UUID]struct{}
	now       func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		requests:  make(map[uuid.UUID]model.RequestRecord),
		landmarks: make(map[uuid.UUID]model.LandmarkRecord),
		assoc:     make(map[uuid.UUID]map[uuid.UUID]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) FindLiveRequestByKey(_ context.Context, key coord.Key) (*model.RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLiveRequestByKey(key)
}

func (m *Memory) FindRequestByID(_ context.Context, id uuid.UUID) (*model.RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findRequestByID(id)
}

func (m *Memory) SaveRequest(_ context.Context, r *model.RequestRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveRequest(r)
}

func (m *Memory) SoftDeleteRequest(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softDeleteRequest(id)
}

func (m *Memory) FindLandmarksByRequestID(_ context.Context, requestID uuid.UUID) ([]model.LandmarkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLandmarksByRequestID(requestID)
}

func (m *Memory) FindLiveLandmarkByOsm(_ context.Context, osmType model.OsmType, osmID int64) (*model.LandmarkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLiveLandmarkByOsm(osmType, osmID)
}

func (m *Memory) SaveLandmark(_ context.Context, l *model.LandmarkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLandmark(l)
}

func (m *Memory) AssociateLandmark(_ context.Context, requestID, landmarkID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.associateLandmark(requestID, landmarkID)
	return nil
}

func (m *Memory) SoftDeleteLandmark(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.softDeleteLandmark(id)
}

func (m *Memory) FindStalePending(_ context.Context, olderThan time.Time, limit int) ([]model.RequestRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findStalePending(olderThan, limit)
}

func (m *Memory) Transaction(_ context.Context, fn func(Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapReq, snapLm, snapAssoc := m.snapshot()
	if err := fn(&memTx{m}); err != nil {
		m.requests, m.landmarks, m.assoc = snapReq, snapLm, snapAssoc
		return err
	}
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// memTx exposes the unlocked internals to a Transaction body; the enclosing
// Transaction call already holds the mutex.
type memTx struct {
	m *Memory
}

func (t *memTx) FindLiveRequestByKey(_ context.Context, key coord.Key) (*model.RequestRecord, error) {
	return t.m.findLiveRequestByKey(key)
}

func (t *memTx) FindRequestByID(_ context.Context, id uuid.UUID) (*model.RequestRecord, error) {
	return t.m.findRequestByID(id)
}

func (t *memTx) SaveRequest(_ context.Context, r *model.RequestRecord) error {
	return t.m.saveRequest(r)
}

func (t *memTx) SoftDeleteRequest(_ context.Context, id uuid.UUID) error {
	return t.m.softDeleteRequest(id)
}

func (t *memTx) FindLandmarksByRequestID(_ context.Context, requestID uuid.UUID) ([]model.LandmarkRecord, error) {
	return t.m.findLandmarksByRequestID(requestID)
}

func (t *memTx) FindLiveLandmarkByOsm(_ context.Context, osmType model.OsmType, osmID int64) (*model.LandmarkRecord, error) {
	return t.m.findLiveLandmarkByOsm(osmType, osmID)
}

func (t *memTx) SaveLandmark(_ context.Context, l *model.LandmarkRecord) error {
	return t.m.saveLandmark(l)
}

func (t *memTx) AssociateLandmark(_ context.Context, requestID, landmarkID uuid.UUID) error {
	t.m.associateLandmark(requestID, landmarkID)
	return nil
}

func (t *memTx) SoftDeleteLandmark(_ context.Context, id uuid.UUID) error {
	return t.m.softDeleteLandmark(id)
}

func (t *memTx) FindStalePending(_ context.Context, olderThan time.Time, limit int) ([]model.RequestRecord, error) {
	return t.m.findStalePending(olderThan, limit)
}

// nested transactions join the outer one
func (t *memTx) Transaction(_ context.Context, fn func(Store) error) error {
	return fn(t)
}

func (t *memTx) Ping(context.Context) error { return nil }

func (t *memTx) Close() error { return nil }

// --- unlocked internals ---

func (m *Memory) findLiveRequestByKey(key coord.Key) (*model.RequestRecord, error) {
	for _, r := range m.requests {
		if r.DeletedAt == nil && r.KeyLat == key.Lat && r.KeyLng == key.Lng && r.RadiusMeters == key.RadiusMeters {
			cp := r
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) findRequestByID(id uuid.UUID) (*model.RequestRecord, error) {
	r, ok := m.requests[id]
	if !ok || r.DeletedAt != nil {
		return nil, ErrNotFound
	}
	cp := r
	return &cp, nil
}

func (m *Memory) saveRequest(r *model.RequestRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.DeletedAt == nil {
		for _, ex := range m.requests {
			if ex.ID != r.ID && ex.DeletedAt == nil &&
				ex.KeyLat == r.KeyLat && ex.KeyLng == r.KeyLng && ex.RadiusMeters == r.RadiusMeters {
				return ErrDuplicateKey
			}
		}
	}
	r.UpdatedAt = m.now()
	m.requests[r.ID] = *r
	return nil
}

func (m *Memory) softDeleteRequest(id uuid.UUID) error {
	r, ok := m.requests[id]
	if !ok || r.DeletedAt != nil {
		return ErrNotFound
	}
	now := m.now()
	r.DeletedAt = &now
	r.UpdatedAt = now
	m.requests[id] = r
	return nil
}

func (m *Memory) findLandmarksByRequestID(requestID uuid.UUID) ([]model.LandmarkRecord, error) {
	ids := m.assoc[requestID]
	out := make([]model.LandmarkRecord, 0, len(ids))
	for id := range ids {
		if l, ok := m.landmarks[id]; ok && l.DeletedAt == nil {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return strings.Compare(out[i].ID.String(), out[j].ID.String()) < 0
	})
	return out, nil
}

func (m *Memory) findLiveLandmarkByOsm(osmType model.OsmType, osmID int64) (*model.LandmarkRecord, error) {
	for _, l := range m.landmarks {
		if l.DeletedAt == nil && l.OsmType == osmType && l.OsmID == osmID {
			cp := l
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) saveLandmark(l *model.LandmarkRecord) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now()
	}
	if l.DeletedAt == nil {
		for _, ex := range m.landmarks {
			if ex.ID != l.ID && ex.DeletedAt == nil && ex.OsmType == l.OsmType && ex.OsmID == l.OsmID {
				return ErrDuplicateKey
			}
		}
	}
	m.landmarks[l.ID] = *l
	return nil
}

func (m *Memory) associateLandmark(requestID, landmarkID uuid.UUID) {
	set, ok := m.assoc[requestID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		m.assoc[requestID] = set
	}
	set[landmarkID] = struct{}{}
}

func (m *Memory) softDeleteLandmark(id uuid.UUID) error {
	l, ok := m.landmarks[id]
	if !ok || l.DeletedAt != nil {
		return ErrNotFound
	}
	now := m.now()
	l.DeletedAt = &now
	m.landmarks[id] = l
	return nil
}

func (m *Memory) findStalePending(olderThan time.Time, limit int) ([]model.RequestRecord, error) {
	var out []model.RequestRecord
	for _, r := range m.requests {
		if r.DeletedAt == nil && r.Status == model.StatusPending && r.RequestedAt.Before(olderThan) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) snapshot() (map[uuid.UUID]model.RequestRecord, map[uuid.UUID]model.LandmarkRecord, map[uuid.UUID]map[uuid.UUID]struct{}) {
	reqs := make(map[uuid.UUID]model.RequestRecord, len(m.requests))
	for k, v := range m.requests {
		reqs[k] = v
	}
	lms := make(map[uuid.UUID]model.LandmarkRecord, len(m.landmarks))
	for k, v := range m.landmarks {
		lms[k] = v
	}
	assoc := make(map[uuid.UUID]map[uuid.UUID]struct{}, len(m.assoc))
	for k, set := range m.assoc {
		cp := make(map[uuid.UUID]struct{}, len(set))
		for id := range set {
			cp[id] = struct{}{}
		}
		assoc[k] = cp
	}
	return reqs, lms, assoc
}
