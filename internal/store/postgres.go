package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/overpasskit/landmark-webhook/internal/coord"
	"github.com/overpasskit/landmark-webhook/internal/model"
)

// Postgres is the gorm-backed driver. The partial-unique indexes on
// request_record and landmark_record are created by AutoMigrate and are the
// ultimate guard against racing submitters.
type Postgres struct {
	db *gorm.DB
}

func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&model.RequestRecord{},
		&model.LandmarkRecord{},
		&model.RequestLandmark{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) FindLiveRequestByKey(ctx context.Context, key coord.Key) (*model.RequestRecord, error) {
	var r model.RequestRecord
	err := p.db.WithContext(ctx).
		Where("key_lat = ? AND key_lng = ? AND radius_m = ? AND deleted_at IS NULL",
			key.Lat, key.Lng, key.RadiusMeters).
		First(&r).Error
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (p *Postgres) FindRequestByID(ctx context.Context, id uuid.UUID) (*model.RequestRecord, error) {
	var r model.RequestRecord
	err := p.db.WithContext(ctx).
		Where("id = ? AND deleted_at IS NULL", id).
		First(&r).Error
	if err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (p *Postgres) SaveRequest(ctx context.Context, r *model.RequestRecord) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	r.UpdatedAt = time.Now().UTC()
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(r).Error
	return translate(err)
}

func (p *Postgres) SoftDeleteRequest(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	res := p.db.WithContext(ctx).
		Model(&model.RequestRecord{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]any{"deleted_at": now, "updated_at": now})
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FindLandmarksByRequestID(ctx context.Context, requestID uuid.UUID) ([]model.LandmarkRecord, error) {
	var out []model.LandmarkRecord
	err := p.db.WithContext(ctx).
		Joins("JOIN request_landmark rl ON rl.landmark_id = landmark_record.id").
		Where("rl.request_id = ? AND landmark_record.deleted_at IS NULL", requestID).
		Order("landmark_record.created_at, landmark_record.id").
		Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (p *Postgres) FindLiveLandmarkByOsm(ctx context.Context, osmType model.OsmType, osmID int64) (*model.LandmarkRecord, error) {
	var l model.LandmarkRecord
	err := p.db.WithContext(ctx).
		Where("osm_type = ? AND osm_id = ? AND deleted_at IS NULL", osmType, osmID).
		First(&l).Error
	if err != nil {
		return nil, translate(err)
	}
	return &l, nil
}

func (p *Postgres) SaveLandmark(ctx context.Context, l *model.LandmarkRecord) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, UpdateAll: true}).
		Create(l).Error
	return translate(err)
}

func (p *Postgres) AssociateLandmark(ctx context.Context, requestID, landmarkID uuid.UUID) error {
	err := p.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.RequestLandmark{RequestID: requestID, LandmarkID: landmarkID}).Error
	return translate(err)
}

func (p *Postgres) SoftDeleteLandmark(ctx context.Context, id uuid.UUID) error {
	res := p.db.WithContext(ctx).
		Model(&model.LandmarkRecord{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Update("deleted_at", time.Now().UTC())
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FindStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.RequestRecord, error) {
	var out []model.RequestRecord
	err := p.db.WithContext(ctx).
		Where("status = ? AND deleted_at IS NULL AND requested_at < ?", model.StatusPending, olderThan).
		Order("requested_at").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, translate(err)
	}
	return out, nil
}

func (p *Postgres) Transaction(ctx context.Context, fn func(Store) error) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Postgres{db: tx})
	})
}

func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps driver errors onto the package sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}
