package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parcel-audit/internal/geometry"
	"parcel-audit/internal/reference"
	"parcel-audit/internal/tiles"
)

// CacheRepository persists tile composite and reference boundary cache
// entries. It satisfies tiles.EntryStore and reference.BoundaryStore.
type CacheRepository struct {
	db *gorm.DB
}

func NewCacheRepository(db *gorm.DB) *CacheRepository {
	return &CacheRepository{db: db}
}

func (TileCacheEntry) TableName() string {
	return "tile_cache_entries"
}

func (BoundaryCacheEntry) TableName() string {
	return "boundary_cache_entries"
}

type TileCacheEntry struct {
	Key           string                              `gorm:"primaryKey"`
	Source        string                              `gorm:"not null"`
	Zoom          int                                 `gorm:"not null"`
	RequestedBBox datatypes.JSONType[geometry.BBox]   `gorm:"column:requested_bbox;type:jsonb"`
	BBox          datatypes.JSONType[geometry.BBox]   `gorm:"column:bbox;type:jsonb"`
	Width         int                                 `gorm:"not null"`
	Height        int                                 `gorm:"not null"`
	Transform     datatypes.JSONType[geometry.Affine] `gorm:"type:jsonb"`
	BlobKey       string                              `gorm:"not null"`
	CreatedAt     time.Time
}

type BoundaryCacheEntry struct {
	AreaName  string         `gorm:"primaryKey"`
	Category  string         `gorm:"primaryKey"`
	Strategy  string         `gorm:"not null"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null"`
	FetchedAt time.Time
}

func (r *CacheRepository) GetTileEntry(ctx context.Context, key string) (*tiles.Entry, bool, error) {
	var row TileCacheEntry
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &tiles.Entry{
		Key:       row.Key,
		Source:    row.Source,
		Zoom:      row.Zoom,
		Requested: row.RequestedBBox.Data(),
		BBox:      row.BBox.Data(),
		Width:     row.Width,
		Height:    row.Height,
		Transform: row.Transform.Data(),
		BlobKey:   row.BlobKey,
		CreatedAt: row.CreatedAt,
	}, true, nil
}

func (r *CacheRepository) PutTileEntry(ctx context.Context, e tiles.Entry) error {
	row := TileCacheEntry{
		Key:           e.Key,
		Source:        e.Source,
		Zoom:          e.Zoom,
		RequestedBBox: datatypes.NewJSONType(e.Requested),
		BBox:          datatypes.NewJSONType(e.BBox),
		Width:         e.Width,
		Height:        e.Height,
		Transform:     datatypes.NewJSONType(e.Transform),
		BlobKey:       e.BlobKey,
		CreatedAt:     e.CreatedAt,
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "key"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to store tile cache entry: %w", err)
	}
	return nil
}

func (r *CacheRepository) GetBoundaryEntry(ctx context.Context, areaName, category string) (*reference.BoundaryEntry, bool, error) {
	var row BoundaryCacheEntry
	err := r.db.WithContext(ctx).
		Where("area_name = ? AND category = ?", areaName, category).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &reference.BoundaryEntry{
		AreaName:  row.AreaName,
		Category:  row.Category,
		Strategy:  row.Strategy,
		Payload:   row.Payload,
		FetchedAt: row.FetchedAt,
	}, true, nil
}

// PutBoundaryEntry replaces any entry for the same area and category.
func (r *CacheRepository) PutBoundaryEntry(ctx context.Context, e reference.BoundaryEntry) error {
	row := BoundaryCacheEntry{
		AreaName:  e.AreaName,
		Category:  e.Category,
		Strategy:  e.Strategy,
		Payload:   datatypes.JSON(e.Payload),
		FetchedAt: e.FetchedAt,
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("area_name = ? AND category = ?", e.AreaName, e.Category).Delete(&BoundaryCacheEntry{}).Error; err != nil {
			return fmt.Errorf("delete boundary cache entry: %w", err)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert boundary cache entry: %w", err)
		}
		return nil
	})
}
