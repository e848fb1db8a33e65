package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parcel-audit/internal/domain/parcel"
	"parcel-audit/internal/geometry"
	"parcel-audit/internal/model"
)

type ParcelRepository struct {
	db *gorm.DB
}

func NewParcelRepository(db *gorm.DB) *ParcelRepository {
	return &ParcelRepository{db: db}
}

func (Project) TableName() string {
	return "projects"
}

func (Plot) TableName() string {
	return "plots"
}

func (Deviation) TableName() string {
	return "deviations"
}

func (ComparisonRun) TableName() string {
	return "comparison_runs"
}

type Project struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string    `gorm:"not null"`
	MinLon       float64
	MinLat       float64
	MaxLon       float64
	MaxLat       float64
	CenterLon    float64
	CenterLat    float64
	Zoom         int
	AreaName     *string
	AreaCategory *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Plot struct {
	ID         uuid.UUID      `gorm:"type:uuid;primaryKey"`
	ProjectID  uuid.UUID      `gorm:"type:uuid;not null;index"`
	Label      string         `gorm:"not null"`
	Category   string         `gorm:"not null"`
	Geometry   datatypes.JSON `gorm:"type:jsonb;not null"`
	AreaSQM    float64
	AreaSQFT   float64 `gorm:"column:area_sqft"`
	PerimeterM float64
	Color      string
	Confidence *float64
	Source     string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Deviation struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ProjectID       uuid.UUID  `gorm:"type:uuid;not null"`
	RunID           uuid.UUID  `gorm:"type:uuid;not null"`
	PlotID          *uuid.UUID `gorm:"type:uuid"`
	ReferencePlotID *string
	DeviationType   string         `gorm:"column:deviation_type;not null"`
	Severity        string         `gorm:"not null"`
	Geometry        datatypes.JSON `gorm:"type:jsonb"`
	AreaSQM         float64        `gorm:"column:deviation_area_sqm"`
	Description     string
	Details         datatypes.JSONType[parcel.DeviationDetails] `gorm:"type:jsonb"`
	Position        int
	CreatedAt       time.Time
}

type ComparisonRun struct {
	ID        uuid.UUID                                    `gorm:"type:uuid;primaryKey"`
	ProjectID uuid.UUID                                    `gorm:"type:uuid;not null"`
	Summary   datatypes.JSONType[parcel.ComparisonSummary] `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func projectRow(p *parcel.Project) Project {
	return Project{
		ID:           p.ID,
		Name:         p.Name,
		MinLon:       p.BBox.MinLon,
		MinLat:       p.BBox.MinLat,
		MaxLon:       p.BBox.MaxLon,
		MaxLat:       p.BBox.MaxLat,
		CenterLon:    p.Center[0],
		CenterLat:    p.Center[1],
		Zoom:         p.Zoom,
		AreaName:     optional(p.AreaName),
		AreaCategory: optional(p.AreaCategory),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func (row Project) domain() parcel.Project {
	return parcel.Project{
		ID:           row.ID,
		Name:         row.Name,
		BBox:         geometry.BBox{MinLon: row.MinLon, MinLat: row.MinLat, MaxLon: row.MaxLon, MaxLat: row.MaxLat},
		Center:       orb.Point{row.CenterLon, row.CenterLat},
		Zoom:         row.Zoom,
		AreaName:     deref(row.AreaName),
		AreaCategory: deref(row.AreaCategory),
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
}

func plotRow(p parcel.Plot) (Plot, error) {
	raw, err := geometry.Marshal(p.Geometry)
	if err != nil {
		return Plot{}, fmt.Errorf("marshal plot geometry: %w", err)
	}
	return Plot{
		ID:         p.ID,
		ProjectID:  p.ProjectID,
		Label:      p.Label,
		Category:   string(p.Category),
		Geometry:   datatypes.JSON(raw),
		AreaSQM:    p.AreaSQM,
		AreaSQFT:   p.AreaSQFT,
		PerimeterM: p.PerimeterM,
		Color:      p.Color,
		Confidence: p.Confidence,
		Source:     string(p.Source),
		Active:     p.Active,
		CreatedAt:  p.CreatedAt,
		UpdatedAt:  p.UpdatedAt,
	}, nil
}

func (row Plot) domain() (parcel.Plot, error) {
	g, err := geometry.Parse(row.Geometry)
	if err != nil {
		return parcel.Plot{}, fmt.Errorf("plot %s geometry: %w", row.ID, err)
	}
	poly, ok := g.(orb.Polygon)
	if !ok {
		return parcel.Plot{}, fmt.Errorf("plot %s geometry is %s, want Polygon", row.ID, g.GeoJSONType())
	}
	return parcel.Plot{
		ID:         row.ID,
		ProjectID:  row.ProjectID,
		Label:      row.Label,
		Category:   parcel.Category(row.Category),
		Geometry:   poly,
		AreaSQM:    row.AreaSQM,
		AreaSQFT:   row.AreaSQFT,
		PerimeterM: row.PerimeterM,
		Color:      row.Color,
		Confidence: row.Confidence,
		Active:     row.Active,
		Source:     parcel.PlotSource(row.Source),
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}, nil
}

func deviationRow(d parcel.Deviation, position int) (Deviation, error) {
	row := Deviation{
		ID:              d.ID,
		ProjectID:       d.ProjectID,
		RunID:           d.RunID,
		PlotID:          d.PlotID,
		ReferencePlotID: d.ReferencePlotID,
		DeviationType:   string(d.Type),
		Severity:        string(d.Severity),
		AreaSQM:         d.AreaSQM,
		Description:     d.Description,
		Details:         datatypes.NewJSONType(d.Details),
		Position:        position,
		CreatedAt:       d.CreatedAt,
	}
	if d.Geometry != nil {
		raw, err := geometry.Marshal(d.Geometry)
		if err != nil {
			return Deviation{}, fmt.Errorf("marshal deviation geometry: %w", err)
		}
		row.Geometry = datatypes.JSON(raw)
	}
	return row, nil
}

func (row Deviation) domain() (parcel.Deviation, error) {
	d := parcel.Deviation{
		ID:              row.ID,
		ProjectID:       row.ProjectID,
		RunID:           row.RunID,
		PlotID:          row.PlotID,
		ReferencePlotID: row.ReferencePlotID,
		Type:            parcel.DeviationType(row.DeviationType),
		Severity:        parcel.Severity(row.Severity),
		AreaSQM:         row.AreaSQM,
		Description:     row.Description,
		Details:         row.Details.Data(),
		CreatedAt:       row.CreatedAt,
	}
	if len(row.Geometry) > 0 && string(row.Geometry) != "null" {
		g, err := geometry.Parse(row.Geometry)
		if err != nil {
			return parcel.Deviation{}, fmt.Errorf("deviation %s geometry: %w", row.ID, err)
		}
		d.Geometry = g
	}
	return d, nil
}

func (r *ParcelRepository) GetProject(ctx context.Context, id uuid.UUID) (*parcel.Project, error) {
	var row Project
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: project %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	p := row.domain()
	return &p, nil
}

// SaveDetection stores the project and swaps its active plot set for plots
// in one transaction. Nothing changes when any write fails.
func (r *ParcelRepository) SaveDetection(ctx context.Context, p *parcel.Project, plots []parcel.Plot) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	project := projectRow(p)

	rows := make([]Plot, 0, len(plots))
	for _, pl := range plots {
		row, err := plotRow(pl)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&project).Error; err != nil {
			return fmt.Errorf("save project: %w", err)
		}
		if err := tx.Where("project_id = ? AND active", p.ID).Delete(&Plot{}).Error; err != nil {
			return fmt.Errorf("delete active plots: %w", err)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("insert plots: %w", err)
			}
		}
		return nil
	})
}

func (r *ParcelRepository) ListPlots(ctx context.Context, projectID uuid.UUID, includeInactive bool) ([]parcel.Plot, error) {
	query := r.db.WithContext(ctx).Where("project_id = ?", projectID)
	if !includeInactive {
		query = query.Where("active")
	}
	var rows []Plot
	if err := query.Order("created_at, label").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]parcel.Plot, 0, len(rows))
	for _, row := range rows {
		p, err := row.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *ParcelRepository) GetPlot(ctx context.Context, id uuid.UUID) (*parcel.Plot, error) {
	var row Plot
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: plot %s", model.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	p, err := row.domain()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *ParcelRepository) UpdatePlot(ctx context.Context, p *parcel.Plot) error {
	p.UpdatedAt = time.Now().UTC()
	row, err := plotRow(*p)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&Plot{}).Where("id = ?", p.ID).Updates(map[string]any{
		"label":       row.Label,
		"category":    row.Category,
		"geometry":    row.Geometry,
		"area_sqm":    row.AreaSQM,
		"area_sqft":   row.AreaSQFT,
		"perimeter_m": row.PerimeterM,
		"color":       row.Color,
		"active":      row.Active,
		"source":      row.Source,
		"updated_at":  row.UpdatedAt,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update plot: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: plot %s", model.ErrNotFound, p.ID)
	}
	return nil
}

// ReplaceDeviations stores a comparison run and makes it the project's only
// deviation set.
func (r *ParcelRepository) ReplaceDeviations(ctx context.Context, projectID, runID uuid.UUID, devs []parcel.Deviation, summary parcel.ComparisonSummary) error {
	rows := make([]Deviation, 0, len(devs))
	for i, d := range devs {
		row, err := deviationRow(d, i)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("project_id = ?", projectID).Delete(&Deviation{}).Error; err != nil {
			return fmt.Errorf("delete deviations: %w", err)
		}
		if len(rows) > 0 {
			if err := tx.CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("insert deviations: %w", err)
			}
		}
		run := ComparisonRun{
			ID:        runID,
			ProjectID: projectID,
			Summary:   datatypes.NewJSONType(summary),
			CreatedAt: time.Now().UTC(),
		}
		if err := tx.Create(&run).Error; err != nil {
			return fmt.Errorf("insert comparison run: %w", err)
		}
		return nil
	})
}

func (r *ParcelRepository) ListDeviations(ctx context.Context, projectID uuid.UUID) ([]parcel.Deviation, error) {
	var rows []Deviation
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("position").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]parcel.Deviation, 0, len(rows))
	for _, row := range rows {
		d, err := row.domain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// LatestSummary returns the summary of the project's most recent
// comparison, or nil when it was never compared.
func (r *ParcelRepository) LatestSummary(ctx context.Context, projectID uuid.UUID) (*parcel.ComparisonSummary, uuid.UUID, error) {
	var run ComparisonRun
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, uuid.Nil, nil
	}
	if err != nil {
		return nil, uuid.Nil, err
	}
	s := run.Summary.Data()
	return &s, run.ID, nil
}
